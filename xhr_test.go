package jsbridge

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// xhrHelperJS wraps one request into a promise of its outcome.
const xhrHelperJS = `
function request(method, url, setup, body) {
	return new Promise(function (resolve) {
		var x = new XMLHttpRequest();
		var states = [];
		var outcome = "";
		x.addEventListener("readystatechange", function () { states.push(x.readyState); });
		x.onload = function () { outcome = "load"; };
		x.onerror = function () { outcome = "error"; };
		x.ontimeout = function () { outcome = "timeout"; };
		x.onabort = function () { outcome = "abort"; };
		x.onloadend = function () {
			var response = x.response;
			resolve({
				outcome: outcome,
				status: x.status,
				statusText: x.statusText,
				text: x.responseText || "",
				response: typeof response === "string" ? response : JSON.stringify(response),
				header: x.getResponseHeader("X-Test") || "",
				states: states
			});
		};
		x.open(method, url);
		if (setup) setup(x);
		x.send(body);
	});
}
`

type xhrOutcome struct {
	Outcome    string `json:"outcome"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Text       string `json:"text"`
	Response   string `json:"response"`
	Header     string `json:"header"`
	States     []int  `json:"states"`
}

func newXHRBridge(t *testing.T, opts ...func(*Config)) *Bridge {
	t.Helper()
	b := newTestBridge(t, append([]func(*Config){func(c *Config) { c.XHR.Enabled = true }}, opts...)...)
	require.NoError(t, b.EvaluateFile(testContext(t), strings.NewReader(xhrHelperJS), "xhr_helper.js"))
	return b
}

func newXHRServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "hello")
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[1,2],"ok":true}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s|%s|%s|%s|%s", r.Method, body, r.Header.Get("Content-Type"), r.Header.Get("X-Custom"), r.UserAgent())
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/brotli", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte("compressed payload"))
		_ = bw.Close()
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title> Front page </title><style>p{}</style></head>
<body><p>Read <a href="/one">one</a> and <a href="https://example.com/two">two</a>.</p><script>var x;</script></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runRequest(t *testing.T, b *Bridge, call string) xhrOutcome {
	t.Helper()
	out, err := Evaluate[xhrOutcome](testContext(t), b, call)
	require.NoError(t, err)
	return out
}

func TestXHR_Get(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q)", srv.URL+"/text"))
	assert.Equal(t, "load", out.Outcome)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, "OK", out.StatusText)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "hello", out.Response)
	assert.Equal(t, "yes", out.Header)
	assert.Equal(t, []int{1, 3, 4}, out.States)
}

func TestXHR_NotFoundStillLoads(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q)", srv.URL+"/nowhere"))
	assert.Equal(t, "load", out.Outcome)
	assert.Equal(t, 404, out.Status)
	assert.Equal(t, "Not Found", out.StatusText)
}

func TestXHR_JSONResponseType(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q, function (x) { x.responseType = 'json'; })", srv.URL+"/json"))
	assert.Equal(t, "load", out.Outcome)
	assert.JSONEq(t, `{"items":[1,2],"ok":true}`, out.Response)
}

func TestXHR_PostWithHeaders(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t, func(c *Config) { c.XHR.UserAgent = "test-agent" })

	out := runRequest(t, b, fmt.Sprintf(`request('post', %q, function (x) {
		x.setRequestHeader('Content-Type', 'application/json');
		x.setRequestHeader('X-Custom', 'abc');
	}, {name: 'ada'})`, srv.URL+"/echo"))
	assert.Equal(t, "load", out.Outcome)
	assert.Equal(t, `POST|{"name":"ada"}|application/json|abc|test-agent`, out.Text)
}

func TestXHR_Timeout(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q, function (x) { x.timeout = 50; })", srv.URL+"/slow"))
	assert.Equal(t, "timeout", out.Outcome)
	assert.Equal(t, 0, out.Status)
}

func TestXHR_Abort(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf(`(function () {
		var req;
		var p = request('GET', %q, function (x) { req = x; });
		req.abort();
		return p;
	})()`, srv.URL+"/slow"))
	assert.Equal(t, "abort", out.Outcome)
	assert.Equal(t, 0, out.Status)
}

func TestXHR_Brotli(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q)", srv.URL+"/brotli"))
	assert.Equal(t, "compressed payload", out.Text)
}

func TestXHR_Document(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	out := runRequest(t, b, fmt.Sprintf("request('GET', %q, function (x) { x.responseType = 'document'; })", srv.URL+"/page"))
	require.Equal(t, "load", out.Outcome)
	assert.JSONEq(t, `{"title":"Front page","textContent":"Read one and two.","links":["/one","https://example.com/two"]}`, out.Response)
}

func TestXHR_RejectedRequests(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)

	for name, call := range map[string]string{
		"scheme": "request('GET', 'ftp://example.com/file')",
		"method": fmt.Sprintf("request('TRACE', %q)", srv.URL+"/text"),
		"header": fmt.Sprintf("request('GET', %q, function (x) { x.setRequestHeader('Bad Name', 'v'); })", srv.URL+"/text"),
	} {
		t.Run(name, func(t *testing.T) {
			out := runRequest(t, b, call)
			assert.Equal(t, "error", out.Outcome)
			assert.Equal(t, 0, out.Status)
		})
	}
}

func TestXHR_InvalidState(t *testing.T) {
	b := newXHRBridge(t)
	msg, err := Evaluate[string](testContext(t), b, "try { new XMLHttpRequest().send(); '' } catch (e) { e.message }")
	require.NoError(t, err)
	assert.Contains(t, msg, "InvalidStateError")
}

func TestXHR_ThrowingHandlerIsReported(t *testing.T) {
	srv := newXHRServer(t)
	b := newXHRBridge(t)
	errs := collectErrors(b)

	b.EvaluateNoResult(fmt.Sprintf(`var x = new XMLHttpRequest();
		x.onload = function () { throw new Error("handler broke"); };
		x.open("GET", %q);
		x.send();`, srv.URL+"/text"))

	var xe *XHRError
	require.ErrorAs(t, nextError(t, errs), &xe)
	assert.Equal(t, http.MethodGet, xe.Method)
	ex, ok := AsScriptException(xe)
	require.True(t, ok)
	assert.Equal(t, "handler broke", ex.Message)
}
