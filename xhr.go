package jsbridge

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/jsbridge/internal/core"
)

// maxXHRResponseBytes caps the body read for a single request.
const maxXHRResponseBytes = 32 << 20

var xhrMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
	http.MethodHead:   true,
}

// xhrJS installs XMLHttpRequest. Requests are identified by number; the
// host calls __jsBridge_xhr.complete once the exchange is over.
const xhrJS = `
(function (g) {
	var sendNative = g.__jsBridge_xhrSend;
	var abortNative = g.__jsBridge_xhrAbort;
	delete g.__jsBridge_xhrSend;
	delete g.__jsBridge_xhrAbort;

	var pending = {};
	var nextId = 1;

	function noop() {}

	function progressEvent(type, xhr) {
		return {
			type: type, target: xhr, currentTarget: xhr, srcElement: xhr,
			bubbles: false, cancelable: false, defaultPrevented: false,
			lengthComputable: false, loaded: -1, total: -1, timeStamp: Date.now(),
			preventDefault: noop, stopPropagation: noop, stopImmediatePropagation: noop
		};
	}

	function XMLHttpRequest() {
		this._method = null;
		this._url = null;
		this._requestHeaders = [];
		this._responseHeaders = [];
		this._listeners = [];
		this._id = 0;

		this.readyState = 0;
		this.status = 0;
		this.statusText = "";
		this.response = null;
		this.responseText = null;
		this.responseXML = null;
		this.responseURL = "";
		this.responseType = "";
		this.timeout = 0;
		this.withCredentials = false;

		this.onreadystatechange = null;
		this.onloadstart = null;
		this.onprogress = null;
		this.onabort = null;
		this.onerror = null;
		this.onload = null;
		this.onloadend = null;
		this.ontimeout = null;
	}

	XMLHttpRequest.UNSENT = 0;
	XMLHttpRequest.OPENED = 1;
	XMLHttpRequest.HEADERS_RECEIVED = 2;
	XMLHttpRequest.LOADING = 3;
	XMLHttpRequest.DONE = 4;

	var proto = XMLHttpRequest.prototype;

	proto._dispatch = function (type) {
		var handler = this["on" + type];
		var event = progressEvent(type, this);
		if (typeof handler === "function") handler.call(this, event);
		var listeners = this._listeners.slice();
		for (var i = 0; i < listeners.length; i++) {
			if (listeners[i].type === type) listeners[i].fn.call(this, event);
		}
	};

	proto._setState = function (state) {
		this.readyState = state;
		this._dispatch("readystatechange");
	};

	proto.open = function (method, url) {
		this._method = String(method);
		this._url = String(url);
		this._requestHeaders = [];
		this._responseHeaders = [];
		this.status = 0;
		this.statusText = "";
		this.response = null;
		this.responseText = null;
		this.responseXML = null;
		this._setState(XMLHttpRequest.OPENED);
	};

	proto.setRequestHeader = function (name, value) {
		if (this.readyState !== XMLHttpRequest.OPENED) throw new Error("InvalidStateError: setRequestHeader before open");
		this._requestHeaders.push([String(name), String(value)]);
	};

	proto.addEventListener = function (type, fn) {
		if (typeof fn === "function") this._listeners.push({ type: String(type), fn: fn });
	};

	proto.removeEventListener = function (type, fn) {
		this._listeners = this._listeners.filter(function (l) { return l.type !== type || l.fn !== fn; });
	};

	proto.send = function (body) {
		if (this.readyState !== XMLHttpRequest.OPENED) throw new Error("InvalidStateError: send before open");
		var id = String(nextId++);
		this._id = id;
		pending[id] = this;
		this._setState(XMLHttpRequest.LOADING);
		this._dispatch("loadstart");
		var hasBody = body !== undefined && body !== null;
		if (hasBody && typeof body !== "string") body = JSON.stringify(body);
		sendNative(id, this._method, this._url, JSON.stringify(this._requestHeaders),
			hasBody ? body : "", hasBody ? "1" : "", String(Number(this.timeout) || 0), String(this.responseType || ""));
	};

	proto.abort = function () {
		var id = this._id;
		if (!id || !pending[id]) return;
		delete pending[id];
		this._id = 0;
		abortNative(id);
		this.readyState = XMLHttpRequest.UNSENT;
		this.status = 0;
		this._dispatch("abort");
		this._dispatch("loadend");
	};

	proto.getAllResponseHeaders = function () {
		if (this.readyState < XMLHttpRequest.HEADERS_RECEIVED) return "";
		return this._responseHeaders.map(function (h) { return h[0] + ": " + h[1] + "\r\n"; }).join("");
	};

	proto.getResponseHeader = function (name) {
		name = String(name).toLowerCase();
		var values = this._responseHeaders
			.filter(function (h) { return h[0] === name; })
			.map(function (h) { return h[1]; });
		return values.length ? values.join(", ") : null;
	};

	proto.overrideMimeType = noop;

	function complete(id, r) {
		var xhr = pending[id];
		if (!xhr) return;
		delete pending[id];
		xhr._id = 0;

		var error = r.error;
		if (!error) {
			xhr.responseURL = r.url;
			xhr.status = r.status;
			xhr.statusText = r.statusText;
			xhr._responseHeaders = r.headers || [];
			xhr.responseText = r.text;
			switch (xhr.responseType) {
			case "":
			case "text":
				xhr.response = r.text;
				break;
			case "json":
				try {
					xhr.response = r.text === "" ? null : JSON.parse(r.text);
				} catch (e) {
					error = "cannot parse JSON response: " + e.message;
				}
				break;
			case "document":
				xhr.response = r.document;
				xhr.responseXML = r.document;
				break;
			default:
				error = "unsupported responseType " + xhr.responseType;
			}
		} else {
			xhr.responseText = "";
		}

		xhr._setState(XMLHttpRequest.DONE);
		if (r.timeout) {
			xhr._dispatch("timeout");
		} else if (error) {
			xhr._error = error;
			xhr._dispatch("error");
		} else {
			xhr._dispatch("load");
		}
		xhr._dispatch("loadend");
	}

	g.XMLHttpRequest = XMLHttpRequest;
	g.__jsBridge_xhr = { complete: complete };
})(globalThis);
`

// xhrRequest is a request as sent by script.
type xhrRequest struct {
	id           string
	method       string
	url          string
	headers      [][2]string
	body         *string
	timeout      time.Duration
	responseType string
}

// xhrResult is handed to __jsBridge_xhr.complete.
type xhrResult struct {
	URL        string       `json:"url,omitempty"`
	Status     int          `json:"status"`
	StatusText string       `json:"statusText"`
	Headers    [][2]string  `json:"headers,omitempty"`
	Text       string       `json:"text"`
	Document   *xhrDocument `json:"document,omitempty"`
	Error      string       `json:"error,omitempty"`
	Timeout    bool         `json:"timeout,omitempty"`
}

// xhrDocument is the parsed form of an HTML response.
type xhrDocument struct {
	Title       string   `json:"title"`
	TextContent string   `json:"textContent"`
	Links       []string `json:"links"`
}

type xhrExtension struct {
	cfg    XHRConfig
	c      *bridgeCore
	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	// In-flight requests by script id, confined to the dispatcher.
	inflight map[string]context.CancelFunc
}

func (e *xhrExtension) name() string { return "XMLHttpRequest" }

func (e *xhrExtension) setup(c *bridgeCore) error {
	e.c = c
	e.client = e.cfg.Client
	if e.client == nil {
		e.client = &http.Client{}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.inflight = make(map[string]context.CancelFunc)
	if err := c.rt.RegisterFunc("__jsBridge_xhrSend", e.send); err != nil {
		return fmt.Errorf("registering XMLHttpRequest: %w", err)
	}
	if err := c.rt.RegisterFunc("__jsBridge_xhrAbort", e.abort); err != nil {
		return fmt.Errorf("registering XMLHttpRequest: %w", err)
	}
	if err := c.rt.Eval(xhrJS); err != nil {
		return fmt.Errorf("installing XMLHttpRequest: %w", err)
	}
	return nil
}

func (e *xhrExtension) release() {
	if e.cancel != nil {
		e.cancel()
	}
	clear(e.inflight)
}

func (e *xhrExtension) send(id, method, rawURL, headersJSON, body, hasBody, timeoutMs, responseType string) {
	req := &xhrRequest{
		id:           id,
		method:       strings.ToUpper(method),
		url:          rawURL,
		timeout:      e.cfg.Timeout,
		responseType: responseType,
	}
	if hasBody != "" {
		req.body = &body
	}
	if ms, err := strconv.ParseFloat(timeoutMs, 64); err == nil && ms > 0 {
		req.timeout = time.Duration(ms * float64(time.Millisecond))
	}
	var pairs [][]string
	if err := json.Unmarshal([]byte(headersJSON), &pairs); err != nil {
		e.c.log.Warn("ignoring malformed XMLHttpRequest headers", zap.Error(err))
	}
	for _, p := range pairs {
		if len(p) == 2 {
			req.headers = append(req.headers, [2]string{p[0], p[1]})
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.timeout > 0 {
		ctx, cancel = context.WithTimeout(e.ctx, req.timeout)
	} else {
		ctx, cancel = context.WithCancel(e.ctx)
	}
	e.inflight[id] = cancel
	go func() {
		res := e.perform(ctx, req)
		cancel()
		e.c.post(func() { e.deliver(req, res) }, nil)
	}()
}

func (e *xhrExtension) abort(id string) {
	if cancel, ok := e.inflight[id]; ok {
		cancel()
		delete(e.inflight, id)
	}
}

// perform runs the HTTP exchange off the dispatcher.
func (e *xhrExtension) perform(ctx context.Context, r *xhrRequest) *xhrResult {
	res, err := e.exchange(ctx, r)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &xhrResult{Error: "timeout", Timeout: true}
		}
		e.c.log.Debug("XMLHttpRequest failed", zap.String("url", r.url), zap.Error(err))
		return &xhrResult{Error: err.Error()}
	}
	return res
}

func (e *xhrExtension) exchange(ctx context.Context, r *xhrRequest) (*xhrResult, error) {
	if !xhrMethods[r.method] {
		return nil, fmt.Errorf("unsupported HTTP method %q", r.method)
	}
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	var body io.Reader
	switch {
	case r.body != nil:
		body = strings.NewReader(*r.body)
	case r.method == http.MethodPost || r.method == http.MethodPut:
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for _, h := range r.headers {
		if !httpguts.ValidHeaderFieldName(h[0]) || !httpguts.ValidHeaderFieldValue(h[1]) {
			return nil, fmt.Errorf("invalid request header %q", h[0])
		}
		req.Header.Add(h[0], h[1])
	}
	if req.Header.Get("User-Agent") == "" && e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	text, err := readResponseText(resp)
	if err != nil {
		return nil, err
	}
	res := &xhrResult{
		URL:        resp.Request.URL.String(),
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		Headers:    headerPairs(resp.Header),
		Text:       text,
	}
	if r.responseType == "document" {
		doc, err := parseDocument(text)
		if err != nil {
			return nil, fmt.Errorf("parsing document: %w", err)
		}
		res.Document = doc
	}
	return res, nil
}

// readResponseText decodes the body according to its content encoding
// and charset.
func readResponseText(resp *http.Response) (string, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxXHRResponseBytes)
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		r = brotli.NewReader(r)
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("decoding gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		cr, err := charset.NewReader(r, ct)
		if err == nil {
			r = cr
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(data), nil
}

// headerPairs flattens h into lowercase name/value pairs sorted by name.
func headerPairs(h http.Header) [][2]string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	var out [][2]string
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, [2]string{strings.ToLower(k), v})
		}
	}
	return out
}

func parseDocument(text string) (*xhrDocument, error) {
	root, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	doc := &xhrDocument{Links: []string{}}
	var sb strings.Builder
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.TextNode:
			if !skip {
				sb.WriteString(n.Data)
			}
		case html.ElementNode:
			switch n.Data {
			case "title":
				if doc.Title == "" && n.FirstChild != nil {
					doc.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				skip = true
			case "script", "style", "head":
				skip = true
			case "a":
				for _, a := range n.Attr {
					if a.Key == "href" {
						doc.Links = append(doc.Links, a.Val)
					}
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch, skip)
		}
	}
	walk(root, false)
	doc.TextContent = strings.TrimSpace(sb.String())
	return doc, nil
}

// deliver hands res to script on the dispatcher.
func (e *xhrExtension) deliver(r *xhrRequest, res *xhrResult) {
	if _, ok := e.inflight[r.id]; !ok {
		// Aborted.
		return
	}
	delete(e.inflight, r.id)
	data, err := json.Marshal(res)
	if err != nil {
		e.c.notify(&XHRError{Method: r.method, URL: r.url, Err: err})
		return
	}
	c := e.c
	err = c.mutate(func(eng core.Engine) error {
		env, err := eng.Evaluate("globalThis.__jsBridge_xhr.complete("+core.JsEscape(r.id)+", "+string(data)+")", core.ResultNone)
		if err != nil {
			return err
		}
		if env.Error != nil {
			return c.exception(env.Error)
		}
		return nil
	})
	if err != nil {
		c.notify(&XHRError{Method: r.method, URL: r.url, Err: err})
	}
}
