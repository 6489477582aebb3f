package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/cryguy/jsbridge/payload"
)

const (
	maxDebugMessageBytes = 1 << 20
	debugClientBuffer    = 64
	debugWriteTimeout    = 5 * time.Second
)

// debugRequest is a message sent by a debugger client.
type debugRequest struct {
	ID   any    `json:"id,omitempty"`
	Eval string `json:"eval"`
}

// debugMessage is a message sent to debugger clients.
type debugMessage struct {
	ID          any             `json:"id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Console     *debugConsole   `json:"console,omitempty"`
	BridgeError string          `json:"bridgeError,omitempty"`
}

type debugConsole struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type debugClient struct {
	conn *websocket.Conn
	out  chan []byte
}

// debuggerExtension serves a websocket endpoint for remote evaluation and
// streams console output and bridge errors to connected clients.
type debuggerExtension struct {
	cfg DebuggerConfig
	c   *bridgeCore

	ctx            context.Context
	cancel         context.CancelFunc
	srv            *http.Server
	removeListener func()

	mu      sync.Mutex
	addr    string
	clients map[*debugClient]struct{}
}

func (e *debuggerExtension) name() string { return "debugger" }

func (e *debuggerExtension) setup(c *bridgeCore) error {
	e.c = c
	addr := e.cfg.Addr
	if addr == "" {
		addr = DefaultDebuggerAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.clients = make(map[*debugClient]struct{})
	e.mu.Lock()
	e.addr = ln.Addr().String()
	e.mu.Unlock()

	e.srv = &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn("debugger server stopped", zap.Error(err))
		}
	}()

	c.consoleTaps = append(c.consoleTaps, e.console)
	e.removeListener = c.addErrorListener(ErrorListenerFunc(e.bridgeError))
	c.log.Info("debugger listening", zap.String("addr", e.addr))
	return nil
}

func (e *debuggerExtension) release() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.removeListener()
	_ = e.srv.Close()
	e.mu.Lock()
	for cl := range e.clients {
		_ = cl.conn.CloseNow()
		delete(e.clients, cl)
	}
	e.mu.Unlock()
}

func (e *debuggerExtension) listenAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// DebuggerAddr returns the address the debugger listens on, or "" when
// the debugger is disabled or not started yet.
func (b *Bridge) DebuggerAddr() string {
	for _, ext := range b.c.extensions {
		if d, ok := ext.(*debuggerExtension); ok {
			return d.listenAddr()
		}
	}
	return ""
}

func (e *debuggerExtension) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.c.log.Debug("debugger handshake failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxDebugMessageBytes)
	cl := &debugClient{conn: conn, out: make(chan []byte, debugClientBuffer)}

	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "bridge released")
		return
	}
	e.clients[cl] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.clients, cl)
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	go e.write(ctx, cl)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		e.send(cl, e.handle(ctx, data))
	}
}

// write forwards queued messages to the client.
func (e *debuggerExtension) write(ctx context.Context, cl *debugClient) {
	for {
		select {
		case <-ctx.Done():
			_ = cl.conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-cl.out:
			wctx, cancel := context.WithTimeout(ctx, debugWriteTimeout)
			err := cl.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (e *debuggerExtension) handle(ctx context.Context, data []byte) *debugMessage {
	var req debugRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return &debugMessage{Error: "malformed request: " + err.Error()}
	}
	resp := &debugMessage{ID: req.ID}
	td, err := TypeFor[payload.Value]()
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	rv, err := e.c.exchange(ctx, td, evaluateCall(req.Eval))
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	pv, _ := iface(rv).(payload.Value)
	resp.Result = json.RawMessage(payload.Encode(pv, false))
	return resp
}

// send queues msg for cl, dropping it when the client is too slow.
func (e *debuggerExtension) send(cl *debugClient, msg *debugMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.c.log.Warn("cannot encode debugger message", zap.Error(err))
		return
	}
	select {
	case cl.out <- data:
	default:
		e.c.log.Debug("debugger client too slow, message dropped")
	}
}

func (e *debuggerExtension) broadcast(msg *debugMessage) {
	e.mu.Lock()
	clients := make([]*debugClient, 0, len(e.clients))
	for cl := range e.clients {
		clients = append(clients, cl)
	}
	e.mu.Unlock()
	for _, cl := range clients {
		e.send(cl, msg)
	}
}

func (e *debuggerExtension) console(level, msg string) {
	e.broadcast(&debugMessage{Console: &debugConsole{Level: level, Message: msg}})
}

func (e *debuggerExtension) bridgeError(err Error) {
	e.broadcast(&debugMessage{BridgeError: err.Error()})
}
