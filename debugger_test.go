package jsbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialDebugger(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	addr := b.DebuggerAddr()
	require.NotEmpty(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readDebugMessage(t *testing.T, conn *websocket.Conn) debugMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg debugMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeDebugRequest(t *testing.T, conn *websocket.Conn, id int, src string) {
	t.Helper()
	data, err := json.Marshal(debugRequest{ID: id, Eval: src})
	require.NoError(t, err)
	require.NoError(t, conn.Write(testContext(t), websocket.MessageText, data))
}

func newDebuggerBridge(t *testing.T) *Bridge {
	t.Helper()
	b := newTestBridge(t, func(c *Config) {
		c.Debugger.Enabled = true
		c.Debugger.Addr = "127.0.0.1:0"
		c.Console.Enabled = true
		c.Console.Append = func(string, string) {}
	})
	_, err := Evaluate[int](testContext(t), b, "0")
	require.NoError(t, err)
	return b
}

func TestDebugger_Evaluate(t *testing.T) {
	b := newDebuggerBridge(t)
	conn := dialDebugger(t, b)

	writeDebugRequest(t, conn, 1, "({sum: 1 + 2, list: ['a']})")
	msg := readDebugMessage(t, conn)
	assert.EqualValues(t, 1, msg.ID)
	assert.JSONEq(t, `{"sum":3,"list":["a"]}`, string(msg.Result))
	assert.Empty(t, msg.Error)

	writeDebugRequest(t, conn, 2, "throw new Error('from debugger')")
	msg = readDebugMessage(t, conn)
	assert.EqualValues(t, 2, msg.ID)
	assert.Contains(t, msg.Error, "from debugger")

	// Script state is shared with the host.
	_, err := Evaluate[any](testContext(t), b, "var shared = 'host'")
	require.NoError(t, err)
	writeDebugRequest(t, conn, 3, "shared")
	msg = readDebugMessage(t, conn)
	assert.JSONEq(t, `"host"`, string(msg.Result))
}

func TestDebugger_StreamsConsoleAndErrors(t *testing.T) {
	b := newDebuggerBridge(t)
	conn := dialDebugger(t, b)

	writeDebugRequest(t, conn, 1, "console.warn('watch out'); 1")
	msg := readDebugMessage(t, conn)
	require.NotNil(t, msg.Console)
	assert.Equal(t, "warn", msg.Console.Level)
	assert.Equal(t, "watch out", msg.Console.Message)
	msg = readDebugMessage(t, conn)
	assert.EqualValues(t, 1, msg.ID)

	b.EvaluateNoResult("throw new Error('unobserved')")
	msg = readDebugMessage(t, conn)
	assert.Contains(t, msg.BridgeError, "unobserved")
}

func TestDebugger_MalformedRequest(t *testing.T) {
	b := newDebuggerBridge(t)
	conn := dialDebugger(t, b)

	require.NoError(t, conn.Write(testContext(t), websocket.MessageText, []byte("{not json")))
	msg := readDebugMessage(t, conn)
	assert.Contains(t, msg.Error, "malformed request")
}

func TestDebugger_ReleaseClosesClients(t *testing.T) {
	b := newDebuggerBridge(t)
	conn := dialDebugger(t, b)

	b.Release()
	<-b.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestDebugger_Disabled(t *testing.T) {
	b := newTestBridge(t)
	assert.Empty(t, b.DebuggerAddr())
}
