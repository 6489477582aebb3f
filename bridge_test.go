package jsbridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBridge opens a bridge with the bare configuration adjusted by
// opts and releases it when the test ends.
func newTestBridge(t *testing.T, opts ...func(*Config)) *Bridge {
	t.Helper()
	cfg := BareConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b := Open(cfg)
	t.Cleanup(func() {
		if !b.State().released() {
			b.Release()
		}
		select {
		case <-b.Done():
		case <-time.After(10 * time.Second):
			t.Error("bridge was not released in time")
		}
	})
	return b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collectErrors delivers every error notified by b on the returned
// channel.
func collectErrors(b *Bridge) <-chan Error {
	ch := make(chan Error, 64)
	b.AddErrorListener(WithExecutor(ErrorListenerFunc(func(err Error) {
		select {
		case ch <- err:
		default:
		}
	}), func(f func()) { f() }))
	return ch
}

func nextError(t *testing.T, ch <-chan Error) Error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no error was reported")
		return nil
	}
}

func TestBridge_EvaluateArithmetic(t *testing.T) {
	b := newTestBridge(t)
	v, err := Evaluate[int](testContext(t), b, "1+1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestBridge_EvaluateNullIntoNullableString(t *testing.T) {
	b := newTestBridge(t)
	v, err := Evaluate[*string](testContext(t), b, "null")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBridge_EvaluateThrowReturnsScriptException(t *testing.T) {
	b := newTestBridge(t)
	_, err := Evaluate[any](testContext(t), b, "throw new Error('x')")
	require.Error(t, err)

	var se *StringEvaluationError
	require.ErrorAs(t, err, &se)
	ex, ok := AsScriptException(err)
	require.True(t, ok)
	assert.Contains(t, ex.Message, "x")
	assert.NotEmpty(t, ex.StackTrace())
}

func TestBridge_RegisteredFunctionIsCallable(t *testing.T) {
	b := newTestBridge(t)
	_, err := RegisterFunc(b, "add", func(a, b int) int { return a + b })
	require.NoError(t, err)

	v, err := Evaluate[int](testContext(t), b, "add(3,4)")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBridge_PendingPromiseResolvedByLaterEvaluation(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	_, err := Evaluate[any](ctx, b, "globalThis.p = new Promise(function (r) { globalThis.resolveIt = r; }); undefined")
	require.NoError(t, err)

	f := EvaluateAsync[int](b, "p")
	select {
	case <-f.Done():
		t.Fatal("promise settled before being resolved")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = Evaluate[any](ctx, b, "resolveIt(42)")
	require.NoError(t, err)
	v, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBridge_EvaluateFutureResult(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	f, err := Evaluate[*Future[string]](ctx, b, "Promise.resolve('later')")
	require.NoError(t, err)
	v, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", v)

	f, err = Evaluate[*Future[string]](ctx, b, "'now'")
	require.NoError(t, err)
	v, err = f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", v)
}

func TestBridge_RejectedPromiseFailsEvaluate(t *testing.T) {
	b := newTestBridge(t)
	_, err := Evaluate[int](testContext(t), b, "Promise.reject(new TypeError('nope'))")
	require.Error(t, err)
	ex, ok := AsScriptException(err)
	require.True(t, ok)
	assert.Equal(t, "TypeError", ex.Name)
	assert.Equal(t, "nope", ex.Message)
}

func TestBridge_DoubleReleaseIsNoop(t *testing.T) {
	b := Open(BareConfig())
	errs := collectErrors(b)
	b.Release()
	<-b.Done()
	assert.Equal(t, Released, b.State())

	b.Release()
	assert.Equal(t, Released, b.State())
	select {
	case err := <-errs:
		t.Fatalf("unexpected error after second release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridge_OperationsAfterReleaseFail(t *testing.T) {
	b := Open(BareConfig())
	ctx := testContext(t)
	v := NewValueFrom(b, "({a: 1})")
	require.NoError(t, v.Await(ctx))
	b.Release()
	<-b.Done()

	_, err := Evaluate[int](ctx, b, "1")
	assert.ErrorIs(t, err, ErrReleased)

	_, err = EvaluateAsync[int](b, "1").Await(ctx)
	assert.ErrorIs(t, err, ErrReleased)

	_, err = ValueAs[int](ctx, v)
	assert.ErrorIs(t, err, ErrReleased)

	_, err = RegisterFunc(b, "late", func() {})
	assert.ErrorIs(t, err, ErrReleased)

	assert.ErrorIs(t, b.EvaluateFile(ctx, strings.NewReader("1"), "late.js"), ErrReleased)
}

func TestBridge_Lifecycle(t *testing.T) {
	b := New(BareConfig())
	errs := collectErrors(b)
	assert.Equal(t, Pending, b.State())

	_, err := Evaluate[int](testContext(t), b, "1")
	assert.ErrorIs(t, err, ErrNotStarted)

	b.Start()
	t.Cleanup(func() {
		b.Release()
		<-b.Done()
	})
	v, err := Evaluate[int](testContext(t), b, "5")
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, Started, b.State())

	b.Start()
	var se *StartError
	assert.ErrorAs(t, nextError(t, errs), &se)
}

func TestBridge_ReleaseNeverStarted(t *testing.T) {
	b := New(BareConfig())
	errs := collectErrors(b)
	b.Release()

	var de *DestroyError
	assert.ErrorAs(t, nextError(t, errs), &de)
	assert.Equal(t, Pending, b.State())
}

func TestBridge_ReleaseInterruptsRunningScript(t *testing.T) {
	b := newTestBridge(t, func(c *Config) { c.ReleaseTimeout = 100 * time.Millisecond })
	ctx := testContext(t)
	_, err := Evaluate[int](ctx, b, "1")
	require.NoError(t, err)

	f := EvaluateAsync[any](b, "for (;;) {}")
	time.Sleep(50 * time.Millisecond)
	b.Release()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("release did not interrupt the script")
	}
	_, err = f.Await(ctx)
	assert.Error(t, err)
}

func TestBridge_ErrorListeners(t *testing.T) {
	b := newTestBridge(t)
	errs := collectErrors(b)

	b.EvaluateNoResult("throw new RangeError('fire and forget')")
	err := nextError(t, errs)
	var se *StringEvaluationError
	require.ErrorAs(t, err, &se)
	ex, ok := AsScriptException(err)
	require.True(t, ok)
	assert.Equal(t, "RangeError", ex.Name)
}

func TestBridge_RemovedListenerIsNotCalled(t *testing.T) {
	b := newTestBridge(t)
	called := make(chan struct{}, 1)
	remove := b.AddErrorListener(ErrorListenerFunc(func(Error) { called <- struct{}{} }))
	remove()
	errs := collectErrors(b)

	b.EvaluateNoResult("throw new Error('ignored')")
	nextError(t, errs)
	select {
	case <-called:
		t.Fatal("removed listener was notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridge_EvaluateFileKeepsDeclarations(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	require.NoError(t, b.EvaluateFile(ctx, strings.NewReader("let counter = 41; function bump() { return ++counter; }"), "counter.js"))

	v, err := Evaluate[int](ctx, b, "bump()")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBridge_EvaluateFileSyntaxError(t *testing.T) {
	b := newTestBridge(t)
	err := b.EvaluateFile(testContext(t), strings.NewReader("function ("), "broken.js")
	var fe *FileEvaluationError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "broken.js", fe.FileName)
}

func TestBridge_EvaluateLocalFile(t *testing.T) {
	fsys := fstest.MapFS{
		"lib.js":     {Data: []byte("globalThis.flavor = 'min';")},
		"lib.max.js": {Data: []byte("globalThis.flavor = 'max';")},
		"only.js":    {Data: []byte("globalThis.only = true;")},
	}
	b := newTestBridge(t)
	ctx := testContext(t)

	require.NoError(t, b.EvaluateLocalFile(ctx, fsys, "lib.js", false))
	v, err := Evaluate[string](ctx, b, "flavor")
	require.NoError(t, err)
	assert.Equal(t, "min", v)

	require.NoError(t, b.EvaluateLocalFile(ctx, fsys, "lib.js", true))
	v, err = Evaluate[string](ctx, b, "flavor")
	require.NoError(t, err)
	assert.Equal(t, "max", v)

	require.NoError(t, b.EvaluateLocalFile(ctx, fsys, "only.js", true))

	var fe *FileEvaluationError
	assert.ErrorAs(t, b.EvaluateLocalFile(ctx, fsys, "lib.max.js", false), &fe)
	assert.ErrorAs(t, b.EvaluateLocalFile(ctx, fsys, "missing.js", false), &fe)
}

func TestBridge_MemoryLimit(t *testing.T) {
	b := newTestBridge(t, func(c *Config) { c.MemoryLimitMB = 16 })
	_, err := Evaluate[any](testContext(t), b, "var hog = []; for (;;) hog.push(new Array(1e5).fill(1));")
	assert.Error(t, err)
}

func TestBridge_ContextCancelled(t *testing.T) {
	b := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Evaluate[int](ctx, b, "new Promise(function () {})")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrReleased), "got %v", err)
}
