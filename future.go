package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// futureCore is the untyped completion state shared by every Future.
type futureCore struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	val       any
	err       error
	callbacks []func()
}

func newFutureCore() *futureCore {
	return &futureCore{done: make(chan struct{})}
}

func (f *futureCore) settle(v any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val, f.err = v, err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	return true
}

// onDone calls cb once the future is settled; immediately if it already is.
func (f *futureCore) onDone(cb func()) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

func (f *futureCore) result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

func (f *futureCore) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *futureCore) await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Future is the host side of an asynchronous result. Script promises
// handed to the host become futures, and futures handed to script become
// promises.
type Future[T any] struct {
	c *futureCore
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{c: newFutureCore()}
}

// Resolved returns a future completed with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Failed returns a future failed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

func (f *Future[T]) core() *futureCore {
	if f.c == nil {
		f.c = newFutureCore()
	}
	return f.c
}

// Complete resolves the future. It reports false if it was already settled.
func (f *Future[T]) Complete(v T) bool { return f.core().settle(v, nil) }

// Fail rejects the future. It reports false if it was already settled.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = fmt.Errorf("jsbridge: future failed with a nil error")
	}
	return f.core().settle(nil, err)
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.core().done }

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	v, err := f.core().await(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return castAny[T](v), nil
}

// Then calls fn with the outcome once the future settles, on whichever
// goroutine settles it.
func (f *Future[T]) Then(fn func(T, error)) {
	c := f.core()
	c.onDone(func() {
		v, err := c.result()
		fn(castAny[T](v), err)
	})
}

// futureType is implemented by every *Future[T]; it lets the marshaler
// recognize futures and build them through reflection.
type futureType interface {
	elemType() reflect.Type
	setCore(*futureCore)
	getCore() *futureCore
}

func (*Future[T]) elemType() reflect.Type  { return reflect.TypeFor[T]() }
func (f *Future[T]) setCore(c *futureCore) { f.c = c }
func (f *Future[T]) getCore() *futureCore  { return f.core() }

var futureIface = reflect.TypeFor[futureType]()

// newFutureOf allocates a *Future of type t (a *Future[X] type) around c.
func newFutureOf(t reflect.Type, c *futureCore) reflect.Value {
	rv := reflect.New(t.Elem())
	rv.Interface().(futureType).setCore(c)
	return rv
}

func castAny[T any](v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	var zero T
	return zero
}
