package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/cryguy/jsbridge/internal/core"
)

// Value is a host handle on a script value stored in a global slot of
// the engine. The slot is deleted when the handle is released, explicitly
// or once the handle is garbage collected.
//
// A Value does not keep its Bridge alive.
type Value struct {
	s *valueState
}

type valueState struct {
	name     string
	bridge   weak.Pointer[Bridge]
	released atomic.Bool
	// pending is set while the initial assignment of the slot may still be
	// running on the dispatcher.
	pending *futureCore
}

func newValueState(bridge weak.Pointer[Bridge], name string) *valueState {
	return &valueState{name: name, bridge: bridge}
}

// own makes the handle release its slot when collected.
func own(s *valueState) *Value {
	v := &Value{s: s}
	runtime.AddCleanup(v, func(s *valueState) { s.release() }, s)
	return v
}

// adoptValue takes ownership of a slot the engine just filled.
func (c *bridgeCore) adoptValue(slot string) *Value {
	return own(newValueState(c.self, slot))
}

// NewValue returns a handle on a fresh, still undefined slot.
func NewValue(b *Bridge) *Value {
	return own(newValueState(b.c.self, core.NewSlotName("jsValue")))
}

// NewValueFrom returns a handle on the value of js. The evaluation is
// queued; operations on the handle wait for it, and its failure is
// reported to the error listeners as a ValueEvaluationError. Called from
// a host function that script is running, the evaluation happens before
// NewValueFrom returns.
func NewValueFrom(b *Bridge, js string) *Value {
	c := b.c
	s := newValueState(c.self, core.NewSlotName("jsValue"))
	s.pending = newFutureCore()
	v := own(s)

	fail := func(err error) {
		err = &ValueEvaluationError{Slot: s.name, Err: err}
		if s.pending.settle(nil, err) {
			c.notify(err)
		}
	}
	c.run(func() {
		err := c.mutate(func(e core.Engine) error {
			env, err := e.Assign(s.name, js)
			if err != nil {
				return err
			}
			if env.Error != nil {
				return c.exception(env.Error)
			}
			return nil
		})
		if err != nil {
			fail(err)
			return
		}
		s.pending.settle(nil, nil)
	}, fail)
	return v
}

// NewValueFromFunc exposes fn to script and returns a handle on the
// resulting script function.
func NewValueFromFunc(b *Bridge, fn any) (*Value, error) {
	v, err := b.c.registerFunc(context.Background(), "", fn)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewValueFromObject exposes the methods iface describes on obj to
// script and returns a handle on the resulting script object.
func NewValueFromObject(b *Bridge, iface *Interface, obj any) (*Value, error) {
	return RegisterObject(b, "", iface, obj)
}

// Name returns the global slot name.
func (v *Value) Name() string { return v.s.name }

// String returns an expression evaluating to the value, suitable for
// embedding in script source.
func (v *Value) String() string {
	if isIdentifier(v.s.name) {
		return v.s.name
	}
	return core.SlotRef(v.s.name)
}

// Equal reports whether both handles refer to the same slot.
func (v *Value) Equal(other *Value) bool {
	return other != nil && v.s.name == other.s.name
}

// Hold keeps v reachable until this point, preventing the garbage
// collector from releasing the slot while script still uses it by name.
func (v *Value) Hold() { runtime.KeepAlive(v) }

// Release deletes the slot. Releasing twice is a no-op.
func (v *Value) Release() { v.s.release() }

func (s *valueState) release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	b := s.bridge.Value()
	if b == nil {
		return
	}
	c := b.c
	if c.State().released() {
		return
	}
	c.run(func() {
		_ = c.mutate(func(core.Engine) error {
			delete(c.natives, s.name)
			c.releaseSlot(s.name)
			return nil
		})
	}, nil)
}

// core returns the bridge of v, or an error when it is gone.
func (v *Value) core() (*bridgeCore, error) {
	if v.s.released.Load() {
		return nil, fmt.Errorf("value %s was released: %w", v.s.name, ErrReleased)
	}
	b := v.s.bridge.Value()
	if b == nil {
		return nil, fmt.Errorf("value %s outlived its bridge: %w", v.s.name, ErrReleased)
	}
	return b.c, nil
}

// pendingErr returns the failure of the initial assignment. On the
// dispatcher the assignment has always run already.
func (v *Value) pendingErr() error {
	p := v.s.pending
	if p == nil {
		return nil
	}
	if !p.isDone() {
		return &InternalError{Reason: "value " + v.s.name + " is still being assigned"}
	}
	_, err := p.result()
	return err
}

// Await waits for the initial assignment of v.
func (v *Value) Await(ctx context.Context) error {
	if v.s.pending == nil {
		return nil
	}
	_, err := v.s.pending.await(ctx)
	return err
}

// CopyTo stores the value of v in the slot of other.
func (v *Value) CopyTo(ctx context.Context, other *Value) error {
	if err := v.Await(ctx); err != nil {
		return err
	}
	c, err := v.core()
	if err != nil {
		return err
	}
	if other.s.bridge != v.s.bridge {
		return fmt.Errorf("%w: %s and %s belong to different bridges", ErrTypeMismatch, v.s.name, other.s.name)
	}
	return c.do(ctx, func() error {
		return c.mutate(func(e core.Engine) error { return e.CopySlot(other.s.name, v.s.name) })
	})
}

// AssignToGlobal makes the value reachable from script under name.
func (v *Value) AssignToGlobal(ctx context.Context, name string) error {
	if err := v.Await(ctx); err != nil {
		return err
	}
	c, err := v.core()
	if err != nil {
		return err
	}
	return c.do(ctx, func() error {
		return c.mutate(func(e core.Engine) error { return e.CopySlot(name, v.s.name) })
	})
}

func (v *Value) readCall() func(core.Engine, core.ResultMode) (*core.Envelope, error) {
	return func(e core.Engine, mode core.ResultMode) (*core.Envelope, error) {
		if err := v.pendingErr(); err != nil {
			return nil, err
		}
		return e.Evaluate(core.SlotRef(v.s.name), mode)
	}
}

// ValueAs converts the value of v to T, awaiting it if it is a promise.
func ValueAs[T any](ctx context.Context, v *Value) (T, error) {
	var zero T
	if err := v.Await(ctx); err != nil {
		return zero, err
	}
	c, err := v.core()
	if err != nil {
		return zero, err
	}
	td, err := TypeFor[T]()
	if err != nil {
		return zero, &ValueEvaluationError{Slot: v.s.name, Err: err}
	}
	rv, err := c.exchange(ctx, td, v.readCall())
	if err != nil {
		return zero, &ValueEvaluationError{Slot: v.s.name, Err: err}
	}
	return resultOf[T](rv), nil
}

// ValueAsync is ValueAs returning immediately with a future.
func ValueAsync[T any](v *Value) *Future[T] {
	f := NewFuture[T]()
	c, err := v.core()
	if err != nil {
		f.Fail(err)
		return f
	}
	td, err := TypeFor[T]()
	if err != nil {
		f.Fail(&ValueEvaluationError{Slot: v.s.name, Err: err})
		return f
	}
	fc := c.exchangeAsync(td, v.readCall())
	fc.onDone(func() {
		val, err := fc.result()
		if err != nil {
			f.Fail(&ValueEvaluationError{Slot: v.s.name, Err: err})
			return
		}
		f.Complete(castAny[T](val))
	})
	return f
}

// call invokes method on the value (the value itself when method is
// empty) and waits for the result.
func (v *Value) call(ctx context.Context, method string, args []any, ret *TypeDescriptor) (reflect.Value, error) {
	c, err := v.core()
	if err != nil {
		return reflect.Value{}, err
	}
	return c.exchange(ctx, ret, v.callFn(c, method, args))
}

func (v *Value) callAsync(method string, args []any, ret *TypeDescriptor) *futureCore {
	c, err := v.core()
	if err != nil {
		fc := newFutureCore()
		fc.settle(nil, err)
		return fc
	}
	return c.exchangeAsync(ret, v.callFn(c, method, args))
}

// invoke calls method without waiting; failures go to the listeners.
func (v *Value) invoke(method string, args []any) {
	fc := v.callAsync(method, args, voidDescriptor)
	fc.onDone(func() {
		if _, err := fc.result(); err != nil {
			if c, cerr := v.core(); cerr == nil {
				c.notify(&FunctionCallError{Direction: NativeToScript, Target: v.target(method), Err: err})
			}
		}
	})
}

func (v *Value) callFn(c *bridgeCore, method string, args []any) func(core.Engine, core.ResultMode) (*core.Envelope, error) {
	return func(e core.Engine, mode core.ResultMode) (*core.Envelope, error) {
		if err := v.pendingErr(); err != nil {
			return nil, err
		}
		exprs, err := c.encodeArgs(args)
		if err != nil {
			return nil, err
		}
		return e.Call(v.s.name, method, exprs, mode)
	}
}

func (v *Value) target(method string) string {
	if method == "" {
		return v.s.name
	}
	return v.s.name + "." + method
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
