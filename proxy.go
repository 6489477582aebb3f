package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/payload"
)

// nativeEntry is a host object or function reachable from script.
type nativeEntry struct {
	name    string
	methods map[string]*nativeMethod // "" for a callable
}

type nativeMethod struct {
	target string
	fn     reflect.Value
	td     *TypeDescriptor
}

// RegisterObject exposes the methods iface describes on obj to script as
// an object stored in the global name. An empty name picks a fresh slot,
// released with the returned handle; a named global stays until the
// handle is released explicitly.
//
// obj provides each method either as a Go method or as a func-typed
// field, matched by the Go name of the method.
func RegisterObject(b *Bridge, name string, iface *Interface, obj any) (*Value, error) {
	if iface == nil {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: name, Reason: "nil interface"}
	}
	if err := iface.validate(ScriptToNative); err != nil {
		return nil, err
	}
	entry, err := bindMethods(iface, obj)
	if err != nil {
		return nil, err
	}
	c := b.c
	slot := name
	if slot == "" {
		slot = core.NewSlotName("hostObject")
	}
	entry.name = slot
	err = c.do(context.Background(), func() error {
		c.natives[slot] = entry
		return c.mutate(func(e core.Engine) error {
			return e.RegisterNative(slot, iface.names(), iface.slotArgs())
		})
	})
	if err != nil {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: iface.Name, Err: err}
	}
	return c.handle(slot, name == ""), nil
}

// RegisterFunc exposes fn to script as the global function name.
func RegisterFunc(b *Bridge, name string, fn any) (*Value, error) {
	if name == "" {
		return nil, &RegistrationError{Direction: ScriptToNative, Reason: "empty function name"}
	}
	return b.c.registerFunc(context.Background(), name, fn)
}

func (c *bridgeCore) registerFunc(ctx context.Context, name string, fn any) (*Value, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: name, Reason: fmt.Sprintf("%T is not a function", fn)}
	}
	td, err := TypeOf(rv.Type())
	if err != nil {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: name, Err: err}
	}
	slot := name
	if slot == "" {
		slot = core.NewSlotName("hostFunction")
	}
	entry := &nativeEntry{name: slot, methods: map[string]*nativeMethod{
		"": {target: slot, fn: rv, td: td},
	}}
	err = c.do(ctx, func() error {
		c.natives[slot] = entry
		return c.mutate(func(e core.Engine) error {
			return e.RegisterNative(slot, nil, map[string][]int{"": valueParams(td)})
		})
	})
	if err != nil {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: slot, Err: err}
	}
	return c.handle(slot, name == ""), nil
}

// handle returns a handle on slot, owned (released on collection) or not.
func (c *bridgeCore) handle(slot string, owned bool) *Value {
	s := newValueState(c.self, slot)
	if owned {
		return own(s)
	}
	return &Value{s: s}
}

func bindMethods(iface *Interface, obj any) (*nativeEntry, error) {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return nil, &RegistrationError{Direction: ScriptToNative, Subject: iface.Name, Reason: "nil object"}
	}
	entry := &nativeEntry{methods: make(map[string]*nativeMethod, len(iface.Methods))}
	for _, m := range iface.Methods {
		fn := rv.MethodByName(m.GoName)
		if !fn.IsValid() {
			if sv := reflect.Indirect(rv); sv.Kind() == reflect.Struct {
				if f := sv.FieldByName(m.GoName); f.IsValid() && f.Kind() == reflect.Func && !f.IsNil() {
					fn = f
				}
			}
		}
		if !fn.IsValid() {
			return nil, &RegistrationError{Direction: ScriptToNative, Subject: iface.Name,
				Reason: fmt.Sprintf("%T has no method %s", obj, m.GoName)}
		}
		if fn.Type() != m.Type.GoType {
			return nil, &RegistrationError{Direction: ScriptToNative, Subject: iface.Name,
				Reason: fmt.Sprintf("method %s has type %s, want %s", m.GoName, fn.Type(), m.Type.GoType)}
		}
		entry.methods[m.Name] = &nativeMethod{target: iface.Name + "." + m.Name, fn: fn, td: m.Type}
	}
	return entry, nil
}

// CallNative implements core.NativeHandler. It runs on the dispatcher,
// inside the script call that invoked the stub.
func (c *bridgeCore) CallNative(slot, method, argsJSON string) (reply string) {
	target := slot
	if method != "" {
		target += "." + method
	}
	c.depth++
	defer func() {
		c.depth--
		if p := recover(); p != nil {
			c.log.Error("native call panicked", zap.String("target", target), zap.Any("panic", p), zap.Stack("stack"))
			reply = c.errorReply(fmt.Errorf("%s panicked: %v", target, p))
		}
	}()

	entry := c.natives[slot]
	if entry == nil {
		return c.errorReply(fmt.Errorf("%s is not registered", target))
	}
	m := entry.methods[method]
	if m == nil {
		return c.errorReply(fmt.Errorf("%s is not a registered method", target))
	}
	in, err := c.decodeArgs(argsJSON, m.td)
	if err != nil {
		return c.errorReply(fmt.Errorf("%s: %w", m.target, err))
	}

	out := m.fn.Call(in)
	if m.td.ReturnsError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return c.errorReply(errv.Interface().(error))
		}
	}
	if m.td.Return.Kind == KindVoid {
		return core.Reply{}.String()
	}
	expr, err := c.encodeValue(out[0], 0)
	if err != nil {
		return c.errorReply(fmt.Errorf("%s result: %w", m.target, err))
	}
	return core.Reply{Expr: expr}.String()
}

func (c *bridgeCore) errorReply(err error) string {
	return core.Reply{Error: c.hostErrorInfo(err)}.String()
}

// decodeArgs converts the encoded arguments of a script call to the
// parameters of fn. Missing arguments are zero values, extra ones are
// ignored unless fn is variadic.
func (c *bridgeCore) decodeArgs(argsJSON string, fn *TypeDescriptor) ([]reflect.Value, error) {
	pv, err := payload.ParseBytes([]byte(argsJSON))
	if err != nil {
		return nil, &InternalError{Reason: "decoding arguments", Err: err}
	}
	args, _ := payload.AsArray(pv)
	d := &decoder{c: c}
	defer d.dropSlots(pv)

	in := make([]reflect.Value, 0, len(fn.Params)+1)
	if fn.HasContext {
		in = append(in, reflect.ValueOf(c.loop.Context()))
	}
	fixed := len(fn.Params)
	if fn.Variadic {
		fixed--
	}
	for i := 0; i < fixed; i++ {
		p := fn.Params[i]
		if i >= len(args) {
			in = append(in, reflect.Zero(p.GoType))
			continue
		}
		v, err := d.value(args[i], p)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if !v.IsValid() {
			v = reflect.Zero(p.GoType)
		}
		in = append(in, v)
	}
	if fn.Variadic {
		comp := fn.Params[fixed].Component
		for i := fixed; i < len(args); i++ {
			v, err := d.value(args[i], comp)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			if !v.IsValid() {
				v = reflect.Zero(comp.GoType)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

// funcStub builds a Go function of type td forwarding to the script
// function held by v.
func (c *bridgeCore) funcStub(v *Value, td *TypeDescriptor) reflect.Value {
	return reflect.MakeFunc(td.GoType, func(in []reflect.Value) []reflect.Value {
		return callScript(v, "", td, in)
	})
}

// callScript calls method on v with Go arguments in, following the
// result policy of fn: no result is fire-and-forget, a *Future result is
// asynchronous and anything else blocks.
func callScript(v *Value, method string, fn *TypeDescriptor, in []reflect.Value) []reflect.Value {
	ctx := context.Background()
	if fn.HasContext {
		if c, ok := in[0].Interface().(context.Context); ok && c != nil {
			ctx = c
		}
		in = in[1:]
	}
	args := make([]any, 0, len(in))
	for i, a := range in {
		if fn.Variadic && i == len(in)-1 {
			for k := 0; k < a.Len(); k++ {
				args = append(args, a.Index(k).Interface())
			}
			continue
		}
		args = append(args, a.Interface())
	}

	ret := fn.Return
	switch {
	case ret.Kind == KindVoid && !fn.ReturnsError:
		v.invoke(method, args)
		return nil
	case ret.Kind == KindFuture:
		fc := v.callAsync(method, args, ret)
		out := []reflect.Value{chainFuture(ret, fc)}
		if fn.ReturnsError {
			out = append(out, reflect.Zero(errorType))
		}
		return out
	}

	rv, err := v.call(ctx, method, args, ret)
	if err != nil && !fn.ReturnsError {
		if c, cerr := v.core(); cerr == nil {
			c.notify(&FunctionCallError{Direction: NativeToScript, Target: v.target(method), Err: err})
		}
	}
	var out []reflect.Value
	if ret.Kind != KindVoid {
		if err != nil || !rv.IsValid() {
			rv = reflect.Zero(ret.GoType)
		}
		out = append(out, rv)
	}
	if fn.ReturnsError {
		out = append(out, reflect.ValueOf(&err).Elem())
	}
	return out
}

// chainFuture turns the outcome of an asynchronous call, itself decoded
// as a *Future of type ret, into a single future of that type.
func chainFuture(ret *TypeDescriptor, fc *futureCore) reflect.Value {
	out := newFutureCore()
	fc.onDone(func() {
		v, err := fc.result()
		if err != nil {
			out.settle(nil, err)
			return
		}
		ft, ok := v.(futureType)
		if !ok || ft == nil {
			out.settle(nil, nil)
			return
		}
		inner := ft.getCore()
		inner.onDone(func() { out.settle(inner.result()) })
	})
	return newFutureOf(ret.GoType, out)
}

// Proxy calls the methods of a script object from the host.
type Proxy struct {
	v     *Value
	iface *Interface
}

// ObjectProxy checks that the script object held by v implements every
// method of iface and returns a proxy for it.
func ObjectProxy(ctx context.Context, v *Value, iface *Interface) (*Proxy, error) {
	if iface == nil {
		return nil, &RegistrationError{Direction: NativeToScript, Subject: v.Name(), Reason: "nil interface"}
	}
	if err := iface.validate(NativeToScript); err != nil {
		return nil, err
	}
	if err := v.Await(ctx); err != nil {
		return nil, &RegistrationError{Direction: NativeToScript, Subject: v.Name(), Err: err}
	}
	c, err := v.core()
	if err != nil {
		return nil, &RegistrationError{Direction: NativeToScript, Subject: v.Name(), Err: err}
	}
	var missing []string
	err = c.do(ctx, func() error {
		var err error
		missing, err = c.engine.MissingMethods(v.s.name, iface.names())
		return err
	})
	if err != nil {
		return nil, &RegistrationError{Direction: NativeToScript, Subject: v.Name(), Err: err}
	}
	if len(missing) > 0 {
		return nil, &RegistrationError{Direction: NativeToScript, Subject: iface.Name,
			Reason: "script object lacks " + strings.Join(missing, ", ")}
	}
	return &Proxy{v: v, iface: iface}, nil
}

// Value returns the handle the proxy calls through.
func (p *Proxy) Value() *Value { return p.v }

func (p *Proxy) method(name string) (*Method, error) {
	m := p.iface.method(name)
	if m == nil {
		return nil, &FunctionCallError{Direction: NativeToScript, Target: p.v.target(name),
			Err: fmt.Errorf("%s has no method %s", p.iface.Name, name)}
	}
	return m, nil
}

// Call invokes method and waits for its result, converted to the
// method's declared result type.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	m, err := p.method(method)
	if err != nil {
		return nil, err
	}
	rv, err := p.v.call(ctx, m.Name, args, m.Return())
	if err != nil {
		return nil, &FunctionCallError{Direction: NativeToScript, Target: p.v.target(m.Name), Err: err}
	}
	return iface(rv), nil
}

// CallAsync invokes method without waiting.
func (p *Proxy) CallAsync(method string, args ...any) *Future[any] {
	m, err := p.method(method)
	if err != nil {
		return Failed[any](err)
	}
	ret := m.Return()
	if ret.Kind == KindFuture {
		return &Future[any]{c: chainFuture(ret, p.v.callAsync(m.Name, args, ret)).Interface().(futureType).getCore()}
	}
	return &Future[any]{c: p.v.callAsync(m.Name, args, ret)}
}

// Invoke calls method and ignores its result; failures go to the error
// listeners.
func (p *Proxy) Invoke(method string, args ...any) {
	m, err := p.method(method)
	if err != nil {
		if c, cerr := p.v.core(); cerr == nil {
			c.notify(err)
		}
		return
	}
	p.v.invoke(m.Name, args)
}

// CallMethod is Proxy.Call with the result converted to T.
func CallMethod[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var zero T
	m, err := p.method(method)
	if err != nil {
		return zero, err
	}
	td, err := TypeFor[T]()
	if err != nil {
		return zero, err
	}
	rv, err := p.v.call(ctx, m.Name, args, td)
	if err != nil {
		return zero, &FunctionCallError{Direction: NativeToScript, Target: p.v.target(m.Name), Err: err}
	}
	return resultOf[T](rv), nil
}

// Bind returns method as a Go function of type F, which follows the
// result policy of its signature.
func Bind[F any](p *Proxy, method string) (F, error) {
	var zero F
	m, err := p.method(method)
	if err != nil {
		return zero, err
	}
	td, err := TypeFor[F]()
	if err != nil {
		return zero, err
	}
	if td.Kind != KindFunction {
		return zero, fmt.Errorf("%w: %s is not a function type", ErrTypeMismatch, td.GoType)
	}
	v := p.v
	return reflect.MakeFunc(td.GoType, func(in []reflect.Value) []reflect.Value {
		return callScript(v, m.Name, td, in)
	}).Interface().(F), nil
}

// Fill sets every func field of the struct dst points to with a stub
// calling the script method of the same name (the lowerCamel form of the
// field name, or its `js` tag).
func (p *Proxy) Fill(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: Fill needs a pointer to a struct, got %T", ErrTypeMismatch, dst)
	}
	sv := rv.Elem()
	v := p.v
	for _, sf := range reflect.VisibleFields(sv.Type()) {
		if !sf.IsExported() || sf.Type.Kind() != reflect.Func {
			continue
		}
		name := sf.Tag.Get("js")
		if name == "" {
			name = lowerCamel(sf.Name)
		}
		m, err := p.method(name)
		if err != nil {
			return err
		}
		td, err := TypeOf(sf.Type)
		if err != nil {
			return err
		}
		method := m.Name
		sv.FieldByIndex(sf.Index).Set(reflect.MakeFunc(sf.Type, func(in []reflect.Value) []reflect.Value {
			return callScript(v, method, td, in)
		}))
	}
	return nil
}

// FuncOf returns the script function held by v as a Go function of type
// F.
func FuncOf[F any](v *Value) (F, error) {
	var zero F
	td, err := TypeFor[F]()
	if err != nil {
		return zero, err
	}
	if td.Kind != KindFunction {
		return zero, fmt.Errorf("%w: %s is not a function type", ErrTypeMismatch, td.GoType)
	}
	c, err := v.core()
	if err != nil {
		return zero, err
	}
	return c.funcStub(v, td).Interface().(F), nil
}
