package quickjs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cryguy/jsbridge/internal/core"
)

// Context is one QuickJS VM set up for the bridge protocol. It implements
// core.Engine and must only be used from the dispatcher goroutine, except
// for Interrupt.
type Context struct {
	rt *qjsRuntime
}

var _ core.Engine = (*Context)(nil)

// NewContext creates a VM, registers the callbacks into h and installs
// the protocol prelude.
func NewContext(cfg core.EngineConfig, h core.NativeHandler) (*Context, error) {
	rt, err := newRuntime(cfg.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	c := &Context{rt: rt}
	if err := c.setup(h); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return c, nil
}

func (c *Context) setup(h core.NativeHandler) error {
	if err := c.rt.RegisterFunc("__jsBridge_nextSlot", func(kind string) string {
		return h.NextSlot(kind)
	}); err != nil {
		return fmt.Errorf("registering slot allocator: %w", err)
	}
	if err := c.rt.RegisterFunc("__jsBridge_callNative", func(slot, method, argsJSON string) string {
		return h.CallNative(slot, method, argsJSON)
	}); err != nil {
		return fmt.Errorf("registering native dispatch: %w", err)
	}
	if err := c.rt.RegisterFunc("__jsBridge_settle", func(id, envelope string) {
		h.Settle(id, envelope)
	}); err != nil {
		return fmt.Errorf("registering promise settlement: %w", err)
	}
	if err := c.rt.Eval(preludeJS); err != nil {
		return fmt.Errorf("installing prelude: %w", err)
	}
	return nil
}

// Runtime exposes the low-level VM calls for extensions.
func (c *Context) Runtime() core.JSRuntime { return c.rt }

func (c *Context) envelope(js string) (*core.Envelope, error) {
	s, err := c.rt.EvalString(js)
	if err != nil {
		return nil, core.ExceptionFromError(err)
	}
	return core.ParseEnvelope(s)
}

func (c *Context) Evaluate(src string, mode core.ResultMode) (*core.Envelope, error) {
	return c.envelope(fmt.Sprintf("globalThis.__jsBridge_evaluate(%s,%d)", core.JsEscape(src), mode))
}

func (c *Context) EvaluateGlobal(src, name string) error {
	if err := c.rt.Eval(src); err != nil {
		ex := core.ExceptionFromError(err)
		if len(ex.ScriptStack) == 0 && name != "" {
			ex.ScriptStack = []core.StackFrame{{Class: core.ScriptClassName, Function: "<eval>", File: name}}
		}
		return ex
	}
	return nil
}

func (c *Context) Call(slot, method string, args []string, mode core.ResultMode) (*core.Envelope, error) {
	return c.envelope(fmt.Sprintf("globalThis.__jsBridge_call(%s,%s,function(){return [%s];},%d)",
		core.JsEscape(slot), core.JsEscape(method), strings.Join(args, ","), mode))
}

func (c *Context) RegisterNative(slot string, methods []string, slotArgs map[string][]int) error {
	return c.rt.Eval(c.NativeExpr(slot, methods, slotArgs) + ";")
}

func (c *Context) NativeExpr(slot string, methods []string, slotArgs map[string][]int) string {
	m := "null"
	if methods != nil {
		b, _ := json.Marshal(methods)
		m = string(b)
	}
	if slotArgs == nil {
		slotArgs = map[string][]int{}
	}
	sa, _ := json.Marshal(slotArgs)
	return fmt.Sprintf("globalThis.__jsBridge_native(%s,%s,%s)", core.JsEscape(slot), m, sa)
}

func (c *Context) MissingMethods(slot string, methods []string) ([]string, error) {
	b, _ := json.Marshal(methods)
	s, err := c.rt.EvalString(fmt.Sprintf("globalThis.__jsBridge_missing(%s,%s)", core.JsEscape(slot), b))
	if err != nil {
		return nil, core.ExceptionFromError(err)
	}
	var missing []string
	if err := json.Unmarshal([]byte(s), &missing); err != nil {
		return nil, fmt.Errorf("decoding method check: %w", err)
	}
	return missing, nil
}

func (c *Context) Assign(slot, src string) (*core.Envelope, error) {
	return c.envelope(fmt.Sprintf("globalThis.__jsBridge_assign(%s,function(){return (0,eval)(%s);})",
		core.JsEscape(slot), core.JsEscape(src)))
}

func (c *Context) Watch(slot, id string, mode core.ResultMode) error {
	return c.rt.Eval(fmt.Sprintf("globalThis.__jsBridge_watch(%s,%s,%d);", core.JsEscape(slot), core.JsEscape(id), mode))
}

func (c *Context) DeferredExpr(slot string) string {
	return fmt.Sprintf("globalThis.__jsBridge_deferred(%s)", core.JsEscape(slot))
}

func (c *Context) SettleDeferred(slot string, ok bool, valueExpr string) error {
	return c.rt.Eval(fmt.Sprintf("globalThis.__jsBridge_settleDeferred(%s,%t,function(){return (%s);});",
		core.JsEscape(slot), ok, valueExpr))
}

func (c *Context) ErrorExpr(info *core.ErrorInfo) string {
	b, err := json.Marshal(info)
	if err != nil {
		b = []byte(`{"message":"unencodable host error"}`)
	}
	return fmt.Sprintf("globalThis.__jsBridge_error(%s)", b)
}

func (c *Context) DeleteSlot(slot string) error {
	return c.rt.Eval(fmt.Sprintf("delete globalThis[%s];", core.JsEscape(slot)))
}

func (c *Context) CopySlot(to, from string) error {
	return c.rt.Eval(fmt.Sprintf("globalThis[%s] = globalThis[%s];", core.JsEscape(to), core.JsEscape(from)))
}

func (c *Context) RunPendingJobs() int { return c.rt.RunMicrotasks() }

func (c *Context) Interrupt() { c.rt.Interrupt() }

func (c *Context) Destroy() error { return c.rt.Close() }
