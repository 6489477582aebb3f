package jsbridge

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/jsbridge/internal/core"
)

// promiseJS tracks rejected promises that have no handler. Only promises
// created through the Promise constructor, Promise.reject or then/catch
// are seen; the engine offers no hook for the others. Handlers attached
// by await count since await calls then on non-intrinsic promises.
const promiseJS = `
(function (g) {
	var Native = g.Promise;
	var then = Native.prototype.then;
	var handled = new WeakSet();
	var unhandled = new Map();

	function observe(p) {
		then.call(p, undefined, function (reason) {
			if (!handled.has(p)) unhandled.set(p, reason);
		});
		return p;
	}

	function Tracked(executor) {
		if (!new.target) throw new TypeError("Promise constructor cannot be invoked without 'new'");
		return observe(Reflect.construct(Native, [executor], new.target === Tracked ? Native : new.target));
	}
	Tracked.prototype = Native.prototype;
	Object.setPrototypeOf(Tracked, Native);
	// Derived promises are plain ones, and await goes through then.
	Object.defineProperty(Tracked, Symbol.species, { get: function () { return Native; } });
	Object.defineProperty(Native.prototype, "constructor", { value: Tracked, writable: true, configurable: true });

	Native.prototype.then = function (onFulfilled, onRejected) {
		handled.add(this);
		unhandled.delete(this);
		return observe(then.call(this, onFulfilled, onRejected));
	};
	var reject = Native.reject;
	Tracked.reject = function (reason) { return observe(reject.call(Native, reason)); };
	g.Promise = Tracked;

	g.__jsBridge_unhandled = function () {
		if (unhandled.size === 0) return "[]";
		var out = [];
		unhandled.forEach(function (reason) { out.push(JSON.parse(g.__jsBridge_errorInfo(reason))); });
		unhandled.clear();
		return JSON.stringify(out);
	};
})(globalThis);
`

type promiseExtension struct {
	c *bridgeCore
}

func (e *promiseExtension) name() string { return "promise" }

func (e *promiseExtension) setup(c *bridgeCore) error {
	e.c = c
	if err := c.rt.Eval(promiseJS); err != nil {
		return fmt.Errorf("installing promise tracking: %w", err)
	}
	c.tickHooks = append(c.tickHooks, e.check)
	return nil
}

func (e *promiseExtension) release() {}

// check reports the rejections left unhandled by the last tick.
func (e *promiseExtension) check() {
	c := e.c
	s, err := c.rt.EvalString("globalThis.__jsBridge_unhandled()")
	if err != nil {
		c.log.Debug("cannot read unhandled rejections")
		return
	}
	if s == "[]" || s == "" {
		return
	}
	var infos []core.ErrorInfo
	if err := json.Unmarshal([]byte(s), &infos); err != nil {
		c.notify(&InternalError{Reason: "decoding unhandled rejections", Err: err})
		return
	}
	for i := range infos {
		c.notify(&UnhandledPromiseRejectionError{Exception: c.scriptException(&infos[i], 0)})
	}
}
