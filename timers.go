package jsbridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cryguy/jsbridge/internal/core"
)

// timersJS installs setTimeout and friends. Callbacks stay in script;
// the host only schedules and fires ids.
const timersJS = `
(function (g) {
	var start = g.__jsBridge_timerStart;
	var stop = g.__jsBridge_timerStop;
	delete g.__jsBridge_timerStart;
	delete g.__jsBridge_timerStop;

	var timers = {};
	var nextId = 1;

	function delayOf(d) {
		d = Number(d);
		return d >= 1 && d <= 2147483647 ? Math.floor(d) : 0;
	}

	function schedule(fn, delay, args, repeat) {
		if (typeof fn !== "function") {
			var code = String(fn);
			fn = function () { (0, eval)(code); };
		}
		var id = nextId++;
		timers[id] = { fn: fn, args: args, repeat: repeat };
		start(String(id), String(delayOf(delay)), repeat ? "1" : "");
		return id;
	}

	function clear(id) {
		id = Number(id);
		if (!timers[id]) return;
		delete timers[id];
		stop(String(id));
	}

	g.setTimeout = function (fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	g.setInterval = function (fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), true);
	};
	g.clearTimeout = clear;
	g.clearInterval = clear;

	g.__jsBridge_timers = {
		fire: function (id) {
			var t = timers[id];
			if (!t) return;
			if (!t.repeat) delete timers[id];
			t.fn.apply(undefined, t.args);
		}
	};
})(globalThis);
`

type timersExtension struct {
	c *bridgeCore
	// script timer id -> loop timer id, confined to the dispatcher.
	timers map[string]int
}

func (e *timersExtension) name() string { return "timers" }

func (e *timersExtension) setup(c *bridgeCore) error {
	e.c = c
	e.timers = make(map[string]int)
	if err := c.rt.RegisterFunc("__jsBridge_timerStart", e.start); err != nil {
		return fmt.Errorf("registering timers: %w", err)
	}
	if err := c.rt.RegisterFunc("__jsBridge_timerStop", e.stop); err != nil {
		return fmt.Errorf("registering timers: %w", err)
	}
	if err := c.rt.Eval(timersJS); err != nil {
		return fmt.Errorf("installing timers: %w", err)
	}
	return nil
}

func (e *timersExtension) release() {
	for id, tid := range e.timers {
		e.c.loop.ClearTimer(tid)
		delete(e.timers, id)
	}
}

func (e *timersExtension) start(id, delay, repeat string) {
	ms, err := strconv.Atoi(delay)
	if err != nil || ms < 0 {
		ms = 0
	}
	interval := repeat != ""
	e.timers[id] = e.c.loop.AddTimer(time.Duration(ms)*time.Millisecond, interval, func() {
		if !interval {
			delete(e.timers, id)
		}
		e.fire(id)
	})
}

func (e *timersExtension) stop(id string) {
	if tid, ok := e.timers[id]; ok {
		e.c.loop.ClearTimer(tid)
		delete(e.timers, id)
	}
}

func (e *timersExtension) fire(id string) {
	c := e.c
	if c.engine == nil {
		return
	}
	err := c.mutate(func(eng core.Engine) error {
		env, err := eng.Evaluate("globalThis.__jsBridge_timers.fire("+id+")", core.ResultNone)
		if err != nil {
			return err
		}
		if env.Error != nil {
			return c.exception(env.Error)
		}
		return nil
	})
	if err != nil {
		c.notify(&CallbackError{Source: "timer " + id, Err: err})
	}
}
