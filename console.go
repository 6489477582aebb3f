package jsbridge

import (
	"fmt"

	"go.uber.org/zap"
)

// consoleJS replaces globalThis.console. Formatting happens in script so
// that the host only receives finished lines.
const consoleJS = `
(function (g) {
	var emit = g.__jsBridge_console;
	delete g.__jsBridge_console;
	var mode = %d;

	function text(v) {
		if (mode === 1 && typeof v !== "string") {
			try {
				var j = JSON.stringify(v);
				if (j !== undefined) return j;
			} catch (ignored) {}
		}
		try {
			return String(v);
		} catch (e) {
			return Object.prototype.toString.call(v);
		}
	}

	function line(args, from) {
		var parts = [];
		for (var i = from || 0; i < args.length; i++) parts.push(text(args[i]));
		return parts.join(" ");
	}

	function method(level) {
		if (mode === 2) return function () {};
		return function () { emit(level, line(arguments)); };
	}

	var c = {};
	["log", "debug", "info", "warn", "error", "trace"].forEach(function (l) { c[l] = method(l); });
	c.exception = c.error;
	c.assert = mode === 2 ? function () {} : function (cond) {
		if (cond) return;
		var rest = line(arguments, 1);
		emit("error", rest ? "Assertion failed: " + rest : "Assertion failed");
	};
	g.console = c;
})(globalThis);
`

type consoleExtension struct {
	cfg ConsoleConfig
	c   *bridgeCore
}

func (e *consoleExtension) name() string { return "console" }

func (e *consoleExtension) setup(c *bridgeCore) error {
	e.c = c
	if err := c.rt.RegisterFunc("__jsBridge_console", e.emit); err != nil {
		return fmt.Errorf("registering console: %w", err)
	}
	if err := c.rt.Eval(fmt.Sprintf(consoleJS, e.cfg.Mode)); err != nil {
		return fmt.Errorf("installing console: %w", err)
	}
	return nil
}

func (e *consoleExtension) release() {}

func (e *consoleExtension) emit(level, msg string) {
	for _, tap := range e.c.consoleTaps {
		tap(level, msg)
	}
	if e.cfg.Append != nil {
		e.cfg.Append(level, msg)
		return
	}
	log := e.c.log.With(zap.String("source", "console"))
	switch level {
	case "debug", "trace":
		log.Debug(msg)
	case "warn":
		log.Warn(msg)
	case "error":
		log.Error(msg)
	default:
		log.Info(msg)
	}
}
