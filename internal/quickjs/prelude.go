package quickjs

// preludeJS installs the protocol helpers the host drives. The raw Go
// callbacks are captured by the closure and removed from globalThis so
// user scripts cannot reach them directly.
//
// Encoded values are JSON; objects carrying the "$jsBridge" key stand for
// values JSON cannot express (functions, promises, slot references,
// non-finite numbers, undefined).
const preludeJS = `
(function (g) {
	"use strict";
	var nextSlot = g.__jsBridge_nextSlot;
	var callNative = g.__jsBridge_callNative;
	var settle = g.__jsBridge_settle;
	delete g.__jsBridge_nextSlot;
	delete g.__jsBridge_callNative;
	delete g.__jsBridge_settle;

	var TAG = "$jsBridge";
	var MAX_ARRAY = 0x7fffffff;
	var hasOwn = Object.prototype.hasOwnProperty;

	function stash(kind, v) {
		var s = nextSlot(kind);
		g[s] = v;
		return s;
	}

	function tagged(tag, slot) {
		var o = {};
		o[TAG] = tag;
		if (slot !== undefined) o.slot = slot;
		return o;
	}

	function isThenable(v) {
		return v !== null && (typeof v === "object" || typeof v === "function") && typeof v.then === "function";
	}

	function oom(n) {
		var e = new RangeError("array length " + n + " exceeds host limits");
		Object.defineProperty(e, "__jsBridge_oom", { value: true });
		return e;
	}

	function encode(v, seen) {
		switch (typeof v) {
		case "undefined":
			return tagged("undefined");
		case "boolean":
		case "string":
			return v;
		case "number":
			if (isFinite(v)) return v;
			var n = tagged("number");
			n.value = String(v);
			return n;
		case "bigint":
			return Number(v);
		case "symbol":
			return String(v);
		case "function":
			return tagged("function", stash("jsFunction", v));
		}
		if (v === null) return null;
		if (isThenable(v)) return tagged("promise", stash("jsPromise", v));
		if (v instanceof Date) return v.toISOString();
		if (v instanceof Error) return { name: String(v.name), message: String(v.message) };
		if (ArrayBuffer.isView(v) && !(v instanceof DataView)) return Array.prototype.slice.call(v);
		seen = seen || [];
		if (seen.indexOf(v) >= 0) throw new TypeError("cyclic object value");
		seen.push(v);
		try {
			if (Array.isArray(v)) {
				if (v.length > MAX_ARRAY) throw oom(v.length);
				var a = new Array(v.length);
				for (var i = 0; i < v.length; i++) a[i] = encode(v[i], seen);
				return a;
			}
			if (typeof v.toJSON === "function") return encode(v.toJSON(), seen);
			var o = {};
			for (var k in v) {
				if (hasOwn.call(v, k)) o[k] = encode(v[k], seen);
			}
			return o;
		} finally {
			seen.pop();
		}
	}

	function errorInfo(e, depth) {
		var info = { message: "" };
		depth = depth || 0;
		try {
			if (e instanceof Error) {
				info.name = String(e.name);
				info.message = String(e.message);
				info.stack = typeof e.stack === "string" ? e.stack : "";
				if (e.__jsBridge_hostError) info.hostError = e.__jsBridge_hostError;
				if (e.__jsBridge_oom) info.oom = true;
				if (e.cause !== undefined && depth < 8) info.cause = errorInfo(e.cause, depth + 1);
			} else {
				info.message = String(e);
				var j = JSON.stringify(e);
				if (j !== undefined) info.json = j;
			}
		} catch (ignored) {}
		return info;
	}

	function result(v, mode) {
		if (mode === 1) return { v: stash("jsValue", v) };
		if (mode === 2) return {};
		return { v: encode(v) };
	}

	function envelope(fn, mode) {
		try {
			return JSON.stringify(result(fn(), mode));
		} catch (e) {
			return JSON.stringify({ e: errorInfo(e) });
		}
	}

	function hostError(info) {
		var e = new Error(info.message);
		if (info.name) e.name = info.name;
		if (info.hostError) Object.defineProperty(e, "__jsBridge_hostError", { value: info.hostError });
		if (info.cause) e.cause = hostError(info.cause);
		return e;
	}

	function stub(slot, method, slotArgs) {
		return function () {
			var args = new Array(arguments.length);
			for (var i = 0; i < arguments.length; i++) {
				args[i] = slotArgs && slotArgs.indexOf(i) >= 0
					? tagged("value", stash("jsValue", arguments[i]))
					: encode(arguments[i]);
			}
			var reply = JSON.parse(callNative(slot, method, JSON.stringify(args)));
			if (reply.e) throw hostError(reply.e);
			return reply.x === undefined ? undefined : (0, eval)(reply.x);
		};
	}

	g.__jsBridge_evaluate = function (src, mode) {
		return envelope(function () { return (0, eval)(src); }, mode);
	};

	g.__jsBridge_call = function (slot, method, argsFn, mode) {
		return envelope(function () {
			var target = g[slot];
			var args = argsFn();
			if (method === "") {
				if (typeof target !== "function") throw new TypeError(slot + " is not a function");
				return target.apply(undefined, args);
			}
			if (target === null || target === undefined) {
				throw new TypeError("cannot call " + method + " on " + target);
			}
			var fn = target[method];
			if (typeof fn !== "function") throw new TypeError(method + " is not a function");
			return fn.apply(target, args);
		}, mode);
	};

	g.__jsBridge_assign = function (slot, valueFn) {
		return envelope(function () { g[slot] = valueFn(); }, 2);
	};

	g.__jsBridge_missing = function (slot, methods) {
		var o = g[slot];
		var out = [];
		for (var i = 0; i < methods.length; i++) {
			if (o === null || o === undefined || typeof o[methods[i]] !== "function") out.push(methods[i]);
		}
		return JSON.stringify(out);
	};

	g.__jsBridge_native = function (slot, methods, slotArgs) {
		var target;
		if (methods === null) {
			target = stub(slot, "", slotArgs[""]);
		} else {
			target = {};
			for (var i = 0; i < methods.length; i++) {
				target[methods[i]] = stub(slot, methods[i], slotArgs[methods[i]]);
			}
		}
		g[slot] = target;
		return target;
	};

	g.__jsBridge_watch = function (slot, id, mode) {
		Promise.resolve(g[slot]).then(function (v) {
			settle(id, envelope(function () { return v; }, mode));
		}, function (e) {
			settle(id, JSON.stringify({ e: errorInfo(e) }));
		});
	};

	g.__jsBridge_deferred = function (slot) {
		var d = {};
		d.promise = new Promise(function (resolve, reject) {
			d.resolve = resolve;
			d.reject = reject;
		});
		g[slot] = d;
		return d.promise;
	};

	g.__jsBridge_settleDeferred = function (slot, ok, valueFn) {
		var d = g[slot];
		delete g[slot];
		if (!d) return;
		var v;
		try {
			v = valueFn();
		} catch (e) {
			d.reject(e);
			return;
		}
		if (ok) d.resolve(v); else d.reject(v);
	};

	g.__jsBridge_error = hostError;
	g.__jsBridge_encode = function (v) { return JSON.stringify(encode(v)); };
	g.__jsBridge_errorInfo = function (e) { return JSON.stringify(errorInfo(e)); };
})(globalThis);
`
