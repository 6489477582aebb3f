package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/payload"
)

// modeFor picks how the engine hands back a value of type td.
func modeFor(td *TypeDescriptor) core.ResultMode {
	switch td.Kind {
	case KindValue:
		return core.ResultSlot
	case KindVoid:
		return core.ResultNone
	}
	return core.ResultEncode
}

// awaits reports whether a promise produced for td is awaited instead of
// being decoded as is.
func awaits(td *TypeDescriptor) bool {
	switch td.Kind {
	case KindFuture, KindValue, KindVoid:
		return false
	}
	return true
}

type tagHeader struct {
	Tag  string `json:"$jsBridge"`
	Slot string `json:"slot"`
}

// promiseResult returns the slot of a promise when env holds one at the
// top level.
func promiseResult(env *core.Envelope) (string, bool) {
	if env == nil || env.Error != nil || len(env.Value) == 0 || env.Value[0] != '{' {
		return "", false
	}
	var h tagHeader
	if err := json.Unmarshal(env.Value, &h); err != nil || h.Tag != core.TagPromise {
		return "", false
	}
	return h.Slot, true
}

func tagOf(pv payload.Value) (tag, slot string, ok bool) {
	obj, isObj := payload.AsObject(pv)
	if !isObj {
		return "", "", false
	}
	tag, ok = obj.GetString(core.TagKey)
	if !ok {
		return "", "", false
	}
	slot, _ = obj.GetString("slot")
	return tag, slot, true
}

func nullish(pv payload.Value) bool {
	if payload.IsNull(pv) {
		return true
	}
	tag, _, ok := tagOf(pv)
	return ok && tag == core.TagUndefined
}

func number(pv payload.Value) (float64, bool) {
	switch x := pv.(type) {
	case payload.Number:
		return float64(x), true
	case *payload.Object:
		if tag, _, ok := tagOf(x); ok && tag == core.TagNumber {
			s, _ := x.GetString("value")
			switch s {
			case "Infinity":
				return math.Inf(1), true
			case "-Infinity":
				return math.Inf(-1), true
			}
			return math.NaN(), true
		}
	}
	return 0, false
}

func mismatch(pv payload.Value, td *TypeDescriptor) error {
	what := "null"
	if pv != nil {
		what = pv.Kind().String()
		if tag, _, ok := tagOf(pv); ok {
			what = tag
		}
	}
	return fmt.Errorf("%w: cannot convert script %s to %s", ErrTypeMismatch, what, td.GoType)
}

func iface(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

// asType rebuilds a value of type t from v, the zero value when v is
// nil or not assignable.
func asType(v any, t reflect.Type) reflect.Value {
	if t == nil {
		return reflect.Value{}
	}
	out := reflect.New(t).Elem()
	if v != nil {
		if rv := reflect.ValueOf(v); rv.Type().AssignableTo(t) {
			out.Set(rv)
		}
	}
	return out
}

// decodeEnvelope turns an engine result into a Go value of type td, or
// into the error the script threw.
func (c *bridgeCore) decodeEnvelope(env *core.Envelope, td *TypeDescriptor) (reflect.Value, error) {
	if env.Error != nil {
		return reflect.Value{}, c.exception(env.Error)
	}
	return c.decodeRaw(env.Value, td)
}

func (c *bridgeCore) decodeRaw(raw json.RawMessage, td *TypeDescriptor) (reflect.Value, error) {
	if td.Kind == KindVoid {
		return reflect.Value{}, nil
	}
	if td.Kind == KindValue {
		var slot string
		if err := json.Unmarshal(raw, &slot); err != nil {
			return reflect.Value{}, &InternalError{Reason: "slot result", Err: err}
		}
		return reflect.ValueOf(c.adoptValue(slot)), nil
	}
	var pv payload.Value
	if len(raw) > 0 {
		var err error
		if pv, err = payload.ParseBytes(raw); err != nil {
			return reflect.Value{}, &InternalError{Reason: "decoding script value", Err: err}
		}
	}
	d := &decoder{c: c}
	rv, err := d.value(pv, td)
	d.dropSlots(pv)
	return rv, err
}

// decoder converts one encoded script value. Slots referenced by the
// value and not adopted by a handle are deleted once it is done.
type decoder struct {
	c       *bridgeCore
	adopted map[string]bool
}

func (d *decoder) adopt(slot string) *Value {
	if d.adopted == nil {
		d.adopted = make(map[string]bool)
	}
	d.adopted[slot] = true
	return d.c.adoptValue(slot)
}

func (d *decoder) dropSlots(pv payload.Value) {
	switch x := pv.(type) {
	case payload.Array:
		for _, e := range x {
			d.dropSlots(e)
		}
	case *payload.Object:
		if _, slot, ok := tagOf(x); ok {
			if slot != "" && !d.adopted[slot] {
				d.c.releaseSlot(slot)
			}
			return
		}
		for _, k := range x.Keys() {
			v, _ := x.Get(k)
			d.dropSlots(v)
		}
	}
}

func set(dst, v reflect.Value) {
	if !v.IsValid() {
		dst.SetZero()
		return
	}
	dst.Set(v)
}

func (d *decoder) value(pv payload.Value, td *TypeDescriptor) (reflect.Value, error) {
	t := td.GoType
	if td.Kind == KindFuture {
		return d.future(pv, td), nil
	}
	if nullish(pv) {
		if !td.Nullable {
			return reflect.Value{}, mismatch(pv, td)
		}
		return reflect.Zero(t), nil
	}

	switch td.Kind {
	case KindPrimitive:
		out := reflect.New(t).Elem()
		if t.Kind() == reflect.Bool {
			b, ok := pv.(payload.Bool)
			if !ok {
				return reflect.Value{}, mismatch(pv, td)
			}
			out.SetBool(bool(b))
			return out, nil
		}
		f, ok := number(pv)
		if !ok {
			return reflect.Value{}, mismatch(pv, td)
		}
		switch t.Kind() {
		case reflect.Float32, reflect.Float64:
			out.SetFloat(f)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			out.SetUint(saturateUint(f, t.Bits()))
		default:
			out.SetInt(saturateInt(f, t.Bits()))
		}
		return out, nil

	case KindString:
		// Primitives read as String(x) would render them. Arrays, objects
		// and functions have no string form worth guessing.
		var s string
		switch x := pv.(type) {
		case payload.String:
			s = string(x)
		case payload.Bool:
			s = x.JSON(false)
		case payload.Number:
			if x == 0 {
				s = "0"
			} else {
				s = x.JSON(false)
			}
		case *payload.Object:
			tag, _, ok := tagOf(x)
			if !ok || tag != core.TagNumber {
				return reflect.Value{}, mismatch(pv, td)
			}
			s, _ = x.GetString("value")
		default:
			return reflect.Value{}, mismatch(pv, td)
		}
		out := reflect.New(t).Elem()
		out.SetString(s)
		return out, nil

	case KindArray:
		arr, ok := pv.(payload.Array)
		if !ok {
			return reflect.Value{}, mismatch(pv, td)
		}
		if len(arr) > math.MaxInt32 {
			return reflect.Value{}, &InternalError{Reason: fmt.Sprintf("array of length %d", len(arr)), Err: ErrOutOfMemory}
		}
		n := len(arr)
		var out reflect.Value
		if t.Kind() == reflect.Slice {
			out = reflect.MakeSlice(t, n, n)
		} else {
			out = reflect.New(t).Elem()
			n = min(n, t.Len())
		}
		for i := 0; i < n; i++ {
			ev, err := d.value(arr[i], td.Component)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			set(out.Index(i), ev)
		}
		return out, nil

	case KindObject:
		obj, ok := payload.AsObject(pv)
		if !ok {
			return reflect.Value{}, mismatch(pv, td)
		}
		if _, _, tagged := tagOf(obj); tagged {
			return reflect.Value{}, mismatch(pv, td)
		}
		if t.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, obj.Len())
			for _, k := range obj.Keys() {
				v, _ := obj.Get(k)
				ev, err := d.value(v, td.Component)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
				}
				if !ev.IsValid() {
					ev = reflect.Zero(t.Elem())
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
			}
			return out, nil
		}
		out := reflect.New(t).Elem()
		for _, f := range td.Fields {
			v, ok := lookupField(obj, f.Name)
			if !ok {
				continue
			}
			ev, err := d.value(v, f.Type)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("field %s: %w", f.Name, err)
			}
			fv, ferr := out.FieldByIndexErr(f.Index)
			if ferr != nil {
				continue
			}
			set(fv, ev)
		}
		return out, nil

	case KindOptional:
		ev, err := d.value(pv, td.Elem)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		set(p.Elem(), ev)
		return p, nil

	case KindJSON:
		clean := stripTags(pv)
		out := reflect.New(t).Elem()
		switch t {
		case payloadArray:
			if _, ok := clean.(payload.Array); !ok {
				return reflect.Value{}, mismatch(pv, td)
			}
		case payloadObject:
			if _, ok := payload.AsObject(clean); !ok {
				return reflect.Value{}, mismatch(pv, td)
			}
		}
		out.Set(reflect.ValueOf(clean))
		return out, nil

	case KindFunction:
		tag, slot, ok := tagOf(pv)
		if !ok || tag != core.TagFunction {
			return reflect.Value{}, mismatch(pv, td)
		}
		return d.c.funcStub(d.adopt(slot), td), nil

	case KindValue:
		if tag, slot, ok := tagOf(pv); ok && slot != "" && tag != core.TagNumber {
			return reflect.ValueOf(d.adopt(slot)), nil
		}
		slot := core.NewSlotName("jsValue")
		env, err := d.c.engine.Assign(slot, scriptExpr(pv))
		if err != nil {
			return reflect.Value{}, err
		}
		if env.Error != nil {
			return reflect.Value{}, d.c.exception(env.Error)
		}
		return reflect.ValueOf(d.c.adoptValue(slot)), nil

	case KindAny:
		x := d.anyValue(pv)
		out := reflect.New(t).Elem()
		if x == nil {
			return out, nil
		}
		xv := reflect.ValueOf(x)
		if !xv.Type().AssignableTo(t) {
			return reflect.Value{}, mismatch(pv, td)
		}
		out.Set(xv)
		return out, nil
	}
	return reflect.Value{}, nil
}

// future wraps pv into a *Future: promises are watched, anything else
// yields an already settled future.
func (d *decoder) future(pv payload.Value, td *TypeDescriptor) reflect.Value {
	fc := newFutureCore()
	if tag, slot, ok := tagOf(pv); ok && tag == core.TagPromise {
		if d.adopted == nil {
			d.adopted = make(map[string]bool)
		}
		d.adopted[slot] = true
		d.c.watch(slot, td.Elem, fc)
	} else {
		ev, err := d.value(pv, td.Elem)
		fc.settle(iface(ev), err)
	}
	return newFutureOf(td.GoType, fc)
}

// anyValue converts pv into plain Go data. Functions and slot references
// become *Value, promises *Future[any].
func (d *decoder) anyValue(pv payload.Value) any {
	switch x := pv.(type) {
	case nil, payload.Null:
		return nil
	case payload.Bool:
		return bool(x)
	case payload.Number:
		return float64(x)
	case payload.String:
		return string(x)
	case payload.Array:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = d.anyValue(e)
		}
		return out
	case *payload.Object:
		if tag, slot, ok := tagOf(x); ok {
			switch tag {
			case core.TagNumber:
				f, _ := number(x)
				return f
			case core.TagUndefined:
				return nil
			case core.TagPromise:
				return iface(d.future(x, anyFutureDescriptor))
			}
			return d.adopt(slot)
		}
		out := make(map[string]any, x.Len())
		for _, k := range x.Keys() {
			v, _ := x.Get(k)
			out[k] = d.anyValue(v)
		}
		return out
	}
	return nil
}

var anyFutureDescriptor = &TypeDescriptor{
	Kind:     KindFuture,
	GoType:   reflect.TypeFor[*Future[any]](),
	Nullable: true,
	Elem:     anyDescriptor,
}

func lookupField(obj *payload.Object, name string) (payload.Value, bool) {
	if v, ok := obj.Get(name); ok {
		return v, true
	}
	for _, k := range obj.Keys() {
		if strings.EqualFold(k, name) {
			return obj.Get(k)
		}
	}
	return nil, false
}

// stripTags replaces the tagged values JSON cannot express: non-finite
// numbers keep their value, everything else becomes null.
func stripTags(pv payload.Value) payload.Value {
	switch x := pv.(type) {
	case nil:
		return payload.Null{}
	case payload.Array:
		out := make(payload.Array, len(x))
		for i, e := range x {
			out[i] = stripTags(e)
		}
		return out
	case *payload.Object:
		if tag, _, ok := tagOf(x); ok {
			if tag == core.TagNumber {
				f, _ := number(x)
				return payload.Number(f)
			}
			return payload.Null{}
		}
		out := payload.NewObject()
		for _, k := range x.Keys() {
			v, _ := x.Get(k)
			out.Set(k, stripTags(v))
		}
		return out
	}
	return pv
}

// scriptExpr rebuilds the script expression of an encoded value, reading
// tagged values back from their slots.
func scriptExpr(pv payload.Value) string {
	switch x := pv.(type) {
	case nil:
		return "null"
	case payload.Array:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = scriptExpr(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case *payload.Object:
		if tag, slot, ok := tagOf(x); ok {
			switch tag {
			case core.TagNumber:
				f, _ := number(x)
				return payload.Number(f).JS(false)
			case core.TagUndefined:
				return "undefined"
			}
			return core.SlotRef(slot)
		}
		parts := make([]string, 0, x.Len())
		for _, k := range x.Keys() {
			v, _ := x.Get(k)
			parts = append(parts, core.JsEscape(k)+":"+scriptExpr(v))
		}
		return "({" + strings.Join(parts, ",") + "})"
	}
	return pv.JS(false)
}

func saturateInt(f float64, bits int) int64 {
	if math.IsNaN(f) {
		return 0
	}
	limit := math.Ldexp(1, bits-1)
	switch {
	case f >= limit:
		return math.MaxInt64 >> (64 - bits)
	case f < -limit:
		return math.MinInt64 >> (64 - bits)
	}
	return int64(math.Trunc(f))
}

func saturateUint(f float64, bits int) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.Ldexp(1, bits):
		return math.MaxUint64 >> (64 - bits)
	}
	return uint64(math.Trunc(f))
}

const maxEncodeDepth = 100

// encode returns a script expression for v. It must run on the loop
// goroutine: functions and futures register state with the bridge.
func (c *bridgeCore) encode(v any) (string, error) {
	return c.encodeValue(reflect.ValueOf(v), 0)
}

func (c *bridgeCore) encodeArgs(args []any) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		expr, err := c.encode(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = expr
	}
	return out, nil
}

func (c *bridgeCore) encodeValue(rv reflect.Value, depth int) (string, error) {
	if depth > maxEncodeDepth {
		return "", fmt.Errorf("%w: value nested more than %d levels", ErrTypeMismatch, maxEncodeDepth)
	}
	if !rv.IsValid() {
		return "null", nil
	}
	t := rv.Type()
	switch t.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return "null", nil
		}
		return c.encodeValue(rv.Elem(), depth)
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func:
		if rv.IsNil() {
			return "null", nil
		}
	}

	if rv.CanInterface() {
		switch x := rv.Interface().(type) {
		case *Value:
			return c.valueRef(x)
		case futureType:
			return c.promiseExpr(x.getCore()), nil
		case payload.Value:
			return x.JS(false), nil
		case error:
			return c.engine.ErrorExpr(c.hostErrorInfo(x)), nil
		case json.Marshaler:
			b, err := x.MarshalJSON()
			if err != nil {
				return "", fmt.Errorf("encoding %s: %w", t, err)
			}
			return string(b), nil
		}
	}

	switch t.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return payload.Number(rv.Float()).JS(false), nil
	case reflect.String:
		return core.JsEscape(rv.String()), nil
	case reflect.Pointer:
		return c.encodeValue(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			expr, err := c.encodeValue(rv.Index(i), depth+1)
			if err != nil {
				return "", fmt.Errorf("index %d: %w", i, err)
			}
			parts[i] = expr
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			break
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		parts := make([]string, len(keys))
		for i, k := range keys {
			expr, err := c.encodeValue(rv.MapIndex(k), depth+1)
			if err != nil {
				return "", fmt.Errorf("key %q: %w", k.String(), err)
			}
			parts[i] = core.JsEscape(k.String()) + ":" + expr
		}
		return "({" + strings.Join(parts, ",") + "})", nil
	case reflect.Struct:
		td, err := TypeOf(t)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(td.Fields))
		for _, f := range td.Fields {
			fv, ferr := rv.FieldByIndexErr(f.Index)
			if ferr != nil {
				continue
			}
			expr, err := c.encodeValue(fv, depth+1)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", f.Name, err)
			}
			parts = append(parts, core.JsEscape(f.Name)+":"+expr)
		}
		return "({" + strings.Join(parts, ",") + "})", nil
	case reflect.Func:
		return c.nativeFuncExpr(rv)
	}
	return "", fmt.Errorf("%w: cannot pass %s to script", ErrTypeMismatch, t)
}

func (c *bridgeCore) valueRef(v *Value) (string, error) {
	if v.s.released.Load() {
		return "", fmt.Errorf("value %s was released: %w", v.s.name, ErrReleased)
	}
	if v.s.bridge != c.self {
		return "", fmt.Errorf("%w: value %s belongs to another bridge", ErrTypeMismatch, v.s.name)
	}
	if err := v.pendingErr(); err != nil {
		return "", err
	}
	return core.SlotRef(v.s.name), nil
}

// nativeFuncExpr exposes a Go function to script as a callable stub.
func (c *bridgeCore) nativeFuncExpr(fn reflect.Value) (string, error) {
	td, err := TypeOf(fn.Type())
	if err != nil {
		return "", err
	}
	slot := core.NewSlotName("hostFunction")
	c.natives[slot] = &nativeEntry{name: slot, methods: map[string]*nativeMethod{
		"": {target: slot, fn: fn, td: td},
	}}
	return c.engine.NativeExpr(slot, nil, map[string][]int{"": valueParams(td)}), nil
}

// promiseExpr hands a host future to script as a promise settled when
// the future is.
func (c *bridgeCore) promiseExpr(fc *futureCore) string {
	slot := core.NewSlotName("deferred")
	expr := c.engine.DeferredExpr(slot)
	fc.onDone(func() {
		_ = c.loop.Post(func(context.Context) { c.settleDeferred(slot, fc) }, nil)
	})
	return expr
}

func (c *bridgeCore) settleDeferred(slot string, fc *futureCore) {
	if c.engine == nil {
		return
	}
	v, err := fc.result()
	var expr string
	if err == nil {
		expr, err = c.encode(v)
	}
	if err != nil {
		expr = c.engine.ErrorExpr(c.hostErrorInfo(err))
	}
	if serr := c.mutate(func(e core.Engine) error {
		return e.SettleDeferred(slot, err == nil, expr)
	}); serr != nil {
		c.notify(&InternalError{Reason: "settling promise", Err: serr})
	}
}

const maxCauseDepth = 8

// hostErrorInfo describes a host error thrown into script. The error
// itself is kept so that it becomes the cause of the script exception
// if it comes back to the host.
func (c *bridgeCore) hostErrorInfo(err error) *core.ErrorInfo {
	info := &core.ErrorInfo{Message: err.Error(), HostError: c.hostErrors.Store(err)}
	if se, ok := err.(*ScriptException); ok {
		info.Name = se.Name
	}
	cur := info
	cause := errors.Unwrap(err)
	for n := 0; cause != nil && n < maxCauseDepth; n++ {
		cur.Cause = &core.ErrorInfo{Message: cause.Error()}
		cur = cur.Cause
		cause = errors.Unwrap(cause)
	}
	return info
}

// exception converts a thrown script value into a host error.
func (c *bridgeCore) exception(info *core.ErrorInfo) error {
	if info.OOM {
		return &InternalError{Reason: info.Message, Err: ErrOutOfMemory}
	}
	return c.scriptException(info, 0)
}

func (c *bridgeCore) scriptException(info *core.ErrorInfo, depth int) *ScriptException {
	var cause error
	if info.HostError != "" {
		cause = c.hostErrors.Take(info.HostError)
	}
	if cause == nil && info.Cause != nil && depth < maxCauseDepth {
		cause = c.scriptException(info.Cause, depth+1)
	}
	return core.NewScriptException(info, cause)
}
