// Package payload is an engine-independent representation of JSON-like
// values exchanged with scripts: null, booleans, numbers, strings, arrays
// and objects. Objects keep their insertion order for serialization.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is one of Null, Bool, Number, String, Array or *Object.
type Value interface {
	Kind() Kind
	// JSON returns the JSON text of the value. sorted orders object keys
	// alphabetically instead of by insertion.
	JSON(sorted bool) string
	// JS returns a JavaScript literal for the value. Object keys that are
	// identifiers are left unquoted.
	JS(sorted bool) string
}

type Null struct{}

func (Null) Kind() Kind                   { return KindNull }
func (Null) JSON(bool) string             { return "null" }
func (Null) JS(bool) string               { return "null" }
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (b Bool) JSON(bool) string {
	return strconv.FormatBool(bool(b))
}
func (b Bool) JS(sorted bool) string { return b.JSON(sorted) }

type Number float64

func (Number) Kind() Kind { return KindNumber }

func (n Number) JSON(bool) string {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func (n Number) JS(sorted bool) string {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return n.JSON(sorted)
}

type String string

func (String) Kind() Kind { return KindString }
func (s String) JSON(bool) string {
	b, _ := json.Marshal(string(s))
	return string(b)
}
func (s String) JS(sorted bool) string { return s.JSON(sorted) }

// Equal reports whether a and b hold the same data. Object key order is
// ignored; a nil Value equals Null.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Number:
		return av == b.(Number)
	case String:
		return av == b.(String)
	case Array:
		bv := b.(Array)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Object:
		bv := b.(*Object)
		if av.Len() != bv.Len() {
			return false
		}
		for _, k := range av.keys {
			w, ok := bv.values[k]
			if !ok || !Equal(av.values[k], w) {
				return false
			}
		}
		return true
	}
	return false
}

// From converts plain Go data (nil, bool, numbers, string, []any,
// map[string]any, and Values) into a Value. Map keys are added in sorted
// order since Go maps have none.
func From(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		if o, ok := x.(*Object); ok && o == nil {
			return Null{}, nil
		}
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case int:
		return Number(x), nil
	case int8:
		return Number(x), nil
	case int16:
		return Number(x), nil
	case int32:
		return Number(x), nil
	case int64:
		return Number(x), nil
	case uint:
		return Number(x), nil
	case uint8:
		return Number(x), nil
	case uint16:
		return Number(x), nil
	case uint32:
		return Number(x), nil
	case uint64:
		return Number(x), nil
	case float32:
		return Number(x), nil
	case float64:
		return Number(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return Number(f), nil
	case []any:
		arr := make(Array, len(x))
		for i, e := range x {
			pv, err := From(e)
			if err != nil {
				return nil, fmt.Errorf("payload: index %d: %w", i, err)
			}
			arr[i] = pv
		}
		return arr, nil
	case map[string]any:
		obj := NewObject()
		for _, k := range sortedKeys(x) {
			if err := obj.Put(k, x[k]); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("payload: unsupported value of type %T", v)
}

// Go converts v to plain Go data: nil, bool, float64, string, []any and
// map[string]any.
func Go(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(x)
	case Number:
		return float64(x)
	case String:
		return string(x)
	case Array:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Go(e)
		}
		return out
	case *Object:
		if x == nil {
			return nil
		}
		out := make(map[string]any, len(x.keys))
		for _, k := range x.keys {
			out[k] = Go(x.values[k])
		}
		return out
	}
	return nil
}

// AsString returns the string held by v.
func AsString(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// AsBool returns the boolean held by v.
func AsBool(v Value) (bool, bool) {
	b, ok := v.(Bool)
	return bool(b), ok
}

// AsFloat returns the number held by v. Strings holding a number are
// accepted too.
func AsFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case Number:
		return float64(x), true
	case String:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt is AsFloat truncated toward zero. Strings must hold an integer.
func AsInt(v Value) (int, bool) {
	switch x := v.(type) {
	case Number:
		return int(x), true
	case String:
		n, err := strconv.Atoi(string(x))
		return n, err == nil
	}
	return 0, false
}

// AsObject returns the object held by v.
func AsObject(v Value) (*Object, bool) {
	o, ok := v.(*Object)
	return o, ok && o != nil
}

// AsArray returns the array held by v.
func AsArray(v Value) (Array, bool) {
	a, ok := v.(Array)
	return a, ok
}

// IsNull reports whether v is null (or missing).
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Encode returns the JSON text of v, "null" for a nil Value.
func Encode(v Value, sorted bool) string {
	if v == nil {
		return "null"
	}
	return v.JSON(sorted)
}
