package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Object is a string-keyed map that remembers insertion order. The zero
// value is not usable; create objects with NewObject.
type Object struct {
	keys   []string
	values map[string]Value
}

func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// ObjectOf builds an object from alternating keys and values, e.g.
// ObjectOf("a", 1, "b", "x"). It panics on malformed input.
func ObjectOf(kv ...any) *Object {
	if len(kv)%2 != 0 {
		panic("payload: ObjectOf needs key/value pairs")
	}
	o := NewObject()
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("payload: ObjectOf key %v is not a string", kv[i]))
		}
		if err := o.Put(k, kv[i+1]); err != nil {
			panic(err)
		}
	}
	return o
}

func (*Object) Kind() Kind { return KindObject }

// Set stores v under key. A nil v stores Null.
func (o *Object) Set(key string, v Value) {
	if v == nil {
		v = Null{}
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Put converts v with From and stores it under key.
func (o *Object) Put(key string, v any) error {
	pv, err := From(v)
	if err != nil {
		return fmt.Errorf("payload: key %q: %w", key, err)
	}
	o.Set(key, pv)
	return nil
}

// Delete removes key.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string { return append([]string(nil), o.keys...) }

func (o *Object) Len() int { return len(o.keys) }

// Get returns the value under key; ok is false when the key is absent.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) GetString(key string) (string, bool)  { return AsString(o.values[key]) }
func (o *Object) GetBool(key string) (bool, bool)      { return AsBool(o.values[key]) }
func (o *Object) GetInt(key string) (int, bool)        { return AsInt(o.values[key]) }
func (o *Object) GetFloat(key string) (float64, bool)  { return AsFloat(o.values[key]) }
func (o *Object) GetObject(key string) (*Object, bool) { return AsObject(o.values[key]) }
func (o *Object) GetArray(key string) (Array, bool)    { return AsArray(o.values[key]) }

// IsNull reports whether key is present and holds null.
func (o *Object) IsNull(key string) bool {
	v, ok := o.values[key]
	return ok && IsNull(v)
}

// IsUndefined reports whether key is absent.
func (o *Object) IsUndefined(key string) bool {
	_, ok := o.values[key]
	return !ok
}

// Lookup follows path, whose elements are object keys (string) or array
// indexes (int). ok is false when any step does not exist.
func (o *Object) Lookup(path ...any) (Value, bool) {
	var cur Value = o
	for _, p := range path {
		switch k := p.(type) {
		case string:
			obj, ok := AsObject(cur)
			if !ok {
				return nil, false
			}
			if cur, ok = obj.values[k]; !ok {
				return nil, false
			}
		case int:
			arr, ok := AsArray(cur)
			if !ok || k < 0 || k >= len(arr) {
				return nil, false
			}
			cur = arr[k]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (o *Object) orderedKeys(sorted bool) []string {
	if !sorted {
		return o.keys
	}
	keys := append([]string(nil), o.keys...)
	sort.Strings(keys)
	return keys
}

func (o *Object) JSON(sorted bool) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.orderedKeys(sorted) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(String(k).JSON(sorted))
		b.WriteByte(':')
		b.WriteString(Encode(o.values[k], sorted))
	}
	b.WriteByte('}')
	return b.String()
}

func (o *Object) JS(sorted bool) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.orderedKeys(sorted) {
		if i > 0 {
			b.WriteString(", ")
		}
		if isIdentifier(k) {
			b.WriteString(k)
		} else {
			b.WriteString(String(k).JSON(sorted))
		}
		b.WriteString(": ")
		v := o.values[k]
		if v == nil {
			v = Null{}
		}
		b.WriteString(v.JS(sorted))
	}
	b.WriteByte('}')
	return b.String()
}

// String renders the object as an indented tree, keys sorted.
func (o *Object) String() string {
	var b strings.Builder
	o.writeTree(&b, 0)
	return b.String()
}

func (o *Object) writeTree(b *strings.Builder, depth int) {
	for _, k := range o.orderedKeys(true) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteByte(':')
		switch v := o.values[k].(type) {
		case *Object:
			b.WriteByte('\n')
			v.writeTree(b, depth+1)
		default:
			b.WriteByte(' ')
			b.WriteString(Encode(v, true))
			b.WriteByte('\n')
		}
	}
}

func (o *Object) MarshalJSON() ([]byte, error) { return []byte(o.JSON(false)), nil }

func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := ParseBytes(data)
	if err != nil {
		return err
	}
	obj, ok := AsObject(v)
	if !ok {
		return fmt.Errorf("payload: expected object, got %s", kindOf(v))
	}
	*o = *obj
	return nil
}

// Array is an ordered list of values. Missing elements are Null.
type Array []Value

func (Array) Kind() Kind { return KindArray }

func (a Array) at(i int) Value {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

func (a Array) GetString(i int) (string, bool)  { return AsString(a.at(i)) }
func (a Array) GetBool(i int) (bool, bool)      { return AsBool(a.at(i)) }
func (a Array) GetInt(i int) (int, bool)        { return AsInt(a.at(i)) }
func (a Array) GetFloat(i int) (float64, bool)  { return AsFloat(a.at(i)) }
func (a Array) GetObject(i int) (*Object, bool) { return AsObject(a.at(i)) }
func (a Array) GetArray(i int) (Array, bool)    { return AsArray(a.at(i)) }

// IsNull reports whether index i exists and holds null.
func (a Array) IsNull(i int) bool {
	return i >= 0 && i < len(a) && IsNull(a[i])
}

func (a Array) JSON(sorted bool) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(Encode(v, sorted))
	}
	b.WriteByte(']')
	return b.String()
}

func (a Array) JS(sorted bool) string {
	parts := make([]string, len(a))
	for i, v := range a {
		if v == nil {
			v = Null{}
		}
		parts[i] = v.JS(sorted)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (a Array) MarshalJSON() ([]byte, error) { return []byte(a.JSON(false)), nil }

func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := ParseBytes(data)
	if err != nil {
		return err
	}
	arr, ok := AsArray(v)
	if !ok {
		return fmt.Errorf("payload: expected array, got %s", kindOf(v))
	}
	*a = arr
	return nil
}

// Parse decodes JSON text. Empty input, "null" and "undefined" yield a nil
// Value, matching what JSON.stringify produces for absent values.
func Parse(s string) (Value, error) {
	switch strings.TrimSpace(s) {
	case "", "null", "undefined":
		return nil, nil
	}
	return ParseBytes([]byte(s))
}

// ParseBytes decodes JSON text; top-level null yields Null.
func ParseBytes(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return nil, fmt.Errorf("payload: invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("payload: invalid JSON: trailing data")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '[':
			arr := Array{}
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		case '{':
			obj := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key %v is not a string", kt)
				}
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func kindOf(v Value) Kind {
	if v == nil {
		return KindNull
	}
	return v.Kind()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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
