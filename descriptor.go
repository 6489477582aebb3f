package jsbridge

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/cryguy/jsbridge/payload"
)

// Kind classifies a TypeDescriptor.
type Kind int

const (
	KindPrimitive Kind = iota // bool and numeric types
	KindString
	KindArray    // slices and arrays, Component set
	KindObject   // structs and string-keyed maps
	KindFunction // Params/Return set
	KindOptional // pointers, Elem set
	KindFuture   // *Future[T], Elem set
	KindJSON     // payload.Value, payload.Array, *payload.Object
	KindAny      // interface types
	KindVoid     // absent result
	KindValue    // *Value
)

var kindNames = [...]string{"primitive", "string", "array", "object", "function", "optional", "future", "json", "any", "void", "value"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TypeDescriptor is the normalized shape of a Go type as seen by the
// marshaler. Descriptors are built once per type and never modified
// afterwards.
type TypeDescriptor struct {
	Kind     Kind
	GoType   reflect.Type
	Nullable bool

	Component *TypeDescriptor // KindArray, and map values for KindObject
	Elem      *TypeDescriptor // KindOptional, KindFuture
	Fields    []Field         // struct KindObject

	// KindFunction
	Params       []*TypeDescriptor
	Return       *TypeDescriptor // KindVoid when the function returns nothing
	ReturnsError bool
	Variadic     bool
	HasContext   bool // first parameter is a context.Context
}

// Field is one exported struct field of a KindObject descriptor.
type Field struct {
	Name  string // script-side property name
	Index []int
	Type  *TypeDescriptor
}

func (td *TypeDescriptor) String() string {
	if td.GoType == nil {
		return td.Kind.String()
	}
	return td.Kind.String() + "(" + td.GoType.String() + ")"
}

var (
	valuePtrType   = reflect.TypeFor[*Value]()
	payloadValue   = reflect.TypeFor[payload.Value]()
	payloadArray   = reflect.TypeFor[payload.Array]()
	payloadObject  = reflect.TypeFor[*payload.Object]()
	contextType    = reflect.TypeFor[context.Context]()
	errorType      = reflect.TypeFor[error]()
	voidDescriptor = &TypeDescriptor{Kind: KindVoid, Nullable: true}
	anyDescriptor  = &TypeDescriptor{Kind: KindAny, GoType: reflect.TypeFor[any](), Nullable: true}
)

var descriptorCache sync.Map // reflect.Type -> *TypeDescriptor

// TypeOf returns the descriptor of t. A nil t describes an absent value.
func TypeOf(t reflect.Type) (*TypeDescriptor, error) {
	if t == nil {
		return voidDescriptor, nil
	}
	if td, ok := descriptorCache.Load(t); ok {
		return td.(*TypeDescriptor), nil
	}
	b := descriptorBuilder{inProgress: make(map[reflect.Type]*TypeDescriptor)}
	td, err := b.build(t)
	if err != nil {
		return nil, err
	}
	for typ, d := range b.inProgress {
		descriptorCache.LoadOrStore(typ, d)
	}
	return td, nil
}

// TypeFor is TypeOf for a type parameter.
func TypeFor[T any]() (*TypeDescriptor, error) {
	return TypeOf(reflect.TypeFor[T]())
}

type descriptorBuilder struct {
	inProgress map[reflect.Type]*TypeDescriptor
}

func (b *descriptorBuilder) build(t reflect.Type) (*TypeDescriptor, error) {
	if td, ok := descriptorCache.Load(t); ok {
		return td.(*TypeDescriptor), nil
	}
	if td, ok := b.inProgress[t]; ok {
		return td, nil
	}
	td := &TypeDescriptor{GoType: t}
	b.inProgress[t] = td

	switch {
	case t == valuePtrType:
		td.Kind, td.Nullable = KindValue, true
		return td, nil
	case t.Implements(futureIface) && t.Kind() == reflect.Pointer:
		td.Kind, td.Nullable = KindFuture, true
		elem, err := b.build(reflect.Zero(t).Interface().(futureType).elemType())
		if err != nil {
			return nil, err
		}
		td.Elem = elem
		return td, nil
	case t == payloadValue || t == payloadArray || t == payloadObject:
		td.Kind, td.Nullable = KindJSON, true
		return td, nil
	}

	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		td.Kind = KindPrimitive
	case reflect.String:
		td.Kind = KindString
	case reflect.Interface:
		td.Kind, td.Nullable = KindAny, true
	case reflect.Slice, reflect.Array:
		td.Kind = KindArray
		td.Nullable = t.Kind() == reflect.Slice
		comp, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		td.Component = comp
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("jsbridge: unsupported map key type %s", t.Key())
		}
		td.Kind, td.Nullable = KindObject, true
		comp, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		td.Component = comp
	case reflect.Struct:
		td.Kind = KindObject
		if err := b.fields(td, t); err != nil {
			return nil, err
		}
	case reflect.Pointer:
		td.Kind, td.Nullable = KindOptional, true
		elem, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		td.Elem = elem
	case reflect.Func:
		td.Kind, td.Nullable = KindFunction, true
		if err := b.signature(td, t); err != nil {
			return nil, err
		}
	default:
		delete(b.inProgress, t)
		return nil, fmt.Errorf("jsbridge: unsupported type %s", t)
	}
	return td, nil
}

func (b *descriptorBuilder) fields(td *TypeDescriptor, t reflect.Type) error {
	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		ft, err := b.build(sf.Type)
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", t, sf.Name, err)
		}
		td.Fields = append(td.Fields, Field{Name: name, Index: sf.Index, Type: ft})
	}
	return nil
}

func (b *descriptorBuilder) signature(td *TypeDescriptor, t reflect.Type) error {
	in := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		td.HasContext = true
		in = 1
	}
	for i := in; i < t.NumIn(); i++ {
		p, err := b.build(t.In(i))
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		td.Params = append(td.Params, p)
	}
	td.Variadic = t.IsVariadic()

	out := t.NumOut()
	if out > 0 && t.Out(out-1) == errorType {
		td.ReturnsError = true
		out--
	}
	switch out {
	case 0:
		td.Return = voidDescriptor
	case 1:
		r, err := b.build(t.Out(0))
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		td.Return = r
	default:
		return fmt.Errorf("jsbridge: function %s returns more than one value", t)
	}
	return nil
}

// Method describes one callable member of an Interface.
type Method struct {
	Name   string // script-side name
	GoName string // Go method or field name
	Type   *TypeDescriptor
}

// Params returns the parameter descriptors (context excluded).
func (m *Method) Params() []*TypeDescriptor { return m.Type.Params }

// Return returns the result descriptor, KindVoid for none.
func (m *Method) Return() *TypeDescriptor { return m.Type.Return }

// MethodOf describes a method called name (script side) whose signature
// is the function type fn.
func MethodOf(name string, fn reflect.Type) (*Method, error) {
	if fn == nil || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("jsbridge: method %s: %v is not a function type", name, fn)
	}
	td, err := TypeOf(fn)
	if err != nil {
		return nil, fmt.Errorf("jsbridge: method %s: %w", name, err)
	}
	return &Method{Name: name, GoName: exportedName(name), Type: td}, nil
}

// Interface is the set of methods bound across the boundary for one
// object.
type Interface struct {
	Name    string
	Methods []*Method
}

// NewInterface assembles an interface description. Method names are
// validated when the interface is used.
func NewInterface(name string, methods ...*Method) *Interface {
	return &Interface{Name: name, Methods: methods}
}

var interfaceCache sync.Map // reflect.Type -> *Interface

// InterfaceOf describes T, which must be an interface type (its method
// set is used) or a struct whose func-typed fields are the methods.
// Script-side names are the lowerCamel form of the Go names, or the
// `js` tag of a field.
func InterfaceOf[T any]() (*Interface, error) {
	t := reflect.TypeFor[T]()
	if iface, ok := interfaceCache.Load(t); ok {
		return iface.(*Interface), nil
	}
	iface := &Interface{Name: t.Name()}
	switch t.Kind() {
	case reflect.Interface:
		for i := 0; i < t.NumMethod(); i++ {
			m := t.Method(i)
			mm, err := MethodOf(lowerCamel(m.Name), m.Type)
			if err != nil {
				return nil, &RegistrationError{Subject: t.String(), Err: err}
			}
			mm.GoName = m.Name
			iface.Methods = append(iface.Methods, mm)
		}
	case reflect.Struct:
		for _, sf := range reflect.VisibleFields(t) {
			if !sf.IsExported() || sf.Type.Kind() != reflect.Func {
				continue
			}
			name := sf.Tag.Get("js")
			if name == "" {
				name = lowerCamel(sf.Name)
			}
			mm, err := MethodOf(name, sf.Type)
			if err != nil {
				return nil, &RegistrationError{Subject: t.String(), Err: err}
			}
			mm.GoName = sf.Name
			iface.Methods = append(iface.Methods, mm)
		}
	default:
		return nil, &RegistrationError{Subject: t.String(), Reason: "not an interface or struct type"}
	}
	if err := iface.validate(NativeToScript); err != nil {
		return nil, err
	}
	actual, _ := interfaceCache.LoadOrStore(t, iface)
	return actual.(*Interface), nil
}

// validate rejects interfaces whose script names collide, since script
// objects have no overloading.
func (i *Interface) validate(dir Direction) error {
	seen := make(map[string]bool, len(i.Methods))
	for _, m := range i.Methods {
		if m == nil || m.Type == nil {
			return &RegistrationError{Direction: dir, Subject: i.Name, Reason: "nil method"}
		}
		if m.Name == "" {
			return &RegistrationError{Direction: dir, Subject: i.Name, Reason: "method without a name"}
		}
		if seen[m.Name] {
			return &RegistrationError{Direction: dir, Subject: i.Name, Reason: "duplicate method " + m.Name}
		}
		seen[m.Name] = true
	}
	return nil
}

// method looks a method up by script name or Go name.
func (i *Interface) method(name string) *Method {
	for _, m := range i.Methods {
		if m.Name == name || m.GoName == name {
			return m
		}
	}
	return nil
}

func (i *Interface) names() []string {
	out := make([]string, len(i.Methods))
	for k, m := range i.Methods {
		out[k] = m.Name
	}
	return out
}

// slotArgs lists, per method, the parameter positions of type *Value.
func (i *Interface) slotArgs() map[string][]int {
	out := make(map[string][]int)
	for _, m := range i.Methods {
		if idx := valueParams(m.Type); len(idx) > 0 {
			out[m.Name] = idx
		}
	}
	return out
}

func valueParams(fn *TypeDescriptor) []int {
	var idx []int
	for k, p := range fn.Params {
		if p.Kind == KindValue && !(fn.Variadic && k == len(fn.Params)-1) {
			idx = append(idx, k)
		}
	}
	return idx
}

// lowerCamel converts a Go identifier to the usual script spelling:
// "Add" -> "add", "HTTPGet" -> "httpGet", "ID" -> "id".
func lowerCamel(s string) string {
	runes := []rune(s)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return s
	case n == 1 || n == len(runes):
		for k := 0; k < n; k++ {
			runes[k] = unicode.ToLower(runes[k])
		}
	default:
		for k := 0; k < n-1; k++ {
			runes[k] = unicode.ToLower(runes[k])
		}
	}
	return string(runes)
}

func exportedName(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
