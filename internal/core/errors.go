package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReleased is returned by operations attempted on a bridge that is
	// releasing or released, or on a handle whose bridge is gone.
	ErrReleased = errors.New("jsbridge: bridge released")

	// ErrNotStarted is returned by operations attempted on a bridge that
	// was never started.
	ErrNotStarted = errors.New("jsbridge: bridge not started")

	// ErrNoContext means the engine context does not exist (yet).
	ErrNoContext = errors.New("jsbridge: missing engine context")

	// ErrTypeMismatch is wrapped by conversions that cannot honor the
	// requested type.
	ErrTypeMismatch = errors.New("jsbridge: type mismatch")

	// ErrOutOfMemory is wrapped when a script value cannot be represented
	// on the host because of its size.
	ErrOutOfMemory = errors.New("jsbridge: out of memory")
)

// Error is implemented by every error the bridge hands to callers or
// error listeners.
type Error interface {
	error
	bridgeError()
}

// Direction tells which side initiated a cross-boundary operation.
type Direction int

const (
	NativeToScript Direction = iota
	ScriptToNative
)

func (d Direction) String() string {
	if d == ScriptToNative {
		return "script-to-native"
	}
	return "native-to-script"
}

func describe(what, detail string, err error) string {
	var b strings.Builder
	b.WriteString("jsbridge: ")
	b.WriteString(what)
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// StartError reports a failed or illegal start.
type StartError struct {
	Reason string
	Err    error
}

func (e *StartError) Error() string { return describe("cannot start", e.Reason, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }
func (*StartError) bridgeError()    {}

// DestroyError reports a failed or illegal release.
type DestroyError struct {
	Reason string
	Err    error
}

func (e *DestroyError) Error() string { return describe("cannot release", e.Reason, e.Err) }
func (e *DestroyError) Unwrap() error { return e.Err }
func (*DestroyError) bridgeError()    {}

// FileEvaluationError reports a failure while evaluating a file or module.
type FileEvaluationError struct {
	FileName string
	Err      error
}

func (e *FileEvaluationError) Error() string {
	return describe("cannot evaluate file", e.FileName, e.Err)
}
func (e *FileEvaluationError) Unwrap() error { return e.Err }
func (*FileEvaluationError) bridgeError()    {}

// maxSourceInError bounds the code excerpt carried in error messages.
const maxSourceInError = 200

// StringEvaluationError reports a failure while evaluating a source string.
type StringEvaluationError struct {
	Source string
	Err    error
}

func (e *StringEvaluationError) Error() string {
	src := e.Source
	if len(src) > maxSourceInError {
		src = src[:maxSourceInError] + "..."
	}
	return describe("cannot evaluate string", "", e.Err) + fmt.Sprintf(" (code: %q)", src)
}
func (e *StringEvaluationError) Unwrap() error { return e.Err }
func (*StringEvaluationError) bridgeError()    {}

// ValueEvaluationError reports a failure while evaluating or assigning
// the content of a value handle.
type ValueEvaluationError struct {
	Slot string
	Err  error
}

func (e *ValueEvaluationError) Error() string { return describe("cannot evaluate value", e.Slot, e.Err) }
func (e *ValueEvaluationError) Unwrap() error { return e.Err }
func (*ValueEvaluationError) bridgeError()    {}

// RegistrationError reports a failed registration of a native object or
// function into script (ScriptToNative: script will call it) or of a
// script object for native calls (NativeToScript).
type RegistrationError struct {
	Direction Direction
	Subject   string // type or slot being registered
	Reason    string
	Err       error
}

func (e *RegistrationError) Error() string {
	detail := e.Subject
	if e.Reason != "" {
		detail += ": " + e.Reason
	}
	return describe(e.Direction.String()+" registration failed", detail, e.Err)
}
func (e *RegistrationError) Unwrap() error { return e.Err }
func (*RegistrationError) bridgeError()    {}

// FunctionCallError reports a failed cross-boundary call that had no
// caller to receive the error directly.
type FunctionCallError struct {
	Direction Direction
	Target    string
	Err       error
}

func (e *FunctionCallError) Error() string {
	return describe(e.Direction.String()+" call failed", e.Target, e.Err)
}
func (e *FunctionCallError) Unwrap() error { return e.Err }
func (*FunctionCallError) bridgeError()    {}

// CallbackError reports a script callback (timer, XHR handler) that threw.
type CallbackError struct {
	Source string
	Err    error
}

func (e *CallbackError) Error() string { return describe("callback failed", e.Source, e.Err) }
func (e *CallbackError) Unwrap() error { return e.Err }
func (*CallbackError) bridgeError()    {}

// UnhandledPromiseRejectionError reports a rejected script promise
// nobody handled.
type UnhandledPromiseRejectionError struct {
	Exception *ScriptException
}

func (e *UnhandledPromiseRejectionError) Error() string {
	return describe("unhandled promise rejection", "", e.Exception)
}
func (e *UnhandledPromiseRejectionError) Unwrap() error { return e.Exception }
func (*UnhandledPromiseRejectionError) bridgeError()    {}

// XHRError reports a failure of the XMLHttpRequest extension.
type XHRError struct {
	Method string
	URL    string
	Err    error
}

func (e *XHRError) Error() string { return describe("xhr failed", e.Method+" "+e.URL, e.Err) }
func (e *XHRError) Unwrap() error { return e.Err }
func (*XHRError) bridgeError()    {}

// InternalError reports a violated bridge invariant.
type InternalError struct {
	Reason string
	Err    error
}

func (e *InternalError) Error() string { return describe("internal error", e.Reason, e.Err) }
func (e *InternalError) Unwrap() error { return e.Err }
func (*InternalError) bridgeError()    {}

// AsBridgeError returns err unchanged if it is a bridge error and wraps
// it into an InternalError otherwise.
func AsBridgeError(err error) Error {
	if be, ok := err.(Error); ok {
		return be
	}
	return &InternalError{Err: err}
}

// FindScriptException walks the chain of err and returns the first
// script exception in it.
func FindScriptException(err error) (*ScriptException, bool) {
	var se *ScriptException
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
