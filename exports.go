package jsbridge

import (
	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
)

// Type aliases re-exporting internal/core errors so callers can match
// them with errors.As without importing the internal package.

type Error = core.Error
type StartError = core.StartError
type DestroyError = core.DestroyError
type FileEvaluationError = core.FileEvaluationError
type StringEvaluationError = core.StringEvaluationError
type ValueEvaluationError = core.ValueEvaluationError
type RegistrationError = core.RegistrationError
type FunctionCallError = core.FunctionCallError
type CallbackError = core.CallbackError
type UnhandledPromiseRejectionError = core.UnhandledPromiseRejectionError
type XHRError = core.XHRError
type InternalError = core.InternalError
type ScriptException = core.ScriptException
type StackFrame = core.StackFrame
type Direction = core.Direction

const (
	NativeToScript = core.NativeToScript
	ScriptToNative = core.ScriptToNative
)

// Sentinel errors re-exported from core.
var (
	ErrReleased     = core.ErrReleased
	ErrNotStarted   = core.ErrNotStarted
	ErrLoopClosed   = eventloop.ErrClosed
	ErrTypeMismatch = core.ErrTypeMismatch
	ErrOutOfMemory  = core.ErrOutOfMemory
)

// AsScriptException returns the first script exception in the chain of err.
var AsScriptException = core.FindScriptException
