package core

// JSRuntime abstracts the low-level JavaScript VM. Everything above it
// (the protocol helpers in Engine and the bridge itself) only talks to
// the VM through these calls, and only from the dispatcher goroutine.
type JSRuntime interface {
	// Eval evaluates JavaScript source as global code and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// RunMicrotasks pumps the microtask queue and returns the number of
	// jobs executed.
	RunMicrotasks() int

	// Interrupt aborts the evaluation currently running on the VM.
	Interrupt()

	// Close frees the VM.
	Close() error
}

// ResultMode selects how a script value is handed back to the host.
type ResultMode int

const (
	// ResultEncode serializes the value into the tagged JSON envelope.
	ResultEncode ResultMode = iota
	// ResultSlot stores the value in a fresh global slot and returns a
	// reference to it.
	ResultSlot
	// ResultNone discards the value.
	ResultNone
)

// NativeHandler is implemented by the bridge and receives every call the
// script side makes into the host.
type NativeHandler interface {
	// CallNative serves a script call to a registered native object or
	// function. argsJSON is a JSON array of encoded arguments. The
	// returned string is a reply envelope (see Reply).
	CallNative(slot, method, argsJSON string) string

	// Settle delivers the outcome of a watched script promise.
	Settle(id, envelope string)

	// NextSlot returns a fresh, process-unique global slot name.
	NextSlot(kind string) string
}

// Engine is the binding surface the bridge drives: evaluation, calls,
// registration and slot management on top of a JSRuntime. All methods
// must be called from the dispatcher goroutine. Methods ending in Expr
// only build source text and never touch the VM, so they are safe to use
// while a script-to-host call is being served.
type Engine interface {
	// Evaluate runs src and returns the result envelope. Script errors
	// are reported in the envelope; a non-nil error means the evaluation
	// was aborted by the engine itself (interrupt, memory limit).
	Evaluate(src string, mode ResultMode) (*Envelope, error)

	// EvaluateGlobal runs src as a global script so that top-level
	// lexical declarations persist. name is used for error reporting.
	EvaluateGlobal(src, name string) error

	// Call invokes method on the object held in slot (or the slot itself
	// when method is empty) with the given argument expressions.
	Call(slot, method string, args []string, mode ResultMode) (*Envelope, error)

	// RegisterNative exposes a native callable (methods == nil) or a
	// native object with the given methods under slot. slotArgs lists,
	// per method, the argument positions that are passed as slot
	// references instead of encoded values; the key "" is used for a
	// callable.
	RegisterNative(slot string, methods []string, slotArgs map[string][]int) error

	// NativeExpr is RegisterNative as an expression evaluating to the
	// installed stub.
	NativeExpr(slot string, methods []string, slotArgs map[string][]int) string

	// MissingMethods returns the names in methods that the object held in
	// slot does not implement as functions.
	MissingMethods(slot string, methods []string) ([]string, error)

	// Assign stores the value of src in slot.
	Assign(slot, src string) (*Envelope, error)

	// Watch settles the promise held in slot through NativeHandler.Settle
	// using the given id.
	Watch(slot, id string, mode ResultMode) error

	// DeferredExpr returns an expression creating a pending promise whose
	// resolvers are kept in slot.
	DeferredExpr(slot string) string

	// SettleDeferred resolves (ok) or rejects the deferred held in slot
	// with the value of valueExpr.
	SettleDeferred(slot string, ok bool, valueExpr string) error

	// ErrorExpr returns an expression creating a script Error from info,
	// including its cause chain.
	ErrorExpr(info *ErrorInfo) string

	DeleteSlot(slot string) error
	CopySlot(to, from string) error

	// RunPendingJobs drains the microtask queue.
	RunPendingJobs() int

	Interrupt()
	Destroy() error
}
