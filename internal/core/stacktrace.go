package core

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// ScriptClassName is the pseudo class name given to script frames.
const ScriptClassName = "JavaScript"

// StackFrame is one frame of a merged script/host stack trace.
type StackFrame struct {
	Class    string // ScriptClassName for script frames, package path for host frames
	Function string
	File     string
	Line     int
}

func (f StackFrame) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s.%s(%s:%d)", f.Class, f.Function, f.File, f.Line)
	}
	return fmt.Sprintf("%s.%s(%s)", f.Class, f.Function, f.File)
}

// Recognized script stack line formats. Lines matching none of them are
// dropped.
var stackLineFormats = []*regexp.Regexp{
	// QuickJS: "    at fn (file.js:12)" or "    at fn (file.js:12:5)"
	regexp.MustCompile(`^\s*at (\S+) \((\S+?):(\d+)(?::\d+)?\)\s*$`),
	// Duktape: "    at fn (file.js:12) strict preventsyield"
	regexp.MustCompile(`^\s*at (\S+) \(([^\s:()]+):(\d+)\)(?: (?:strict|preventsyield|directeval|internal|tailcall))*\s*$`),
	// Duktape without parentheses: "    at fn file.js:12"
	regexp.MustCompile(`^\s*at (\S+) ([^\s:()]+):(\d+)\s*$`),
}

// ParseScriptStack parses the textual stack of a script error.
func ParseScriptStack(stack string) []StackFrame {
	var frames []StackFrame
	for _, line := range strings.Split(stack, "\n") {
		if f, ok := parseStackLine(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func parseStackLine(line string) (StackFrame, bool) {
	for _, re := range stackLineFormats {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := StackFrame{Class: ScriptClassName, Function: m[1], File: m[2]}
		if m[3] != "" {
			n, err := strconv.Atoi(m[3])
			if err != nil {
				return StackFrame{}, false
			}
			f.Line = n
		}
		return f, true
	}
	return StackFrame{}, false
}

// CaptureHostStack records the host frames of the caller, skipping skip
// frames above CaptureHostStack itself.
func CaptureHostStack(skip int) []StackFrame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []StackFrame
	for {
		fr, more := frames.Next()
		pkg, fn := splitFuncName(fr.Function)
		out = append(out, StackFrame{Class: pkg, Function: fn, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return out
}

func splitFuncName(full string) (string, string) {
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return "", full
	}
	dot += slash + 1
	return full[:dot], full[dot+1:]
}

// ScriptException is an error thrown by script code, carrying the thrown
// value and the merged stack trace.
type ScriptException struct {
	Name        string
	Message     string
	JSON        string // thrown value as JSON, empty when not serializable
	ScriptStack []StackFrame
	HostStack   []StackFrame
	Cause       error // host error the exception originated from, if any
}

// NewScriptException builds an exception from the engine's error
// description. Host frames are captured at the caller. cause is the host
// error the script error was created from, if any.
func NewScriptException(info *ErrorInfo, cause error) *ScriptException {
	return &ScriptException{
		Name:        info.Name,
		Message:     info.Message,
		JSON:        info.JSON,
		ScriptStack: ParseScriptStack(info.Stack),
		HostStack:   CaptureHostStack(1),
		Cause:       cause,
	}
}

func (e *ScriptException) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

func (e *ScriptException) Unwrap() error { return e.Cause }
func (*ScriptException) bridgeError()    {}

// StackTrace returns script frames followed by host frames.
func (e *ScriptException) StackTrace() []StackFrame {
	out := make([]StackFrame, 0, len(e.ScriptStack)+len(e.HostStack))
	out = append(out, e.ScriptStack...)
	return append(out, e.HostStack...)
}

// Format implements fmt.Formatter; %+v prints the merged stack trace.
func (e *ScriptException) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprint(s, e.Error())
			for _, f := range e.StackTrace() {
				fmt.Fprintf(s, "\n\tat %s", f)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, "\ncaused by: %+v", e.Cause)
			}
			return
		}
		fmt.Fprint(s, e.Error())
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExceptionFromError converts an engine error that only has a textual
// form: the first line is the message, the rest is the script stack.
func ExceptionFromError(err error) *ScriptException {
	text := err.Error()
	msg, stack, _ := strings.Cut(text, "\n")
	name := ""
	if n, m, ok := strings.Cut(msg, ": "); ok && !strings.ContainsAny(n, " \t") && strings.HasSuffix(n, "Error") {
		name, msg = n, m
	}
	return &ScriptException{
		Name:        name,
		Message:     msg,
		ScriptStack: ParseScriptStack(stack),
		HostStack:   CaptureHostStack(1),
	}
}
