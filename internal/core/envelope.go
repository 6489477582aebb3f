package core

import (
	"encoding/json"
	"fmt"
)

// TagKey marks special values inside encoded script values. An encoded
// value is plain JSON except for objects carrying this key.
const TagKey = "$jsBridge"

// Tags used under TagKey.
const (
	TagFunction  = "function"  // {"$jsBridge":"function","slot":S}
	TagPromise   = "promise"   // {"$jsBridge":"promise","slot":S}
	TagValue     = "value"     // {"$jsBridge":"value","slot":S}
	TagNumber    = "number"    // {"$jsBridge":"number","value":"NaN"}
	TagUndefined = "undefined" // {"$jsBridge":"undefined"}
)

// Envelope is the result of a script evaluation or call.
type Envelope struct {
	Value json.RawMessage `json:"v,omitempty"`
	Error *ErrorInfo      `json:"e,omitempty"`
}

// ErrorInfo describes a value thrown by script code.
type ErrorInfo struct {
	Name      string     `json:"name,omitempty"`
	Message   string     `json:"message"`
	Stack     string     `json:"stack,omitempty"`
	JSON      string     `json:"json,omitempty"`
	HostError string     `json:"hostError,omitempty"`
	OOM       bool       `json:"oom,omitempty"`
	Cause     *ErrorInfo `json:"cause,omitempty"`
}

// ParseEnvelope decodes the envelope string returned by the engine.
func ParseEnvelope(s string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("decoding result envelope: %w", err)
	}
	return &env, nil
}

// Reply is the answer to a script-to-host call.
type Reply struct {
	Expr  string     `json:"x,omitempty"`
	Error *ErrorInfo `json:"e,omitempty"`
}

// String encodes the reply for the script side.
func (r Reply) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"e":{"message":"jsbridge: cannot encode reply"}}`
	}
	return string(b)
}

// JsEscape returns s as a JavaScript string literal.
func JsEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// SlotRef returns the expression that reads the global slot.
func SlotRef(slot string) string {
	return "globalThis[" + JsEscape(slot) + "]"
}
