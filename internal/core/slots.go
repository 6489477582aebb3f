package core

import (
	"strconv"
	"sync/atomic"
)

// SlotPrefix starts every global slot name created by the bridge.
const SlotPrefix = "__jsBridge_"

var slotCounter atomic.Uint64

// NewSlotName returns a process-unique global slot name such as
// "__jsBridge_jsValue12". Names are never reused while the process runs.
func NewSlotName(kind string) string {
	id := slotCounter.Add(1)
	return SlotPrefix + kind + strconv.FormatUint(id, 10)
}

// maxHostErrors bounds the number of host errors kept for exceptions
// that script code caught and never rethrew to the host.
const maxHostErrors = 256

// HostErrors keeps host errors thrown into script until the resulting
// script exception reaches the host again. It is confined to the
// dispatcher goroutine.
type HostErrors struct {
	next  uint64
	errs  map[string]error
	order []string
}

// Store keeps err and returns the key to embed in the script error.
func (h *HostErrors) Store(err error) string {
	if h.errs == nil {
		h.errs = make(map[string]error)
	}
	h.next++
	id := "hostError" + strconv.FormatUint(h.next, 10)
	h.errs[id] = err
	h.order = append(h.order, id)
	if len(h.order) > maxHostErrors {
		delete(h.errs, h.order[0])
		h.order = h.order[1:]
	}
	return id
}

// Take returns and forgets the error stored under id.
func (h *HostErrors) Take(id string) error {
	err, ok := h.errs[id]
	if !ok {
		return nil
	}
	delete(h.errs, id)
	return err
}

// Reset drops every stored error.
func (h *HostErrors) Reset() {
	h.errs = nil
	h.order = nil
}
