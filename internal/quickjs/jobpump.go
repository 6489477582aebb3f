package quickjs

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// maxJobsPerTick bounds one drain so a promise chain that keeps
// re-queueing itself cannot wedge the dispatcher.
const maxJobsPerTick = 1 << 20

// jobPump drains the QuickJS job queue. The modernc.org/quickjs wrapper
// never calls JS_ExecutePendingJob itself, so promise reactions would
// never run without it.
type jobPump struct {
	rt  uintptr
	tls *libc.TLS
	ok  bool
}

func newJobPump(vm *quickjs.VM) jobPump {
	rt, tls, ok := extractRuntime(vm)
	return jobPump{rt: rt, tls: tls, ok: ok}
}

// run executes pending jobs until the queue is empty or a job fails, and
// returns the number of jobs executed.
func (p jobPump) run() int {
	if !p.ok {
		return 0
	}
	n := 0
	for n < maxJobsPerTick {
		if lib.XJS_ExecutePendingJob(p.tls, p.rt, 0) <= 0 {
			break
		}
		n++
	}
	return n
}

// extractRuntime pulls the unexported cRuntime and tls values out of a
// *quickjs.VM. Layout as of modernc.org/quickjs v0.17.1:
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	defer func() {
		if recover() != nil {
			cRuntime, tls, ok = 0, nil, false
		}
	}()

	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	crt := rtVal.FieldByName("cRuntime")
	if !crt.IsValid() {
		return 0, nil, false
	}
	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	return uintptr(crt.Uint()), (*libc.TLS)(unsafe.Pointer(tlsField.Pointer())), true
}
