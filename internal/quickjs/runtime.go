package quickjs

import (
	"fmt"

	"github.com/cryguy/jsbridge/internal/core"
	"modernc.org/quickjs"
)

// qjsRuntime is the raw VM under a Context.
type qjsRuntime struct {
	vm   *quickjs.VM
	jobs jobPump
}

var _ core.JSRuntime = (*qjsRuntime)(nil)

func newRuntime(memoryLimitMB int) (*qjsRuntime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	return &qjsRuntime{vm: vm, jobs: newJobPump(vm)}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// RegisterFunc installs fn as a global. A (T, error) result is unwrapped
// into T or a thrown TypeError instead of the [T, err] pair QuickJS would
// hand back.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// RunMicrotasks pumps the QuickJS microtask queue.
func (r *qjsRuntime) RunMicrotasks() int {
	return r.jobs.run()
}

// Interrupt makes the running evaluation throw an uncatchable error. It
// may be called from any goroutine.
func (r *qjsRuntime) Interrupt() {
	r.vm.Interrupt()
}

func (r *qjsRuntime) Close() error {
	r.vm.Close()
	return nil
}
