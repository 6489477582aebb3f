package jsbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
	"github.com/cryguy/jsbridge/internal/quickjs"
)

// Bridge owns one script engine context. All engine work is serialized on
// a dedicated dispatcher goroutine; the exported API may be used from any
// goroutine.
//
// A Bridge that becomes unreachable is released by the garbage collector.
type Bridge struct {
	c *bridgeCore
}

// bridgeCore holds the state of a Bridge. It never points back to the
// Bridge so that the Bridge can be collected while the dispatcher runs.
type bridgeCore struct {
	id    string
	cfg   Config
	log   *zap.Logger
	state atomic.Int32
	loop  *eventloop.Loop
	self  weak.Pointer[Bridge]
	done  chan struct{}

	// Confined to the dispatcher goroutine.
	engine     core.Engine
	rt         core.JSRuntime
	natives    map[string]*nativeEntry
	watchers   map[string]*watcher
	nextWatch  uint64
	hostErrors core.HostErrors
	garbage    []string
	depth      int // script-to-host calls in progress
	ticking    bool
	extensions []extension
	tickHooks  []func()

	// consoleTaps see every console line before it is appended.
	consoleTaps []func(level, msg string)

	interruptMu   sync.Mutex
	interruptible *quickjs.Context
	watchdog      *time.Timer

	listenersMu  sync.RWMutex
	listeners    map[int]ErrorListener
	nextListener int
}

// watcher receives the outcome of a script promise.
type watcher struct {
	slot string
	td   *TypeDescriptor
	fc   *futureCore
}

// extension is an optional script API installed when the bridge starts.
type extension interface {
	name() string
	setup(c *bridgeCore) error
	release()
}

// New creates a bridge in the Pending state.
func New(cfg Config) *Bridge {
	id := uuid.NewString()
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	log = log.With(zap.String("bridge", id))

	c := &bridgeCore{
		id:        id,
		cfg:       cfg,
		log:       log,
		loop:      eventloop.New(log, cfg.Debug),
		done:      make(chan struct{}),
		natives:   make(map[string]*nativeEntry),
		watchers:  make(map[string]*watcher),
		listeners: make(map[int]ErrorListener),
	}
	c.extensions = c.configuredExtensions()

	b := &Bridge{c: c}
	c.self = weak.Make(b)
	runtime.AddCleanup(b, func(c *bridgeCore) { c.releaseFromCleanup() }, c)
	return b
}

// Open creates and starts a bridge.
func Open(cfg Config) *Bridge {
	b := New(cfg)
	b.Start()
	return b
}

func (c *bridgeCore) configuredExtensions() []extension {
	var exts []extension
	if c.cfg.Console.Enabled {
		exts = append(exts, &consoleExtension{cfg: c.cfg.Console})
	}
	if c.cfg.Timers.Enabled {
		exts = append(exts, &timersExtension{})
	}
	if c.cfg.Promise.Enabled {
		exts = append(exts, &promiseExtension{})
	}
	if c.cfg.LocalStorage.Enabled {
		exts = append(exts, &storageExtension{cfg: c.cfg.LocalStorage})
	}
	if c.cfg.XHR.Enabled {
		exts = append(exts, &xhrExtension{cfg: c.cfg.XHR})
	}
	if c.cfg.Debugger.Enabled {
		exts = append(exts, &debuggerExtension{cfg: c.cfg.Debugger})
	}
	return exts
}

// ID returns the bridge instance id.
func (b *Bridge) ID() string { return b.c.id }

// State returns the current lifecycle state.
func (b *Bridge) State() State { return b.c.State() }

// Done is closed once the bridge is Released.
func (b *Bridge) Done() <-chan struct{} { return b.c.done }

func (c *bridgeCore) State() State { return State(c.state.Load()) }

// Start creates the engine context on the dispatcher. Starting a bridge
// that is not Pending reports a StartError to the error listeners.
func (b *Bridge) Start() {
	c := b.c
	if !c.state.CompareAndSwap(int32(Pending), int32(AboutToStart)) {
		c.notify(&StartError{Reason: "bridge is " + c.State().String()})
		return
	}
	c.log.Debug("starting bridge")
	c.loop.Start()
	_ = c.loop.Post(func(context.Context) { c.setup() }, nil)
}

func (c *bridgeCore) setup() {
	if !c.state.CompareAndSwap(int32(AboutToStart), int32(Starting)) {
		// Released before the dispatcher got here.
		return
	}
	engine, err := quickjs.NewContext(core.EngineConfig{MemoryLimitMB: c.cfg.MemoryLimitMB, Debug: c.cfg.Debug}, c)
	if err != nil {
		c.notify(&StartError{Reason: "creating engine context", Err: err})
		c.release()
		return
	}
	c.engine = engine
	c.rt = engine.Runtime()
	c.interruptMu.Lock()
	c.interruptible = engine
	c.interruptMu.Unlock()

	for _, ext := range c.extensions {
		if err := ext.setup(c); err != nil {
			c.notify(&StartError{Reason: ext.name(), Err: err})
			c.release()
			return
		}
	}
	if c.state.CompareAndSwap(int32(Starting), int32(Started)) {
		c.log.Debug("bridge started")
	}
}

// Release tears the bridge down: queued work is dropped with ErrReleased,
// the running task is allowed to finish (and interrupted after
// Config.ReleaseTimeout), then the engine context is destroyed.
// Releasing a bridge that was never started reports a DestroyError;
// releasing twice only logs a warning.
func (b *Bridge) Release() { b.c.release() }

func (c *bridgeCore) release() {
	for {
		s := c.State()
		if s == Pending {
			c.notify(&DestroyError{Reason: "bridge was never started"})
			return
		}
		if s.released() {
			c.log.Warn("bridge already released", zap.Stringer("state", s))
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(Releasing)) {
			break
		}
	}
	c.log.Debug("releasing bridge")
	if d := c.cfg.ReleaseTimeout; d > 0 {
		c.interruptMu.Lock()
		c.watchdog = time.AfterFunc(d, c.interrupt)
		c.interruptMu.Unlock()
	}
	c.loop.Close(c.teardown)
}

func (c *bridgeCore) releaseFromCleanup() {
	if c.state.CompareAndSwap(int32(Pending), int32(Released)) {
		c.loop.Close(nil)
		close(c.done)
		return
	}
	if c.State().released() {
		return
	}
	c.log.Debug("bridge collected without Release")
	c.release()
}

func (c *bridgeCore) interrupt() {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()
	if c.interruptible != nil {
		c.log.Warn("interrupting script still running at release")
		c.interruptible.Interrupt()
	}
}

// teardown runs on the dispatcher once it is closed.
func (c *bridgeCore) teardown() {
	c.interruptMu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.interruptible = nil
	c.interruptMu.Unlock()

	for i := len(c.extensions) - 1; i >= 0; i-- {
		c.extensions[i].release()
	}
	for id, w := range c.watchers {
		delete(c.watchers, id)
		w.fc.settle(nil, c.releasedError())
	}
	if c.engine != nil {
		if err := c.engine.Destroy(); err != nil {
			c.notify(&DestroyError{Reason: "destroying engine context", Err: err})
		}
		c.engine = nil
		c.rt = nil
	}
	clear(c.natives)
	c.garbage = nil
	c.hostErrors.Reset()
	c.state.Store(int32(Released))
	close(c.done)
	c.log.Debug("bridge released")
}

func (c *bridgeCore) releasedError() error {
	return fmt.Errorf("bridge %s is %s: %w", c.id, c.State(), ErrReleased)
}

func (c *bridgeCore) usable() error {
	switch s := c.State(); {
	case s == Pending:
		return fmt.Errorf("bridge %s: %w", c.id, ErrNotStarted)
	case s.released():
		return c.releasedError()
	}
	return nil
}

// do runs fn on the dispatcher and waits for it.
func (c *bridgeCore) do(ctx context.Context, fn func() error) error {
	if err := c.usable(); err != nil {
		return err
	}
	err := c.loop.Do(ctx, func(context.Context) error {
		if c.engine == nil {
			if c.State().released() {
				return c.releasedError()
			}
			return &InternalError{Err: core.ErrNoContext}
		}
		return fn()
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return fmt.Errorf("%w: %w", c.releasedError(), err)
	}
	return err
}

// post runs fn on the dispatcher without waiting. drop is called instead
// when the bridge goes away first.
func (c *bridgeCore) post(fn func(), drop func(error)) {
	fail := func(error) {
		if drop != nil {
			drop(c.releasedError())
		}
	}
	if err := c.usable(); err != nil {
		fail(err)
		return
	}
	err := c.loop.Post(func(context.Context) {
		if c.engine == nil {
			fail(nil)
			return
		}
		fn()
	}, fail)
	if err != nil {
		fail(err)
	}
}

// run is post, except that on the dispatcher fn runs inline.
func (c *bridgeCore) run(fn func(), drop func(error)) {
	if !c.loop.InLoop() {
		c.post(fn, drop)
		return
	}
	if err := c.usable(); err != nil || c.engine == nil {
		if drop != nil {
			drop(c.releasedError())
		}
		return
	}
	_ = c.loop.Run(func(context.Context) { fn() }, nil)
}

// mutate runs fn against the engine and then ticks. Every primitive that
// changes script state goes through here.
func (c *bridgeCore) mutate(fn func(e core.Engine) error) error {
	c.loop.Check()
	if c.engine == nil {
		return &InternalError{Err: core.ErrNoContext}
	}
	err := fn(c.engine)
	c.tick()
	return err
}

// tick drains the microtask queue and runs the tick hooks. It is
// deferred while a script-to-host call is being served, as the engine is
// then in the middle of running script.
func (c *bridgeCore) tick() {
	if c.depth > 0 || c.ticking || c.engine == nil {
		return
	}
	c.ticking = true
	defer func() { c.ticking = false }()
	c.engine.RunPendingJobs()
	c.collectGarbage()
	for _, hook := range c.tickHooks {
		hook()
	}
}

// releaseSlot deletes a global slot, postponed to the next tick while
// script is running.
func (c *bridgeCore) releaseSlot(slot string) {
	if c.engine == nil {
		return
	}
	if c.depth > 0 {
		c.garbage = append(c.garbage, slot)
		return
	}
	if err := c.engine.DeleteSlot(slot); err != nil {
		c.log.Warn("cannot delete slot", zap.String("slot", slot), zap.Error(err))
	}
}

func (c *bridgeCore) collectGarbage() {
	for len(c.garbage) > 0 {
		slots := c.garbage
		c.garbage = nil
		for _, slot := range slots {
			c.releaseSlot(slot)
		}
	}
}

// watch settles fc with the outcome of the promise held in slot.
func (c *bridgeCore) watch(slot string, td *TypeDescriptor, fc *futureCore) {
	c.nextWatch++
	id := "watch" + strconv.FormatUint(c.nextWatch, 10)
	c.watchers[id] = &watcher{slot: slot, td: td, fc: fc}
	if err := c.engine.Watch(slot, id, modeFor(td)); err != nil {
		delete(c.watchers, id)
		c.releaseSlot(slot)
		fc.settle(nil, err)
	}
}

// Settle implements core.NativeHandler.
func (c *bridgeCore) Settle(id, envelope string) {
	w, ok := c.watchers[id]
	if !ok {
		return
	}
	delete(c.watchers, id)
	c.depth++
	defer func() { c.depth-- }()

	c.releaseSlot(w.slot)
	env, err := core.ParseEnvelope(envelope)
	if err != nil {
		w.fc.settle(nil, &InternalError{Reason: "promise outcome", Err: err})
		return
	}
	rv, err := c.decodeEnvelope(env, w.td)
	w.fc.settle(iface(rv), err)
}

// NextSlot implements core.NativeHandler.
func (c *bridgeCore) NextSlot(kind string) string { return core.NewSlotName(kind) }

// roundTrip performs call and decodes its result as ret. A promise
// result that ret does not model is watched into fc instead, and watched
// is true.
func (c *bridgeCore) roundTrip(ret *TypeDescriptor, fc *futureCore,
	call func(e core.Engine, mode core.ResultMode) (*core.Envelope, error)) (rv reflect.Value, watched bool, err error) {
	err = c.mutate(func(e core.Engine) error {
		env, err := call(e, modeFor(ret))
		if err != nil {
			return err
		}
		if slot, ok := promiseResult(env); ok && awaits(ret) {
			c.watch(slot, ret, fc)
			watched = true
			return nil
		}
		rv, err = c.decodeEnvelope(env, ret)
		return err
	})
	return rv, watched, err
}

// exchange is a blocking round trip. Promise results are awaited unless
// ret is a future or a handle.
func (c *bridgeCore) exchange(ctx context.Context, ret *TypeDescriptor,
	call func(e core.Engine, mode core.ResultMode) (*core.Envelope, error)) (reflect.Value, error) {
	fc := newFutureCore()
	var (
		rv      reflect.Value
		watched bool
	)
	err := c.do(ctx, func() error {
		var err error
		rv, watched, err = c.roundTrip(ret, fc, call)
		return err
	})
	if err != nil || !watched {
		return rv, err
	}
	if c.loop.InLoop() && !fc.isDone() {
		return reflect.Value{}, &InternalError{Reason: "awaiting a pending promise on the dispatcher goroutine"}
	}
	v, err := fc.await(ctx)
	if err != nil {
		return reflect.Value{}, err
	}
	return asType(v, ret.GoType), nil
}

// exchangeAsync is exchange without waiting.
func (c *bridgeCore) exchangeAsync(ret *TypeDescriptor,
	call func(e core.Engine, mode core.ResultMode) (*core.Envelope, error)) *futureCore {
	fc := newFutureCore()
	c.post(func() {
		rv, watched, err := c.roundTrip(ret, fc, call)
		if err != nil {
			fc.settle(nil, err)
			return
		}
		if !watched {
			fc.settle(iface(rv), nil)
		}
	}, func(err error) { fc.settle(nil, err) })
	return fc
}

// ErrorListener receives errors that have no caller to return to:
// failed fire-and-forget calls, script callbacks that threw, unhandled
// promise rejections, lifecycle failures.
type ErrorListener interface {
	OnError(err Error)
}

// ErrorListenerFunc adapts a function to ErrorListener.
type ErrorListenerFunc func(err Error)

func (f ErrorListenerFunc) OnError(err Error) { f(err) }

type executorListener struct {
	l    ErrorListener
	exec func(func())
}

func (e *executorListener) OnError(err Error) { e.l.OnError(err) }

// WithExecutor makes l receive its notifications through exec instead of
// a new goroutine per notification.
func WithExecutor(l ErrorListener, exec func(func())) ErrorListener {
	return &executorListener{l: l, exec: exec}
}

// AddErrorListener registers l and returns a function removing it.
func (b *Bridge) AddErrorListener(l ErrorListener) (remove func()) {
	return b.c.addErrorListener(l)
}

func (c *bridgeCore) addErrorListener(l ErrorListener) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = l
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// notify hands err to every listener, or logs it when there is none.
func (c *bridgeCore) notify(err error) {
	be := core.AsBridgeError(err)
	c.listenersMu.RLock()
	ls := make([]ErrorListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()

	if len(ls) == 0 {
		c.log.Error("unhandled bridge error", zap.Error(be))
		return
	}
	for _, l := range ls {
		if el, ok := l.(*executorListener); ok {
			el.exec(func() { el.l.OnError(be) })
			continue
		}
		go l.OnError(be)
	}
}

// evalError wraps err for a failed evaluation of src. Memory exhaustion
// is not wrapped and is also reported to the listeners.
func (c *bridgeCore) evalError(src string, err error) error {
	var ie *InternalError
	if errors.As(err, &ie) && errors.Is(ie, ErrOutOfMemory) {
		c.notify(ie)
		return ie
	}
	return &StringEvaluationError{Source: src, Err: err}
}

func evaluateCall(js string) func(core.Engine, core.ResultMode) (*core.Envelope, error) {
	return func(e core.Engine, mode core.ResultMode) (*core.Envelope, error) {
		return e.Evaluate(js, mode)
	}
}

func resultOf[T any](rv reflect.Value) T {
	return castAny[T](iface(rv))
}

// Evaluate runs js and converts its completion value to T. A promise is
// awaited unless T is a *Future or *Value.
func Evaluate[T any](ctx context.Context, b *Bridge, js string) (T, error) {
	var zero T
	td, err := TypeFor[T]()
	if err != nil {
		return zero, &StringEvaluationError{Source: js, Err: err}
	}
	rv, err := b.c.exchange(ctx, td, evaluateCall(js))
	if err != nil {
		return zero, b.c.evalError(js, err)
	}
	return resultOf[T](rv), nil
}

// EvaluateAsync is Evaluate returning immediately with a future.
func EvaluateAsync[T any](b *Bridge, js string) *Future[T] {
	f := NewFuture[T]()
	td, err := TypeFor[T]()
	if err != nil {
		f.Fail(&StringEvaluationError{Source: js, Err: err})
		return f
	}
	c := b.c
	fc := c.exchangeAsync(td, evaluateCall(js))
	fc.onDone(func() {
		v, err := fc.result()
		if err != nil {
			f.Fail(c.evalError(js, err))
			return
		}
		f.Complete(castAny[T](v))
	})
	return f
}

// EvaluateNoResult runs js without waiting. Failures go to the error
// listeners.
func (b *Bridge) EvaluateNoResult(js string) {
	c := b.c
	fc := c.exchangeAsync(voidDescriptor, evaluateCall(js))
	fc.onDone(func() {
		if _, err := fc.result(); err != nil {
			c.notify(c.evalError(js, err))
		}
	})
}

// EvaluateFile runs the script read from r as global code, so that its
// top-level declarations stay visible to later evaluations.
func (b *Bridge) EvaluateFile(ctx context.Context, r io.Reader, name string) error {
	src, err := io.ReadAll(r)
	if err != nil {
		return &FileEvaluationError{FileName: name, Err: err}
	}
	return b.c.evaluateGlobal(ctx, string(src), name)
}

func (c *bridgeCore) evaluateGlobal(ctx context.Context, src, name string) error {
	err := c.do(ctx, func() error {
		return c.mutate(func(e core.Engine) error { return e.EvaluateGlobal(src, name) })
	})
	if err != nil {
		return &FileEvaluationError{FileName: name, Err: err}
	}
	return nil
}

const maxSuffix = ".max.js"

// EvaluateLocalFile evaluates path from fsys. With useMax the
// unminified sibling "name.max.js" is preferred when it exists.
func (b *Bridge) EvaluateLocalFile(ctx context.Context, fsys fs.FS, path string, useMax bool) error {
	if strings.HasSuffix(path, maxSuffix) {
		return &FileEvaluationError{FileName: path, Err: errors.New("pass the base file name, not its .max.js variant")}
	}
	if useMax {
		maxPath := strings.TrimSuffix(path, ".js") + maxSuffix
		if src, err := fs.ReadFile(fsys, maxPath); err == nil {
			return b.c.evaluateGlobal(ctx, string(src), maxPath)
		}
	}
	src, err := fs.ReadFile(fsys, path)
	if err != nil {
		return &FileEvaluationError{FileName: path, Err: err}
	}
	return b.c.evaluateGlobal(ctx, string(src), path)
}
