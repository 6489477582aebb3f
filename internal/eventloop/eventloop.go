package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for work submitted to, or dropped by, a closed loop.
var ErrClosed = errors.New("eventloop: closed")

// Task is a unit of work run on the loop goroutine. ctx is cancelled when
// the loop is closed; long tasks should observe it.
type Task func(ctx context.Context)

type queuedTask struct {
	run  Task
	drop func(error) // called instead of run when the loop closes first
}

// timerEntry represents a pending timer. The callback itself lives with
// whoever registered it; the loop only tracks scheduling.
type timerEntry struct {
	id       int
	interval time.Duration // 0 for one-shot timers
	timer    *time.Timer
	fire     func()
	cleared  bool
}

// Loop is a single-goroutine FIFO executor. Everything posted to it runs
// in submission order on one goroutine, which is the only goroutine that
// may touch the state it guards (the script engine).
type Loop struct {
	mu     sync.Mutex
	queue  []queuedTask
	wake   chan struct{}
	closed bool
	final  func()

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	gid     atomic.Uint64
	done    chan struct{}

	debug bool
	log   *zap.Logger

	timerMu sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
}

// New creates a loop. debug enables the Check assertion.
func New(log *zap.Logger, debug bool) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		debug:  debug,
		log:    log,
		timers: make(map[int]*timerEntry),
	}
}

// Start launches the loop goroutine. Calling it more than once is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

func (l *Loop) run() {
	l.gid.Store(goroutineID())
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if l.closed {
			final := l.final
			l.final = nil
			l.mu.Unlock()
			if final != nil {
				l.runSafely(func(context.Context) { final() })
			}
			return
		}
		t := l.queue[0]
		l.queue[0] = queuedTask{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.runSafely(t.run)
	}
}

func (l *Loop) runSafely(t Task) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("eventloop: task panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	t(l.ctx)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post enqueues t. drop, if non-nil, is called with ErrClosed when the
// loop closes before t runs.
func (l *Loop) Post(t Task, drop func(error)) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, queuedTask{run: t, drop: drop})
	l.mu.Unlock()
	l.signal()
	return nil
}

// Do runs fn on the loop and waits for its result. When called from the
// loop goroutine itself, fn runs inline so that re-entrant calls cannot
// deadlock. If ctx ends before fn starts, fn is skipped.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.InLoop() {
		return fn(l.ctx)
	}
	errCh := make(chan error, 1)
	err := l.Post(func(loopCtx context.Context) {
		if err := ctx.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- fn(loopCtx)
	}, func(err error) { errCh <- err })
	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes t inline when on the loop goroutine and enqueues it like
// Post otherwise. drop is only used for queued tasks.
func (l *Loop) Run(t Task, drop func(error)) error {
	if l.InLoop() {
		t(l.ctx)
		return nil
	}
	return l.Post(t, drop)
}

// InLoop reports whether the caller runs on the loop goroutine.
func (l *Loop) InLoop() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

// Check panics when debugging is enabled and the caller is not on the
// loop goroutine.
func (l *Loop) Check() {
	if !l.debug || l.InLoop() {
		return
	}
	panic(fmt.Sprintf("eventloop: called from goroutine %d instead of loop goroutine %d", goroutineID(), l.gid.Load()))
}

// Context returns the loop context, cancelled on Close.
func (l *Loop) Context() context.Context { return l.ctx }

// Close stops the loop. Queued tasks are dropped, the running task (if
// any) finishes, then final runs on the loop goroutine. Close does not
// wait; use Done. Closing twice is a no-op and reports false.
func (l *Loop) Close(final func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.final = final
	dropped := l.queue
	l.queue = nil
	l.mu.Unlock()

	l.cancel()
	l.stopTimers()
	for _, t := range dropped {
		if t.drop != nil {
			t.drop(ErrClosed)
		}
	}

	if !l.started.Load() {
		// Never started: no goroutine will run final.
		if l.started.CompareAndSwap(false, true) {
			if final != nil {
				final()
			}
			close(l.done)
			return true
		}
	}
	l.signal()
	return true
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// AddTimer schedules fire on the loop after delay, repeatedly when
// interval is set. It returns the timer id.
func (l *Loop) AddTimer(delay time.Duration, interval bool, fire func()) int {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	l.nextID++
	entry := &timerEntry{id: l.nextID, fire: fire}
	if interval {
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		entry.interval = delay
	}
	entry.timer = time.AfterFunc(delay, func() { l.fireTimer(entry) })
	l.timers[entry.id] = entry
	return entry.id
}

func (l *Loop) fireTimer(entry *timerEntry) {
	_ = l.Post(func(context.Context) {
		l.timerMu.Lock()
		if entry.cleared {
			l.timerMu.Unlock()
			return
		}
		if entry.interval > 0 {
			entry.timer.Reset(entry.interval)
		} else {
			delete(l.timers, entry.id)
		}
		l.timerMu.Unlock()
		entry.fire()
	}, nil)
}

// ClearTimer cancels a timer. Unknown ids are ignored.
func (l *Loop) ClearTimer(id int) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.cleared = true
		t.timer.Stop()
		delete(l.timers, id)
	}
}

// HasTimers reports whether any timer is pending.
func (l *Loop) HasTimers() bool {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	return len(l.timers) > 0
}

func (l *Loop) stopTimers() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	for id, t := range l.timers {
		t.cleared = true
		t.timer.Stop()
		delete(l.timers, id)
	}
}

// goroutineID returns the id of the current goroutine, parsed from the
// header of its stack trace ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n && buf[i] != ' '; i++ {
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
