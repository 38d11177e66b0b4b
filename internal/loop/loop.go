// Package loop provides the single-threaded cooperative scheduler that owns
// all coordinator state.
//
// Every mutation of ledger, selector, cache and page state happens inside a
// task run by a Scheduler. Other goroutines (process connections, background
// snapshot I/O, the inspector server) never touch that state directly; they
// Dispatch a task and the loop runs it in order.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that is no longer running
var ErrStopped = errors.New("loop stopped")

// Timer is a pending delayed task
type Timer interface {
	// Stop prevents the task from running. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Scheduler runs tasks one at a time
type Scheduler interface {
	Dispatch(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop is the production Scheduler. Tasks queued with Dispatch run in FIFO
// order on the goroutine that called Run.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	running atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

// New creates a loop. It does nothing until Run is called.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger.Named("loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued when the
// context ends are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop already running")
	}
	defer func() {
		l.stopped.Store(true)
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			dropped := len(l.pending)
			l.pending = nil
			l.mu.Unlock()
			if dropped > 0 {
				l.logger.Debug("Dropping queued tasks on shutdown", zap.Int("count", dropped))
			}
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.runTask(fn)
			}
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Dispatch queues fn. Safe to call from any goroutine.
func (l *Loop) Dispatch(fn func()) {
	if l.stopped.Load() {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to finish
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	finished := make(chan struct{})
	l.Dispatch(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc queues fn after d elapses
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Dispatch(func() {
			if t.state.CompareAndSwap(timerActive, timerFired) {
				fn()
			}
		})
	})
	return t
}

// Now returns wall clock time
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Done is closed once Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

const (
	timerActive int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	timer *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerActive, timerStopped) {
		return false
	}
	t.timer.Stop()
	return true
}
