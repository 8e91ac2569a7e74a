// Package task runs long operations (pagination, image conversion) on a
// background goroutine with cooperative cancellation. The worker observes a
// stop flag at its own suspension points; Stop never kills it, only waits.
package task

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle of a Background worker.
type State uint8

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Func is the worker body. It must poll ShouldStop (or the AbortFunc handed
// to sub-operations) often enough that Stop completes promptly.
type Func func() error

// Background owns one worker goroutine at a time. Reusable: a finished
// worker can be started again.
type Background struct {
	log *zap.Logger

	stopRequested atomic.Bool
	state         atomic.Uint32
	done          chan struct{}
	err           error
	name          string
}

// New creates an idle worker handle.
func New(log *zap.Logger) *Background {
	if log == nil {
		log = zap.NewNop()
	}
	return &Background{log: log.Named("task")}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (b *Background) State() State { return State(b.state.Load()) }

// IsRunning reports whether the worker goroutine is alive.
func (b *Background) IsRunning() bool {
	s := b.State()
	return s == Running || s == Stopping
}

// ShouldStop reports whether a stop was requested. The worker polls this.
func (b *Background) ShouldStop() bool { return b.stopRequested.Load() }

// AbortFunc returns a callback suitable for the parser and converter abort
// hooks, bound to this worker's stop flag.
func (b *Background) AbortFunc() func() bool { return b.ShouldStop }

// Err returns the error the last run finished with, if any. Valid once the
// state is Complete or Error.
func (b *Background) Err() error { return b.err }

// Start launches fn on a new goroutine. Fails if a worker is still alive.
func (b *Background) Start(name string, fn Func) bool {
	s := b.State()
	if s == Starting || s == Running || s == Stopping {
		b.log.Warn("start rejected, worker busy", zap.String("name", name), zap.Stringer("state", s))
		return false
	}

	b.name = name
	b.err = nil
	b.stopRequested.Store(false)
	b.done = make(chan struct{})
	b.state.Store(uint32(Starting))

	go func() {
		b.state.Store(uint32(Running))
		b.log.Debug("worker started", zap.String("name", name))
		err := fn()
		if err != nil {
			b.err = err
			b.state.Store(uint32(Error))
			b.log.Warn("worker failed", zap.String("name", name), zap.Error(err))
		} else {
			b.state.Store(uint32(Complete))
			b.log.Debug("worker finished", zap.String("name", name))
		}
		close(b.done)
	}()
	return true
}

// Stop requests a cooperative stop and waits up to maxWait for the worker to
// exit (0 waits forever). Returns false on timeout; the worker keeps running
// and the state stays Stopping until it exits on its own. Idempotent, and a
// no-op when nothing is running.
func (b *Background) Stop(maxWait time.Duration) bool {
	switch b.State() {
	case Idle, Complete, Error:
		return true
	}

	b.stopRequested.Store(true)
	// The worker's own exit transition wins over this marker.
	b.state.CompareAndSwap(uint32(Running), uint32(Stopping))
	b.log.Debug("stop requested", zap.String("name", b.name))

	if maxWait == 0 {
		<-b.done
		return true
	}
	select {
	case <-b.done:
		return true
	case <-time.After(maxWait):
		b.log.Warn("worker did not stop in time",
			zap.String("name", b.name), zap.Duration("waited", maxWait))
		return false
	}
}

// Wait blocks until the current worker exits. Returns immediately when none
// was started.
func (b *Background) Wait() {
	if b.done == nil {
		return
	}
	<-b.done
}
