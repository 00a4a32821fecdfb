// Package scheduler is a bounded-concurrency task queue with cooperative
// cancellation, used to gate outbound work whose cost is billed with
// execution.
//
// Cancellation contract: a queued task is removed synchronously and its body
// never runs. A running task is only signalled: the body must poll the
// cancel channel at safe points; the scheduler never preempts running work.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// State of a task. Transitions: Queued→Running→Done, Queued→Cancelled,
// Running→Cancelled.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ErrCancelled is the default cancellation reason.
var ErrCancelled = errors.New("task cancelled")

// TaskFunc is a schedulable unit of work. release frees the task's
// concurrency slot and may be called before returning to overlap non-gated
// tail work; the scheduler guarantees the slot is freed exactly once even if
// the body never calls it. cancelled is closed when the task is cancelled.
type TaskFunc func(release func(), cancelled <-chan struct{}) (any, error)

// Handle tracks one enqueued task.
type Handle struct {
	id uint64
	s  *Scheduler
	fn TaskFunc

	cancelled  chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
	release    sync.Once

	// guarded by s.mu
	state  State
	result any
	err    error
}

// State returns the task's current lifecycle state.
func (h *Handle) State() State {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.state
}

// Done is closed when the task settles (Done or Cancelled).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the task outcome. Only valid after Done is closed.
func (h *Handle) Result() (any, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.result, h.err
}

// Wait blocks until the task settles or ctx expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.Result()
	}
}

// Cancel cancels the task. A queued task is removed from the wait queue
// synchronously and its body never executes. A running task only has its
// cancel channel closed; it keeps its slot until it settles or releases.
// A nil reason defaults to ErrCancelled. Cancelling a settled task is a
// no-op.
func (h *Handle) Cancel(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}

	h.s.mu.Lock()
	switch h.state {
	case StateQueued:
		h.s.removeQueued(h)
		h.state = StateCancelled
		h.err = reason
		h.s.mu.Unlock()
		h.cancelOnce.Do(func() { close(h.cancelled) })
		close(h.done)

	case StateRunning:
		h.state = StateCancelled
		h.err = reason
		h.s.mu.Unlock()
		h.cancelOnce.Do(func() { close(h.cancelled) })

	default:
		h.s.mu.Unlock()
	}
}

// Scheduler holds a fixed number of concurrency slots and a FIFO wait queue.
// All slot accounting is guarded by one mutex; double-release is absorbed by
// a sync.Once per task.
type Scheduler struct {
	mu     sync.Mutex
	slots  int
	inUse  int
	queue  []*Handle
	nextID uint64
	log    *zap.Logger
}

func New(slots int, log *zap.Logger) *Scheduler {
	if slots < 1 {
		slots = 1
	}
	return &Scheduler{slots: slots, log: log}
}

// Enqueue starts fn immediately when a slot is free, otherwise appends it to
// the wait queue.
func (s *Scheduler) Enqueue(fn TaskFunc) *Handle {
	s.mu.Lock()
	s.nextID++
	h := &Handle{
		id:        s.nextID,
		s:         s,
		fn:        fn,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.inUse < s.slots {
		s.inUse++
		h.state = StateRunning
		s.mu.Unlock()
		go s.run(h)
		return h
	}
	h.state = StateQueued
	s.queue = append(s.queue, h)
	depth := len(s.queue)
	s.mu.Unlock()
	s.log.Debug("task queued", zap.Uint64("task", h.id), zap.Int("queue_depth", depth))
	return h
}

// QueueLen returns the number of tasks waiting for a slot.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running returns the number of slots currently in use.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Scheduler) run(h *Handle) {
	// Guaranteed release: the slot is freed when the body calls release or
	// when the body returns, whichever comes first, and only once.
	defer s.releaseSlot(h)

	result, err := h.fn(func() { s.releaseSlot(h) }, h.cancelled)

	s.mu.Lock()
	if h.state == StateCancelled {
		// Keep the cancellation reason; surface the body's result so a
		// cooperative task can still report partial work.
		h.result = result
	} else {
		h.state = StateDone
		h.result = result
		h.err = err
	}
	s.mu.Unlock()
	close(h.done)
}

// releaseSlot frees h's slot and starts the next queued task, exactly once.
func (s *Scheduler) releaseSlot(h *Handle) {
	h.release.Do(func() {
		s.mu.Lock()
		s.inUse--
		var next *Handle
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
			next.state = StateRunning
			s.inUse++
		}
		s.mu.Unlock()
		if next != nil {
			go s.run(next)
		}
	})
}

// removeQueued drops h from the wait queue. Caller holds s.mu.
func (s *Scheduler) removeQueued(h *Handle) {
	for i, q := range s.queue {
		if q == h {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
