// Package queue provides a generic FIFO work queue with a fixed
// concurrency ceiling.
package queue

import (
	"context"
	"sync"
)

// DefaultConcurrency is used when a Config leaves Concurrency unset.
const DefaultConcurrency = 30

// Handler processes a single item.
type Handler[T, R any] func(ctx context.Context, item T) (R, error)

// Config describes a queue.
type Config[T, R any] struct {
	// Name identifies the queue in status snapshots.
	Name string
	// Concurrency is the maximum number of handlers running at once.
	Concurrency int
	// Handler is invoked once per pushed item.
	Handler Handler[T, R]
	// OnDone is called exactly once per item after its handler returns.
	// Calls are serialized, so OnDone may mutate shared state without locking.
	OnDone func(item T, result R, err error)
	// OnDrain is called once per drain cycle, after the last OnDone.
	OnDrain func()
}

// Queue runs at most Concurrency handlers at a time. One item failing never
// blocks or cancels its siblings.
type Queue[T, R any] struct {
	ctx context.Context
	cfg Config[T, R]

	mu      sync.Mutex
	pending []T
	running int
	drained chan struct{} // nil while idle

	doneMu sync.Mutex
}

// New creates a queue whose handlers receive ctx.
func New[T, R any](ctx context.Context, cfg Config[T, R]) *Queue[T, R] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Queue[T, R]{ctx: ctx, cfg: cfg}
}

// Name returns the configured queue name.
func (q *Queue[T, R]) Name() string {
	return q.cfg.Name
}

// Push appends items and starts as many as the ceiling allows. Pushing to an
// idle queue begins a new drain cycle; pushing nothing to an idle queue
// completes that cycle immediately.
func (q *Queue[T, R]) Push(items ...T) {
	q.mu.Lock()
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	q.pending = append(q.pending, items...)
	q.dispatchLocked()
	if q.running == 0 && len(q.pending) == 0 {
		q.drainLocked()
		return
	}
	q.mu.Unlock()
}

// Len returns the number of items that have not started yet.
func (q *Queue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of handlers currently in flight.
func (q *Queue[T, R]) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns a copy of the items that have not started yet.
func (q *Queue[T, R]) Pending() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.pending))
	copy(out, q.pending)
	return out
}

// Idle reports whether the queue has no pending or running work.
func (q *Queue[T, R]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained == nil
}

// Clear drops every item that has not started and returns them. Running
// handlers are left to finish.
func (q *Queue[T, R]) Clear() []T {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	if q.drained != nil && q.running == 0 {
		q.drainLocked()
		return dropped
	}
	q.mu.Unlock()
	return dropped
}

// Wait blocks until the current drain cycle completes or ctx is done.
// It returns immediately when the queue is idle.
func (q *Queue[T, R]) Wait(ctx context.Context) error {
	q.mu.Lock()
	ch := q.drained
	q.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLocked must be called with q.mu held.
func (q *Queue[T, R]) dispatchLocked() {
	for q.running < q.cfg.Concurrency && len(q.pending) > 0 {
		item := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		q.running++
		go q.run(item)
	}
}

// drainLocked is called with q.mu held and releases it.
func (q *Queue[T, R]) drainLocked() {
	ch := q.drained
	q.drained = nil
	q.mu.Unlock()

	close(ch)
	if q.cfg.OnDrain != nil {
		q.cfg.OnDrain()
	}
}

func (q *Queue[T, R]) run(item T) {
	result, err := q.cfg.Handler(q.ctx, item)

	if q.cfg.OnDone != nil {
		q.doneMu.Lock()
		q.cfg.OnDone(item, result, err)
		q.doneMu.Unlock()
	}

	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	if q.running == 0 && len(q.pending) == 0 {
		q.drainLocked()
		return
	}
	q.mu.Unlock()
}

// Status is a read-only snapshot of a queue.
type Status struct {
	Name    string
	Running int
	Pending []string
}

// Snapshot describes the queue, labelling each pending item with label.
func (q *Queue[T, R]) Snapshot(label func(T) string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{Name: q.cfg.Name, Running: q.running, Pending: make([]string, 0, len(q.pending))}
	for _, item := range q.pending {
		st.Pending = append(st.Pending, label(item))
	}
	return st
}
