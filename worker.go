package taskmanager

import (
	"context"
	"sync"
)

// fifo is an unbounded queue. push never blocks, so it is safe to call
// with the registry lock held.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
}

func (q *fifo[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx is done.
func (q *fifo[T]) pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return v, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.signal:
		}
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// schedule hands a job that just became Running or Retrying to the
// workers. A job that is still executing is picked up again by the
// worker that runs it.
func (m *Manager) schedule(j *Job) {
	j.sched.Add(1)
	if j.executing.Load() {
		return
	}
	m.enqueue(j)
}

func (m *Manager) enqueue(j *Job) {
	if j.queued.CompareAndSwap(false, true) {
		m.runq.push(j)
	}
}

// work is the main loop of a single worker.
func (m *Manager) work(ctx context.Context) {
	for {
		j, ok := m.runq.pop(ctx)
		if !ok {
			return
		}
		m.process(ctx, j)
	}
}

// process runs a single job until it leaves Running and Retrying or the
// manager shuts down.
func (m *Manager) process(ctx context.Context, j *Job) {
	j.queued.Store(false)
	if !j.executing.CompareAndSwap(false, true) {
		return
	}
	logger := m.logger.With(jobAttrs(j)...)

	var (
		seen  uint64
		event string
	)
	for {
		seen = j.sched.Load()
		if state, _ := j.State(); !state.IsActive() {
			break
		}

		m.testJobStarted() // testing hook

		err := m.runner.Run(ctx, j)
		if ctx.Err() != nil {
			j.executing.Store(false)
			return
		}
		if j.sched.Load() != seen {
			// Paused and resumed while the transfer was winding down.
			continue
		}
		if state, _ := j.State(); state.IsActive() {
			if err != nil && j.SetStatus(Failed, ReasonOthersError) {
				event = EventFail
			} else if err == nil && j.SetStatus(Completed, ReasonDefault) {
				event = EventComplete
			}
		}
		if err != nil {
			logger.Warn("task failed", errAttr(err))
		} else {
			logger.Debug("task finished")
		}
		m.record(j)
		break
	}
	j.executing.Store(false)

	// A reschedule may have raced with the flag above.
	if j.sched.Load() != seen {
		if state, _ := j.State(); state.IsActive() {
			m.enqueue(j)
		}
	}
	m.afterJobProcessed(j)
	if event != "" {
		m.notify(event, j)
	}
}
