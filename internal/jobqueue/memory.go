package jobqueue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is a process-local queue used in development and tests.
// Jobs do not survive a restart.
type MemoryQueue struct {
	mu          sync.Mutex
	ready       chan Job
	timers      []*time.Timer
	closed      bool
	pollTimeout time.Duration
}

// NewMemoryQueue constructs an in-memory queue.
func NewMemoryQueue(pollTimeout time.Duration) *MemoryQueue {
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}
	return &MemoryQueue{
		ready:       make(chan Job, 1024),
		pollTimeout: pollTimeout,
	}
}

// Enqueue makes the job available now, or after the delay elapses.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	if delay <= 0 {
		q.push(job)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		q.push(job)
	}))
	return nil
}

func (q *MemoryQueue) push(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- job:
	default:
		// Queue full; drop. Acceptable for a dev-only driver.
	}
}

// Dequeue waits up to the poll timeout for a job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.ready:
		return &job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(q.pollTimeout):
		return nil, nil
	}
}

// Close stops pending delay timers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
