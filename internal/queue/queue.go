// Package queue is the in-process job transport between pipeline stages.
// Delivery is at-least-once under retries; dedup is the consumers' problem
// (evidence is content-hashed for exactly that reason).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/resilience"
)

// ErrClosed is returned when enqueuing to a closed broker.
var ErrClosed = eris.New("queue: broker closed")

// Broker owns one buffered queue per pipeline stage.
type Broker struct {
	mu     sync.Mutex
	queues map[model.Stage]chan model.Job
	depth  int
	closed bool
}

// NewBroker creates a broker with one queue per stage.
func NewBroker(depth int) *Broker {
	if depth <= 0 {
		depth = 256
	}
	b := &Broker{
		queues: make(map[model.Stage]chan model.Job, len(model.Stages)),
		depth:  depth,
	}
	for _, stage := range model.Stages {
		b.queues[stage] = make(chan model.Job, depth)
	}
	return b
}

// Enqueue places a job on its stage queue, blocking if the queue is full.
func (b *Broker) Enqueue(ctx context.Context, job model.Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ch, ok := b.queues[job.Stage]
	b.mu.Unlock()
	if !ok {
		return eris.Errorf("queue: unknown stage %q", job.Stage)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "queue: enqueue")
	}
}

// Chan exposes the receive side of a stage queue for its consumer pool.
func (b *Broker) Chan(stage model.Stage) <-chan model.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[stage]
}

// Depth returns the number of queued jobs for a stage.
func (b *Broker) Depth(stage model.Stage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[stage])
}

// Close marks the broker closed for new work. Queued jobs drain normally.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// DLQ is the in-memory dead letter queue for jobs that exhausted retries or
// failed validation.
type DLQ struct {
	mu      sync.Mutex
	entries []resilience.DLQEntry
}

// NewDLQ creates an empty dead letter queue.
func NewDLQ() *DLQ {
	return &DLQ{}
}

// Add parks a failed job.
func (d *DLQ) Add(job model.Job, err error, class resilience.ErrorClass, maxRetries int) {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, resilience.DLQEntry{
		ID:           uuid.NewString(),
		Job:          job,
		Error:        err.Error(),
		ErrorClass:   class,
		FailedStage:  job.Stage,
		RetryCount:   job.Attempt,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	})
}

// List returns entries matching the filter, newest first.
func (d *DLQ) List(filter resilience.DLQFilter) []resilience.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []resilience.DLQEntry
	for i := len(d.entries) - 1; i >= 0; i-- {
		e := d.entries[i]
		if filter.ErrorClass != "" && e.ErrorClass != filter.ErrorClass {
			continue
		}
		if filter.Stage != "" && e.FailedStage != filter.Stage {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Depth returns the number of parked entries.
func (d *DLQ) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
