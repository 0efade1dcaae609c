package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"overwatch/pkg/db"
)

// Task asks for one record to be enriched.
type Task struct {
	Kind  db.RecordKind
	ID    int64
	BotID int64
}

func (t Task) key() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// Queue buffers tasks between ingest/sweeper and the worker pool. A task
// already queued or running is not queued twice.
type Queue struct {
	ch       chan Task
	inflight sync.Map
	dropped  atomic.Uint64
}

// NewQueue creates a bounded queue.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Task, size)}
}

// Enqueue adds t without blocking. It returns false only when the queue is
// full; the record then stays pending until the sweeper finds it again.
func (q *Queue) Enqueue(t Task) bool {
	if _, busy := q.inflight.LoadOrStore(t.key(), struct{}{}); busy {
		return true
	}
	select {
	case q.ch <- t:
		return true
	default:
		q.inflight.Delete(t.key())
		q.dropped.Add(1)
		return false
	}
}

// Done releases t so it can be queued again.
func (q *Queue) Done(t Task) {
	q.inflight.Delete(t.key())
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many tasks were rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain consumes tasks with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(Task)) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.ch:
			if !ok {
				return
			}
			handler(t)
		}
	}
}
