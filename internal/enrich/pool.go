package enrich

import (
	"context"
	"fmt"
	"sync"
)

// Run drains the queue into a pool of workers until ctx is canceled.
// Tasks are sharded by bot id, so one bot's records are enriched in the
// order they were queued.
func (e *Engine) Run(ctx context.Context) error {
	shards := make([]chan Task, e.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan Task, 64)
		wg.Add(1)
		go func(in <-chan Task) {
			defer wg.Done()
			for t := range in {
				e.runTask(ctx, t)
			}
		}(shards[i])
	}

	e.log.WithField("workers", e.workers).Info("enrichment pool started")
	e.queue.Drain(ctx, func(t Task) {
		shard := shards[uint64(t.BotID)%uint64(len(shards))]
		select {
		case shard <- t:
		case <-ctx.Done():
			e.queue.Done(t)
		}
	})

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	e.log.Info("enrichment pool stopped")
	return nil
}

func (e *Engine) runTask(ctx context.Context, t Task) {
	defer e.queue.Done(t)
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.record(t, fmt.Errorf("panic: %v", r), 0)
		}
	}()
	if e.prom != nil {
		e.prom.QueueDepth.Set(float64(e.queue.Len()))
	}
	_ = e.Process(ctx, t)
}
