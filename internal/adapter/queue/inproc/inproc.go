// Package inproc is the in-process queue backend: a bounded channel of job
// ids drained by a fixed worker pool. It keeps generation alive when the
// broker is unreachable, at the cost of durability across restarts.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Queue implements domain.Queue over a bounded channel.
type Queue struct {
	ch            chan string
	submitTimeout time.Duration
	workers       int
	deliverer     domain.Deliverer
}

// New constructs a Queue. capacity and workers fall back to 256 and 2 when
// non-positive; submitTimeout falls back to 5s.
func New(capacity int, submitTimeout time.Duration, workers int, d domain.Deliverer) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	if workers < 2 {
		workers = 2
	}
	return &Queue{
		ch:            make(chan string, capacity),
		submitTimeout: submitTimeout,
		workers:       workers,
		deliverer:     d,
	}
}

// Submit queues the job id, blocking up to the submit timeout when the
// channel is full before failing with ErrQueueSaturated.
func (q *Queue) Submit(ctx domain.Context, jobID string) (time.Time, error) {
	select {
	case q.ch <- jobID:
	default:
		timer := time.NewTimer(q.submitTimeout)
		defer timer.Stop()
		select {
		case q.ch <- jobID:
		case <-timer.C:
			return time.Time{}, fmt.Errorf("op=queue.submit: %w", domain.ErrQueueSaturated)
		case <-ctx.Done():
			return time.Time{}, fmt.Errorf("op=queue.submit: %w", ctx.Err())
		}
	}
	observability.EnqueueJob("inproc")
	observability.QueueDepth.Set(float64(len(q.ch)))
	return time.Now().UTC(), nil
}

// Run drains the channel with the worker pool until ctx ends. Ids already
// queued when ctx is canceled are dropped; the stuck-job sweeper fails their
// jobs later.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("in-process queue started", slog.Int("workers", q.workers), slog.Int("capacity", cap(q.ch)))
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID := <-q.ch:
					observability.QueueDepth.Set(float64(len(q.ch)))
					if err := q.deliverer.Process(ctx, jobID); err != nil {
						slog.Error("in-process delivery failed",
							slog.String("job_id", jobID),
							slog.Any("error", err))
						if aerr := q.deliverer.Abandon(ctx, jobID, err); aerr != nil {
							slog.Error("abandon failed",
								slog.String("job_id", jobID),
								slog.Any("error", aerr))
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	slog.Info("in-process queue stopped")
}

// Depth reports how many ids are waiting.
func (q *Queue) Depth() int { return len(q.ch) }
