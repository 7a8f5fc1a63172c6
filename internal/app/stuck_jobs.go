package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// StuckJobSweeper fails processing jobs whose started_at exceeds the maximum
// job duration. It covers the gap where a worker dies after the broker has
// exhausted redeliveries, or where the in-process queue loses its process.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	events   domain.EventPublisher
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper constructs a sweeper; nil jobs yields a nil sweeper
// whose Run is a no-op.
func NewStuckJobSweeper(jobs domain.JobRepository, events domain.EventPublisher, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, events: events, maxAge: maxAge, interval: interval}
}

// Run sweeps until the context is canceled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	processing := domain.JobProcessing
	const pageSize = 100

	checked, failed := 0, 0
	cursor := ""
	for {
		jobs, next, err := s.jobs.List(ctx, domain.JobFilter{Status: &processing}, pageSize, cursor)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		checked += len(jobs)

		for _, j := range jobs {
			if j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
				continue
			}
			if s.markFailed(ctx, j) {
				failed++
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", checked),
		attribute.Int("jobs.total_marked_failed", failed),
	)
	if failed > 0 {
		slog.Warn("stuck jobs failed by sweeper", slog.Int("count", failed))
	}
}

func (s *StuckJobSweeper) markFailed(ctx context.Context, j domain.Job) bool {
	status := domain.JobFailed
	now := time.Now().UTC()
	updated, err := s.jobs.Update(ctx, j.ID, domain.JobPatch{
		Status:     &status,
		FinishedAt: &now,
		Result: &domain.JobResult{
			ErrorKind: domain.ErrKindTimeout,
			Message:   fmt.Sprintf("processing exceeded %v", s.maxAge),
		},
	})
	if err != nil {
		// A worker may have finished it between the list and the update.
		slog.Warn("stuck job sweep could not fail job",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	if s.events != nil {
		if seq, err := s.jobs.NextSequence(ctx, j.ID); err == nil {
			s.events.Publish(domain.StatusEvent{
				JobID:     updated.ID,
				Status:    updated.Status,
				Progress:  updated.Progress,
				Message:   "timed out",
				Sequence:  seq,
				Result:    updated.Result,
				Timestamp: now,
			})
		}
	}
	return true
}
