// Package usecase contains application business logic services.
package usecase

import (
	"log/slog"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// emitStatus assigns the next per-job sequence number and publishes the
// event. Sequence allocation goes through the store so ordering survives
// concurrent workers and redeliveries; a failed allocation only costs the
// event, never the state transition.
func emitStatus(ctx domain.Context, jobs domain.JobRepository, events domain.EventPublisher, job domain.Job, message string) {
	if events == nil {
		return
	}
	seq, err := jobs.NextSequence(ctx, job.ID)
	if err != nil {
		slog.Warn("event sequence allocation failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	events.Publish(domain.StatusEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   message,
		Sequence:  seq,
		Result:    job.Result,
		Timestamp: time.Now().UTC(),
	})
}
