package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// DeliverService drives a claimed job from queued to a terminal state. It
// implements domain.Deliverer; queue backends call Process once per claimed
// id and Abandon when redelivery is exhausted.
type DeliverService struct {
	Jobs      domain.JobRepository
	Generator domain.GeneratorClient
	Events    domain.EventPublisher
	Cancels   domain.CancelBus

	PollInterval   time.Duration
	MaxJobDuration time.Duration
}

// NewDeliverService constructs a DeliverService with defaulted intervals.
func NewDeliverService(jobs domain.JobRepository, gen domain.GeneratorClient, events domain.EventPublisher, cancels domain.CancelBus, pollInterval, maxJobDuration time.Duration) DeliverService {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxJobDuration <= 0 {
		maxJobDuration = 30 * time.Minute
	}
	return DeliverService{
		Jobs:           jobs,
		Generator:      gen,
		Events:         events,
		Cancels:        cancels,
		PollInterval:   pollInterval,
		MaxJobDuration: maxJobDuration,
	}
}

// Process executes one delivery attempt. A nil return acknowledges the
// message; a non-nil return asks the backend to redeliver. Terminal jobs are
// acknowledged without work, which makes redelivery idempotent.
func (s DeliverService) Process(ctx domain.Context, jobID string) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("claimed job missing from store", slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("op=deliver.claim: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	job, ok, err := s.markProcessing(ctx, job)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	handle, err := s.Generator.Start(ctx, job.Prompt, job.NegativePrompt, job.Params)
	if err != nil {
		kind := domain.ErrKindGeneratorUnreachable
		if errors.Is(err, domain.ErrGeneratorRejected) {
			kind = domain.ErrKindGeneratorRejected
		}
		s.fail(ctx, job.ID, kind, err.Error())
		return nil
	}

	return s.pollLoop(ctx, job, handle)
}

// Abandon marks a job failed after its redeliveries are exhausted.
func (s DeliverService) Abandon(ctx domain.Context, jobID string, cause error) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=deliver.abandon: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	msg := "delivery abandoned"
	if cause != nil {
		msg = cause.Error()
	}
	s.fail(ctx, jobID, kindFromError(cause), msg)
	return nil
}

// markProcessing performs the queued -> processing transition. ok=false means
// another worker already moved the job and this attempt should acknowledge.
func (s DeliverService) markProcessing(ctx domain.Context, job domain.Job) (domain.Job, bool, error) {
	status := domain.JobProcessing
	attempts := job.AttemptCount + 1
	patch := domain.JobPatch{Status: &status, AttemptCount: &attempts}
	if job.StartedAt == nil {
		now := time.Now().UTC()
		patch.StartedAt = &now
	}
	updated, err := s.Jobs.Update(ctx, job.ID, patch)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=deliver.start: %w", err)
	}
	observability.StartProcessingJob()
	emitStatus(ctx, s.Jobs, s.Events, updated, "")
	return updated, true, nil
}

func (s DeliverService) pollLoop(ctx domain.Context, job domain.Job, handle domain.GenerationHandle) error {
	cancelCh, release, err := s.watchCancel(ctx, job.ID)
	if err != nil {
		slog.Warn("cancel watch unavailable", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if release != nil {
		defer release()
	}

	started := time.Now()
	timer := time.NewTimer(jitter(s.PollInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Redeliver; the broker hands the job to another worker.
			return ctx.Err()

		case <-cancelCh:
			if err := s.Generator.Cancel(ctx, handle); err != nil {
				slog.Warn("external cancel failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			s.finishCanceled(ctx, job.ID)
			return nil

		case <-timer.C:
		}

		if time.Since(started) > s.MaxJobDuration {
			if err := s.Generator.Cancel(ctx, handle); err != nil {
				slog.Warn("external cancel failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			s.fail(ctx, job.ID, domain.ErrKindTimeout, "max job duration exceeded")
			return nil
		}

		ext, err := s.Generator.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(ctx, job.ID, domain.ErrKindGeneratorUnreachable, err.Error())
			return nil
		}

		status, diag := domain.NormalizeStatus(ext.RawStatus)
		progress := domain.NormalizeProgress(ext.Progress, status, job.Progress)

		if status.Terminal() {
			s.finishTerminal(ctx, job.ID, status, progress, ext, diag)
			return nil
		}

		// Non-terminal external statuses all mean "still working" once the
		// job is processing, so forward motion is progress-only.
		if progress > job.Progress {
			updated, err := s.Jobs.Update(ctx, job.ID, domain.JobPatch{Progress: &progress})
			if err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) {
					// Canceled out from under us via the store.
					return nil
				}
				slog.Warn("progress update failed", slog.String("job_id", job.ID), slog.Any("error", err))
			} else {
				job = updated
				emitStatus(ctx, s.Jobs, s.Events, job, ext.Message)
			}
		}

		timer.Reset(jitter(s.PollInterval))
	}
}

// watchCancel returns a never-firing channel when no bus is wired.
func (s DeliverService) watchCancel(ctx domain.Context, jobID string) (<-chan struct{}, func(), error) {
	if s.Cancels == nil {
		return nil, nil, nil
	}
	return s.Cancels.Watch(ctx, jobID)
}

func (s DeliverService) finishTerminal(ctx domain.Context, jobID string, status domain.JobStatus, progress float64, ext domain.ExternalStatus, diag string) {
	switch status {
	case domain.JobCompleted:
		s.finish(ctx, jobID, status, progress, &domain.JobResult{Images: ext.Images}, ext.Message)
	case domain.JobCanceled:
		s.finishCanceled(ctx, jobID)
	default:
		msg := ext.Message
		if msg == "" {
			msg = diag
		}
		s.fail(ctx, jobID, domain.ErrKindGeneratorRejected, msg)
	}
}

func (s DeliverService) finishCanceled(ctx domain.Context, jobID string) {
	status := domain.JobCanceled
	s.finish(ctx, jobID, status, 0, &domain.JobResult{
		ErrorKind: domain.ErrKindCanceled,
		Message:   "canceled by request",
	}, "canceled")
}

func (s DeliverService) fail(ctx domain.Context, jobID, kind, message string) {
	s.finish(ctx, jobID, domain.JobFailed, 0, &domain.JobResult{ErrorKind: kind, Message: message}, message)
}

// finish performs the terminal transition and emits the final event. A lost
// race with another terminal writer is acknowledged silently.
func (s DeliverService) finish(ctx domain.Context, jobID string, status domain.JobStatus, progress float64, result *domain.JobResult, message string) {
	now := time.Now().UTC()
	patch := domain.JobPatch{Status: &status, FinishedAt: &now, Result: result}
	if status == domain.JobCompleted {
		one := 1.0
		patch.Progress = &one
	} else if progress > 0 {
		patch.Progress = &progress
	}
	updated, err := s.Jobs.Update(ctx, jobID, patch)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("terminal transition failed",
				slog.String("job_id", jobID), slog.String("status", string(status)), slog.Any("error", err))
		}
		return
	}
	observability.FinishJob(string(status))
	emitStatus(ctx, s.Jobs, s.Events, updated, message)
}

func kindFromError(err error) string {
	switch {
	case errors.Is(err, domain.ErrGeneratorRejected):
		return domain.ErrKindGeneratorRejected
	case errors.Is(err, domain.ErrGeneratorUnreachable):
		return domain.ErrKindGeneratorUnreachable
	case errors.Is(err, domain.ErrQueueSaturated):
		return domain.ErrKindQueueSaturated
	default:
		return domain.ErrKindGeneratorUnreachable
	}
}

// jitter spreads poll ticks by ±20% so a fleet of workers does not align.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
