package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobService serves job reads and the user-facing lifecycle operations:
// cancel, rating, deletion.
type JobService struct {
	Jobs    domain.JobRepository
	Events  domain.EventPublisher
	Cancels domain.CancelBus
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository, events domain.EventPublisher, cancels domain.CancelBus) JobService {
	return JobService{Jobs: jobs, Events: events, Cancels: cancels}
}

// Get returns one job snapshot.
func (s JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return job, nil
}

// List returns a page of jobs. Zero limit defaults to 50; limits above 500
// are clamped.
func (s JobService) List(ctx domain.Context, f domain.JobFilter, limit int, cursor string) ([]domain.Job, string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, next, err := s.Jobs.List(ctx, f, limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("op=jobs.list: %w", err)
	}
	return jobs, next, nil
}

// Cancel initiates cancellation. Queued jobs are canceled directly in the
// store; processing jobs are signalled over the cancellation bus to whichever
// worker holds them. Terminal jobs refuse with ErrConflict.
func (s JobService) Cancel(ctx domain.Context, id string) error {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=jobs.cancel: %w", err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s already %s", domain.ErrConflict, id, job.Status)
	}

	if job.Status == domain.JobQueued {
		status := domain.JobCanceled
		now := time.Now().UTC()
		updated, err := s.Jobs.Update(ctx, id, domain.JobPatch{
			Status:     &status,
			FinishedAt: &now,
			Result: &domain.JobResult{
				ErrorKind: domain.ErrKindCanceled,
				Message:   "canceled before dispatch",
			},
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// A worker claimed it between the read and the write; fall
				// through to the bus so the cancel still lands.
				return s.requestCancel(ctx, id)
			}
			return fmt.Errorf("op=jobs.cancel: %w", err)
		}
		emitStatus(ctx, s.Jobs, s.Events, updated, "canceled")
		return nil
	}

	return s.requestCancel(ctx, id)
}

func (s JobService) requestCancel(ctx domain.Context, id string) error {
	if s.Cancels == nil {
		return fmt.Errorf("op=jobs.cancel: %w: no cancellation bus", domain.ErrInternal)
	}
	if err := s.Cancels.RequestCancel(ctx, id); err != nil {
		return fmt.Errorf("op=jobs.cancel: %w", err)
	}
	return nil
}

// Rate records a rating and/or favorite flag on a job. These never touch the
// delivery path and are allowed in any state.
func (s JobService) Rate(ctx domain.Context, id string, rating *int, favorite *bool) (domain.Job, error) {
	if rating == nil && favorite == nil {
		return domain.Job{}, fmt.Errorf("%w: nothing to update", domain.ErrInvalidArgument)
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return domain.Job{}, fmt.Errorf("%w: rating must be in [1,5]", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Update(ctx, id, domain.JobPatch{Rating: rating, IsFavorite: favorite})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.rate: %w", err)
	}
	return job, nil
}

// Delete removes a terminal job. Non-terminal jobs refuse with ErrConflict.
func (s JobService) Delete(ctx domain.Context, id string) error {
	if err := s.Jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=jobs.delete: %w", err)
	}
	return nil
}
