package usecase

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
	"github.com/JoseStud/LoraAPIBackend-sub002/pkg/promptx"
)

// LoraSelection is one explicitly requested adapter, optionally with a
// weight override replacing the catalog weight.
type LoraSelection struct {
	AdapterID      string   `json:"adapter_id" validate:"required"`
	WeightOverride *float64 `json:"weight_override,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// GenerateRequest is the coordinator input. An empty Loras slice means
// implicit selection: all currently active adapters in catalog order.
type GenerateRequest struct {
	Prefix         string                  `json:"prefix,omitempty"`
	Suffix         string                  `json:"suffix,omitempty"`
	NegativePrompt string                  `json:"negative_prompt,omitempty"`
	Params         domain.GenerationParams `json:"params"`
	Mode           domain.GenerationMode   `json:"mode" validate:"omitempty,oneof=immediate queued"`
	Loras          []LoraSelection         `json:"lora_selection,omitempty" validate:"omitempty,dive"`
}

// GenerateService validates a generation request, composes the final prompt,
// creates the job, and dispatches it.
type GenerateService struct {
	Jobs     domain.JobRepository
	Adapters domain.AdapterRepository
	Queue    domain.Queue
	Events   domain.EventPublisher

	// ImmediateDeadline bounds the synchronous wait in immediate mode.
	ImmediateDeadline time.Duration
	// immediatePoll is shortened by tests.
	immediatePoll time.Duration

	validate *validator.Validate
}

// NewGenerateService constructs a GenerateService.
func NewGenerateService(jobs domain.JobRepository, adapters domain.AdapterRepository, queue domain.Queue, events domain.EventPublisher, immediateDeadline time.Duration) GenerateService {
	if immediateDeadline <= 0 {
		immediateDeadline = 5 * time.Second
	}
	return GenerateService{
		Jobs:              jobs,
		Adapters:          adapters,
		Queue:             queue,
		Events:            events,
		ImmediateDeadline: immediateDeadline,
		immediatePoll:     100 * time.Millisecond,
		validate:          validator.New(),
	}
}

// Generate runs the full coordinator path and returns the job snapshot. In
// immediate mode the snapshot reflects the latest state observed before the
// deadline; otherwise it is the freshly created queued job.
func (s GenerateService) Generate(ctx domain.Context, req GenerateRequest) (domain.Job, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Job{}, err
	}

	selected, err := s.resolveAdapters(ctx, req.Loras)
	if err != nil {
		return domain.Job{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.ModeQueued
	}

	job := domain.Job{
		Prompt:         composePrompt(req.Prefix, req.Suffix, selected),
		NegativePrompt: req.NegativePrompt,
		Mode:           mode,
		Params:         req.Params,
		Status:         domain.JobQueued,
	}
	id, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=generate.create: %w", err)
	}
	job.ID = id

	if _, err := s.Queue.Submit(ctx, id); err != nil {
		if errors.Is(err, domain.ErrQueueSaturated) {
			failed := s.failSaturated(ctx, id)
			return failed, fmt.Errorf("op=generate.submit: %w", err)
		}
		return domain.Job{}, fmt.Errorf("op=generate.submit: %w", err)
	}

	if mode == domain.ModeImmediate {
		return s.waitLeaveQueued(ctx, id)
	}
	return s.snapshot(ctx, id, job)
}

func (s GenerateService) validateRequest(req GenerateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	p := req.Params
	switch {
	case p.Steps < 1 || p.Steps > 150:
		return fmt.Errorf("%w: steps must be in [1,150]", domain.ErrInvalidArgument)
	case p.CfgScale < 1.0 || p.CfgScale > 30.0:
		return fmt.Errorf("%w: cfg_scale must be in [1.0,30.0]", domain.ErrInvalidArgument)
	case p.Width < 64 || p.Width > 2048 || p.Width%8 != 0:
		return fmt.Errorf("%w: width must be in [64,2048] and divisible by 8", domain.ErrInvalidArgument)
	case p.Height < 64 || p.Height > 2048 || p.Height%8 != 0:
		return fmt.Errorf("%w: height must be in [64,2048] and divisible by 8", domain.ErrInvalidArgument)
	case p.BatchSize < 1 || p.BatchSize > 16:
		return fmt.Errorf("%w: batch_size must be in [1,16]", domain.ErrInvalidArgument)
	}
	return nil
}

// resolveAdapters returns the selected adapters in composition order
// (active first, then ordinal asc, id asc). Explicit selections keep their
// weight override; implicit selection uses the active set as-is.
func (s GenerateService) resolveAdapters(ctx domain.Context, sel []LoraSelection) ([]domain.Adapter, error) {
	if len(sel) == 0 {
		active, err := s.Adapters.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=generate.resolve: %w", err)
		}
		return active, nil
	}
	out := make([]domain.Adapter, 0, len(sel))
	for _, l := range sel {
		a, err := s.Adapters.Get(ctx, l.AdapterID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: adapter %q", domain.ErrNotFound, l.AdapterID)
			}
			return nil, fmt.Errorf("op=generate.resolve: %w", err)
		}
		if a.FilePath == "" {
			return nil, fmt.Errorf("%w: adapter %q has no artifact", domain.ErrNotFound, l.AdapterID)
		}
		if l.WeightOverride != nil {
			a.Weight = *l.WeightOverride
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return adapterLess(out[i], out[j]) })
	return out, nil
}

func adapterLess(a, b domain.Adapter) bool {
	if a.Active != b.Active {
		return a.Active
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.ID < b.ID
}

// composePrompt renders prefix, lora tokens, trigger words, suffix as one
// single-spaced string.
func composePrompt(prefix, suffix string, adapters []domain.Adapter) string {
	segments := []string{prefix}
	for _, a := range adapters {
		segments = append(segments, promptx.LoraToken(a.Name, a.Weight))
	}
	for _, a := range adapters {
		segments = append(segments, promptx.JoinWords(a.TriggerWords))
	}
	segments = append(segments, suffix)
	return promptx.Compose(segments...)
}

// failSaturated marks the job failed with error_kind=queue_saturated so the
// record reflects that it never reached a backend.
func (s GenerateService) failSaturated(ctx domain.Context, id string) domain.Job {
	status := domain.JobFailed
	now := time.Now().UTC()
	job, err := s.Jobs.Update(ctx, id, domain.JobPatch{
		Status:     &status,
		FinishedAt: &now,
		Result: &domain.JobResult{
			ErrorKind: domain.ErrKindQueueSaturated,
			Message:   "queue saturated before dispatch",
		},
	})
	if err != nil {
		return domain.Job{ID: id, Status: domain.JobFailed}
	}
	emitStatus(ctx, s.Jobs, s.Events, job, "queue saturated")
	return job
}

// waitLeaveQueued polls the store until the job leaves queued or the
// immediate deadline expires. A deadline expiry is not an error; the caller
// gets the still-queued snapshot.
func (s GenerateService) waitLeaveQueued(ctx domain.Context, id string) (domain.Job, error) {
	deadline := time.NewTimer(s.ImmediateDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(s.immediatePoll)
	defer tick.Stop()

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=generate.wait: %w", err)
	}
	for job.Status == domain.JobQueued {
		select {
		case <-ctx.Done():
			return job, nil
		case <-deadline.C:
			return job, nil
		case <-tick.C:
		}
		job, err = s.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=generate.wait: %w", err)
		}
	}
	return job, nil
}

func (s GenerateService) snapshot(ctx domain.Context, id string, fallback domain.Job) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		// The job was created and submitted; a read failure here should
		// not fail the request.
		return fallback, nil
	}
	return job, nil
}
