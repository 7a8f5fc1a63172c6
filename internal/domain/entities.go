package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrQueueSaturated       = errors.New("queue saturated")
	ErrGeneratorUnreachable = errors.New("generator unreachable")
	ErrGeneratorRejected    = errors.New("generator rejected")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInternal             = errors.New("internal error")
)

// JobStatus is the canonical status vocabulary. Every external status string
// is mapped into one of these values before it touches the store.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// GenerationMode decides the dispatch path for a new job.
type GenerationMode string

const (
	ModeImmediate GenerationMode = "immediate"
	ModeQueued    GenerationMode = "queued"
)

// Error kinds recorded on failed job results.
const (
	ErrKindInvalidParameters    = "invalid_parameters"
	ErrKindUnknownAdapter       = "unknown_adapter"
	ErrKindQueueSaturated       = "queue_saturated"
	ErrKindGeneratorUnreachable = "generator_unreachable"
	ErrKindGeneratorRejected    = "generator_rejected"
	ErrKindTimeout              = "timeout"
	ErrKindCanceled             = "canceled"
)

// Adapter is a read-only catalog row describing a LoRA artifact. The core
// reads adapters for prompt composition and validation; their lifecycle
// belongs to the catalog component.
type Adapter struct {
	ID           string
	Name         string
	Version      string
	FilePath     string
	Weight       float64
	Active       bool
	Ordinal      int
	TriggerWords []string
	LastUpdated  time.Time
}

// GenerationParams are the structured parameters sent to the generator.
// Stored opaquely on the job row as JSON.
type GenerationParams struct {
	Sampler   string  `json:"sampler"`
	Steps     int     `json:"steps"`
	CfgScale  float64 `json:"cfg_scale"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Seed      int64   `json:"seed"`
	BatchSize int     `json:"batch_size"`
}

// JobResult is the terminal payload of a job: image references in the
// generator's output order on success, or an error kind and message on
// failure.
type JobResult struct {
	Images    []string `json:"images,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Job is the central entity. Invariants: status is non-terminal iff
// FinishedAt is nil; Progress == 1.0 when completed; failed implies
// Result.ErrorKind set; a job never leaves a terminal state.
type Job struct {
	ID             string
	Prompt         string
	NegativePrompt string
	Mode           GenerationMode
	Params         GenerationParams
	Status         JobStatus
	Progress       float64
	Result         *JobResult
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Rating         *int
	IsFavorite     bool
	AttemptCount   int
	Sequence       int
}

// JobPatch is a partial update applied through JobRepository.Update. Nil
// fields are left untouched.
type JobPatch struct {
	Status       *JobStatus
	Progress     *float64
	Result       *JobResult
	StartedAt    *time.Time
	FinishedAt   *time.Time
	AttemptCount *int
	Rating       *int
	IsFavorite   *bool
}

// JobFilter narrows List results.
type JobFilter struct {
	Status        *JobStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// StatusEvent is the ephemeral message fanned out by the broadcaster.
// Sequence is strictly increasing per job, starting at 1.
type StatusEvent struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Sequence  int        `json:"sequence"`
	Result    *JobResult `json:"result,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Terminal reports whether this is the final event for its job.
func (e StatusEvent) Terminal() bool { return e.Status.Terminal() }

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// Update applies a partial update and returns the post-update job. A
	// patch that changes the status of a terminal job fails with
	// ErrInvalidTransition.
	Update(ctx Context, id string, patch JobPatch) (Job, error)
	// NextSequence atomically increments and returns the job's event
	// sequence counter.
	NextSequence(ctx Context, id string) (int, error)
	// List returns jobs ordered by created_at desc, id asc, plus a cursor
	// for the next page ("" when exhausted).
	List(ctx Context, f JobFilter, limit int, cursor string) ([]Job, string, error)
	// Delete removes a job; non-terminal jobs are refused with ErrConflict.
	Delete(ctx Context, id string) error
}

type AdapterRepository interface {
	Get(ctx Context, id string) (Adapter, error)
	// ListActive returns active adapters ordered by ordinal asc, id asc.
	ListActive(ctx Context) ([]Adapter, error)
	List(ctx Context) ([]Adapter, error)
}

// Queue (port)

type Queue interface {
	// Submit dispatches a created job for delivery and returns the dispatch
	// time. Saturation surfaces as ErrQueueSaturated.
	Submit(ctx Context, jobID string) (time.Time, error)
}

// Deliverer (port) executes one queued job delivery. Queue backends call
// Process for every claimed id and Abandon when redelivery is exhausted.

type Deliverer interface {
	Process(ctx Context, jobID string) error
	Abandon(ctx Context, jobID string, cause error) error
}

// GenerationHandle identifies an in-flight generation on the external side.
type GenerationHandle struct {
	ID string
}

// ExternalStatus is a raw poll result before normalization.
type ExternalStatus struct {
	RawStatus string
	// Progress as reported by the generator; nil when absent. May be on a
	// [0,100] or [0,1] scale.
	Progress *float64
	Images   []string
	Message  string
}

// GeneratorClient (port) adapts the external image generator.

type GeneratorClient interface {
	Start(ctx Context, prompt, negativePrompt string, p GenerationParams) (GenerationHandle, error)
	Poll(ctx Context, h GenerationHandle) (ExternalStatus, error)
	// Cancel is best-effort; the external side may have already finished.
	Cancel(ctx Context, h GenerationHandle) error
	Healthcheck(ctx Context) bool
}

// EventPublisher (port) receives status events for fan-out.

type EventPublisher interface {
	Publish(ev StatusEvent)
}

// CancelBus (port) carries cancel requests from the API to whichever worker
// currently holds the job.

type CancelBus interface {
	RequestCancel(ctx Context, jobID string) error
	// Watch returns a channel that is signalled when a cancel request for
	// jobID arrives, plus a release func that must be called on every exit
	// path.
	Watch(ctx Context, jobID string) (<-chan struct{}, func(), error)
}

// RecommendationItem is one scored adapter reference.
type RecommendationItem struct {
	AdapterID string  `json:"adapter_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason,omitempty"`
}

// Recommendations is the cached value served by the recommendation cache.
type Recommendations struct {
	Items    []RecommendationItem `json:"items"`
	CachedAt time.Time            `json:"cached_at"`
}

// SimilarityScorer (port) produces similarity scores from precomputed data.
// The core never computes embeddings itself.

type SimilarityScorer interface {
	Similar(ctx Context, targetID string, k int) ([]RecommendationItem, error)
	ForPrompt(ctx Context, prompt string, k int) ([]RecommendationItem, error)
}

// Context is an alias so ports stay decoupled from call sites; adapters and
// usecases pass context.Context straight through.
type Context = context.Context
