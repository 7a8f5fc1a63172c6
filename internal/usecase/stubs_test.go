package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// jobsStub is an in-memory JobRepository honoring the terminal-state guard.
type jobsStub struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	seqs  map[string]int
	nexts int

	createErr error
	getErr    error
	updateErr error

	lastListLimit int
}

func newJobsStub(seed ...domain.Job) *jobsStub {
	s := &jobsStub{jobs: make(map[string]domain.Job), seqs: make(map[string]int)}
	for _, j := range seed {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *jobsStub) Create(_ domain.Context, j domain.Job) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		s.nexts++
		j.ID = fmt.Sprintf("job-%d", s.nexts)
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *jobsStub) Get(_ domain.Context, id string) (domain.Job, error) {
	if s.getErr != nil {
		return domain.Job{}, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) Update(_ domain.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	if s.updateErr != nil {
		return domain.Job{}, s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	lifecycle := patch.Status != nil || patch.Progress != nil || patch.Result != nil ||
		patch.StartedAt != nil || patch.FinishedAt != nil || patch.AttemptCount != nil
	if lifecycle && j.Status.Terminal() {
		return domain.Job{}, domain.ErrInvalidTransition
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		j.FinishedAt = patch.FinishedAt
	}
	if patch.AttemptCount != nil {
		j.AttemptCount = *patch.AttemptCount
	}
	if patch.Rating != nil {
		j.Rating = patch.Rating
	}
	if patch.IsFavorite != nil {
		j.IsFavorite = *patch.IsFavorite
	}
	if j.Status == domain.JobCompleted {
		j.Progress = 1.0
	}
	s.jobs[id] = j
	return j, nil
}

func (s *jobsStub) NextSequence(_ domain.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[id]++
	return s.seqs[id], nil
}

func (s *jobsStub) List(_ domain.Context, _ domain.JobFilter, limit int, _ string) ([]domain.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastListLimit = limit
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, "", nil
}

func (s *jobsStub) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		return domain.ErrConflict
	}
	delete(s.jobs, id)
	return nil
}

func (s *jobsStub) snapshot(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// adaptersStub is a fixed catalog.
type adaptersStub struct {
	adapters []domain.Adapter
}

func (s *adaptersStub) Get(_ domain.Context, id string) (domain.Adapter, error) {
	for _, a := range s.adapters {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Adapter{}, domain.ErrNotFound
}

func (s *adaptersStub) ListActive(_ domain.Context) ([]domain.Adapter, error) {
	var out []domain.Adapter
	for _, a := range s.adapters {
		if a.Active {
			out = append(out, a)
		}
	}
	// The AdapterRepository contract orders by ordinal asc, id asc.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *adaptersStub) List(_ domain.Context) ([]domain.Adapter, error) {
	return s.adapters, nil
}

// queueStub records submits and can fail on demand.
type queueStub struct {
	mu        sync.Mutex
	submitted []string
	err       error
	onSubmit  func(jobID string)
}

func (q *queueStub) Submit(_ domain.Context, jobID string) (time.Time, error) {
	q.mu.Lock()
	q.submitted = append(q.submitted, jobID)
	cb := q.onSubmit
	failure := q.err
	q.mu.Unlock()
	if failure != nil {
		return time.Time{}, failure
	}
	if cb != nil {
		cb(jobID)
	}
	return time.Now(), nil
}

// eventsStub collects published events.
type eventsStub struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (e *eventsStub) Publish(ev domain.StatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventsStub) all() []domain.StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.StatusEvent(nil), e.events...)
}

// generatorStub scripts poll responses.
type generatorStub struct {
	mu       sync.Mutex
	startErr error
	polls    []pollStep
	pollIdx  int
	canceled bool
	started  int
}

type pollStep struct {
	status domain.ExternalStatus
	err    error
}

func (g *generatorStub) Start(_ domain.Context, _, _ string, _ domain.GenerationParams) (domain.GenerationHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
	if g.startErr != nil {
		return domain.GenerationHandle{}, g.startErr
	}
	return domain.GenerationHandle{ID: "task-1"}, nil
}

func (g *generatorStub) Poll(_ domain.Context, _ domain.GenerationHandle) (domain.ExternalStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.polls) == 0 {
		return domain.ExternalStatus{RawStatus: "running"}, nil
	}
	step := g.polls[g.pollIdx]
	if g.pollIdx < len(g.polls)-1 {
		g.pollIdx++
	}
	return step.status, step.err
}

func (g *generatorStub) Cancel(_ domain.Context, _ domain.GenerationHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = true
	return nil
}

func (g *generatorStub) Healthcheck(_ domain.Context) bool { return true }

func (g *generatorStub) wasCanceled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

// cancelBusStub delivers cancel signals to watchers in-process.
type cancelBusStub struct {
	mu       sync.Mutex
	watchers map[string]chan struct{}
	requests []string
	err      error
}

func newCancelBusStub() *cancelBusStub {
	return &cancelBusStub{watchers: make(map[string]chan struct{})}
}

func (b *cancelBusStub) RequestCancel(_ domain.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.requests = append(b.requests, jobID)
	if ch, ok := b.watchers[jobID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *cancelBusStub) Watch(_ domain.Context, jobID string) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	b.watchers[jobID] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers, jobID)
	}, nil
}

func (b *cancelBusStub) watching(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.watchers[jobID]
	return ok
}

// scorerStub counts invocations.
type scorerStub struct {
	mu       sync.Mutex
	similar  int
	byPrompt int
	items    []domain.RecommendationItem
	err      error
}

func (s *scorerStub) Similar(_ domain.Context, _ string, _ int) ([]domain.RecommendationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.similar++
	return s.items, s.err
}

func (s *scorerStub) ForPrompt(_ domain.Context, _ string, _ int) ([]domain.RecommendationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrompt++
	return s.items, s.err
}
