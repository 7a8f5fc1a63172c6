package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/config"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Generate  usecase.GenerateService
	Jobs      usecase.JobService
	Recommend *usecase.RecommendService
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, generate usecase.GenerateService, jobs usecase.JobService, recommend *usecase.RecommendService) *Server {
	return &Server{Cfg: cfg, Generate: generate, Jobs: jobs, Recommend: recommend}
}

// jobView is the wire representation of a job snapshot.
type jobView struct {
	ID             string                  `json:"id"`
	Prompt         string                  `json:"prompt"`
	NegativePrompt string                  `json:"negative_prompt,omitempty"`
	Mode           domain.GenerationMode   `json:"mode"`
	Params         domain.GenerationParams `json:"params"`
	Status         domain.JobStatus        `json:"status"`
	Progress       float64                 `json:"progress"`
	Result         *domain.JobResult       `json:"result,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	FinishedAt     *time.Time              `json:"finished_at,omitempty"`
	Rating         *int                    `json:"rating,omitempty"`
	IsFavorite     bool                    `json:"is_favorite"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:             j.ID,
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Mode:           j.Mode,
		Params:         j.Params,
		Status:         j.Status,
		Progress:       j.Progress,
		Result:         j.Result,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		Rating:         j.Rating,
		IsFavorite:     j.IsFavorite,
	}
}

// GenerateHandler handles POST /jobs.
func (s *Server) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Generate.Generate(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobView(job))
	}
}

// GetJobHandler handles GET /jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// ListJobsHandler handles GET /jobs with status, limit, and cursor params.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var filter domain.JobFilter
		if raw := q.Get("status"); raw != "" {
			status := domain.JobStatus(raw)
			switch status {
			case domain.JobQueued, domain.JobProcessing, domain.JobCompleted, domain.JobFailed, domain.JobCanceled:
				filter.Status = &status
			default:
				writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
		}

		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}

		jobs, next, err := s.Jobs.List(r.Context(), filter, limit, q.Get("cursor"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "next_cursor": next})
	}
}

// CancelJobHandler handles POST /jobs/{id}/cancel. 202 means cancellation is
// initiated, not completed; subscribers see the terminal event when the
// worker finishes.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
	}
}

type ratingRequest struct {
	Rating     *int  `json:"rating"`
	IsFavorite *bool `json:"is_favorite"`
}

// RateJobHandler handles PUT /jobs/{id}/rating.
func (s *Server) RateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ratingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Jobs.Rate(r.Context(), chi.URLParam(r, "id"), req.Rating, req.IsFavorite)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// DeleteJobHandler handles DELETE /jobs/{id}.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RecommendationsHandler handles GET /recommendations. kind=similar requires
// target_id; kind=for_prompt requires prompt.
func (s *Server) RecommendationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		k := 0
		if raw := q.Get("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: k must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			k = n
		}

		var (
			recs domain.Recommendations
			err  error
		)
		switch kind := q.Get("kind"); kind {
		case "similar":
			recs, err = s.Recommend.Similar(r.Context(), q.Get("target_id"), k)
		case "for_prompt":
			recs, err = s.Recommend.ForPrompt(r.Context(), q.Get("prompt"), k)
		default:
			writeError(w, r, fmt.Errorf("%w: kind must be similar or for_prompt", domain.ErrInvalidArgument), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
