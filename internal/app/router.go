// Package app assembles the HTTP surface and background loops shared by the
// server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/httpserver"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/ws"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// hub may be nil when the process serves no WebSocket endpoint.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub *ws.Hub, ready http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints only; polling clients hit the reads.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/jobs", srv.GenerateHandler())
		wr.Post("/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Put("/jobs/{id}/rating", srv.RateJobHandler())
		wr.Delete("/jobs/{id}", srv.DeleteJobHandler())
	})
	r.Get("/jobs", srv.ListJobsHandler())
	r.Get("/jobs/{id}", srv.GetJobHandler())
	r.Get("/recommendations", srv.RecommendationsHandler())

	if hub != nil {
		r.Get("/ws/progress", hub.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if ready != nil {
		r.Get("/readyz", ready)
	}

	return httpserver.SecurityHeaders(r)
}
