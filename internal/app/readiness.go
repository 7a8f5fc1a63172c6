package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Check is one readiness probe.
type Check func(ctx context.Context) error

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BrokerHealth is the minimal queue-side health probe.
type BrokerHealth interface{ Healthy(ctx context.Context) bool }

// DBCheck probes the database pool.
func DBCheck(pool Pinger) Check {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
}

// BrokerCheck probes the broker. A nil broker passes: the in-process
// fallback keeps the service able to accept work.
func BrokerCheck(broker BrokerHealth) Check {
	return func(ctx context.Context) error {
		if broker == nil {
			return nil
		}
		if !broker.Healthy(ctx) {
			return fmt.Errorf("broker unhealthy")
		}
		return nil
	}
}

// GeneratorCheck probes the external generator.
func GeneratorCheck(gen domain.GeneratorClient) Check {
	return func(ctx context.Context) error {
		if gen == nil {
			return fmt.Errorf("generator not configured")
		}
		if !gen.Healthcheck(ctx) {
			return fmt.Errorf("generator unreachable")
		}
		return nil
	}
}

// ReadyzHandler runs named checks with a shared 2 s budget and reports each
// outcome. Any failure yields 503.
func ReadyzHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	}
}
