// Package queue selects between the durable broker backend and the
// in-process fallback behind one Submit contract.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Broker is a queue backend whose liveness can be probed.
type Broker interface {
	domain.Queue
	Healthy(ctx domain.Context) bool
}

// Orchestrator routes Submit calls to the broker while it is healthy and to
// the in-process backend otherwise. Transitions are logged once, not per
// call; jobs already on the in-process path finish there after recovery.
type Orchestrator struct {
	broker Broker
	inproc domain.Queue
	period time.Duration

	mu           sync.RWMutex
	brokerActive bool
}

// New constructs an Orchestrator. broker may be nil, which pins all traffic
// to the in-process backend. healthPeriod falls back to 30s.
func New(broker Broker, inproc domain.Queue, healthPeriod time.Duration) *Orchestrator {
	if healthPeriod <= 0 {
		healthPeriod = 30 * time.Second
	}
	o := &Orchestrator{broker: broker, inproc: inproc, period: healthPeriod}
	if broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.brokerActive = broker.Healthy(ctx)
		if !o.brokerActive {
			slog.Warn("broker unhealthy at startup, using in-process queue")
			observability.QueueBackendSwitchesTotal.WithLabelValues("inproc").Inc()
		}
	}
	return o
}

// Submit dispatches via the active backend.
func (o *Orchestrator) Submit(ctx domain.Context, jobID string) (time.Time, error) {
	if o.useBroker() {
		at, err := o.broker.Submit(ctx, jobID)
		if err == nil {
			return at, nil
		}
		// A failed produce means the health loop lagged reality; degrade now
		// rather than failing the request.
		o.setBrokerActive(false)
		slog.Warn("broker submit failed, degrading to in-process queue",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
	return o.inproc.Submit(ctx, jobID)
}

// RunHealthLoop probes the broker until ctx ends.
func (o *Orchestrator) RunHealthLoop(ctx context.Context) {
	if o.broker == nil {
		return
	}
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.setBrokerActive(o.broker.Healthy(ctx))
		}
	}
}

// BrokerActive reports whether the broker backend is currently selected.
func (o *Orchestrator) BrokerActive() bool { return o.useBroker() }

func (o *Orchestrator) useBroker() bool {
	if o.broker == nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.brokerActive
}

func (o *Orchestrator) setBrokerActive(healthy bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if healthy == o.brokerActive {
		return
	}
	o.brokerActive = healthy
	if healthy {
		slog.Info("broker recovered, queue traffic restored")
		observability.QueueBackendSwitchesTotal.WithLabelValues("broker").Inc()
	} else {
		slog.Warn("broker unhealthy, queue traffic degraded to in-process backend")
		observability.QueueBackendSwitchesTotal.WithLabelValues("inproc").Inc()
	}
}
