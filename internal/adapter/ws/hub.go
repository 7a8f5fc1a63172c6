// Package ws is the progress broadcaster: a WebSocket hub fanning job status
// events out to subscribers with bounded buffers, drop-intermediate
// backpressure, and terminal event replay.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// CloseReason explains why a subscription ended.
type CloseReason string

const (
	ReasonNormal         CloseReason = "normal"
	ReasonSlowConsumer   CloseReason = "slow_consumer"
	ReasonServerShutdown CloseReason = "server_shutdown"
)

// Subscription is one client's view of the event stream. Events arrive on
// Events(); Done() fires when the hub closed the subscription, after which
// Reason() is stable. Close is idempotent.
type Subscription struct {
	jobID string // empty = all events

	ch     chan domain.StatusEvent
	done   chan struct{}
	once   sync.Once
	reason CloseReason

	hub *Hub
}

// Events is the receive side of the subscription buffer.
func (s *Subscription) Events() <-chan domain.StatusEvent { return s.ch }

// Done fires once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason is valid after Done fires.
func (s *Subscription) Reason() CloseReason { return s.reason }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() { s.hub.unsubscribe(s, ReasonNormal) }

func (s *Subscription) closeWith(reason CloseReason) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

type terminalEntry struct {
	event domain.StatusEvent
	at    time.Time
}

// Hub fans status events out to subscriptions. Publishing through a per-job
// mutex keeps each job's events in order even with concurrent publishers.
type Hub struct {
	bufSize       int
	terminalGrace time.Duration
	retain        time.Duration

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	jobMu    sync.Mutex
	jobLocks map[string]*sync.Mutex

	termMu    sync.Mutex
	terminals map[string]terminalEntry
}

// NewHub constructs a Hub. bufSize falls back to 64, retain to 5 minutes.
func NewHub(bufSize int, retain time.Duration) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	if retain <= 0 {
		retain = 5 * time.Minute
	}
	return &Hub{
		bufSize:       bufSize,
		terminalGrace: 500 * time.Millisecond,
		retain:        retain,
		subs:          make(map[*Subscription]struct{}),
		jobLocks:      make(map[string]*sync.Mutex),
		terminals:     make(map[string]terminalEntry),
	}
}

// Subscribe registers a new subscription. jobID filters to one job; the
// empty string receives every event. Subscribers to a job that finished
// within the retention window receive its terminal event immediately.
func (h *Hub) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		jobID: jobID,
		ch:    make(chan domain.StatusEvent, h.bufSize),
		done:  make(chan struct{}),
		hub:   h,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSubscribers.Inc()

	if jobID != "" {
		h.termMu.Lock()
		entry, ok := h.terminals[jobID]
		h.termMu.Unlock()
		if ok && time.Since(entry.at) < h.retain {
			// Buffer is empty at this point, so the send cannot block.
			s.ch <- entry.event
		}
	}
	return s
}

func (h *Hub) unsubscribe(s *Subscription, reason CloseReason) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if present {
		observability.WSSubscribers.Dec()
	}
	s.closeWith(reason)
}

// Publish fans the event out to matching subscriptions. Non-terminal events
// are dropped when a subscriber's buffer is full; terminal events get a
// short grace period and then cost the subscriber its subscription.
func (h *Hub) Publish(ev domain.StatusEvent) {
	lock := h.jobLock(ev.JobID)
	lock.Lock()
	defer lock.Unlock()

	if ev.Terminal() {
		h.rememberTerminal(ev)
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		if s.jobID == "" || s.jobID == ev.JobID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(s, ev)
	}
}

func (h *Hub) deliver(s *Subscription, ev domain.StatusEvent) {
	select {
	case s.ch <- ev:
		return
	case <-s.done:
		return
	default:
	}
	if !ev.Terminal() {
		observability.WSEventsDroppedTotal.Inc()
		return
	}
	timer := time.NewTimer(h.terminalGrace)
	defer timer.Stop()
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-timer.C:
		slog.Warn("closing slow consumer",
			slog.String("job_id", ev.JobID),
			slog.String("sub_job_id", s.jobID))
		observability.WSSlowConsumerClosesTotal.Inc()
		h.unsubscribe(s, ReasonSlowConsumer)
	}
}

func (h *Hub) rememberTerminal(ev domain.StatusEvent) {
	now := time.Now()
	expired := make([]string, 0, 4)
	h.termMu.Lock()
	h.terminals[ev.JobID] = terminalEntry{event: ev, at: now}
	for id, entry := range h.terminals {
		if now.Sub(entry.at) >= h.retain {
			delete(h.terminals, id)
			expired = append(expired, id)
		}
	}
	h.termMu.Unlock()
	if len(expired) == 0 {
		return
	}
	// Publish locks share the retention lifecycle: once a job's terminal
	// replay has expired, no more events for it are expected.
	h.jobMu.Lock()
	for _, id := range expired {
		delete(h.jobLocks, id)
	}
	h.jobMu.Unlock()
}

func (h *Hub) jobLock(jobID string) *sync.Mutex {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	lock, ok := h.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		h.jobLocks[jobID] = lock
	}
	return lock
}

// Shutdown closes every subscription with reason server_shutdown and waits
// up to the context deadline (capped at 2s) for buffers to drain.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		observability.WSSubscribers.Dec()
		s.closeWith(ReasonServerShutdown)
	}

	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		drained := true
		for _, s := range subs {
			if len(s.ch) > 0 {
				drained = false
				break
			}
		}
		if drained {
			return
		}
		<-ticker.C
	}
	slog.Warn("hub shutdown drain timed out", slog.Int("subscriptions", len(subs)))
}
