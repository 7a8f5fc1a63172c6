// Package cancelbus fans cancel requests out to delivery workers. The redis
// implementation reaches workers in other processes; the in-memory one is
// the single-process fallback used in dev and tests.
package cancelbus

import (
	"sync"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// registry tracks watchers per job id. Signals are delivered at most once
// per watcher and never block.
type registry struct {
	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

func newRegistry() *registry {
	return &registry{watchers: make(map[string][]chan struct{})}
}

func (r *registry) add(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.watchers[jobID] = append(r.watchers[jobID], ch)
	r.mu.Unlock()
	stop := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[jobID]
		for i, c := range list {
			if c == ch {
				r.watchers[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.watchers[jobID]) == 0 {
			delete(r.watchers, jobID)
		}
	}
	return ch, stop
}

func (r *registry) signal(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// MemoryBus implements domain.CancelBus within one process.
type MemoryBus struct {
	reg *registry
}

// NewMemory constructs a MemoryBus.
func NewMemory() *MemoryBus {
	return &MemoryBus{reg: newRegistry()}
}

// RequestCancel signals every watcher of the job.
func (b *MemoryBus) RequestCancel(_ domain.Context, jobID string) error {
	b.reg.signal(jobID)
	return nil
}

// Watch registers for cancel signals on the job. The returned stop func
// must be called when the watch ends.
func (b *MemoryBus) Watch(_ domain.Context, jobID string) (<-chan struct{}, func(), error) {
	ch, stop := b.reg.add(jobID)
	return ch, stop, nil
}
