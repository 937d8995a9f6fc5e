package location

import (
	"sync"

	"github.com/2beens/cardiotracker/internal/telemetry/metrics"
)

// Registry holds one PushSource per user.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*PushSource
	metrics *metrics.Manager
}

func NewRegistry(metricsManager *metrics.Manager) *Registry {
	return &Registry{
		sources: map[string]*PushSource{},
		metrics: metricsManager,
	}
}

// Get returns the user's source, creating it. Only the tracker factory creates
// sources, so every source has an owner that removes it on eviction.
func (r *Registry) Get(userID string) *PushSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[userID]; ok {
		return s
	}
	s := NewPushSource(r.metrics)
	r.sources[userID] = s
	return s
}

func (r *Registry) Lookup(userID string) (*PushSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[userID]
	return s, ok
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	s, ok := r.sources[userID]
	delete(r.sources, userID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}
