package cardio

import (
	"context"
	"sync"
	"time"

	"github.com/2beens/cardiotracker/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

// TrackerFactory builds the tracker (and its collaborators) for one user.
type TrackerFactory func(userID string) *Tracker

type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	factory  TrackerFactory
	idleTTL  time.Duration
	onEvict  func(userID string)
	metrics  *metrics.Manager
}

type RegistryParams struct {
	Factory TrackerFactory
	IdleTTL time.Duration
	// OnEvict is called after a user's tracker is closed and removed, with the
	// registry still locked: per-user state it drops cannot be picked up by a
	// tracker created concurrently. It must not call back into the registry.
	OnEvict func(userID string)
	Metrics *metrics.Manager
}

func NewRegistry(params RegistryParams) *Registry {
	return &Registry{
		trackers: map[string]*Tracker{},
		factory:  params.Factory,
		idleTTL:  params.IdleTTL,
		onEvict:  params.OnEvict,
		metrics:  params.Metrics,
	}
}

// Get returns the user's tracker, creating it on first use.
func (r *Registry) Get(userID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[userID]; ok {
		return t
	}

	t := r.factory(userID)
	r.trackers[userID] = t
	if r.metrics != nil {
		r.metrics.GaugeLiveTrackers.Set(float64(len(r.trackers)))
	}
	log.Debugf("cardio registry: new tracker for user [%s]", userID)

	return t
}

func (r *Registry) Lookup(userID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[userID]
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// EvictIdle closes and removes trackers which have been Idle for longer than the idle TTL.
func (r *Registry) EvictIdle(ctx context.Context, now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	idleBefore := now.Add(-r.idleTTL)

	r.mu.Lock()
	candidates := make(map[string]*Tracker, len(r.trackers))
	for userID, t := range r.trackers {
		candidates[userID] = t
	}
	r.mu.Unlock()

	evicted := 0
	for userID, t := range candidates {
		ok, err := r.evictIfIdle(ctx, userID, t, idleBefore)
		if err != nil {
			log.Warnf("cardio registry: evict idle tracker [%s]: %s", userID, err)
			continue
		}
		if ok {
			evicted++
		}
	}

	if evicted > 0 {
		log.Debugf("cardio registry: evicted %d idle trackers", evicted)
	}
	return evicted
}

func (r *Registry) evictIfIdle(ctx context.Context, userID string, t *Tracker, idleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.trackers[userID]; !ok || current != t {
		return false, nil
	}

	closed, err := t.CloseIfIdle(ctx, idleBefore)
	if err != nil || !closed {
		return false, err
	}

	delete(r.trackers, userID)
	if r.metrics != nil {
		r.metrics.GaugeLiveTrackers.Set(float64(len(r.trackers)))
	}
	if r.onEvict != nil {
		r.onEvict(userID)
	}
	return true, nil
}

// RunEviction evicts idle trackers every interval, until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictIdle(ctx, now)
		}
	}
}

// Close closes all trackers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	trackers := r.trackers
	r.trackers = map[string]*Tracker{}
	for userID, t := range trackers {
		t.Close()
		if r.onEvict != nil {
			r.onEvict(userID)
		}
	}
	if r.metrics != nil {
		r.metrics.GaugeLiveTrackers.Set(0)
	}
}
