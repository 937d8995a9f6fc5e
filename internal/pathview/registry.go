package pathview

import "sync"

// Registry holds one Track per user.
type Registry struct {
	mu     sync.Mutex
	tracks map[string]*Track
}

func NewRegistry() *Registry {
	return &Registry{
		tracks: map[string]*Track{},
	}
}

// Get returns the user's track, creating it; only the tracker factory calls it.
func (r *Registry) Get(userID string) *Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tracks[userID]; ok {
		return t
	}
	t := NewTrack()
	r.tracks[userID] = t
	return t
}

func (r *Registry) Lookup(userID string) (*Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[userID]
	return t, ok
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	t, ok := r.tracks[userID]
	delete(r.tracks, userID)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}
