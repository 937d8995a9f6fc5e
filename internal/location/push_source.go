package location

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/geo"
	"github.com/2beens/cardiotracker/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidFix = errors.New("invalid location fix")
	ErrStaleFix   = errors.New("location fix too old")
)

var _ cardio.LocationSource = (*PushSource)(nil)

// PushSource is a location stream fed by the device: fixes are pushed into it
// (over HTTP) and delivered to every open watch.
type PushSource struct {
	mu        sync.Mutex
	available bool
	watches   map[uint64]*watch
	nextID    uint64
	metrics   *metrics.Manager
	now       func() time.Time
}

type watch struct {
	opts  cardio.WatchOptions
	onFix func(geo.GeoPoint)
	onErr func(error)
}

func NewPushSource(metricsManager *metrics.Manager) *PushSource {
	return &PushSource{
		available: true,
		watches:   map[uint64]*watch{},
		metrics:   metricsManager,
		now:       time.Now,
	}
}

func (s *PushSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable is reported by the device, e.g. when location permission is revoked.
func (s *PushSource) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

func (s *PushSource) Watch(opts cardio.WatchOptions, onFix func(geo.GeoPoint), onErr func(error)) (cardio.Subscription, error) {
	if onFix == nil || onErr == nil {
		return nil, errors.New("watch: nil callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, cardio.ErrCapabilityUnavailable
	}

	s.nextID++
	id := s.nextID
	s.watches[id] = &watch{
		opts:  opts,
		onFix: onFix,
		onErr: onErr,
	}

	return &subscription{
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watches, id)
		},
	}, nil
}

// Push delivers a fix taken at takenAt to the open watches, and returns how
// many received it. A zero takenAt means the fix is fresh.
func (s *PushSource) Push(point geo.GeoPoint, takenAt time.Time) (int, error) {
	if !point.IsValid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFix, point)
	}

	watches := s.openWatches()
	delivered := 0
	stale := 0
	for _, w := range watches {
		if !takenAt.IsZero() && w.opts.MaxFixAge > 0 && s.now().Sub(takenAt) > w.opts.MaxFixAge {
			stale++
			continue
		}
		w.onFix(point)
		delivered++
	}

	if stale > 0 {
		log.Tracef("location: dropped stale fix %s taken at %s", point, takenAt)
		if s.metrics != nil {
			s.metrics.CounterStaleFixes.Inc()
		}
		if delivered == 0 {
			return 0, ErrStaleFix
		}
	}

	return delivered, nil
}

// PushError reports a location error to every open watch.
func (s *PushSource) PushError(reason string) int {
	watches := s.openWatches()
	for _, w := range watches {
		w.onErr(&cardio.FixError{Reason: reason})
	}
	return len(watches)
}

func (s *PushSource) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Close drops all watches.
func (s *PushSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches = map[uint64]*watch{}
}

func (s *PushSource) openWatches() []*watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	return watches
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (sub *subscription) Cancel() {
	sub.once.Do(sub.cancel)
}
