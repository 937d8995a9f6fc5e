package cardio

import (
	"context"
	"sync"
	"time"

	"github.com/2beens/cardiotracker/internal/geo"
)

const (
	DefaultFollowZoom = 17
	DisplayTick       = time.Second
)

type WatchOptions struct {
	HighAccuracy bool
	// fixes older than MaxFixAge are not delivered
	MaxFixAge time.Duration
}

var DefaultWatchOptions = WatchOptions{
	HighAccuracy: true,
	MaxFixAge:    time.Second,
}

// Subscription is an open location watch. Cancel must be safe to call more than once.
type Subscription interface {
	Cancel()
}

type LocationSource interface {
	Available() bool
	Watch(opts WatchOptions, onFix func(geo.GeoPoint), onErr func(error)) (Subscription, error)
}

type PathRenderer interface {
	Reset()
	ExtendPath(point geo.GeoPoint)
	Recenter(point geo.GeoPoint, zoom int)
}

type Identity struct {
	UserID string
	Token  string
}

type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

type IdentityProviderFunc func(ctx context.Context) (Identity, error)

func (f IdentityProviderFunc) Identity(ctx context.Context) (Identity, error) {
	return f(ctx)
}

type Submitter interface {
	Submit(ctx context.Context, identity Identity, summary Summary) error
}

type Timer interface {
	Stop()
}

type Clock interface {
	Now() time.Time
	// Every calls fn every d until the returned timer is stopped.
	Every(d time.Duration, fn func()) Timer
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Every(d time.Duration, fn func()) Timer {
	t := &tickerTimer{
		ticker: time.NewTicker(d),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				fn()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

type tickerTimer struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (t *tickerTimer) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
}
