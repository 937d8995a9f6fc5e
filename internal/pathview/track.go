package pathview

import (
	"sync"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/geo"
)

// initial wide view, before the first fix
var (
	DefaultCenter = geo.GeoPoint{Latitude: 20, Longitude: 80}
	DefaultZoom   = 5
)

var _ cardio.PathRenderer = (*Track)(nil)

type UpdateKind string

const (
	UpdateReset    UpdateKind = "reset"
	UpdateExtend   UpdateKind = "extend"
	UpdateRecenter UpdateKind = "recenter"
	// first message of a live stream, carries the whole view
	UpdateView UpdateKind = "view"
)

type Update struct {
	Kind  UpdateKind    `json:"kind"`
	Point *geo.GeoPoint `json:"point,omitempty"`
	Zoom  int           `json:"zoom,omitempty"`
	View  *View         `json:"view,omitempty"`
}

type View struct {
	Polyline []geo.GeoPoint `json:"polyline"`
	Center   geo.GeoPoint   `json:"center"`
	Zoom     int            `json:"zoom"`
}

// Track is the drawn path of one user's session: a polyline plus the map
// center and zoom. Every change is broadcast to the live subscribers.
type Track struct {
	mu       sync.RWMutex
	polyline []geo.GeoPoint
	center   geo.GeoPoint
	zoom     int
	hub      *Hub
}

func NewTrack() *Track {
	return &Track{
		center: DefaultCenter,
		zoom:   DefaultZoom,
		hub:    NewHub(),
	}
}

func (t *Track) Hub() *Hub {
	return t.hub
}

func (t *Track) Reset() {
	t.mu.Lock()
	t.polyline = nil
	t.center = DefaultCenter
	t.zoom = DefaultZoom
	t.mu.Unlock()

	t.hub.Broadcast(Update{Kind: UpdateReset})
}

func (t *Track) ExtendPath(point geo.GeoPoint) {
	t.mu.Lock()
	t.polyline = append(t.polyline, point)
	t.mu.Unlock()

	t.hub.Broadcast(Update{Kind: UpdateExtend, Point: &point})
}

func (t *Track) Recenter(point geo.GeoPoint, zoom int) {
	t.mu.Lock()
	t.center = point
	t.zoom = zoom
	t.mu.Unlock()

	t.hub.Broadcast(Update{Kind: UpdateRecenter, Point: &point, Zoom: zoom})
}

func (t *Track) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	polyline := make([]geo.GeoPoint, len(t.polyline))
	copy(polyline, t.polyline)
	return View{
		Polyline: polyline,
		Center:   t.center,
		Zoom:     t.zoom,
	}
}

// Close disconnects all live subscribers.
func (t *Track) Close() {
	t.hub.Close()
}
