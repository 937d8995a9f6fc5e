package pathview

import (
	"net/http"
	"time"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/telemetry/tracing"
	"github.com/2beens/cardiotracker/pkg"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Opener makes sure the user has a tracker, and with it a track.
type Opener func(userID string)

type Handler struct {
	registry   *Registry
	identities cardio.IdentityProvider
	open       Opener
	upgrader   websocket.Upgrader
}

// NewHandler creates the track handler; allowedOrigins are checked on the
// websocket upgrade, an empty list allows only same origin requests.
func NewHandler(registry *Registry, identities cardio.IdentityProvider, open Opener, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &Handler{
		registry:   registry,
		identities: identities,
		open:       open,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || origins[origin] {
					return true
				}
				return origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("", handler.HandleGetTrack).Methods("GET", "OPTIONS").Name("track")
	router.HandleFunc("/live", handler.HandleLive).Methods("GET").Name("track-live")
}

func (handler *Handler) HandleGetTrack(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.track.get")
	defer span.End()

	identity, err := handler.identities.Identity(ctx)
	if err != nil || identity.UserID == "" {
		http.Error(w, cardio.ErrMsgNotLoggedIn, http.StatusUnauthorized)
		return
	}

	track, ok := handler.track(identity.UserID)
	if !ok {
		http.Error(w, "track not available, retry", http.StatusServiceUnavailable)
		return
	}
	pkg.WriteJSON(w, track.View(), http.StatusOK)
}

func (handler *Handler) track(userID string) (*Track, bool) {
	if track, ok := handler.registry.Lookup(userID); ok {
		return track, true
	}
	if handler.open == nil {
		return nil, false
	}
	handler.open(userID)
	return handler.registry.Lookup(userID)
}

// HandleLive streams the track: the current view first, then every update.
func (handler *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	identity, err := handler.identities.Identity(r.Context())
	if err != nil || identity.UserID == "" {
		http.Error(w, cardio.ErrMsgNotLoggedIn, http.StatusUnauthorized)
		return
	}

	track, ok := handler.track(identity.UserID)
	if !ok {
		http.Error(w, "track not available, retry", http.StatusServiceUnavailable)
		return
	}

	conn, err := handler.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied with an error
		log.Debugf("track live, upgrade for [%s]: %s", identity.UserID, err)
		return
	}

	sub := track.Hub().Subscribe()
	view := track.View()

	log.Debugf("track live: [%s] connected", identity.UserID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeLoop(conn, view, sub)
	}()

	readLoop(conn)
	track.Hub().Unsubscribe(sub)
	<-done
	_ = conn.Close()

	log.Debugf("track live: [%s] disconnected", identity.UserID)
}

// readLoop only consumes control frames, and returns when the client goes away.
func readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("track live, read: %s", err)
			}
			return
		}
	}
}

func writeLoop(conn *websocket.Conn, view View, sub *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Update{Kind: UpdateView, View: &view}); err != nil {
		_ = conn.Close()
		return
	}

	for {
		select {
		case update, ok := <-sub.Updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				// unblocks the read loop
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
