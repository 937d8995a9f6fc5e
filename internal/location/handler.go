package location

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/geo"
	"github.com/2beens/cardiotracker/internal/telemetry/tracing"
	"github.com/2beens/cardiotracker/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// FixRequest is either a position or an error reported by the device.
// Timestamp is the time the fix was taken, in unix millis.
type FixRequest struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type FixResponse struct {
	Accepted  bool   `json:"accepted"`
	Delivered int    `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

type CapabilityRequest struct {
	Available bool `json:"available"`
}

// Opener makes sure the user has a tracker, and with it a location source.
type Opener func(userID string)

type Handler struct {
	registry   *Registry
	identities cardio.IdentityProvider
	open       Opener
}

func NewHandler(registry *Registry, identities cardio.IdentityProvider, open Opener) *Handler {
	return &Handler{
		registry:   registry,
		identities: identities,
		open:       open,
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/fix", handler.HandleFix).Methods("POST", "OPTIONS").Name("location-fix")
	router.HandleFunc("/capability", handler.HandleCapability).Methods("POST", "OPTIONS").Name("location-capability")
}

func (handler *Handler) HandleFix(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.location.fix")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req FixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("location fix, unmarshal json params: %s", err)
		http.Error(w, "bad location fix", http.StatusBadRequest)
		return
	}

	identity, err := handler.identities.Identity(ctx)
	if err != nil || identity.UserID == "" {
		http.Error(w, cardio.ErrMsgNotLoggedIn, http.StatusUnauthorized)
		return
	}

	var point geo.GeoPoint
	if req.Error == "" {
		if req.Latitude == nil || req.Longitude == nil {
			http.Error(w, "error, latitude or longitude missing", http.StatusBadRequest)
			return
		}
		point = geo.GeoPoint{Latitude: *req.Latitude, Longitude: *req.Longitude}
		if !point.IsValid() {
			http.Error(w, fmt.Sprintf("%s: %s", ErrInvalidFix, point), http.StatusBadRequest)
			return
		}
	}

	// fixes for a user without a tracker have nobody to go to
	source, ok := handler.registry.Lookup(identity.UserID)
	if !ok {
		pkg.WriteJSON(w, FixResponse{Reason: "not tracking"}, http.StatusAccepted)
		return
	}

	if req.Error != "" {
		delivered := source.PushError(req.Error)
		pkg.WriteJSON(w, FixResponse{Accepted: delivered > 0, Delivered: delivered}, http.StatusAccepted)
		return
	}

	var takenAt time.Time
	if req.Timestamp > 0 {
		takenAt = time.UnixMilli(req.Timestamp)
	}

	delivered, err := source.Push(point, takenAt)
	switch {
	case errors.Is(err, ErrInvalidFix):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrStaleFix):
		pkg.WriteJSON(w, FixResponse{Reason: "stale"}, http.StatusAccepted)
		return
	case err != nil:
		log.Errorf("location fix for [%s]: %s", identity.UserID, err)
		http.Error(w, "failed to push location fix", http.StatusInternalServerError)
		return
	}

	resp := FixResponse{Accepted: delivered > 0, Delivered: delivered}
	if delivered == 0 {
		resp.Reason = "not tracking"
	}
	pkg.WriteJSON(w, resp, http.StatusAccepted)
}

func (handler *Handler) HandleCapability(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.location.capability")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req CapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad capability request", http.StatusBadRequest)
		return
	}

	identity, err := handler.identities.Identity(ctx)
	if err != nil || identity.UserID == "" {
		http.Error(w, cardio.ErrMsgNotLoggedIn, http.StatusUnauthorized)
		return
	}

	source, ok := handler.registry.Lookup(identity.UserID)
	if !ok && handler.open != nil {
		handler.open(identity.UserID)
		source, ok = handler.registry.Lookup(identity.UserID)
	}
	if !ok {
		http.Error(w, "location source not available, retry", http.StatusServiceUnavailable)
		return
	}

	source.SetAvailable(req.Available)
	log.Debugf("location capability for [%s]: %t", identity.UserID, req.Available)
	pkg.WriteJSON(w, req, http.StatusOK)
}
