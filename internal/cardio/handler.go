package cardio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2beens/cardiotracker/internal/telemetry/tracing"
	"github.com/2beens/cardiotracker/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

//go:generate mockgen -source=collaborators.go -destination=mocks_test.go -package=cardio_test

type StartRequest struct {
	Activity string `json:"activity"`
}

type ActivityRequest struct {
	Activity string `json:"activity"`
}

type Handler struct {
	registry   *Registry
	identities IdentityProvider
}

func NewHandler(registry *Registry, identities IdentityProvider) *Handler {
	return &Handler{
		registry:   registry,
		identities: identities,
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/session", handler.HandleGetSession).Methods("GET", "OPTIONS").Name("cardio-session")
	router.HandleFunc("/session/start", handler.HandleStart).Methods("POST", "OPTIONS").Name("cardio-start")
	router.HandleFunc("/session/activity", handler.HandleSetActivity).Methods("PUT", "OPTIONS").Name("cardio-activity")
	router.HandleFunc("/session/pause", handler.HandlePause).Methods("POST", "OPTIONS").Name("cardio-pause")
	router.HandleFunc("/session/resume", handler.HandleResume).Methods("POST", "OPTIONS").Name("cardio-resume")
	router.HandleFunc("/session/end", handler.HandleEnd).Methods("POST", "OPTIONS").Name("cardio-end")
	router.HandleFunc("/session/submit", handler.HandleSubmit).Methods("POST", "OPTIONS").Name("cardio-submit")
	router.HandleFunc("/session/discard", handler.HandleDiscard).Methods("POST", "OPTIONS").Name("cardio-discard")
}

func (handler *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.cardio.session")
	defer span.End()

	tracker, ok := handler.tracker(ctx, w)
	if !ok {
		return
	}
	handler.respondSnapshot(ctx, w, tracker, http.StatusOK)
}

func (handler *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.cardio.start")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("cardio start, unmarshal json params: %s", err)
		http.Error(w, "start session failed", http.StatusBadRequest)
		return
	}

	kind, err := ParseActivityKind(req.Activity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tracker, ok := handler.tracker(ctx, w)
	if !ok {
		return
	}

	if err := tracker.Start(ctx, kind); err != nil {
		handler.respondErr(ctx, w, tracker, "start session", err)
		return
	}
	handler.respondSnapshot(ctx, w, tracker, http.StatusOK)
}

func (handler *Handler) HandleSetActivity(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.cardio.activity")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("cardio set activity, unmarshal json params: %s", err)
		http.Error(w, "set activity failed", http.StatusBadRequest)
		return
	}

	kind, err := ParseActivityKind(req.Activity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tracker, ok := handler.tracker(ctx, w)
	if !ok {
		return
	}

	if err := tracker.SetActivity(ctx, kind); err != nil {
		handler.respondErr(ctx, w, tracker, "set activity", err)
		return
	}
	handler.respondSnapshot(ctx, w, tracker, http.StatusOK)
}

func (handler *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	handler.handleCommand(w, r, "pause", (*Tracker).Pause)
}

func (handler *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	handler.handleCommand(w, r, "resume", (*Tracker).Resume)
}

func (handler *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	handler.handleCommand(w, r, "end", (*Tracker).End)
}

func (handler *Handler) HandleDiscard(w http.ResponseWriter, r *http.Request) {
	handler.handleCommand(w, r, "discard", (*Tracker).Discard)
}

// HandleSubmit accepts the submission of an ended session. The result is not
// waited for: it shows up in the session snapshot once the backend answers.
func (handler *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.cardio.submit")
	defer span.End()

	tracker, ok := handler.tracker(ctx, w)
	if !ok {
		return
	}

	result, err := tracker.Submit(ctx)
	if err != nil {
		handler.respondErr(ctx, w, tracker, "submit session", err)
		return
	}

	go func() {
		if err := <-result; err != nil {
			log.Errorf("cardio submit: %s", err)
		}
	}()

	handler.respondSnapshot(ctx, w, tracker, http.StatusAccepted)
}

func (handler *Handler) handleCommand(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	cmd func(*Tracker, context.Context) error,
) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.cardio."+name)
	defer span.End()

	tracker, ok := handler.tracker(ctx, w)
	if !ok {
		return
	}

	if err := cmd(tracker, ctx); err != nil {
		handler.respondErr(ctx, w, tracker, name+" session", err)
		return
	}
	handler.respondSnapshot(ctx, w, tracker, http.StatusOK)
}

func (handler *Handler) tracker(ctx context.Context, w http.ResponseWriter) (*Tracker, bool) {
	identity, err := handler.identities.Identity(ctx)
	if err != nil || identity.UserID == "" {
		log.Tracef("cardio handler, no identity: %v", err)
		http.Error(w, ErrMsgNotLoggedIn, http.StatusUnauthorized)
		return nil, false
	}
	return handler.registry.Get(identity.UserID), true
}

func (handler *Handler) respondSnapshot(ctx context.Context, w http.ResponseWriter, tracker *Tracker, status int) {
	snap, err := tracker.Snapshot(ctx)
	if err != nil {
		log.Errorf("cardio handler, get snapshot: %s", err)
		http.Error(w, "failed to get session", StatusCode(err))
		return
	}
	pkg.WriteJSON(w, snap, status)
}

// respondErr answers a failed command with the error and the session as it is now.
func (handler *Handler) respondErr(ctx context.Context, w http.ResponseWriter, tracker *Tracker, op string, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("cardio handler, %s: %s", op, err)
	} else {
		log.Debugf("cardio handler, %s: %s", op, err)
	}

	resp := ErrorResponse{Error: err.Error()}
	if snap, snapErr := tracker.Snapshot(ctx); snapErr == nil {
		resp.Session = &snap
	}
	pkg.WriteJSON(w, resp, status)
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Session *Snapshot `json:"session,omitempty"`
}

// StatusCode maps the tracker errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidActivity):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrSubmitInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrCapabilityUnavailable):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrNothingToSubmit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSubmissionFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrTrackerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
