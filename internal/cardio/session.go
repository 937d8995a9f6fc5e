package cardio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2beens/cardiotracker/internal/geo"
	"github.com/2beens/cardiotracker/internal/telemetry/metrics"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// status and error texts shown to the user
const (
	StatusReady               = "Ready to go?"
	StatusFindingGPS          = "Finding GPS..."
	StatusTracking            = "Tracking..."
	StatusPaused              = "Paused"
	StatusResuming            = "Resuming..."
	StatusSessionReady        = "Session ready. Send to AI to save."
	StatusSaving              = "Saving session..."
	StatusSaved               = "Session saved."
	StatusSaveFailed          = "Save failed"
	StatusLocationUnavailable = "Location unavailable. Check permissions."

	ErrMsgGeoUnsupported  = "Geolocation not supported on this device."
	ErrMsgLocationAccess  = "Unable to access location. Please allow GPS and retry."
	ErrMsgNotLoggedIn     = "User not logged in."
	ErrMsgSaveFailed      = "Failed to save cardio. Please retry."
	ErrMsgNothingToSubmit = "Nothing recorded yet."
)

type SessionParams struct {
	Source     LocationSource
	Renderer   PathRenderer
	Submitter  Submitter
	Identities IdentityProvider
	Clock      Clock
	// Dispatch runs collaborator callbacks (fixes, fix errors, timer ticks);
	// nil means they run inline, on the caller goroutine
	Dispatch     func(fn func())
	WatchOptions WatchOptions
	FollowZoom   int
	Metrics      *metrics.Manager
}

// Session is one GPS tracked cardio session (TrackSession). It is not safe for
// concurrent use: all calls, including the collaborator callbacks, must happen
// sequentially. Tracker provides that by running everything on one event loop.
type Session struct {
	id              string
	activity        ActivityKind
	state           LifecycleState
	startedAt       time.Time
	elapsedSeconds  int64
	totalDistanceKm float64
	lastKnownPoint  *geo.GeoPoint
	path            []geo.GeoPoint
	statusMessage   string
	errorMessage    string
	submitting      bool
	summary         *Summary

	source       LocationSource
	renderer     PathRenderer
	submitter    Submitter
	identities   IdentityProvider
	clock        Clock
	dispatch     func(fn func())
	watchOptions WatchOptions
	followZoom   int
	metrics      *metrics.Manager

	// owned resources, held only while Acquiring/Active
	subscription Subscription
	timer        Timer
	// bumped on every acquire/release, so callbacks of a cancelled watch are ignored
	watchGen uint64
}

func NewSession(params SessionParams) *Session {
	s := &Session{
		activity:      ActivityWalking,
		state:         StateIdle,
		statusMessage: StatusReady,
		source:        params.Source,
		renderer:      params.Renderer,
		submitter:     params.Submitter,
		identities:    params.Identities,
		clock:         params.Clock,
		dispatch:      params.Dispatch,
		watchOptions:  params.WatchOptions,
		followZoom:    params.FollowZoom,
		metrics:       params.Metrics,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.dispatch == nil {
		s.dispatch = func(fn func()) { fn() }
	}
	if s.watchOptions == (WatchOptions{}) {
		s.watchOptions = DefaultWatchOptions
	}
	if s.followZoom <= 0 {
		s.followZoom = DefaultFollowZoom
	}
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) State() LifecycleState { return s.state }
func (s *Session) Activity() ActivityKind { return s.activity }
func (s *Session) TotalDistanceKm() float64 { return s.totalDistanceKm }
func (s *Session) LastKnownPoint() *geo.GeoPoint { return s.lastKnownPoint }
func (s *Session) StatusMessage() string { return s.statusMessage }
func (s *Session) ErrorMessage() string { return s.errorMessage }
func (s *Session) Submitting() bool { return s.submitting }
func (s *Session) PathLen() int { return len(s.path) }

// Path returns a copy of the recorded path.
func (s *Session) Path() []geo.GeoPoint {
	path := make([]geo.GeoPoint, len(s.path))
	copy(path, s.path)
	return path
}

// ElapsedSeconds is live while tracking, and frozen otherwise.
func (s *Session) ElapsedSeconds() int64 {
	if s.state.IsTracking() {
		return s.sinceStart()
	}
	return s.elapsedSeconds
}

// SetActivity changes the activity kind; only possible before a session starts.
func (s *Session) SetActivity(kind ActivityKind) error {
	if !kind.IsValid() {
		return fmt.Errorf("set activity %q: %w", kind, ErrInvalidActivity)
	}
	if s.state != StateIdle {
		return fmt.Errorf("set activity in state %s: %w", s.state, ErrIllegalTransition)
	}
	s.activity = kind
	return nil
}

func (s *Session) Start(kind ActivityKind) error {
	if !kind.IsValid() {
		return fmt.Errorf("start %q: %w", kind, ErrInvalidActivity)
	}
	if err := s.checkTransition(StateAcquiring); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if s.source == nil || !s.source.Available() {
		s.errorMessage = ErrMsgGeoUnsupported
		return fmt.Errorf("start: %w", ErrCapabilityUnavailable)
	}

	s.id = uuid.NewString()
	s.activity = kind
	s.errorMessage = ""
	s.elapsedSeconds = 0
	s.totalDistanceKm = 0
	s.lastKnownPoint = nil
	s.path = nil
	s.summary = nil
	s.startedAt = s.clock.Now()

	if err := s.transition(StateAcquiring); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	s.statusMessage = StatusFindingGPS
	if s.renderer != nil {
		s.renderer.Reset()
	}

	if err := s.acquire(); err != nil {
		s.release()
		_ = s.transition(StateIdle)
		s.statusMessage = StatusLocationUnavailable
		s.errorMessage = ErrMsgLocationAccess
		return fmt.Errorf("start: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CounterSessionsStarted.WithLabelValues(kind.String()).Inc()
	}
	log.Debugf("cardio session [%s] started: %s", s.id, kind)

	return nil
}

// OnFixReceived is the single entry point for location fixes.
func (s *Session) OnFixReceived(point geo.GeoPoint) {
	if !s.state.IsTracking() {
		log.Tracef("cardio session [%s]: fix dropped in state %s", s.id, s.state)
		return
	}

	if s.lastKnownPoint != nil {
		s.totalDistanceKm += geo.HaversineKm(*s.lastKnownPoint, point)
	}
	s.path = append(s.path, point)
	last := point
	s.lastKnownPoint = &last

	s.statusMessage = StatusTracking
	if s.errorMessage == ErrMsgLocationAccess {
		s.errorMessage = ""
	}

	if s.state == StateAcquiring {
		if err := s.transition(StateActive); err != nil {
			log.Errorf("cardio session [%s]: %s", s.id, err)
		}
	}

	if s.renderer != nil {
		s.renderer.ExtendPath(point)
		s.renderer.Recenter(point, s.followZoom)
	}
	if s.metrics != nil {
		s.metrics.CounterFixesAccepted.Inc()
	}
}

// OnFixError reports a transient location error; the session keeps going.
func (s *Session) OnFixError(err error) {
	if !s.state.IsTracking() {
		return
	}
	log.Warnf("cardio session [%s]: location error: %s", s.id, err)
	s.statusMessage = StatusLocationUnavailable
	s.errorMessage = ErrMsgLocationAccess
	if s.metrics != nil {
		s.metrics.CounterFixErrors.Inc()
	}
}

// Tick refreshes the displayed elapsed time.
func (s *Session) Tick() {
	if s.state == StateActive || s.state == StateAcquiring {
		s.elapsedSeconds = s.sinceStart()
	}
}

// Pause is a no-op when already paused.
func (s *Session) Pause() error {
	if s.state == StatePaused {
		return nil
	}
	if err := s.checkTransition(StatePaused); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	s.freeze()
	s.release()
	if err := s.transition(StatePaused); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	s.statusMessage = StatusPaused

	return nil
}

func (s *Session) Resume() error {
	if s.state != StatePaused {
		return fmt.Errorf("resume from %s: %w", s.state, ErrIllegalTransition)
	}
	if s.source == nil || !s.source.Available() {
		s.errorMessage = ErrMsgGeoUnsupported
		return fmt.Errorf("resume: %w", ErrCapabilityUnavailable)
	}

	s.errorMessage = ""
	// continue from the frozen value, paused time is not counted
	s.startedAt = s.clock.Now().Add(-time.Duration(s.elapsedSeconds) * time.Second)
	if err := s.transition(StateActive); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	s.statusMessage = StatusResuming

	if err := s.acquire(); err != nil {
		s.release()
		_ = s.transition(StatePaused)
		s.statusMessage = StatusLocationUnavailable
		s.errorMessage = ErrMsgLocationAccess
		return fmt.Errorf("resume: %w", err)
	}

	return nil
}

// End stops tracking and prepares the summary; it never submits on its own.
func (s *Session) End() error {
	if err := s.checkTransition(StateEnded); err != nil {
		return fmt.Errorf("end: %w", err)
	}

	if s.state.IsTracking() {
		s.freeze()
		s.release()
	}
	if err := s.transition(StateEnded); err != nil {
		return fmt.Errorf("end: %w", err)
	}

	summary := BuildSummary(s.id, s.activity, s.elapsedSeconds, s.totalDistanceKm, s.clock.Now())
	s.summary = &summary
	s.statusMessage = StatusSessionReady
	log.Debugf("cardio session [%s] ended: %s", s.id, summary.Text)

	return nil
}

// Summary returns the summary of an ended session.
func (s *Session) Summary() (Summary, error) {
	if s.state != StateEnded || s.summary == nil {
		return Summary{}, fmt.Errorf("summary in state %s: %w", s.state, ErrIllegalTransition)
	}
	return *s.summary, nil
}

// BeginSubmit validates that the ended session can be handed to the submitter and
// marks the submission as in flight. Each successful BeginSubmit must be followed
// by exactly one CompleteSubmit.
func (s *Session) BeginSubmit(ctx context.Context) (Identity, Summary, error) {
	summary, err := s.Summary()
	if err != nil {
		return Identity{}, Summary{}, fmt.Errorf("submit: %w", err)
	}
	if s.submitting {
		return Identity{}, Summary{}, fmt.Errorf("submit: %w", ErrSubmitInFlight)
	}
	if summary.ElapsedSeconds == 0 {
		s.errorMessage = ErrMsgNothingToSubmit
		return Identity{}, Summary{}, fmt.Errorf("submit: %w", ErrNothingToSubmit)
	}

	identity, err := s.identity(ctx)
	if err != nil {
		s.errorMessage = ErrMsgNotLoggedIn
		return Identity{}, Summary{}, fmt.Errorf("submit: %w", err)
	}

	s.submitting = true
	s.errorMessage = ""
	s.statusMessage = StatusSaving

	return identity, summary, nil
}

// CompleteSubmit applies the submitter result. On failure the session stays
// ended with the summary untouched, so it can be retried.
func (s *Session) CompleteSubmit(submitErr error) error {
	s.submitting = false

	if submitErr != nil {
		s.statusMessage = StatusSaveFailed
		s.errorMessage = ErrMsgSaveFailed
		if s.metrics != nil {
			s.metrics.CounterSubmissions.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("%w: %w", ErrSubmissionFailure, submitErr)
	}

	if s.metrics != nil {
		s.metrics.CounterSubmissions.WithLabelValues("ok").Inc()
	}
	log.Debugf("cardio session [%s] submitted", s.id)

	if err := s.reset(); err != nil {
		return err
	}
	s.statusMessage = StatusSaved

	return nil
}

// Submit hands the summary to the submitter and waits for the result.
func (s *Session) Submit(ctx context.Context) error {
	identity, summary, err := s.BeginSubmit(ctx)
	if err != nil {
		return err
	}
	if s.submitter == nil {
		return s.CompleteSubmit(errors.New("no submitter"))
	}
	return s.CompleteSubmit(s.submitter.Submit(ctx, identity, summary))
}

// Discard drops an ended session without submitting it.
func (s *Session) Discard() error {
	if s.state != StateEnded {
		return fmt.Errorf("discard in state %s: %w", s.state, ErrIllegalTransition)
	}
	if s.submitting {
		return fmt.Errorf("discard: %w", ErrSubmitInFlight)
	}
	if err := s.reset(); err != nil {
		return err
	}
	s.statusMessage = StatusReady
	return nil
}

// Teardown releases the location subscription and the timer, regardless of state.
func (s *Session) Teardown() {
	s.release()
}

func (s *Session) Snapshot() Snapshot {
	elapsed := s.ElapsedSeconds()
	snap := Snapshot{
		SessionID:      s.id,
		Activity:       s.activity,
		State:          s.state,
		ElapsedSeconds: elapsed,
		Elapsed:        FormatDuration(elapsed),
		DistanceKm:     s.totalDistanceKm,
		Distance:       fmt.Sprintf("%.2f km", s.totalDistanceKm),
		PositionText:   "Waiting for GPS...",
		PathLength:     len(s.path),
		Status:         s.statusMessage,
		Error:          s.errorMessage,
		Submitting:     s.submitting,
		Ready:          s.state == StateEnded && elapsed > 0,
	}
	if s.lastKnownPoint != nil {
		p := *s.lastKnownPoint
		snap.Position = &p
		snap.PositionText = p.String()
	}
	if s.summary != nil {
		summary := *s.summary
		snap.Summary = &summary
	}
	return snap
}

func (s *Session) identity(ctx context.Context) (Identity, error) {
	if s.identities == nil {
		return Identity{}, ErrMissingIdentity
	}
	identity, err := s.identities.Identity(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingIdentity) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrMissingIdentity, err)
	}
	if identity.UserID == "" {
		return Identity{}, ErrMissingIdentity
	}
	return identity, nil
}

func (s *Session) reset() error {
	if err := s.transition(StateIdle); err != nil {
		return err
	}
	s.elapsedSeconds = 0
	s.totalDistanceKm = 0
	s.lastKnownPoint = nil
	s.path = nil
	s.summary = nil
	s.errorMessage = ""
	return nil
}

func (s *Session) sinceStart() int64 {
	elapsed := s.clock.Now().Sub(s.startedAt)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Second)
}

func (s *Session) freeze() {
	s.elapsedSeconds = s.sinceStart()
}

func (s *Session) acquire() error {
	s.watchGen++
	gen := s.watchGen

	sub, err := s.source.Watch(
		s.watchOptions,
		func(point geo.GeoPoint) {
			s.dispatch(func() {
				if gen == s.watchGen {
					s.OnFixReceived(point)
				}
			})
		},
		func(err error) {
			s.dispatch(func() {
				if gen == s.watchGen {
					s.OnFixError(err)
				}
			})
		},
	)
	if err != nil {
		return fmt.Errorf("watch location: %w", err)
	}
	s.subscription = sub

	s.timer = s.clock.Every(DisplayTick, func() {
		s.dispatch(s.Tick)
	})

	return nil
}

func (s *Session) release() {
	s.watchGen++
	if s.subscription != nil {
		s.subscription.Cancel()
		s.subscription = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) checkTransition(to LifecycleState) error {
	if !s.state.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	return nil
}

// transition is the only place where the lifecycle state changes.
func (s *Session) transition(to LifecycleState) error {
	if err := s.checkTransition(to); err != nil {
		return err
	}
	log.Tracef("cardio session [%s]: %s -> %s", s.id, s.state, to)
	s.state = to
	return nil
}

type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	Activity       ActivityKind   `json:"activity"`
	State          LifecycleState `json:"state"`
	ElapsedSeconds int64          `json:"elapsedSeconds"`
	Elapsed        string         `json:"elapsed"`
	DistanceKm     float64        `json:"distanceKm"`
	Distance       string         `json:"distance"`
	Position       *geo.GeoPoint  `json:"position,omitempty"`
	PositionText   string         `json:"positionText"`
	PathLength     int            `json:"pathLength"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Submitting     bool           `json:"submitting"`
	Ready          bool           `json:"ready"`
	Summary        *Summary       `json:"summary,omitempty"`
}
