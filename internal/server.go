package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/cardiotracker/internal/auth"
	"github.com/2beens/cardiotracker/internal/backend"
	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/config"
	"github.com/2beens/cardiotracker/internal/location"
	"github.com/2beens/cardiotracker/internal/middleware"
	"github.com/2beens/cardiotracker/internal/misc"
	"github.com/2beens/cardiotracker/internal/pathview"
	"github.com/2beens/cardiotracker/internal/telemetry/metrics"
	"github.com/2beens/cardiotracker/internal/telemetry/tracing"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const authCleanupInterval = 8 * time.Hour

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string
	loginPasswordHash string

	config *config.Config

	redisClient  *redis.Client
	loginChecker *auth.LoginChecker
	authService  *auth.Service

	// per user state
	trackers  *cardio.Registry
	locations *location.Registry
	tracks    *pathview.Registry

	backendClient *backend.Client

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	LoginPasswordHash       string
	RedisPassword           string
	HoneycombTracingEnabled bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	if params.Config == nil {
		return nil, errors.New("config missing")
	}

	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("cardio", "main", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})
	if params.HoneycombTracingEnabled {
		rdb.AddHook(redisotel.NewTracingHook())
	}

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "cardio-tracker")
	if err != nil {
		return nil, fmt.Errorf("honeycomb setup: %w", err)
	}

	tracedHttpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   params.Config.BackendTimeout.Duration,
	}

	s := newServer(params.Config, rdb, metricsManager)
	s.versionInfo = params.VersionInfo
	s.loginPasswordHash = params.LoginPasswordHash
	s.promRegistry = promRegistry
	s.otelShutdown = otelShutdown
	s.backendClient = backend.NewClient(params.Config.BackendBaseURL, tracedHttpClient)

	return s, nil
}

// newServer builds the server state shared by NewServer and the tests.
func newServer(cfg *config.Config, rdb *redis.Client, metricsManager *metrics.Manager) *Server {
	s := &Server{
		config:         cfg,
		redisClient:    rdb,
		authService:    auth.NewAuthService(auth.DefaultTTL, rdb),
		loginChecker:   auth.NewLoginChecker(auth.DefaultTTL, rdb),
		locations:      location.NewRegistry(metricsManager),
		tracks:         pathview.NewRegistry(),
		metricsManager: metricsManager,
		otelShutdown:   func() {},
	}
	s.trackers = cardio.NewRegistry(cardio.RegistryParams{
		Factory: s.newTracker,
		IdleTTL: cfg.TrackerIdleTTL.Duration,
		OnEvict: s.onTrackerEvicted,
		Metrics: metricsManager,
	})
	return s
}

// newTracker wires the user's location stream and live track into a new tracker.
func (s *Server) newTracker(userID string) *cardio.Tracker {
	params := cardio.SessionParams{
		Source:     s.locations.Get(userID),
		Renderer:   s.tracks.Get(userID),
		Identities: auth.IdentityFromContext,
		WatchOptions: cardio.WatchOptions{
			HighAccuracy: true,
			MaxFixAge:    s.config.MaxFixAge.Duration,
		},
		FollowZoom: s.config.FollowZoom,
		Metrics:    s.metricsManager,
	}
	// a nil *backend.Client must not end up as a non-nil interface
	if s.backendClient != nil {
		params.Submitter = s.backendClient
	}
	return cardio.NewTracker(params)
}

func (s *Server) openTracker(userID string) {
	s.trackers.Get(userID)
}

// onTrackerEvicted runs with the tracker registry locked.
func (s *Server) onTrackerEvicted(userID string) {
	s.locations.Remove(userID)
	s.tracks.Remove(userID)
	log.Debugf("tracker for user [%s] evicted", userID)
}

func (s *Server) healthCheck(ctx context.Context) error {
	return s.redisClient.Ping(ctx).Err()
}

func (s *Server) routerSetup() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("cardio-router"))

	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)
	miscHandler := misc.NewHandler(
		s.versionInfo,
		s.authService,
		s.loginChecker,
		s.loginPasswordHash,
		s.healthCheck,
	)
	miscHandler.SetupRoutes(
		r,
		reqRateLimiter,
		s.config.LoginRateLimitAllowedPerMin,
		s.metricsManager,
		s.config.AllowedOrigins,
	)

	cardioRouter := r.PathPrefix("/cardio").Subrouter()
	cardio.NewHandler(s.trackers, auth.IdentityFromContext).
		SetupRoutes(cardioRouter)
	location.NewHandler(s.locations, auth.IdentityFromContext, s.openTracker).
		SetupRoutes(cardioRouter.PathPrefix("/location").Subrouter())
	pathview.NewHandler(s.tracks, auth.IdentityFromContext, s.openTracker, s.config.AllowedOrigins).
		SetupRoutes(cardioRouter.PathPrefix("/track").Subrouter())

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.loginChecker)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors(s.config.AllowedOrigins))
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest(middleware.MaxRequestBodyBytes))

	return r, nil
}

func (s *Server) Serve(ctx context.Context, host string, port int) {
	router, err := s.routerSetup()
	if err != nil {
		log.Fatalf("failed to setup router: %s", err)
	}

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegistry,
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	go s.trackers.RunEviction(ctx, s.config.EvictionInterval.Duration)
	go s.authService.RunCleanup(ctx, authCleanupInterval)

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Errorf(" >>> failed to gracefully shutdown http server: %s", err)
		}
		log.Warnln("server shut down")
	}

	// tears down every live session: watches cancelled, timers stopped
	s.trackers.Close()
	log.Debugln("trackers closed")

	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
			log.Errorf(" >>> failed to gracefully shutdown metrics http server: %s", err)
		}
		log.Warnln("metrics server shut down")
	}

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
