package misc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2beens/cardiotracker/internal/auth"
	"github.com/2beens/cardiotracker/internal/middleware"
	"github.com/2beens/cardiotracker/internal/telemetry/metrics"
	"github.com/2beens/cardiotracker/internal/telemetry/tracing"
	"github.com/2beens/cardiotracker/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HealthCheck reports whether a dependency of the service is reachable.
type HealthCheck func(ctx context.Context) error

type sessionForgetter interface {
	Forget(token string)
}

type Handler struct {
	versionInfo       string
	authService       *auth.Service
	sessions          sessionForgetter
	loginPasswordHash string
	healthCheck       HealthCheck
	now               func() time.Time
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewHandler(
	versionInfo string,
	authService *auth.Service,
	sessions sessionForgetter,
	loginPasswordHash string,
	healthCheck HealthCheck,
) *Handler {
	return &Handler{
		versionInfo:       versionInfo,
		authService:       authService,
		sessions:          sessions,
		loginPasswordHash: loginPasswordHash,
		healthCheck:       healthCheck,
		now:               time.Now,
	}
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	loginRateLimit int,
	metricsManager *metrics.Manager,
	allowedOrigins []string,
) {
	mainRouter.HandleFunc("/", handler.handleRoot).Methods("GET", "POST", "OPTIONS").Name("root")
	mainRouter.HandleFunc("/version", handler.handleGetVersionInfo).Methods("GET").Name("version")
	mainRouter.HandleFunc("/health", handler.handleHealth).Methods("GET").Name("health")

	loginSubrouter := mainRouter.PathPrefix("/a").Subrouter()
	loginSubrouter.
		HandleFunc("/login", handler.handleLogin).
		Methods("POST", "OPTIONS").Name("login")
	loginSubrouter.
		HandleFunc("/logout", handler.handleLogout).
		Methods("POST", "GET", "OPTIONS").Name("logout")

	// rate limit the /login and /logout endpoints to prevent abuse
	loginSubrouter.Use(middleware.RateLimit(rateLimiter, "login", loginRateLimit, metricsManager))
	loginSubrouter.Use(middleware.Cors(allowedOrigins))
}

func (handler *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, "I'm OK, thanks ;)")
}

func (handler *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.health")
	defer span.End()

	if handler.healthCheck != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := handler.healthCheck(ctx); err != nil {
			log.Errorf("health check: %s", err)
			span.SetStatus(codes.Error, err.Error())
			pkg.WriteJSON(w, HealthResponse{Status: "degraded", Error: err.Error()}, http.StatusServiceUnavailable)
			return
		}
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteJSON(w, HealthResponse{Status: "ok"}, http.StatusOK)
}

func (handler *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.login")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	var loginReq LoginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			http.Error(w, "login failed", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			return
		}
		loginReq = LoginRequest{
			UserID:   r.Form.Get("user_id"),
			Token:    r.Form.Get("token"),
			Password: r.Form.Get("password"),
		}
	}

	if loginReq.UserID == "" {
		http.Error(w, "error, user id empty", http.StatusBadRequest)
		return
	}

	if handler.loginPasswordHash != "" && !pkg.CheckPasswordHash(loginReq.Password, handler.loginPasswordHash) {
		log.Tracef("[password] failed login attempt for user: %s", loginReq.UserID)
		span.SetStatus(codes.Error, "wrong-credentials")
		http.Error(w, "error, wrong credentials", http.StatusBadRequest)
		return
	}

	span.SetAttributes(attribute.String("user.id", loginReq.UserID))

	token, err := handler.authService.Login(ctx, loginReq.UserID, loginReq.Token, handler.now())
	if err != nil {
		log.Errorf("login failed, generate token error: %s", err)
		span.SetStatus(codes.Error, "login-failed")
		http.Error(w, "generate token error", http.StatusInternalServerError)
		return
	}

	log.Tracef("new login success for user: %s", loginReq.UserID)
	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"token": "%s"}`, token))
}

func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	authToken := auth.TokenFromRequest(r, false)
	if authToken == "" {
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	loggedOut, err := handler.authService.Logout(ctx, authToken)
	if err != nil {
		log.Tracef("[failed logout] => %s: %s", r.URL.Path, err)
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}
	if handler.sessions != nil {
		handler.sessions.Forget(authToken)
	}
	if !loggedOut {
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	log.Trace("logout success")
	pkg.WriteTextResponseOK(w, "logged-out")
}

func (handler *Handler) handleGetVersionInfo(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, handler.versionInfo)
}
