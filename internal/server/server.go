package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/delipucash/server/internal/allocator"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/collection"
	"github.com/delipucash/server/internal/database"
	"github.com/delipucash/server/internal/handler"
	"github.com/delipucash/server/internal/metrics"
	"github.com/delipucash/server/internal/middleware"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
	ws "github.com/delipucash/server/internal/websocket"
)

// Config carries the HTTP-facing settings.
type Config struct {
	CORSAllowedOrigins []string
	AdminEmails        []string
	PayoutResponseWait time.Duration
	AnswerRateLimit    int
}

// Deps are the long-lived services the routes call into. They are built once
// in main and shared with the background workers.
type Deps struct {
	DB         *sql.DB
	Hub        *ws.Hub
	Metrics    *metrics.Metrics
	Tokens     *auth.Tokens
	Allocator  *allocator.Allocator
	Payouts    handler.Disburser
	Collection *collection.Service
	Notifier   handler.Notifier
}

type Server struct {
	cfg            Config
	db             *sql.DB
	hub            *ws.Hub
	metrics        *metrics.Metrics
	tokens         *auth.Tokens
	rewardQuestion *handler.RewardQuestionHandler
	payment        *handler.PaymentHandler
	authH          *handler.AuthHandler
	ledger         *handler.LedgerHandler
	rateLimiter    *middleware.RateLimiter
	logger         *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	v := validate.New()

	questionStore := store.NewRewardQuestionStore(deps.DB)
	userStore := store.NewUserStore(deps.DB)
	paymentStore := store.NewPaymentStore(deps.DB)
	rewardStore := store.NewRewardStore(deps.DB)
	attemptStore := store.NewAttemptStore(deps.DB)
	notificationStore := store.NewNotificationStore(deps.DB)

	return &Server{
		cfg:     cfg,
		db:      deps.DB,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		tokens:  deps.Tokens,
		rewardQuestion: handler.NewRewardQuestionHandler(
			questionStore, userStore, deps.Allocator, deps.Payouts, deps.Hub, v,
			cfg.PayoutResponseWait, logger.With("component", "reward_question"),
		),
		payment:     handler.NewPaymentHandler(deps.Collection, paymentStore, deps.Hub, v, cfg.AdminEmails, logger.With("component", "payment")),
		authH:       handler.NewAuthHandler(userStore, paymentStore, deps.Tokens, v, logger.With("component", "auth")),
		ledger:      handler.NewLedgerHandler(userStore, rewardStore, attemptStore, notificationStore, deps.Notifier, v, logger.With("component", "ledger")),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(
		s.hub, middleware.OriginHosts(s.cfg.CORSAllowedOrigins), s.identify, s.logger.With("component", "websocket"),
	))

	// Public routes
	mux.HandleFunc("POST /auth/signup", s.rateLimitedHandler(s.authH.Signup))
	mux.HandleFunc("POST /auth/signin", s.rateLimitedHandler(s.authH.Signin))
	mux.HandleFunc("GET /reward-questions/all", s.rewardQuestion.All)
	mux.HandleFunc("GET /reward-questions/instant", s.rewardQuestion.Instant)
	mux.HandleFunc("GET /reward-questions/user/{userId}", s.optionalAuth(s.rewardQuestion.ByUser))
	mux.HandleFunc("POST /payments/callback", s.payment.Callback)

	// Protected routes. Each is registered on the top-level mux so the
	// matched pattern is visible to the metrics middleware.
	mux.Handle("POST /reward-questions/create", s.protected(s.rewardQuestion.Create))
	mux.Handle("PUT /reward-questions/{id}/update", s.protected(s.rewardQuestion.Update))
	mux.Handle("DELETE /reward-questions/{id}/delete", s.protected(s.rewardQuestion.Delete))
	mux.Handle("POST /reward-questions/{id}/answer", s.protected(s.answerLimited(s.rewardQuestion.Answer)))

	mux.Handle("POST /payments/initiate", s.protected(s.payment.Initiate))
	mux.Handle("POST /payments/disburse", s.protected(s.payment.Disburse))
	mux.Handle("GET /payments/users/{userId}/payments", s.protected(s.payment.History))
	mux.Handle("PUT /payments/{paymentId}/status", s.protected(s.payment.UpdateStatus))

	mux.Handle("GET /auth/{userId}/points", s.protected(s.authH.Points))
	mux.Handle("GET /auth/{userId}/subscription-status", s.protected(s.authH.SubscriptionStatus))

	mux.Handle("GET /rewards/user/{userId}", s.protected(s.ledger.Rewards))
	mux.Handle("POST /rewards/user/{userId}/redeem", s.protected(s.ledger.Redeem))
	mux.Handle("GET /attempts/user/{email}", s.protected(s.ledger.Attempts))
	mux.Handle("GET /notifications/users/{userId}", s.protected(s.ledger.Notifications))
	mux.Handle("PUT /notifications/{id}/read", s.protected(s.ledger.MarkNotificationRead))

	var h http.Handler = mux
	h = middleware.Metrics(s.metrics)(h)
	h = middleware.CORS(s.cfg.CORSAllowedOrigins)(h)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status, "websocketClients": s.hub.ClientCount()}
	if code == http.StatusOK {
		if v, err := database.SchemaVersion(s.db); err == nil {
			body["schemaVersion"] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) protected(h http.HandlerFunc) http.Handler {
	return middleware.RequireJWT(s.tokens)(h)
}

// optionalAuth attaches the caller when a valid bearer token is present and
// otherwise serves the request anonymously.
func (s *Server) optionalAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			if ac, err := s.tokens.Verify(strings.TrimSpace(raw)); err == nil {
				r = r.WithContext(auth.WithAuth(r.Context(), ac))
			}
		}
		h(w, r)
	}
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.ByIP, 10, time.Minute)
	return rl(h).ServeHTTP
}

func (s *Server) answerLimited(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.ByUser, s.cfg.AnswerRateLimit, time.Minute)
	return rl(h).ServeHTTP
}

// identify authenticates websocket upgrades. Browsers cannot set headers on
// the upgrade request, so the token may also come from the query string.
func (s *Server) identify(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return 0, nil
	}
	ac, err := s.tokens.Verify(raw)
	if err != nil {
		return 0, err
	}
	return ac.UserID, nil
}
