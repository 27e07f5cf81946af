package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/delipucash/server/internal/allocator"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/collection"
	"github.com/delipucash/server/internal/config"
	"github.com/delipucash/server/internal/database"
	"github.com/delipucash/server/internal/logging"
	"github.com/delipucash/server/internal/metrics"
	"github.com/delipucash/server/internal/momo"
	"github.com/delipucash/server/internal/notify"
	"github.com/delipucash/server/internal/payout"
	"github.com/delipucash/server/internal/reconcile"
	"github.com/delipucash/server/internal/server"
	"github.com/delipucash/server/internal/settlement"
	"github.com/delipucash/server/internal/store"
	ws "github.com/delipucash/server/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()
	m.WatchDB(db)

	gateway := momo.NewClient(momo.Config{
		MTN: momo.MTNConfig{
			BaseURL:           cfg.MTN.BaseURL,
			UserID:            cfg.MTN.UserID,
			APIKey:            cfg.MTN.APIKey,
			PrimaryKey:        cfg.MTN.PrimaryKey,
			DisbursementKey:   cfg.MTN.DisbursementKey,
			TargetEnvironment: cfg.MTN.TargetEnvironment,
			Currency:          cfg.MTN.Currency,
		},
		Airtel: momo.AirtelConfig{
			BaseURL:      cfg.Airtel.BaseURL,
			ClientID:     cfg.Airtel.ClientID,
			ClientSecret: cfg.Airtel.ClientSecret,
			Country:      cfg.Airtel.Country,
			Currency:     cfg.Airtel.Currency,
		},
		Observer: m.ObserveProviderCall,
	}, logger)
	poller := settlement.NewPoller(gateway, settlement.Config{
		MaxAttempts: cfg.SettlementMaxAttempts,
		Interval:    cfg.SettlementInterval,
	}, logger)

	hub := ws.NewHub(logger.With("component", "websocket"))
	hub.OnDrop(m.WebsocketDrops.Inc)

	questions := store.NewRewardQuestionStore(db)
	winners := store.NewWinnerStore(db)
	users := store.NewUserStore(db)
	payments := store.NewPaymentStore(db)
	notifier := notify.NewNotifier(store.NewNotificationStore(db), hub, logger)

	alloc := allocator.New(allocator.Deps{
		Questions: questions,
		Winners:   winners,
		Users:     users,
		Attempts:  store.NewAttemptStore(db),
		Rewards:   store.NewRewardStore(db),
		Events:    hub,
		Observe:   m.ObserveSubmission,
	}, logger)
	orchestrator := payout.New(payout.Deps{
		Gateway:  gateway,
		Poller:   poller,
		Winners:  winners,
		Payments: payments,
		Users:    users,
		Notifier: notifier,
		Events:   hub,
		Observe:  m.ObservePayout,
	}, logger)
	collections := collection.NewService(gateway, poller, payments, users, notifier, logger)

	srv := server.New(server.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminEmails:        cfg.AdminEmails,
		PayoutResponseWait: cfg.PayoutResponseWait,
		AnswerRateLimit:    cfg.AnswerRateLimit,
	}, server.Deps{
		DB:         db,
		Hub:        hub,
		Metrics:    m,
		Tokens:     auth.NewTokens(cfg.JWTSecret),
		Allocator:  alloc,
		Payouts:    orchestrator,
		Collection: collections,
		Notifier:   notifier,
	}, logger)

	// Subscription and manual payouts answer only after settlement polling.
	settleWindow := time.Duration(cfg.SettlementMaxAttempts) * cfg.SettlementInterval
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      settleWindow + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	reconciler := reconcile.New(questions, winners, orchestrator, reconcile.Config{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.ReconcileStaleAfter,
	}, m.ObserveReconciled, logger)
	reconciler.Start(context.Background())

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := srv.RateLimiter().Cleanup(); n > 0 {
					logger.Debug("rate limiter cleanup", "removed", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("delipucash server starting", "addr", ":"+cfg.Port, "mtn_env", cfg.MTN.TargetEnvironment)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	reconciler.Stop()

	// In-flight payouts are left PENDING if they outlast the grace period;
	// the reconciler resumes them on the next start.
	payoutCtx, payoutCancel := context.WithTimeout(context.Background(), settleWindow+5*time.Second)
	defer payoutCancel()
	if err := orchestrator.Shutdown(payoutCtx); err != nil {
		slog.Warn("payouts still running at exit", "error", err)
	}
}
