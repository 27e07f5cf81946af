// Package reconcile runs the periodic cleanup that keeps stored state honest
// after restarts: expired questions are closed and winners stuck in PENDING
// are settled against the provider.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/payout"
)

const (
	TaskExpired = "expired_questions"
	TaskPaid    = "winner_paid"
	TaskFailed  = "winner_failed"
)

type QuestionStore interface {
	DeactivateExpired(now time.Time) (int64, error)
}

type WinnerStore interface {
	ListPendingBefore(cutoff time.Time) ([]model.Winner, error)
}

// Resumer settles a winner from its stored reference without initiating a
// new transfer.
type Resumer interface {
	Resume(ctx context.Context, w model.Winner) payout.Outcome
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Reconciler periodically deactivates expired questions and resolves stale
// PENDING winners.
type Reconciler struct {
	mu        sync.RWMutex
	questions QuestionStore
	winners   WinnerStore
	payouts   Resumer
	cfg       Config
	observe   func(task string, n int)
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *slog.Logger
}

func New(questions QuestionStore, winners WinnerStore, payouts Resumer, cfg Config, observe func(task string, n int), logger *slog.Logger) *Reconciler {
	if observe == nil {
		observe = func(string, int) {}
	}
	return &Reconciler{
		questions: questions,
		winners:   winners,
		payouts:   payouts,
		cfg:       cfg,
		observe:   observe,
		now:       time.Now,
		logger:    logger.With("component", "reconcile"),
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		r.RunOnce(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current pass to return.
func (r *Reconciler) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	done := r.done
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	now := r.now()

	n, err := r.questions.DeactivateExpired(now)
	if err != nil {
		r.logger.Error("deactivate expired questions", "error", err)
	} else if n > 0 {
		r.logger.Info("deactivated expired questions", "count", n)
		r.observe(TaskExpired, int(n))
	}

	stale, err := r.winners.ListPendingBefore(now.Add(-r.cfg.StaleAfter))
	if err != nil {
		r.logger.Error("list pending winners", "error", err)
		return
	}
	for _, w := range stale {
		if ctx.Err() != nil {
			return
		}
		out := r.payouts.Resume(ctx, w)
		switch out.Status {
		case model.PaymentSuccessful:
			r.observe(TaskPaid, 1)
		case model.PaymentFailed:
			r.observe(TaskFailed, 1)
		}
		r.logger.Info("resolved pending winner", "winner_id", w.ID, "status", out.Status, "reference", out.Reference)
	}
}
