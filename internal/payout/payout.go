// Package payout pays instant-reward winners through the mobile-money
// gateway and records the outcome on the winner.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/momo"
	"github.com/delipucash/server/internal/notify"
	"github.com/delipucash/server/internal/websocket"
)

type Gateway interface {
	InitiateDisbursement(ctx context.Context, provider model.Provider, req momo.Request) error
}

type Poller interface {
	PollUntilTerminal(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*momo.StatusResult, error)
}

type WinnerStore interface {
	GetByID(id int64) (*model.Winner, error)
	SetPaymentReference(id int64, reference string) error
	MarkSuccessful(id int64, reference, externalTxID string, paidAt time.Time) (bool, error)
	MarkFailed(id int64, reason string) (bool, error)
}

type PaymentStore interface {
	Create(p model.Payment) (*model.Payment, error)
}

type UserStore interface {
	GetByEmail(email string) (*model.User, error)
}

type Notifier interface {
	Send(userID int64, key string, data map[string]any)
}

type Publisher interface {
	Broadcast(msg websocket.Message)
}

type Deps struct {
	Gateway  Gateway
	Poller   Poller
	Winners  WinnerStore
	Payments PaymentStore
	Users    UserStore
	// Optional.
	Notifier Notifier
	Events   Publisher
	Observe  func(provider model.Provider, status model.PaymentStatus, elapsed time.Duration)
}

// Outcome is the final state of one disbursement attempt.
type Outcome struct {
	WinnerID      int64
	Reference     string
	Status        model.PaymentStatus
	TransactionID string
	// Reason explains a FAILED outcome.
	Reason string
}

const neverInitiated = "disbursement never initiated"

// Orchestrator turns PENDING winners into SUCCESSFUL or FAILED ones. It
// never returns an error: every failure ends as a FAILED winner. At most one
// payout per winner runs at a time.
type Orchestrator struct {
	deps     Deps
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[int64]struct{}
	newRef   func() string
	now    func() time.Time
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Orchestrator {
	if deps.Observe == nil {
		deps.Observe = func(model.Provider, model.PaymentStatus, time.Duration) {}
	}
	return &Orchestrator{
		deps:     deps,
		inflight: make(map[int64]struct{}),
		newRef:   uuid.NewString,
		now:      time.Now,
		logger:   logger.With("component", "payout"),
	}
}

func (o *Orchestrator) claim(winnerID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[winnerID]; busy {
		return false
	}
	o.inflight[winnerID] = struct{}{}
	return true
}

func (o *Orchestrator) release(winnerID int64) {
	o.mu.Lock()
	delete(o.inflight, winnerID)
	o.mu.Unlock()
}

// InFlight reports whether a payout for the winner is running.
func (o *Orchestrator) InFlight(winnerID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inflight[winnerID]
	return busy
}

func (o *Orchestrator) busy(w model.Winner) Outcome {
	o.logger.Info("payout already in progress", "winner_id", w.ID)
	out := Outcome{WinnerID: w.ID, Status: model.PaymentPending}
	if w.PaymentReference != nil {
		out.Reference = *w.PaymentReference
	}
	return out
}

// DisburseAsync pays w in the background and delivers the outcome on the
// returned channel, which has room for one value so the payout finishes even
// if nobody reads it. The payout is detached from any request context.
func (o *Orchestrator) DisburseAsync(w model.Winner) <-chan Outcome {
	ch := make(chan Outcome, 1)
	if !o.claim(w.ID) {
		ch <- o.busy(w)
		return ch
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(w.ID)
		ch <- o.disburse(context.Background(), w)
	}()
	return ch
}

// Disburse runs one disbursement for w to a terminal status. A fresh
// reference is generated and stored on the winner before the provider is
// called, and the same reference is then polled.
func (o *Orchestrator) Disburse(ctx context.Context, w model.Winner) Outcome {
	if !o.claim(w.ID) {
		return o.busy(w)
	}
	defer o.release(w.ID)
	return o.disburse(ctx, w)
}

func (o *Orchestrator) disburse(ctx context.Context, w model.Winner) (out Outcome) {
	start := o.now()
	out = Outcome{WinnerID: w.ID, Status: model.PaymentPending}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("payout panicked", "winner_id", w.ID, "panic", r)
			out = o.fail(w, out.Reference, fmt.Sprintf("internal error: %v", r), nil)
		}
		o.deps.Observe(w.PaymentProvider, out.Status, o.now().Sub(start))
	}()

	ref := o.newRef()
	out.Reference = ref
	if err := o.deps.Winners.SetPaymentReference(w.ID, ref); err != nil {
		o.logger.Error("store payment reference", "winner_id", w.ID, "error", err)
		return o.fail(w, "", neverInitiated, nil)
	}

	err := o.deps.Gateway.InitiateDisbursement(ctx, w.PaymentProvider, momo.Request{
		Reference: ref,
		Amount:    w.AmountAwarded,
		Phone:     w.PhoneNumber,
		Message:   fmt.Sprintf("DelipuCash reward #%d", w.Position),
	})
	if err != nil {
		o.logger.Warn("initiate disbursement", "winner_id", w.ID, "reference", ref, "error", err)
		return o.fail(w, ref, err.Error(), nil)
	}

	return o.settle(ctx, w, ref)
}

// Resume finishes a winner left PENDING by a restart or crash. It polls the
// stored reference and never initiates a second transfer. A winner whose
// payout is still running here is left to that payout.
func (o *Orchestrator) Resume(ctx context.Context, w model.Winner) Outcome {
	if !o.claim(w.ID) {
		return o.busy(w)
	}
	defer o.release(w.ID)
	if w.PaymentReference == nil || *w.PaymentReference == "" {
		return o.fail(w, "", neverInitiated, nil)
	}
	return o.settle(ctx, w, *w.PaymentReference)
}

func (o *Orchestrator) settle(ctx context.Context, w model.Winner, ref string) Outcome {
	res, err := o.deps.Poller.PollUntilTerminal(ctx, w.PaymentProvider, model.OperationDisbursement, ref)
	if err != nil && ctx.Err() != nil {
		// Stopped from outside; the reconciler resumes the reference later.
		o.logger.Warn("disbursement polling interrupted", "winner_id", w.ID, "reference", ref, "error", err)
		return Outcome{WinnerID: w.ID, Reference: ref, Status: model.PaymentPending}
	}
	if err != nil {
		var te *apperr.TimeoutError
		if errors.As(err, &te) {
			o.logger.Warn("disbursement not settled", "winner_id", w.ID, "reference", ref, "attempts", te.Attempts)
		} else {
			o.logger.Warn("poll disbursement", "winner_id", w.ID, "reference", ref, "error", err)
		}
		return o.fail(w, ref, err.Error(), nil)
	}

	if res.Status == model.PaymentFailed {
		return o.fail(w, ref, "provider reported "+res.RawStatus, res)
	}

	paidAt := o.now().UTC()
	changed, err := o.deps.Winners.MarkSuccessful(w.ID, ref, res.TransactionID, paidAt)
	if err != nil {
		// The money has moved; the reconciler will pick the winner up again.
		o.logger.Error("mark winner paid", "winner_id", w.ID, "reference", ref, "error", err)
		return Outcome{WinnerID: w.ID, Reference: ref, Status: model.PaymentSuccessful, TransactionID: res.TransactionID}
	}
	if !changed {
		return o.settledElsewhere(w, Outcome{WinnerID: w.ID, Reference: ref, Status: model.PaymentSuccessful, TransactionID: res.TransactionID})
	}

	o.recordPayment(w, ref, res.TransactionID, model.PaymentSuccessful)
	o.logger.Info("winner paid", "winner_id", w.ID, "reference", ref, "provider", w.PaymentProvider, "amount", w.AmountAwarded)

	if userID := o.userID(w); userID != 0 {
		if o.deps.Notifier != nil {
			o.deps.Notifier.Send(userID, notify.PaymentSuccess, map[string]any{"amount": w.AmountAwarded})
		}
		o.publish(w, userID, "paid")
	}
	return Outcome{WinnerID: w.ID, Reference: ref, Status: model.PaymentSuccessful, TransactionID: res.TransactionID}
}

// fail marks w FAILED. A provider verdict in res is also recorded as a
// payment. Nothing is recorded or announced unless this call made the change.
func (o *Orchestrator) fail(w model.Winner, ref, reason string, res *momo.StatusResult) Outcome {
	out := Outcome{WinnerID: w.ID, Reference: ref, Status: model.PaymentFailed, Reason: reason}
	changed, err := o.deps.Winners.MarkFailed(w.ID, reason)
	if err != nil {
		o.logger.Error("mark winner failed", "winner_id", w.ID, "error", err)
		return out
	}
	if !changed {
		return o.settledElsewhere(w, out)
	}
	if res != nil {
		o.recordPayment(w, ref, res.TransactionID, model.PaymentFailed)
	}
	if userID := o.userID(w); userID != 0 {
		if o.deps.Notifier != nil {
			o.deps.Notifier.Send(userID, notify.PaymentFailed, map[string]any{"amount": w.AmountAwarded, "reason": reason})
		}
		o.publish(w, userID, "payment_failed")
	}
	return out
}

// settledElsewhere reports the stored result for a winner that another path
// settled first. observed is returned if the winner cannot be read.
func (o *Orchestrator) settledElsewhere(w model.Winner, observed Outcome) Outcome {
	o.logger.Warn("winner already settled", "winner_id", w.ID, "reference", observed.Reference, "observed", observed.Status)
	stored, err := o.deps.Winners.GetByID(w.ID)
	if err != nil || stored == nil {
		return observed
	}
	out := Outcome{WinnerID: w.ID, Reference: observed.Reference, Status: stored.PaymentStatus}
	if stored.PaymentReference != nil {
		out.Reference = *stored.PaymentReference
	}
	if stored.ExternalTransactionID != nil {
		out.TransactionID = *stored.ExternalTransactionID
	}
	if stored.PaymentStatus == model.PaymentFailed {
		out.Reason = stored.FailureReason
	}
	return out
}

func (o *Orchestrator) recordPayment(w model.Winner, ref, txID string, status model.PaymentStatus) {
	p := model.Payment{
		WinnerID:      &w.ID,
		PhoneNumber:   w.PhoneNumber,
		Amount:        w.AmountAwarded,
		Provider:      w.PaymentProvider,
		Operation:     model.OperationDisbursement,
		Reference:     ref,
		TransactionID: txID,
		Status:        status,
		Description:   fmt.Sprintf("Instant reward for question %d", w.RewardQuestionID),
	}
	if userID := o.userID(w); userID != 0 {
		p.UserID = &userID
	}
	if _, err := o.deps.Payments.Create(p); err != nil {
		o.logger.Warn("record disbursement payment", "winner_id", w.ID, "reference", ref, "error", err)
	}
}

func (o *Orchestrator) userID(w model.Winner) int64 {
	u, err := o.deps.Users.GetByEmail(w.UserEmail)
	if err != nil || u == nil {
		return 0
	}
	return u.ID
}

func (o *Orchestrator) publish(w model.Winner, userID int64, action string) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Broadcast(websocket.NewMessage("winner", action, w.ID, map[string]any{
		"rewardQuestionId": w.RewardQuestionID,
		"position":         w.Position,
		"amount":           w.AmountAwarded,
	}).ForUser(userID))
}

// Shutdown waits for in-flight payouts, or until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
