// Package collection charges subscription fees and sends manual payouts.
// Unlike instant-reward payouts, both run inside the request and surface
// provider errors to the caller.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/momo"
	"github.com/delipucash/server/internal/notify"
)

type Gateway interface {
	InitiateCollection(ctx context.Context, provider model.Provider, req momo.Request) error
	InitiateDisbursement(ctx context.Context, provider model.Provider, req momo.Request) error
}

type Poller interface {
	PollUntilTerminal(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*momo.StatusResult, error)
}

type PaymentStore interface {
	Create(p model.Payment) (*model.Payment, error)
}

type UserStore interface {
	GetByID(id int64) (*model.User, error)
}

type Notifier interface {
	Send(userID int64, key string, data map[string]any)
}

// ErrPaymentFailed is returned with the stored FAILED payment when the
// provider declines a collection.
var ErrPaymentFailed = errors.New("payment failed")

type SubscribeRequest struct {
	UserID           int64
	Amount           int
	Phone            string
	Provider         model.Provider
	SubscriptionType model.SubscriptionType
}

type PayoutRequest struct {
	UserID   int64
	Amount   int
	Phone    string
	Provider model.Provider
	Reason   string
}

type Service struct {
	gateway  Gateway
	poller   Poller
	payments PaymentStore
	users    UserStore
	notifier Notifier
	newRef   func() string
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(gateway Gateway, poller Poller, payments PaymentStore, users UserStore, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		gateway:  gateway,
		poller:   poller,
		payments: payments,
		users:    users,
		notifier: notifier,
		newRef:   uuid.NewString,
		now:      time.Now,
		logger:   logger.With("component", "collection"),
	}
}

func (s *Service) checkUser(id int64) error {
	if id <= 0 {
		return apperr.Validation("userId", "is required")
	}
	u, err := s.users.GetByID(id)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if u == nil {
		return apperr.NotFound("user")
	}
	return nil
}

func validateMoney(amount int, phone string, provider model.Provider) error {
	if amount <= 0 {
		return apperr.Validation("amount", "must be a positive integer")
	}
	if strings.TrimSpace(phone) == "" {
		return apperr.Validation("phoneNumber", "is required")
	}
	if !provider.Valid() {
		return apperr.Validation("provider", "must be MTN or AIRTEL")
	}
	return nil
}

// Subscribe collects a subscription fee and waits for it to settle. A
// SUCCESSFUL collection starts the subscription period now. A FAILED one is
// stored and returned together with ErrPaymentFailed. Provider and timeout
// errors are returned as is and nothing is stored.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*model.Payment, error) {
	if err := validateMoney(req.Amount, req.Phone, req.Provider); err != nil {
		return nil, err
	}
	if _, ok := req.SubscriptionType.Period(s.now()); !ok {
		return nil, apperr.Validation("subscriptionType", "must be WEEKLY or MONTHLY")
	}
	if err := s.checkUser(req.UserID); err != nil {
		return nil, err
	}

	phone := req.Phone
	if req.Provider == model.ProviderMTN {
		phone = momo.NormalizeMSISDN(phone)
		if len(phone) < 10 {
			return nil, apperr.Validation("phoneNumber", "invalid phone number format")
		}
	}

	ref := s.newRef()
	err := s.gateway.InitiateCollection(ctx, req.Provider, momo.Request{
		Reference: ref,
		Amount:    req.Amount,
		Phone:     phone,
		Message:   fmt.Sprintf("DelipuCash %s subscription", strings.ToLower(string(req.SubscriptionType))),
	})
	if err != nil {
		return nil, err
	}

	res, err := s.poller.PollUntilTerminal(ctx, req.Provider, model.OperationCollection, ref)
	if err != nil {
		s.logger.Warn("collection not settled", "reference", ref, "user_id", req.UserID, "error", err)
		return nil, err
	}

	p := model.Payment{
		UserID:           &req.UserID,
		PhoneNumber:      phone,
		Amount:           req.Amount,
		Provider:         req.Provider,
		Operation:        model.OperationCollection,
		Reference:        ref,
		TransactionID:    res.TransactionID,
		Status:           res.Status,
		SubscriptionType: req.SubscriptionType,
	}
	if res.Status == model.PaymentSuccessful {
		start := s.now().UTC()
		end, _ := req.SubscriptionType.Period(start)
		p.StartDate, p.EndDate = &start, &end
	}

	saved, err := s.payments.Create(p)
	if err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}

	if saved.Status != model.PaymentSuccessful {
		s.notify(req.UserID, notify.PaymentFailed, map[string]any{"amount": req.Amount, "reason": "declined by " + string(req.Provider)})
		return saved, ErrPaymentFailed
	}
	s.logger.Info("subscription collected", "user_id", req.UserID, "reference", ref, "type", req.SubscriptionType)
	s.notify(req.UserID, notify.SubscriptionActive, map[string]any{
		"plan":    strings.ToLower(string(req.SubscriptionType)),
		"endDate": saved.EndDate.Format("2006-01-02"),
	})
	return saved, nil
}

// Payout sends money to a user outside the instant-reward flow and records
// the result as a DISBURSEMENT payment.
func (s *Service) Payout(ctx context.Context, req PayoutRequest) (*model.Payment, error) {
	if err := validateMoney(req.Amount, req.Phone, req.Provider); err != nil {
		return nil, err
	}
	if err := s.checkUser(req.UserID); err != nil {
		return nil, err
	}

	ref := s.newRef()
	if err := s.gateway.InitiateDisbursement(ctx, req.Provider, momo.Request{
		Reference: ref,
		Amount:    req.Amount,
		Phone:     req.Phone,
		Message:   req.Reason,
	}); err != nil {
		return nil, err
	}

	res, err := s.poller.PollUntilTerminal(ctx, req.Provider, model.OperationDisbursement, ref)
	if err != nil {
		return nil, err
	}

	saved, err := s.payments.Create(model.Payment{
		UserID:        &req.UserID,
		PhoneNumber:   req.Phone,
		Amount:        req.Amount,
		Provider:      req.Provider,
		Operation:     model.OperationDisbursement,
		Reference:     ref,
		TransactionID: res.TransactionID,
		Status:        res.Status,
		Description:   req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}
	if saved.Status != model.PaymentSuccessful {
		return saved, ErrPaymentFailed
	}
	s.notify(req.UserID, notify.PaymentSuccess, map[string]any{"amount": req.Amount})
	return saved, nil
}

func (s *Service) notify(userID int64, key string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.Send(userID, key, data)
	}
}
