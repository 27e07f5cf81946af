package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/collection"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/momo"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
	"github.com/delipucash/server/internal/websocket"
)

type PaymentHandler struct {
	service   *collection.Service
	payments  *store.PaymentStore
	hub       *websocket.Hub
	validator *validate.Validator
	admins    []string
	logger    *slog.Logger
}

func NewPaymentHandler(svc *collection.Service, ps *store.PaymentStore, hub *websocket.Hub, v *validate.Validator, admins []string, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{service: svc, payments: ps, hub: hub, validator: v, admins: admins, logger: logger}
}

type initiateRequest struct {
	Amount           int    `json:"amount" validate:"gt=0"`
	PhoneNumber      string `json:"phoneNumber" validate:"required,msisdn"`
	Provider         string `json:"provider" validate:"provider"`
	SubscriptionType string `json:"subscriptionType" validate:"oneof=WEEKLY MONTHLY"`
	UserID           int64  `json:"userId" validate:"gte=0"`
}

// Initiate collects a subscription fee and answers once it settles: 200 on
// success, 402 with the stored payment on a declined collection, 504 when the
// provider never confirmed.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.UserID == 0 {
		req.UserID = auth.UserID(r.Context())
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Money may already be moving; a dropped client must not stop polling.
	ctx := context.WithoutCancel(r.Context())
	p, err := h.service.Subscribe(ctx, collection.SubscribeRequest{
		UserID:           req.UserID,
		Amount:           req.Amount,
		Phone:            req.PhoneNumber,
		Provider:         model.Provider(req.Provider),
		SubscriptionType: model.SubscriptionType(req.SubscriptionType),
	})
	switch {
	case errors.Is(err, collection.ErrPaymentFailed):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "payment failed", "payment": p})
		return
	case err != nil:
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "payment successful", "payment": p})
}

type callbackRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
	Status        string `json:"status" validate:"oneof=SUCCESSFUL SUCCESS FAILED"`
	Provider      string `json:"provider"`
}

var errPaymentSettled = &apperr.ConflictError{Code: "payment_settled", Message: "payment has already been settled"}

// Callback applies a provider's terminal status to a PENDING payment. A
// repeat of the status already stored is acknowledged without change.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	p, err := h.payments.GetByTransactionID(req.TransactionID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if p == nil {
		writeError(w, h.logger, apperr.NotFound("payment"))
		return
	}
	if req.Provider != "" && !strings.EqualFold(req.Provider, string(p.Provider)) {
		writeError(w, h.logger, apperr.Validation("provider", "does not match the payment"))
		return
	}

	status := momo.NormalizeStatus(req.Status)
	updated, err := h.payments.Settle(p.ID, status)
	if errors.Is(err, store.ErrAlreadySettled) && updated.Status == status {
		writeJSON(w, http.StatusOK, map[string]any{"message": "payment status unchanged", "payment": updated})
		return
	}
	if errors.Is(err, store.ErrAlreadySettled) {
		h.logger.Warn("callback for settled payment", "payment_id", p.ID, "stored", updated.Status, "reported", status)
		writeError(w, h.logger, errPaymentSettled)
		return
	}
	if err == nil && updated == nil {
		err = apperr.NotFound("payment")
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("payment callback", "payment_id", p.ID, "status", updated.Status, "provider", p.Provider)
	h.publish(updated)
	writeJSON(w, http.StatusOK, map[string]any{"message": "payment status updated", "payment": updated})
}

// History lists a user's payments, newest first.
func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := requireSelf(r, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.payments.ListByUser(userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

type statusRequest struct {
	Status string `json:"status" validate:"oneof=PENDING SUCCESSFUL SUCCESS FAILED"`
}

// UpdateStatus sets a payment's status by hand. SUCCESS is accepted as an
// alias of SUCCESSFUL. Owners may only settle their PENDING payments;
// operators may correct any payment.
func (h *PaymentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "paymentId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	p, err := h.payments.GetByID(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if p == nil {
		writeError(w, h.logger, apperr.NotFound("payment"))
		return
	}
	admin := h.isAdmin(r)
	if !admin && (p.UserID == nil || requireSelf(r, *p.UserID) != nil) {
		writeError(w, h.logger, errForbidden)
		return
	}

	var updated *model.Payment
	if admin {
		updated, err = h.payments.UpdateStatus(id, momo.NormalizeStatus(req.Status))
		if err == nil && updated != nil {
			h.logger.Warn("payment status overridden", "payment_id", id, "from", p.Status, "to", updated.Status, "by", auth.Email(r.Context()))
		}
	} else {
		updated, err = h.payments.Settle(id, momo.NormalizeStatus(req.Status))
		if errors.Is(err, store.ErrAlreadySettled) {
			err = errPaymentSettled
		}
	}
	if err == nil && updated == nil {
		err = apperr.NotFound("payment")
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.publish(updated)
	writeJSON(w, http.StatusOK, updated)
}

type disburseRequest struct {
	Amount      int    `json:"amount" validate:"gt=0"`
	PhoneNumber string `json:"phoneNumber" validate:"required,msisdn"`
	Provider    string `json:"provider" validate:"provider"`
	UserID      int64  `json:"userId" validate:"gt=0"`
	Reason      string `json:"reason"`
}

// Disburse pays a user outside the instant-reward flow. Operators only.
func (h *PaymentHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		writeError(w, h.logger, errForbidden)
		return
	}
	var req disburseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "DelipuCash payout"
	}

	ctx := context.WithoutCancel(r.Context())
	p, err := h.service.Payout(ctx, collection.PayoutRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Phone:    req.PhoneNumber,
		Provider: model.Provider(req.Provider),
		Reason:   req.Reason,
	})
	switch {
	case errors.Is(err, collection.ErrPaymentFailed):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "disbursement failed", "payment": p})
		return
	case err != nil:
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("manual disbursement", "user_id", req.UserID, "amount", req.Amount, "by", auth.Email(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"message": "disbursement successful", "payment": p})
}

func (h *PaymentHandler) isAdmin(r *http.Request) bool {
	email := auth.Email(r.Context())
	return email != "" && slices.ContainsFunc(h.admins, func(a string) bool {
		return strings.EqualFold(a, email)
	})
}

func (h *PaymentHandler) publish(p *model.Payment) {
	if h.hub == nil || p == nil || p.UserID == nil {
		return
	}
	h.hub.Broadcast(websocket.NewMessage("payment", "status_changed", p.ID, map[string]any{
		"status": p.Status,
	}).ForUser(*p.UserID))
}
