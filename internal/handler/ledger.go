package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/notify"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
)

// Notifier delivers templated user notifications.
type Notifier interface {
	Send(userID int64, key string, data map[string]any)
}

// LedgerHandler serves a user's points ledger, answer attempts and
// notifications, and point redemptions.
type LedgerHandler struct {
	users         *store.UserStore
	rewards       *store.RewardStore
	attempts      *store.AttemptStore
	notifications *store.NotificationStore
	notifier      Notifier
	validator     *validate.Validator
	logger        *slog.Logger
}

func NewLedgerHandler(us *store.UserStore, rs *store.RewardStore, as *store.AttemptStore, ns *store.NotificationStore, n Notifier, v *validate.Validator, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{users: us, rewards: rs, attempts: as, notifications: ns, notifier: n, validator: v, logger: logger}
}

func (h *LedgerHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := requireSelf(r, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	user, err := h.users.GetByID(userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user == nil {
		writeError(w, h.logger, apperr.NotFound("user"))
		return
	}

	list, err := h.rewards.ListByUser(user.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

func (h *LedgerHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PathValue("email"))
	if !strings.EqualFold(email, auth.Email(r.Context())) {
		writeError(w, h.logger, errForbidden)
		return
	}
	list, err := h.attempts.ListByUser(auth.Email(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

func (h *LedgerHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := requireSelf(r, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.notifications.ListByUser(userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

func (h *LedgerHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ok, err := h.notifications.MarkRead(id, auth.UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !ok {
		writeError(w, h.logger, apperr.NotFound("notification"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	Points int    `json:"points" validate:"gt=0"`
	Reward string `json:"reward" validate:"required,max=120"`
}

// Redeem debits points from the caller's balance for a named reward.
func (h *LedgerHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := requireSelf(r, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Reward = strings.TrimSpace(req.Reward)
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	entry, err := h.rewards.Add(auth.Email(r.Context()), -req.Points, "Redeemed: "+req.Reward)
	switch {
	case errors.Is(err, store.ErrInsufficientPoints):
		writeError(w, h.logger, &apperr.ConflictError{Code: "insufficient_points", Message: "not enough points to redeem this reward"})
		return
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, h.logger, apperr.NotFound("user"))
		return
	case err != nil:
		writeError(w, h.logger, err)
		return
	}

	user, err := h.users.GetByID(userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user == nil {
		writeError(w, h.logger, apperr.NotFound("user"))
		return
	}
	if h.notifier != nil {
		h.notifier.Send(userID, notify.RewardRedeemed, map[string]any{"points": req.Points, "reward": req.Reward})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "points": user.Points})
}
