package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
)

var errBadCredentials = errors.New("invalid email or password")

type AuthHandler struct {
	users     *store.UserStore
	payments  *store.PaymentStore
	tokens    *auth.Tokens
	validator *validate.Validator
	logger    *slog.Logger
}

func NewAuthHandler(us *store.UserStore, ps *store.PaymentStore, tokens *auth.Tokens, v *validate.Validator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: us, payments: ps, tokens: tokens, validator: v, logger: logger}
}

type signupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"min=6,max=72"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone" validate:"omitempty,msisdn"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *model.User `json:"user"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.users.Create(req.Email, string(hash), req.FirstName, strings.TrimSpace(req.LastName), req.Phone)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, h.logger, &apperr.ConflictError{Code: "email_taken", Message: "an account with this email already exists"})
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("user signed up", "user_id", user.ID)

	h.respondWithToken(w, http.StatusCreated, user)
}

type signinRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.users.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": errBadCredentials.Error()})
		return
	}

	h.respondWithToken(w, http.StatusOK, user)
}

func (h *AuthHandler) respondWithToken(w http.ResponseWriter, status int, user *model.User) {
	token, exp, err := h.tokens.Issue(user.ID, user.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, ExpiresAt: exp, User: user})
}

// Points returns the caller's points balance.
func (h *AuthHandler) Points(w http.ResponseWriter, r *http.Request) {
	user, err := h.selfUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"points": user.Points})
}

// SubscriptionStatus reports whether the caller has a subscription whose end
// date is still ahead.
func (h *AuthHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	user, err := h.selfUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sub, err := h.payments.LatestActiveSubscription(user.ID, time.Now())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := map[string]any{"isActive": sub != nil, "subscription": sub}
	if sub != nil {
		resp["subscriptionType"] = sub.SubscriptionType
		resp["endDate"] = sub.EndDate
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) selfUser(r *http.Request) (*model.User, error) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		return nil, err
	}
	if err := requireSelf(r, userID); err != nil {
		return nil, err
	}
	user, err := h.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("user")
	}
	return user, nil
}
