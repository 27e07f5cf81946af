package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/delipucash/server/internal/allocator"
	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/payout"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
	"github.com/delipucash/server/internal/websocket"
)

// Disburser starts a winner payout without blocking the caller.
type Disburser interface {
	DisburseAsync(w model.Winner) <-chan payout.Outcome
}

type RewardQuestionHandler struct {
	questions *store.RewardQuestionStore
	users     *store.UserStore
	allocator *allocator.Allocator
	payouts   Disburser
	hub       *websocket.Hub
	validator *validate.Validator
	// payoutWait bounds how long an answer response waits for the payout.
	payoutWait time.Duration
	logger     *slog.Logger
}

func NewRewardQuestionHandler(
	qs *store.RewardQuestionStore,
	us *store.UserStore,
	alloc *allocator.Allocator,
	payouts Disburser,
	hub *websocket.Hub,
	v *validate.Validator,
	payoutWait time.Duration,
	logger *slog.Logger,
) *RewardQuestionHandler {
	v.RegisterStructRule(createQuestionRule, createQuestionRequest{})
	return &RewardQuestionHandler{
		questions:  qs,
		users:      us,
		allocator:  alloc,
		payouts:    payouts,
		hub:        hub,
		validator:  v,
		payoutWait: payoutWait,
		logger:     logger,
	}
}

func (h *RewardQuestionHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

type createQuestionRequest struct {
	Text            string     `json:"text" validate:"required"`
	Options         []string   `json:"options" validate:"min=2,dive,required"`
	CorrectAnswer   string     `json:"correctAnswer" validate:"required"`
	RewardAmount    int        `json:"rewardAmount" validate:"gt=0"`
	UserID          int64      `json:"userId" validate:"gte=0"`
	IsInstantReward bool       `json:"isInstantReward"`
	MaxWinners      int        `json:"maxWinners"`
	PaymentProvider string     `json:"paymentProvider"`
	PhoneNumber     string     `json:"phoneNumber" validate:"omitempty,msisdn"`
	ExpiryTime      *time.Time `json:"expiryTime"`
}

func createQuestionRule(sl validator.StructLevel) {
	req := sl.Current().Interface().(createQuestionRequest)
	if !slices.Contains(req.Options, req.CorrectAnswer) {
		sl.ReportError(req.CorrectAnswer, "correctAnswer", "CorrectAnswer", "oneof", strings.Join(req.Options, " "))
	}
	if !req.IsInstantReward {
		return
	}
	if !model.Provider(req.PaymentProvider).Valid() {
		sl.ReportError(req.PaymentProvider, "paymentProvider", "PaymentProvider", "provider", "")
	}
	if req.MaxWinners < 1 {
		sl.ReportError(req.MaxWinners, "maxWinners", "MaxWinners", "min", "1")
	} else if req.MaxWinners > model.MaxInstantWinners {
		sl.ReportError(req.MaxWinners, "maxWinners", "MaxWinners", "max", fmt.Sprint(model.MaxInstantWinners))
	}
}

// Create stores a new question authored by the caller. Every rule is checked
// before the author lookup or any write.
func (h *RewardQuestionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
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
	if req.ExpiryTime != nil && !req.ExpiryTime.After(time.Now()) {
		writeError(w, h.logger, apperr.Validation("expiryTime", "must be in the future"))
		return
	}

	author, err := h.users.GetByID(req.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if author == nil {
		writeError(w, h.logger, apperr.NotFound("user"))
		return
	}

	q := model.RewardQuestion{
		UserID:          req.UserID,
		Text:            req.Text,
		Options:         req.Options,
		CorrectAnswer:   req.CorrectAnswer,
		RewardAmount:    req.RewardAmount,
		IsInstantReward: req.IsInstantReward,
		ExpiryTime:      req.ExpiryTime,
		IsActive:        true,
	}
	if req.IsInstantReward {
		q.MaxWinners = req.MaxWinners
		q.PaymentProvider = model.Provider(req.PaymentProvider)
		q.PhoneNumber = req.PhoneNumber
	}

	created, err := h.questions.Create(q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("reward question created", "id", created.ID, "instant", created.IsInstantReward, "max_winners", created.MaxWinners)
	h.broadcast(websocket.NewMessage("reward_question", "created", created.ID, nil))

	writeJSON(w, http.StatusCreated, created)
}

// All lists active, unexpired questions without their answers.
func (h *RewardQuestionHandler) All(w http.ResponseWriter, r *http.Request) {
	qs, err := h.questions.ListActive(time.Now())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hideAnswers(qs))
}

// Instant lists open instant-reward questions with their current winners.
func (h *RewardQuestionHandler) Instant(w http.ResponseWriter, r *http.Request) {
	qs, err := h.questions.ListOpenInstant(time.Now())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hideAnswers(qs))
}

// ByUser lists questions authored by userId. Only the author sees answers.
func (h *RewardQuestionHandler) ByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "userId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	qs, err := h.questions.ListByUser(userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if auth.UserID(r.Context()) != userID {
		qs = hideAnswers(qs)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(qs))
}

func hideAnswers(qs []model.RewardQuestion) []model.RewardQuestion {
	out := make([]model.RewardQuestion, len(qs))
	for i, q := range qs {
		q.CorrectAnswer = ""
		out[i] = q
	}
	return out
}

type updateQuestionRequest struct {
	Text          *string    `json:"text"`
	Options       []string   `json:"options"`
	CorrectAnswer *string    `json:"correctAnswer"`
	RewardAmount  *int       `json:"rewardAmount"`
	MaxWinners    *int       `json:"maxWinners"`
	ExpiryTime    *time.Time `json:"expiryTime"`
	IsActive      *bool      `json:"isActive"`
}

// loadOwned fetches the {id} question and checks the caller authored it.
func (h *RewardQuestionHandler) loadOwned(r *http.Request) (*model.RewardQuestion, error) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		return nil, err
	}
	q, err := h.questions.GetByID(id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, apperr.NotFound("reward question")
	}
	if err := requireSelf(r, q.UserID); err != nil {
		return nil, err
	}
	return q, nil
}

// Update edits author-controlled fields. Slot counters are never touched and
// maxWinners cannot drop below the slots already taken.
func (h *RewardQuestionHandler) Update(w http.ResponseWriter, r *http.Request) {
	q, err := h.loadOwned(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req updateQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if req.Text != nil {
		q.Text = strings.TrimSpace(*req.Text)
	}
	if req.Options != nil {
		q.Options = req.Options
	}
	if req.CorrectAnswer != nil {
		q.CorrectAnswer = *req.CorrectAnswer
	}
	if req.RewardAmount != nil {
		q.RewardAmount = *req.RewardAmount
	}
	if req.ExpiryTime != nil {
		q.ExpiryTime = req.ExpiryTime
	}
	if req.IsActive != nil {
		q.IsActive = *req.IsActive
	}
	if req.MaxWinners != nil && q.IsInstantReward {
		q.MaxWinners = *req.MaxWinners
	}

	if err := validateEdit(q); err != nil {
		writeError(w, h.logger, err)
		return
	}

	updated, err := h.questions.Update(*q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.broadcast(websocket.NewMessage("reward_question", "updated", updated.ID, nil))
	writeJSON(w, http.StatusOK, updated)
}

func validateEdit(q *model.RewardQuestion) error {
	switch {
	case q.Text == "":
		return apperr.Validation("text", "is required")
	case len(q.Options) < 2:
		return apperr.Validation("options", "must have at least 2 entries")
	case !slices.Contains(q.Options, q.CorrectAnswer):
		return apperr.Validation("correctAnswer", "must be one of the options")
	case q.RewardAmount <= 0:
		return apperr.Validation("rewardAmount", "must be greater than 0")
	}
	if q.IsInstantReward {
		if q.MaxWinners < 1 || q.MaxWinners > model.MaxInstantWinners {
			return apperr.Validation("maxWinners", "must be between 1 and %d", model.MaxInstantWinners)
		}
		if q.MaxWinners < q.WinnersCount {
			return apperr.Validation("maxWinners", "cannot be below the %d slots already taken", q.WinnersCount)
		}
	}
	return nil
}

func (h *RewardQuestionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q, err := h.loadOwned(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	err = h.questions.Delete(q.ID)
	if errors.Is(err, store.ErrHasWinners) {
		writeError(w, h.logger, &apperr.ConflictError{Code: "has_winners", Message: "reward question already has winners; deactivate it instead"})
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.broadcast(websocket.NewMessage("reward_question", "deleted", q.ID, nil))
	writeJSON(w, http.StatusOK, map[string]string{"message": "reward question deleted"})
}

type answerRequest struct {
	UserEmail      string `json:"userEmail"`
	SelectedAnswer string `json:"selectedAnswer"`
	PhoneNumber    string `json:"phoneNumber"`
}

type answerResponse struct {
	Message          string               `json:"message"`
	IsCorrect        bool                 `json:"isCorrect"`
	PointsAwarded    int                  `json:"pointsAwarded"`
	IsWinner         bool                 `json:"isWinner"`
	Position         *int                 `json:"position"`
	PaymentStatus    *model.PaymentStatus `json:"paymentStatus"`
	PaymentReference string               `json:"paymentReference,omitempty"`
}

// Answer scores a submission. A winner's payout starts in the background; the
// response waits at most payoutWait for it and otherwise reports PENDING.
func (h *RewardQuestionHandler) Answer(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	caller := auth.Email(r.Context())
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if req.UserEmail == "" {
		req.UserEmail = caller
	}
	if !strings.EqualFold(req.UserEmail, caller) {
		writeError(w, h.logger, errForbidden)
		return
	}
	res, err := h.allocator.SubmitAnswer(allocator.Submission{
		QuestionID:     id,
		UserEmail:      caller,
		SelectedAnswer: req.SelectedAnswer,
		Phone:          req.PhoneNumber,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := answerResponse{
		IsCorrect:     res.IsCorrect,
		PointsAwarded: res.PointsAwarded,
		IsWinner:      res.IsWinner,
		Position:      res.Position,
	}
	switch {
	case !res.IsCorrect:
		resp.Message = "Incorrect answer"
	case res.IsWinner:
		resp.Message = fmt.Sprintf("Congratulations! You are winner #%d", *res.Position)
		status, ref := h.awaitPayout(r, *res.Winner)
		resp.PaymentStatus = &status
		resp.PaymentReference = ref
	case res.Outcome == allocator.OutcomePoints && res.PointsAwarded > 0:
		resp.Message = fmt.Sprintf("Correct answer! You earned %d points", res.PointsAwarded)
	case res.Outcome == allocator.OutcomePoints:
		resp.Message = "Correct answer. Points for this question were already awarded"
	default:
		resp.Message = "Correct answer, but all winner slots have been taken"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *RewardQuestionHandler) awaitPayout(r *http.Request, winner model.Winner) (model.PaymentStatus, string) {
	ch := h.payouts.DisburseAsync(winner)
	timer := time.NewTimer(h.payoutWait)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.Status, out.Reference
	case <-timer.C:
	case <-r.Context().Done():
	}
	return model.PaymentPending, ""
}
