// Package allocator scores answer submissions and hands out the fixed set of
// winner slots on instant-reward questions.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/websocket"
)

var (
	ErrInactive   = &apperr.ConflictError{Code: "inactive", Message: "reward question is not active"}
	ErrExpired    = &apperr.ConflictError{Code: "expired", Message: "reward question has expired"}
	ErrAlreadyWon = &apperr.ConflictError{Code: "already_won", Message: "you have already won this reward question"}
)

// Submission outcomes, also used as metric labels.
const (
	OutcomeIncorrect = "incorrect"
	OutcomeWinner    = "winner"
	OutcomeNoSlot    = "not_winner"
	OutcomeCompleted = "completed"
	OutcomePoints    = "points"
)

type QuestionStore interface {
	GetByID(id int64) (*model.RewardQuestion, error)
}

type WinnerStore interface {
	GetByQuestionAndUser(questionID int64, userEmail string) (*model.Winner, error)
	ReserveSlot(questionID int64, userEmail string, provider model.Provider, phone string) (*model.Winner, error)
}

type UserStore interface {
	GetByEmail(email string) (*model.User, error)
}

type AttemptStore interface {
	Record(questionID int64, userEmail, selectedAnswer string, isCorrect bool) (*model.QuestionAttempt, error)
}

type RewardStore interface {
	AwardForQuestion(questionID int64, userEmail string, points int, description string) (bool, error)
}

type Publisher interface {
	Broadcast(msg websocket.Message)
}

type Deps struct {
	Questions QuestionStore
	Winners   WinnerStore
	Users     UserStore
	Attempts  AttemptStore
	Rewards   RewardStore
	// Events and Observe are optional.
	Events  Publisher
	Observe func(outcome string)
}

// Submission is one answer to a reward question.
type Submission struct {
	QuestionID     int64
	UserEmail      string
	SelectedAnswer string
	// Phone overrides the user's profile number for an instant payout.
	Phone string
}

type Result struct {
	IsCorrect     bool
	IsWinner      bool
	Position      *int
	PointsAwarded int
	// Completed is set when the question had no slots left for this answer.
	Completed bool
	Outcome   string
	Question  *model.RewardQuestion
	User      *model.User
	// Winner is the freshly reserved slot, ready for disbursement.
	Winner *model.Winner
}

type Allocator struct {
	deps   Deps
	now    func() time.Time
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Allocator {
	if deps.Observe == nil {
		deps.Observe = func(string) {}
	}
	return &Allocator{deps: deps, now: time.Now, logger: logger.With("component", "allocator")}
}

// SubmitAnswer scores s and, for a correct answer to an open instant-reward
// question, reserves the next winner slot. Validation, lookup and state
// errors are returned before anything is written. A correct answer that
// loses the race for the last slot is a normal result with IsWinner false.
func (a *Allocator) SubmitAnswer(s Submission) (*Result, error) {
	s.UserEmail = strings.TrimSpace(s.UserEmail)
	if s.QuestionID <= 0 {
		return nil, apperr.Validation("questionId", "must be a positive integer")
	}
	if s.UserEmail == "" {
		return nil, apperr.Validation("userEmail", "is required")
	}

	q, err := a.deps.Questions.GetByID(s.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("load question: %w", err)
	}
	if q == nil {
		return nil, apperr.NotFound("reward question")
	}
	user, err := a.deps.Users.GetByEmail(s.UserEmail)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user")
	}

	if !q.IsActive {
		return nil, ErrInactive
	}
	if q.Expired(a.now()) {
		return nil, ErrExpired
	}
	if q.IsInstantReward {
		existing, err := a.deps.Winners.GetByQuestionAndUser(q.ID, s.UserEmail)
		if err != nil {
			return nil, fmt.Errorf("load winner: %w", err)
		}
		if existing != nil {
			return nil, ErrAlreadyWon
		}
	}

	isCorrect := s.SelectedAnswer == q.CorrectAnswer
	phone := strings.TrimSpace(s.Phone)
	if phone == "" {
		phone = user.Phone
	}
	contends := isCorrect && q.IsInstantReward && !q.IsCompleted
	if contends && phone == "" {
		return nil, apperr.Validation("phoneNumber", "is required to receive an instant reward")
	}

	res := &Result{IsCorrect: isCorrect, Question: q, User: user}

	if _, err := a.deps.Attempts.Record(q.ID, s.UserEmail, s.SelectedAnswer, isCorrect); err != nil {
		a.logger.Warn("record attempt", "question_id", q.ID, "user", s.UserEmail, "error", err)
	}

	switch {
	case !isCorrect:
		res.Outcome = OutcomeIncorrect
	case q.IsInstantReward && q.IsCompleted:
		res.Completed = true
		res.Outcome = OutcomeCompleted
	case q.IsInstantReward:
		if err := a.reserve(q, s.UserEmail, phone, res); err != nil {
			return nil, err
		}
	default:
		applied, err := a.deps.Rewards.AwardForQuestion(q.ID, s.UserEmail, q.RewardAmount, "Correct answer: "+q.Text)
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, apperr.NotFound("user")
		}
		if err != nil {
			return nil, fmt.Errorf("award points: %w", err)
		}
		if applied {
			res.PointsAwarded = q.RewardAmount
		}
		res.Outcome = OutcomePoints
	}

	a.deps.Observe(res.Outcome)
	return res, nil
}

func (a *Allocator) reserve(q *model.RewardQuestion, email, phone string, res *Result) error {
	w, err := a.deps.Winners.ReserveSlot(q.ID, email, q.PaymentProvider, phone)
	switch {
	case errors.Is(err, store.ErrNoSlots):
		res.Completed = true
		res.Outcome = OutcomeNoSlot
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return ErrAlreadyWon
	case err != nil:
		return fmt.Errorf("reserve slot: %w", err)
	}

	pos := w.Position
	res.IsWinner = true
	res.Position = &pos
	res.Winner = w
	res.Completed = pos >= q.MaxWinners
	res.Outcome = OutcomeWinner

	a.logger.Info("winner slot reserved", "question_id", q.ID, "user", email, "position", pos, "max_winners", q.MaxWinners)
	if a.deps.Events != nil {
		a.deps.Events.Broadcast(websocket.NewMessage("reward_question", "slot_taken", q.ID, map[string]any{
			"winnersCount": pos,
			"maxWinners":   q.MaxWinners,
			"isCompleted":  res.Completed,
		}))
	}
	return nil
}
