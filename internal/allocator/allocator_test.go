package allocator

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/database"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/websocket"
)

type testEnv struct {
	db        *sql.DB
	alloc     *Allocator
	questions *store.RewardQuestionStore
	users     *store.UserStore
	attempts  *store.AttemptStore
	events    *recordingPublisher
	author    *model.User
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (p *recordingPublisher) Broadcast(msg websocket.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func setupAllocatorTest(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:        db,
		questions: store.NewRewardQuestionStore(db),
		users:     store.NewUserStore(db),
		attempts:  store.NewAttemptStore(db),
		events:    &recordingPublisher{},
	}
	env.alloc = New(Deps{
		Questions: env.questions,
		Winners:   store.NewWinnerStore(db),
		Users:     env.users,
		Attempts:  env.attempts,
		Rewards:   store.NewRewardStore(db),
		Events:    env.events,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	env.author = env.addUser(t, "author@example.com", "0772000000")
	return env
}

func (e *testEnv) addUser(t *testing.T, email, phone string) *model.User {
	t.Helper()
	u, err := e.users.Create(email, "hash", "", "", phone)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (e *testEnv) addQuestion(t *testing.T, instant bool, maxWinners int) *model.RewardQuestion {
	t.Helper()
	q := model.RewardQuestion{
		UserID:        e.author.ID,
		Text:          "Largest lake in Africa?",
		Options:       []string{"Victoria", "Tanganyika", "Malawi"},
		CorrectAnswer: "Victoria",
		RewardAmount:  500,
		IsActive:      true,
	}
	if instant {
		q.IsInstantReward = true
		q.MaxWinners = maxWinners
		q.PaymentProvider = model.ProviderMTN
	}
	created, err := e.questions.Create(q)
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	return created
}

func TestFirstNCorrectWin(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, true, 2)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		env.addUser(t, email, "0772111111")
	}

	a, err := env.alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "a@example.com", SelectedAnswer: "Victoria"})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if !a.IsWinner || a.Position == nil || *a.Position != 1 {
		t.Fatalf("A = %+v, want winner at position 1", a)
	}
	if a.Winner == nil || a.Winner.PhoneNumber != "0772111111" || a.Winner.AmountAwarded != 500 {
		t.Errorf("A winner = %+v", a.Winner)
	}

	b, err := env.alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "b@example.com", SelectedAnswer: "Victoria", Phone: "0752999999"})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if !b.IsWinner || *b.Position != 2 || !b.Completed {
		t.Fatalf("B = %+v, want winner at position 2 completing the question", b)
	}
	if b.Winner.PhoneNumber != "0752999999" {
		t.Errorf("B phone = %q, want request override", b.Winner.PhoneNumber)
	}

	got, _ := env.questions.GetByID(q.ID)
	if !got.IsCompleted || got.WinnersCount != 2 {
		t.Errorf("question = count %d completed %v", got.WinnersCount, got.IsCompleted)
	}

	c, err := env.alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "c@example.com", SelectedAnswer: "Victoria"})
	if err != nil {
		t.Fatalf("submit C: %v", err)
	}
	if !c.IsCorrect || c.IsWinner || c.Position != nil || !c.Completed {
		t.Errorf("C = %+v, want correct but not a winner", c)
	}
	if c.PointsAwarded != 0 {
		t.Errorf("C points = %d, want 0 for instant question", c.PointsAwarded)
	}

	if len(env.events.msgs) != 2 {
		t.Errorf("slot events = %d, want 2", len(env.events.msgs))
	}
}

func TestIncorrectAnswerRecordsAttempt(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, true, 1)
	env.addUser(t, "p@example.com", "0772111111")

	res, err := env.alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "p@example.com", SelectedAnswer: "victoria"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.IsCorrect || res.IsWinner {
		t.Errorf("result = %+v, want incorrect (match is case-sensitive)", res)
	}
	attempts, _ := env.attempts.ListByUser("p@example.com")
	if len(attempts) != 1 || attempts[0].IsCorrect {
		t.Errorf("attempts = %+v", attempts)
	}
	got, _ := env.questions.GetByID(q.ID)
	if got.WinnersCount != 0 {
		t.Errorf("winners count = %d, want 0", got.WinnersCount)
	}
}

func TestAlreadyWon(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, true, 3)
	env.addUser(t, "p@example.com", "0772111111")

	sub := Submission{QuestionID: q.ID, UserEmail: "p@example.com", SelectedAnswer: "Victoria"}
	if _, err := env.alloc.SubmitAnswer(sub); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := env.alloc.SubmitAnswer(sub)
	if !errors.Is(err, ErrAlreadyWon) {
		t.Fatalf("second submit err = %v, want ErrAlreadyWon", err)
	}
	if apperr.HTTPStatus(err) != 409 {
		t.Errorf("status = %d, want 409", apperr.HTTPStatus(err))
	}
	got, _ := env.questions.GetByID(q.ID)
	if got.WinnersCount != 1 {
		t.Errorf("winners count = %d, want 1", got.WinnersCount)
	}
}

func TestConcurrentSubmissionsFillExactlyKSlots(t *testing.T) {
	env := setupAllocatorTest(t)
	const slots, contenders = 4, 30
	q := env.addQuestion(t, true, slots)
	for i := 0; i < contenders; i++ {
		env.addUser(t, fmt.Sprintf("u%d@example.com", i), "0772111111")
	}

	results := make([]*Result, contenders)
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.alloc.SubmitAnswer(Submission{
				QuestionID:     q.ID,
				UserEmail:      fmt.Sprintf("u%d@example.com", i),
				SelectedAnswer: "Victoria",
			})
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	winners, losers := 0, 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if !res.IsCorrect {
			t.Errorf("submit %d not scored correct", i)
		}
		if !res.IsWinner {
			losers++
			continue
		}
		winners++
		if seen[*res.Position] {
			t.Errorf("position %d assigned twice", *res.Position)
		}
		seen[*res.Position] = true
	}
	if winners != slots || losers != contenders-slots {
		t.Errorf("winners=%d losers=%d, want %d/%d", winners, losers, slots, contenders-slots)
	}
	for p := 1; p <= slots; p++ {
		if !seen[p] {
			t.Errorf("position %d missing", p)
		}
	}
}

func TestRegularQuestionAwardsPointsOnce(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, false, 0)
	u := env.addUser(t, "p@example.com", "")

	sub := Submission{QuestionID: q.ID, UserEmail: u.Email, SelectedAnswer: "Victoria"}
	first, err := env.alloc.SubmitAnswer(sub)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.PointsAwarded != 500 || first.IsWinner {
		t.Errorf("first = %+v, want 500 points and no win", first)
	}
	second, err := env.alloc.SubmitAnswer(sub)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.PointsAwarded != 0 {
		t.Errorf("second points = %d, want 0", second.PointsAwarded)
	}

	got, _ := env.users.GetByID(u.ID)
	if got.Points != 500 {
		t.Errorf("balance = %d, want 500", got.Points)
	}
}

func TestRejectionsWriteNothing(t *testing.T) {
	env := setupAllocatorTest(t)
	env.addUser(t, "p@example.com", "")

	inactive := env.addQuestion(t, true, 2)
	inactive.IsActive = false
	env.questions.Update(*inactive)

	expired := env.addQuestion(t, true, 2)
	past := time.Now().Add(-time.Minute)
	expired.ExpiryTime = &past
	env.questions.Update(*expired)

	open := env.addQuestion(t, true, 2)

	tests := []struct {
		name  string
		sub   Submission
		check func(error) bool
	}{
		{"missing question", Submission{QuestionID: 9999, UserEmail: "p@example.com"}, isNotFound},
		{"unknown user", Submission{QuestionID: open.ID, UserEmail: "ghost@example.com"}, isNotFound},
		{"empty email", Submission{QuestionID: open.ID}, isValidation},
		{"inactive", Submission{QuestionID: inactive.ID, UserEmail: "p@example.com", SelectedAnswer: "Victoria"}, func(err error) bool { return errors.Is(err, ErrInactive) }},
		{"expired", Submission{QuestionID: expired.ID, UserEmail: "p@example.com", SelectedAnswer: "Victoria"}, func(err error) bool { return errors.Is(err, ErrExpired) }},
		{"no payout phone", Submission{QuestionID: open.ID, UserEmail: "p@example.com", SelectedAnswer: "Victoria"}, isValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.alloc.SubmitAnswer(tt.sub)
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}

	attempts, _ := env.attempts.ListByUser("p@example.com")
	if len(attempts) != 0 {
		t.Errorf("attempts recorded for rejected submissions: %+v", attempts)
	}
	got, _ := env.questions.GetByID(open.ID)
	if got.WinnersCount != 0 {
		t.Errorf("winners count = %d, want 0", got.WinnersCount)
	}
}

func isNotFound(err error) bool {
	var ne *apperr.NotFoundError
	return errors.As(err, &ne)
}

func isValidation(err error) bool {
	var ve *apperr.ValidationError
	return errors.As(err, &ve)
}

type failingAttempts struct{}

func (failingAttempts) Record(int64, string, string, bool) (*model.QuestionAttempt, error) {
	return nil, errors.New("attempts table locked")
}

func TestAttemptFailureIsNotFatal(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, true, 1)
	env.addUser(t, "p@example.com", "0772111111")

	alloc := New(Deps{
		Questions: env.questions,
		Winners:   store.NewWinnerStore(env.db),
		Users:     env.users,
		Attempts:  failingAttempts{},
		Rewards:   store.NewRewardStore(env.db),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "p@example.com", SelectedAnswer: "Victoria"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.IsWinner {
		t.Errorf("result = %+v, want winner despite attempt failure", res)
	}
}

func TestObserveOutcomes(t *testing.T) {
	env := setupAllocatorTest(t)
	q := env.addQuestion(t, true, 1)
	env.addUser(t, "a@example.com", "0772111111")
	env.addUser(t, "b@example.com", "0772111111")

	var outcomes []string
	alloc := New(Deps{
		Questions: env.questions,
		Winners:   store.NewWinnerStore(env.db),
		Users:     env.users,
		Attempts:  env.attempts,
		Rewards:   store.NewRewardStore(env.db),
		Observe:   func(o string) { outcomes = append(outcomes, o) },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "a@example.com", SelectedAnswer: "Malawi"})
	alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "a@example.com", SelectedAnswer: "Victoria"})
	alloc.SubmitAnswer(Submission{QuestionID: q.ID, UserEmail: "b@example.com", SelectedAnswer: "Victoria"})

	want := []string{OutcomeIncorrect, OutcomeWinner, OutcomeCompleted}
	if fmt.Sprint(outcomes) != fmt.Sprint(want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
}
