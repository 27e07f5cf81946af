package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/delipucash/server/internal/allocator"
	"github.com/delipucash/server/internal/auth"
	"github.com/delipucash/server/internal/collection"
	"github.com/delipucash/server/internal/database"
	"github.com/delipucash/server/internal/middleware"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/momo"
	"github.com/delipucash/server/internal/notify"
	"github.com/delipucash/server/internal/payout"
	"github.com/delipucash/server/internal/store"
	"github.com/delipucash/server/internal/validate"
	"github.com/delipucash/server/internal/websocket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGateway struct {
	mu  sync.Mutex
	err error
}

func (g *fakeGateway) InitiateCollection(ctx context.Context, provider model.Provider, req momo.Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *fakeGateway) InitiateDisbursement(ctx context.Context, provider model.Provider, req momo.Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type fakePoller struct {
	result *momo.StatusResult
	err    error
}

func (p *fakePoller) PollUntilTerminal(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*momo.StatusResult, error) {
	return p.result, p.err
}

// fakeDisburser settles every winner with status after delay.
type fakeDisburser struct {
	status model.PaymentStatus
	delay  time.Duration

	mu      sync.Mutex
	winners []model.Winner
}

func (d *fakeDisburser) DisburseAsync(w model.Winner) <-chan payout.Outcome {
	d.mu.Lock()
	d.winners = append(d.winners, w)
	d.mu.Unlock()

	ch := make(chan payout.Outcome, 1)
	go func() {
		time.Sleep(d.delay)
		ch <- payout.Outcome{WinnerID: w.ID, Reference: "ref-" + w.UserEmail, Status: d.status}
	}()
	return ch
}

type testEnv struct {
	db        *sql.DB
	tokens    *auth.Tokens
	users     *store.UserStore
	questions *store.RewardQuestionStore
	payments  *store.PaymentStore
	gateway   *fakeGateway
	poller    *fakePoller
	disburser *fakeDisburser
	handler   http.Handler
}

func setupHandlerTest(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:        db,
		tokens:    auth.NewTokens("test-secret"),
		users:     store.NewUserStore(db),
		questions: store.NewRewardQuestionStore(db),
		payments:  store.NewPaymentStore(db),
		gateway:   &fakeGateway{},
		poller:    &fakePoller{result: &momo.StatusResult{Status: model.PaymentSuccessful, TransactionID: "tx-1"}},
		disburser: &fakeDisburser{status: model.PaymentSuccessful},
	}

	hub := websocket.NewHub(testLogger)
	v := validate.New()
	alloc := allocator.New(allocator.Deps{
		Questions: env.questions,
		Winners:   store.NewWinnerStore(db),
		Users:     env.users,
		Attempts:  store.NewAttemptStore(db),
		Rewards:   store.NewRewardStore(db),
		Events:    hub,
	}, testLogger)
	svc := collection.NewService(env.gateway, env.poller, env.payments, env.users, nil, testLogger)

	rq := NewRewardQuestionHandler(env.questions, env.users, alloc, env.disburser, hub, v, 200*time.Millisecond, testLogger)
	ph := NewPaymentHandler(svc, env.payments, hub, v, []string{"ops@example.com"}, testLogger)
	ah := NewAuthHandler(env.users, env.payments, env.tokens, v, testLogger)
	notifications := store.NewNotificationStore(db)
	notifier := notify.NewNotifier(notifications, hub, testLogger)
	lh := NewLedgerHandler(env.users, store.NewRewardStore(db), store.NewAttemptStore(db), notifications, notifier, v, testLogger)

	protect := middleware.RequireJWT(env.tokens)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signup", ah.Signup)
	mux.HandleFunc("POST /auth/signin", ah.Signin)
	mux.Handle("GET /auth/{userId}/points", protect(http.HandlerFunc(ah.Points)))
	mux.Handle("GET /auth/{userId}/subscription-status", protect(http.HandlerFunc(ah.SubscriptionStatus)))
	mux.HandleFunc("GET /reward-questions/all", rq.All)
	mux.HandleFunc("GET /reward-questions/instant", rq.Instant)
	mux.Handle("POST /reward-questions/create", protect(http.HandlerFunc(rq.Create)))
	mux.Handle("PUT /reward-questions/{id}/update", protect(http.HandlerFunc(rq.Update)))
	mux.Handle("DELETE /reward-questions/{id}/delete", protect(http.HandlerFunc(rq.Delete)))
	mux.Handle("POST /reward-questions/{id}/answer", protect(http.HandlerFunc(rq.Answer)))
	mux.HandleFunc("POST /payments/callback", ph.Callback)
	mux.Handle("POST /payments/initiate", protect(http.HandlerFunc(ph.Initiate)))
	mux.Handle("POST /payments/disburse", protect(http.HandlerFunc(ph.Disburse)))
	mux.Handle("GET /payments/users/{userId}/payments", protect(http.HandlerFunc(ph.History)))
	mux.Handle("PUT /payments/{paymentId}/status", protect(http.HandlerFunc(ph.UpdateStatus)))
	mux.Handle("GET /rewards/user/{userId}", protect(http.HandlerFunc(lh.Rewards)))
	mux.Handle("POST /rewards/user/{userId}/redeem", protect(http.HandlerFunc(lh.Redeem)))
	mux.Handle("GET /attempts/user/{email}", protect(http.HandlerFunc(lh.Attempts)))
	mux.Handle("GET /notifications/users/{userId}", protect(http.HandlerFunc(lh.Notifications)))
	env.handler = mux

	return env
}

// seedUser creates a user and returns it with a bearer token.
func (e *testEnv) seedUser(t *testing.T, email, phone string) (*model.User, string) {
	t.Helper()
	u, err := e.users.Create(email, "", "Test", "User", phone)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := e.tokens.Issue(u.ID, u.Email)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return u, token
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}
