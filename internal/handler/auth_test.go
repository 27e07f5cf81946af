package handler

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/store"
)

type tokenBody struct {
	Token string `json:"token"`
	User  struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func TestSignupAndSignin(t *testing.T) {
	env := setupHandlerTest(t)

	rec := env.do(t, "POST", "/auth/signup", map[string]any{
		"email": "New@Example.com", "password": "hunter22", "firstName": "Amina", "lastName": "K", "phone": "256700000001",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: status = %d (%s)", rec.Code, rec.Body.String())
	}
	created := decode[tokenBody](t, rec)
	if created.User.Email != "new@example.com" {
		t.Errorf("email = %q, want lowercased", created.User.Email)
	}
	ac, err := env.tokens.Verify(created.Token)
	if err != nil || ac.UserID != created.User.ID {
		t.Errorf("token verify = %+v, %v", ac, err)
	}

	dup := env.do(t, "POST", "/auth/signup", map[string]any{"email": "new@example.com", "password": "hunter22", "firstName": "A"}, "")
	if dup.Code != http.StatusConflict {
		t.Errorf("duplicate signup: status = %d, want %d", dup.Code, http.StatusConflict)
	}

	if rec := env.do(t, "POST", "/auth/signin", map[string]any{"email": "new@example.com", "password": "wrong"}, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := env.do(t, "POST", "/auth/signin", map[string]any{"email": "nobody@example.com", "password": "hunter22"}, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown user: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	rec = env.do(t, "POST", "/auth/signin", map[string]any{"email": "NEW@example.com", "password": "hunter22"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("signin: status = %d (%s)", rec.Code, rec.Body.String())
	}
	if decode[tokenBody](t, rec).Token == "" {
		t.Error("signin returned no token")
	}
}

func TestSignupValidation(t *testing.T) {
	env := setupHandlerTest(t)

	for name, body := range map[string]map[string]any{
		"bad email":      {"email": "nope", "password": "hunter22", "firstName": "A"},
		"short password": {"email": "a@example.com", "password": "123", "firstName": "A"},
		"no name":        {"email": "a@example.com", "password": "hunter22"},
	} {
		if rec := env.do(t, "POST", "/auth/signup", body, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", name, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestPointsAndLedger(t *testing.T) {
	env := setupHandlerTest(t)
	author, authorToken := env.seedUser(t, "author@example.com", "")
	u, token := env.seedUser(t, "player@example.com", "")

	body := instantBody(author.ID, 0, "")
	body["isInstantReward"] = false
	body["rewardAmount"] = 40
	rec := env.do(t, "POST", "/reward-questions/create", body, authorToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d (%s)", rec.Code, rec.Body.String())
	}
	path := "/reward-questions/" + strconv.FormatInt(decode[model.RewardQuestion](t, rec).ID, 10) + "/answer"

	for i := 0; i < 2; i++ {
		if rec := env.do(t, "POST", path, map[string]any{"selectedAnswer": "Kampala"}, token); rec.Code != http.StatusOK {
			t.Fatalf("answer %d: %d", i, rec.Code)
		}
	}

	uid := strconv.FormatInt(u.ID, 10)
	rec = env.do(t, "GET", "/auth/"+uid+"/points", nil, token)
	if got := decode[map[string]int](t, rec)["points"]; got != 40 {
		t.Errorf("points = %d, want 40 after a repeated answer", got)
	}
	if rec := env.do(t, "GET", "/auth/"+uid+"/points", nil, authorToken); rec.Code != http.StatusForbidden {
		t.Errorf("other user's points: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = env.do(t, "GET", "/rewards/user/"+uid, nil, token)
	if list := decode[[]map[string]any](t, rec); len(list) != 1 {
		t.Errorf("rewards = %d entries, want 1", len(list))
	}
	rec = env.do(t, "GET", "/attempts/user/player@example.com", nil, token)
	if list := decode[[]map[string]any](t, rec); len(list) != 2 {
		t.Errorf("attempts = %d entries, want 2", len(list))
	}
	if rec := env.do(t, "GET", "/attempts/user/author@example.com", nil, token); rec.Code != http.StatusForbidden {
		t.Errorf("other user's attempts: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	rec = env.do(t, "GET", "/notifications/users/"+uid, nil, token)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("notifications = %d %q, want empty list", rec.Code, rec.Body.String())
	}
}

func TestRedeemPoints(t *testing.T) {
	env := setupHandlerTest(t)
	u, token := env.seedUser(t, "player@example.com", "")
	_, otherToken := env.seedUser(t, "other@example.com", "")
	if _, err := store.NewRewardStore(env.db).Add(u.Email, 100, "welcome bonus"); err != nil {
		t.Fatalf("seed points: %v", err)
	}
	path := "/rewards/user/" + strconv.FormatInt(u.ID, 10) + "/redeem"

	rec := env.do(t, "POST", path, map[string]any{"points": 60, "reward": "Airtime"}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: %d (%s)", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["points"]; got != float64(40) {
		t.Errorf("balance = %v, want 40", got)
	}

	rec = env.do(t, "POST", path, map[string]any{"points": 60, "reward": "Airtime"}, token)
	if rec.Code != http.StatusConflict {
		t.Errorf("overdraft: status = %d, want %d", rec.Code, http.StatusConflict)
	}
	for _, body := range []map[string]any{{"points": 0, "reward": "Airtime"}, {"points": 5}} {
		if rec := env.do(t, "POST", path, body, token); rec.Code != http.StatusBadRequest {
			t.Errorf("%v: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
	if rec := env.do(t, "POST", path, map[string]any{"points": 1, "reward": "Airtime"}, otherToken); rec.Code != http.StatusForbidden {
		t.Errorf("other user: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = env.do(t, "GET", "/notifications/users/"+strconv.FormatInt(u.ID, 10), nil, token)
	list := decode[[]model.Notification](t, rec)
	if len(list) != 1 || list[0].Body != "You redeemed 60 points for Airtime." {
		t.Errorf("notifications = %+v, want one redemption notice", list)
	}
}
