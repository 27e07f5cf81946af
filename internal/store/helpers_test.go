package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/delipucash/server/internal/database"
	"github.com/delipucash/server/internal/model"
)

func setupStoreTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *sql.DB, email string) *model.User {
	t.Helper()
	u, err := NewUserStore(db).Create(email, "hash", "Test", "User", "0772000000")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func seedInstantQuestion(t *testing.T, db *sql.DB, authorID int64, maxWinners int) *model.RewardQuestion {
	t.Helper()
	q, err := NewRewardQuestionStore(db).Create(model.RewardQuestion{
		UserID:          authorID,
		Text:            "Capital of Uganda?",
		Options:         []string{"Kampala", "Gulu", "Jinja"},
		CorrectAnswer:   "Kampala",
		RewardAmount:    500,
		IsInstantReward: true,
		MaxWinners:      maxWinners,
		PaymentProvider: model.ProviderMTN,
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("seed question: %v", err)
	}
	return q
}

func ptrTime(t time.Time) *time.Time { return &t }
