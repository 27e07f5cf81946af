package store

import (
	"errors"
	"testing"
	"time"

	"github.com/delipucash/server/internal/model"
)

func TestAwardForQuestionIsIdempotent(t *testing.T) {
	db := setupStoreTestDB(t)
	author := seedUser(t, db, "author@example.com")
	player := seedUser(t, db, "player@example.com")
	q := seedInstantQuestion(t, db, author.ID, 1)
	rs := NewRewardStore(db)

	for i, want := range []bool{true, false} {
		got, err := rs.AwardForQuestion(q.ID, player.Email, 25, "Correct answer")
		if err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
		if got != want {
			t.Errorf("award %d applied = %v, want %v", i, got, want)
		}
	}

	u, _ := NewUserStore(db).GetByID(player.ID)
	if u.Points != 25 {
		t.Errorf("points = %d, want 25", u.Points)
	}
	entries, err := rs.ListByUser(player.Email)
	if err != nil {
		t.Fatalf("list rewards: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].RewardQuestionID == nil || *entries[0].RewardQuestionID != q.ID {
		t.Errorf("ledger question = %v, want %d", entries[0].RewardQuestionID, q.ID)
	}
}

func TestAwardForQuestionUnknownUser(t *testing.T) {
	db := setupStoreTestDB(t)
	author := seedUser(t, db, "author@example.com")
	q := seedInstantQuestion(t, db, author.ID, 1)
	rs := NewRewardStore(db)

	_, err := rs.AwardForQuestion(q.ID, "ghost@example.com", 10, "x")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	entries, _ := rs.ListByUser("ghost@example.com")
	if len(entries) != 0 {
		t.Errorf("ledger row kept after rollback: %+v", entries)
	}
}

func TestRewardAddRejectsOverdraft(t *testing.T) {
	db := setupStoreTestDB(t)
	u := seedUser(t, db, "player@example.com")
	rs := NewRewardStore(db)

	if _, err := rs.Add(u.Email, 30, "bonus"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := rs.Add(u.Email, -50, "redeem"); !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("overdraft err = %v, want ErrInsufficientPoints", err)
	}
	got, _ := NewUserStore(db).GetByID(u.ID)
	if got.Points != 30 {
		t.Errorf("points = %d, want 30", got.Points)
	}
}

func TestAttemptRecordAndList(t *testing.T) {
	db := setupStoreTestDB(t)
	author := seedUser(t, db, "author@example.com")
	q := seedInstantQuestion(t, db, author.ID, 1)
	as := NewAttemptStore(db)

	if _, err := as.Record(q.ID, "p@example.com", "Gulu", false); err != nil {
		t.Fatalf("record: %v", err)
	}
	a, err := as.Record(q.ID, "p@example.com", "Kampala", true)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !a.IsCorrect || a.SelectedAnswer != "Kampala" {
		t.Errorf("attempt = %+v", a)
	}

	list, err := as.ListByUser("p@example.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("attempts = %d, want 2", len(list))
	}
}

func TestPaymentLifecycle(t *testing.T) {
	db := setupStoreTestDB(t)
	u := seedUser(t, db, "payer@example.com")
	ps := NewPaymentStore(db)
	now := time.Now().UTC()

	end, _ := model.SubscriptionWeekly.Period(now)
	p, err := ps.Create(model.Payment{
		UserID:           &u.ID,
		PhoneNumber:      "256772000000",
		Amount:           1000,
		Provider:         model.ProviderMTN,
		Operation:        model.OperationCollection,
		Reference:        "ref-a",
		TransactionID:    "fin-1",
		Status:           model.PaymentSuccessful,
		SubscriptionType: model.SubscriptionWeekly,
		StartDate:        &now,
		EndDate:          &end,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	_, err = ps.Create(model.Payment{
		UserID: &u.ID, PhoneNumber: "1", Amount: 1, Provider: model.ProviderMTN,
		Operation: model.OperationCollection, Reference: "ref-a", Status: model.PaymentPending,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate reference err = %v, want ErrDuplicate", err)
	}

	active, err := ps.LatestActiveSubscription(u.ID, now)
	if err != nil {
		t.Fatalf("active subscription: %v", err)
	}
	if active == nil || active.ID != p.ID {
		t.Fatalf("active = %+v, want payment %d", active, p.ID)
	}
	expired, _ := ps.LatestActiveSubscription(u.ID, now.AddDate(0, 0, 8))
	if expired != nil {
		t.Errorf("subscription should have lapsed, got %+v", expired)
	}

	byTx, err := ps.GetByTransactionID("fin-1")
	if err != nil || byTx == nil || byTx.ID != p.ID {
		t.Fatalf("get by tx = %+v, %v", byTx, err)
	}

	// p was created SUCCESSFUL, so provider results can no longer move it.
	kept, err := ps.Settle(p.ID, model.PaymentPending)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("settle terminal err = %v, want ErrAlreadySettled", err)
	}
	if kept.Status != model.PaymentSuccessful {
		t.Errorf("status = %q, want SUCCESSFUL kept", kept.Status)
	}
	if gone, err := ps.Settle(9999, model.PaymentFailed); err != nil || gone != nil {
		t.Errorf("settle missing = %+v, %v", gone, err)
	}

	updated, err := ps.UpdateStatus(p.ID, model.PaymentFailed)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != model.PaymentFailed {
		t.Errorf("status = %q, want FAILED", updated.Status)
	}
	missing, err := ps.UpdateStatus(9999, model.PaymentFailed)
	if err != nil || missing != nil {
		t.Errorf("update missing = %+v, %v", missing, err)
	}

	list, _ := ps.ListByUser(u.ID)
	if len(list) != 1 {
		t.Errorf("payments = %d, want 1", len(list))
	}
}

func TestPaymentSettleOnlyFromPending(t *testing.T) {
	db := setupStoreTestDB(t)
	u := seedUser(t, db, "payer@example.com")
	ps := NewPaymentStore(db)

	p, err := ps.Create(model.Payment{
		UserID: &u.ID, PhoneNumber: "256700000001", Amount: 100, Provider: model.ProviderAirtel,
		Operation: model.OperationCollection, Reference: "ref-p", Status: model.PaymentPending,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	settled, err := ps.Settle(p.ID, model.PaymentSuccessful)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.PaymentSuccessful {
		t.Errorf("status = %q, want SUCCESSFUL", settled.Status)
	}

	for _, next := range []model.PaymentStatus{model.PaymentFailed, model.PaymentPending} {
		got, err := ps.Settle(p.ID, next)
		if !errors.Is(err, ErrAlreadySettled) {
			t.Errorf("settle to %s: err = %v, want ErrAlreadySettled", next, err)
		}
		if got == nil || got.Status != model.PaymentSuccessful {
			t.Errorf("settle to %s changed the payment: %+v", next, got)
		}
	}
}

func TestNotificationCreateListMarkRead(t *testing.T) {
	db := setupStoreTestDB(t)
	u := seedUser(t, db, "n@example.com")
	ns := NewNotificationStore(db)

	n, err := ns.Create(model.Notification{UserID: u.ID, Type: "PAYMENT_SUCCESS", Title: "Paid", Body: "ok", Priority: "HIGH"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := ns.MarkRead(n.ID, u.ID+1); err != nil || ok {
		t.Fatalf("mark read by other user = %v, %v; want false, nil", ok, err)
	}
	if ok, err := ns.MarkRead(n.ID, u.ID); err != nil || !ok {
		t.Fatalf("mark read = %v, %v; want true, nil", ok, err)
	}
	list, err := ns.ListByUser(u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].IsRead {
		t.Errorf("notifications = %+v", list)
	}
}
