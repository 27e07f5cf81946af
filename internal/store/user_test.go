package store

import (
	"errors"
	"testing"
)

func TestUserCreateAndGet(t *testing.T) {
	db := setupStoreTestDB(t)
	us := NewUserStore(db)

	u, err := us.Create("alice@example.com", "hash", "Alice", "N", "0772111111")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", u.Email, "alice@example.com")
	}
	if u.Points != 0 {
		t.Errorf("points = %d, want 0", u.Points)
	}

	byEmail, err := us.GetByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if byEmail == nil || byEmail.ID != u.ID {
		t.Fatalf("get by email = %+v, want id %d", byEmail, u.ID)
	}

	missing, err := us.GetByID(9999)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	db := setupStoreTestDB(t)
	us := NewUserStore(db)

	if _, err := us.Create("dup@example.com", "h", "", "", ""); err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, err := us.Create("dup@example.com", "h", "", "", "")
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}
