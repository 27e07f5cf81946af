package store

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNoSlots is returned when a reward question has no winner slots left.
	ErrNoSlots = errors.New("no winner slots remaining")
	// ErrUserNotFound is returned when a balance change targets a missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrHasWinners is returned when deleting a question whose slots have
	// been taken.
	ErrHasWinners = errors.New("reward question has winners")
	// ErrAlreadySettled is returned when a payment has left PENDING.
	ErrAlreadySettled = errors.New("payment already settled")
	// ErrInsufficientPoints is returned when a debit would overdraw a balance.
	ErrInsufficientPoints = errors.New("insufficient points")
)

type scanner interface{ Scan(...any) error }

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_CHECK
	}
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
