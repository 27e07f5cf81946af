package store

import (
	"database/sql"
	"fmt"

	"github.com/delipucash/server/internal/model"
)

type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func scanAttempt(row scanner) (*model.QuestionAttempt, error) {
	var a model.QuestionAttempt
	var correct int
	if err := row.Scan(&a.ID, &a.UserEmail, &a.QuestionID, &a.SelectedAnswer, &correct, &a.AttemptedAt); err != nil {
		return nil, err
	}
	a.IsCorrect = correct != 0
	return &a, nil
}

const attemptCols = `id, user_email, question_id, selected_answer, is_correct, attempted_at`

// Record appends an attempt. Attempts are never updated or deleted.
func (s *AttemptStore) Record(questionID int64, userEmail, selectedAnswer string, isCorrect bool) (*model.QuestionAttempt, error) {
	result, err := s.db.Exec(
		`INSERT INTO question_attempts (user_email, question_id, selected_answer, is_correct) VALUES (?, ?, ?, ?)`,
		userEmail, questionID, selectedAnswer, boolInt(isCorrect),
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	a, err := scanAttempt(s.db.QueryRow(`SELECT `+attemptCols+` FROM question_attempts WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ListByUser returns a user's attempts, newest first.
func (s *AttemptStore) ListByUser(userEmail string) ([]model.QuestionAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptCols+` FROM question_attempts WHERE user_email = ? ORDER BY attempted_at DESC, id DESC`,
		userEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.QuestionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
