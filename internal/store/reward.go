package store

import (
	"database/sql"
	"fmt"

	"github.com/delipucash/server/internal/model"
)

// RewardStore is the points ledger. Every balance change on users.points
// goes through it together with a ledger row.
type RewardStore struct {
	db *sql.DB
}

func NewRewardStore(db *sql.DB) *RewardStore {
	return &RewardStore{db: db}
}

func scanReward(row scanner) (*model.Reward, error) {
	var r model.Reward
	var questionID sql.NullInt64
	if err := row.Scan(&r.ID, &r.UserEmail, &r.Points, &r.Description, &questionID, &r.CreatedAt); err != nil {
		return nil, err
	}
	if questionID.Valid {
		r.RewardQuestionID = &questionID.Int64
	}
	return &r, nil
}

const rewardCols = `id, user_email, points, description, reward_question_id, created_at`

// AwardForQuestion credits points for a correct answer to questionID. The
// ledger row and the balance increment commit together, and a second call
// for the same question and user is a no-op that reports false.
func (s *RewardStore) AwardForQuestion(questionID int64, userEmail string, points int, description string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT OR IGNORE INTO rewards (user_email, points, description, reward_question_id) VALUES (?, ?, ?, ?)`,
		userEmail, points, description, questionID,
	)
	if err != nil {
		return false, fmt.Errorf("insert reward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := addPoints(tx, userEmail, points); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reward: %w", err)
	}
	return true, nil
}

// Add records a manual ledger entry (positive or negative) and applies it to
// the balance. A debit larger than the balance returns ErrInsufficientPoints
// and writes nothing.
func (s *RewardStore) Add(userEmail string, points int, description string) (*model.Reward, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO rewards (user_email, points, description) VALUES (?, ?, ?)`,
		userEmail, points, description,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := addPoints(tx, userEmail, points); err != nil {
		return nil, err
	}

	r, err := scanReward(tx.QueryRow(`SELECT `+rewardCols+` FROM rewards WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reward: %w", err)
	}
	return r, nil
}

func addPoints(tx *sql.Tx, userEmail string, points int) error {
	result, err := tx.Exec(
		`UPDATE users SET points = points + ?, updated_at = CURRENT_TIMESTAMP WHERE email = ?`,
		points, userEmail,
	)
	if isCheckViolation(err) {
		return ErrInsufficientPoints
	}
	if err != nil {
		return fmt.Errorf("update points: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListByUser returns a user's ledger entries, newest first.
func (s *RewardStore) ListByUser(userEmail string) ([]model.Reward, error) {
	rows, err := s.db.Query(
		`SELECT `+rewardCols+` FROM rewards WHERE user_email = ? ORDER BY created_at DESC, id DESC`,
		userEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []model.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		rewards = append(rewards, *r)
	}
	return rewards, rows.Err()
}
