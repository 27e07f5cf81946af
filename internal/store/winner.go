package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/delipucash/server/internal/model"
)

type WinnerStore struct {
	db *sql.DB
}

func NewWinnerStore(db *sql.DB) *WinnerStore {
	return &WinnerStore{db: db}
}

func scanWinner(row scanner) (*model.Winner, error) {
	var w model.Winner
	var status, provider string
	var ref, extID sql.NullString
	var paidAt sql.NullTime

	err := row.Scan(
		&w.ID, &w.RewardQuestionID, &w.UserEmail, &w.Position, &w.AmountAwarded,
		&status, &provider, &w.PhoneNumber, &ref, &extID, &w.FailureReason,
		&paidAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.PaymentStatus = model.PaymentStatus(status)
	w.PaymentProvider = model.Provider(provider)
	if ref.Valid {
		w.PaymentReference = &ref.String
	}
	if extID.Valid {
		w.ExternalTransactionID = &extID.String
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		w.PaidAt = &t
	}
	return &w, nil
}

const winnerCols = `id, reward_question_id, user_email, position, amount_awarded,
	payment_status, payment_provider, phone_number, payment_reference,
	external_transaction_id, failure_reason, paid_at, created_at, updated_at`

// ReserveSlot claims the next winner position on an instant-reward question.
//
// The increment is a single conditional UPDATE (compare-and-swap on
// winners_count) and the Winner insert runs in the same transaction, so two
// concurrent callers can never receive the same position, even across
// processes sharing the database. is_completed flips in the same statement
// once the last slot is taken.
//
// It returns ErrNoSlots when every slot is taken (or the question is no
// longer open) and ErrDuplicate when userEmail already holds a slot; in both
// cases nothing is written.
func (s *WinnerStore) ReserveSlot(questionID int64, userEmail string, provider model.Provider, phone string) (*model.Winner, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var position, amount int
	err = tx.QueryRow(
		`UPDATE reward_questions SET
			winners_count = winners_count + 1,
			is_completed = (winners_count + 1 >= max_winners),
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND is_instant_reward = 1 AND is_active = 1
		   AND is_completed = 0 AND winners_count < max_winners
		 RETURNING winners_count, reward_amount`,
		questionID,
	).Scan(&position, &amount)
	if err == sql.ErrNoRows {
		return nil, ErrNoSlots
	}
	if err != nil {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	result, err := tx.Exec(
		`INSERT INTO winners
			(reward_question_id, user_email, position, amount_awarded, payment_provider, phone_number)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		questionID, userEmail, position, amount, string(provider), phone,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert winner: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	w, err := scanWinner(tx.QueryRow(`SELECT `+winnerCols+` FROM winners WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get winner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit slot: %w", err)
	}
	return w, nil
}

func (s *WinnerStore) GetByID(id int64) (*model.Winner, error) {
	w, err := scanWinner(s.db.QueryRow(`SELECT `+winnerCols+` FROM winners WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get winner: %w", err)
	}
	return w, nil
}

func (s *WinnerStore) GetByQuestionAndUser(questionID int64, userEmail string) (*model.Winner, error) {
	w, err := scanWinner(s.db.QueryRow(
		`SELECT `+winnerCols+` FROM winners WHERE reward_question_id = ? AND user_email = ?`,
		questionID, userEmail,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get winner by user: %w", err)
	}
	return w, nil
}

func (s *WinnerStore) query(q string, args ...any) ([]model.Winner, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var winners []model.Winner
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan winner: %w", err)
		}
		winners = append(winners, *w)
	}
	return winners, rows.Err()
}

// ListByQuestion returns a question's winners ordered by position.
func (s *WinnerStore) ListByQuestion(questionID int64) ([]model.Winner, error) {
	ws, err := s.query(
		`SELECT `+winnerCols+` FROM winners WHERE reward_question_id = ? ORDER BY position ASC`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list winners: %w", err)
	}
	return ws, nil
}

// ListPendingBefore returns PENDING winners last touched before cutoff.
func (s *WinnerStore) ListPendingBefore(cutoff time.Time) ([]model.Winner, error) {
	ws, err := s.query(
		`SELECT `+winnerCols+` FROM winners WHERE payment_status = 'PENDING' AND updated_at < ? ORDER BY id ASC`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending winners: %w", err)
	}
	return ws, nil
}

// SetPaymentReference records the provider reference before the
// disbursement is initiated, so a restart can resume polling it.
func (s *WinnerStore) SetPaymentReference(id int64, reference string) error {
	_, err := s.db.Exec(
		`UPDATE winners SET payment_reference = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND payment_status = 'PENDING'`,
		reference, id,
	)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}
	return nil
}

// MarkSuccessful moves a PENDING winner to SUCCESSFUL. It reports false if
// the winner had already reached a terminal status.
func (s *WinnerStore) MarkSuccessful(id int64, reference, externalTxID string, paidAt time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE winners SET payment_status = 'SUCCESSFUL', payment_reference = ?,
			external_transaction_id = ?, paid_at = ?, failure_reason = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND payment_status = 'PENDING'`,
		reference, externalTxID, paidAt.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark winner paid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkFailed moves a PENDING winner to FAILED. The slot stays consumed.
func (s *WinnerStore) MarkFailed(id int64, reason string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE winners SET payment_status = 'FAILED', failure_reason = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND payment_status = 'PENDING'`,
		reason, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark winner failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
