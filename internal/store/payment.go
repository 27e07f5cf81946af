package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/delipucash/server/internal/model"
)

type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func scanPayment(row scanner) (*model.Payment, error) {
	var p model.Payment
	var userID, winnerID sql.NullInt64
	var provider, operation, status, subType string
	var start, end sql.NullTime

	err := row.Scan(
		&p.ID, &userID, &winnerID, &p.PhoneNumber, &p.Amount, &provider, &operation,
		&p.Reference, &p.TransactionID, &status, &subType, &p.Description,
		&start, &end, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		p.UserID = &userID.Int64
	}
	if winnerID.Valid {
		p.WinnerID = &winnerID.Int64
	}
	p.Provider = model.Provider(provider)
	p.Operation = model.Operation(operation)
	p.Status = model.PaymentStatus(status)
	p.SubscriptionType = model.SubscriptionType(subType)
	if start.Valid {
		t := start.Time.UTC()
		p.StartDate = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		p.EndDate = &t
	}
	return &p, nil
}

const paymentCols = `id, user_id, winner_id, phone_number, amount, provider, operation,
	reference, transaction_id, status, subscription_type, description,
	start_date, end_date, created_at, updated_at`

// Create inserts p. References are unique; a repeat returns ErrDuplicate.
func (s *PaymentStore) Create(p model.Payment) (*model.Payment, error) {
	result, err := s.db.Exec(
		`INSERT INTO payments
			(user_id, winner_id, phone_number, amount, provider, operation, reference,
			 transaction_id, status, subscription_type, description, start_date, end_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(p.UserID), nullInt64(p.WinnerID), p.PhoneNumber, p.Amount,
		string(p.Provider), string(p.Operation), p.Reference, p.TransactionID,
		string(p.Status), string(p.SubscriptionType), p.Description,
		nullTime(p.StartDate), nullTime(p.EndDate),
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *PaymentStore) GetByID(id int64) (*model.Payment, error) {
	return s.getOne(`SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
}

// GetByTransactionID looks a payment up by the provider's transaction id,
// falling back to our own reference.
func (s *PaymentStore) GetByTransactionID(txID string) (*model.Payment, error) {
	return s.getOne(
		`SELECT `+paymentCols+` FROM payments WHERE transaction_id = ? OR reference = ? ORDER BY id DESC LIMIT 1`,
		txID, txID,
	)
}

func (s *PaymentStore) getOne(q string, args ...any) (*model.Payment, error) {
	p, err := scanPayment(s.db.QueryRow(q, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ListByUser returns a user's payments, newest first.
func (s *PaymentStore) ListByUser(userID int64) ([]model.Payment, error) {
	rows, err := s.db.Query(
		`SELECT `+paymentCols+` FROM payments WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// Settle moves a PENDING payment to status and returns the updated row, or
// nil if no payment has that id. A payment that already left PENDING is
// returned unchanged together with ErrAlreadySettled.
func (s *PaymentStore) Settle(id int64, status model.PaymentStatus) (*model.Payment, error) {
	result, err := s.db.Exec(
		`UPDATE payments SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'PENDING'`,
		string(status), id,
	)
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	p, err := s.GetByID(id)
	if err != nil || p == nil {
		return p, err
	}
	if n == 0 {
		return p, ErrAlreadySettled
	}
	return p, nil
}

// UpdateStatus overrides a payment's status regardless of its current state
// and returns the updated row, or nil if no payment has that id. Only
// operator corrections use it; provider results go through Settle.
func (s *PaymentStore) UpdateStatus(id int64, status model.PaymentStatus) (*model.Payment, error) {
	result, err := s.db.Exec(
		`UPDATE payments SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetByID(id)
}

// LatestActiveSubscription returns the user's successful collection with the
// latest end date after now, or nil.
func (s *PaymentStore) LatestActiveSubscription(userID int64, now time.Time) (*model.Payment, error) {
	return s.getOne(
		`SELECT `+paymentCols+` FROM payments
		 WHERE user_id = ? AND operation = 'COLLECTION' AND status = 'SUCCESSFUL'
		   AND end_date IS NOT NULL AND end_date > ?
		 ORDER BY end_date DESC LIMIT 1`,
		userID, now.UTC(),
	)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
