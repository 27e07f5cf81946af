package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/delipucash/server/internal/model"
)

type RewardQuestionStore struct {
	db *sql.DB
}

func NewRewardQuestionStore(db *sql.DB) *RewardQuestionStore {
	return &RewardQuestionStore{db: db}
}

func scanRewardQuestion(row scanner) (*model.RewardQuestion, error) {
	var q model.RewardQuestion
	var options string
	var provider string
	var expiry sql.NullTime
	var instant, completed, active int

	err := row.Scan(
		&q.ID, &q.UserID, &q.Text, &options, &q.CorrectAnswer, &q.RewardAmount,
		&instant, &q.MaxWinners, &q.WinnersCount, &completed,
		&provider, &q.PhoneNumber, &expiry, &active,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	q.PaymentProvider = model.Provider(provider)
	if expiry.Valid {
		t := expiry.Time.UTC()
		q.ExpiryTime = &t
	}
	q.IsInstantReward = instant != 0
	q.IsCompleted = completed != 0
	q.IsActive = active != 0
	return &q, nil
}

const rewardQuestionCols = `id, user_id, text, options, correct_answer, reward_amount,
	is_instant_reward, max_winners, winners_count, is_completed,
	payment_provider, phone_number, expiry_time, is_active,
	created_at, updated_at`

// Create inserts q. Slot counters always start at zero.
func (s *RewardQuestionStore) Create(q model.RewardQuestion) (*model.RewardQuestion, error) {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	maxWinners := 0
	if q.IsInstantReward {
		maxWinners = q.MaxWinners
	}

	result, err := s.db.Exec(
		`INSERT INTO reward_questions
			(user_id, text, options, correct_answer, reward_amount, is_instant_reward,
			 max_winners, payment_provider, phone_number, expiry_time, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.UserID, q.Text, string(options), q.CorrectAnswer, q.RewardAmount, boolInt(q.IsInstantReward),
		maxWinners, string(q.PaymentProvider), q.PhoneNumber, nullTime(q.ExpiryTime), boolInt(q.IsActive),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward question: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *RewardQuestionStore) GetByID(id int64) (*model.RewardQuestion, error) {
	row := s.db.QueryRow(`SELECT `+rewardQuestionCols+` FROM reward_questions WHERE id = ?`, id)
	q, err := scanRewardQuestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward question: %w", err)
	}
	return q, nil
}

func (s *RewardQuestionStore) list(query string, args ...any) ([]model.RewardQuestion, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.RewardQuestion
	for rows.Next() {
		q, err := scanRewardQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward question: %w", err)
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

// ListActive returns active questions that have not expired, newest first.
func (s *RewardQuestionStore) ListActive(now time.Time) ([]model.RewardQuestion, error) {
	qs, err := s.list(
		`SELECT `+rewardQuestionCols+` FROM reward_questions
		 WHERE is_active = 1 AND (expiry_time IS NULL OR expiry_time > ?)
		 ORDER BY created_at DESC, id DESC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active reward questions: %w", err)
	}
	return qs, nil
}

// ListOpenInstant returns active, unexpired instant-reward questions that
// still have free slots, each with its current winners.
func (s *RewardQuestionStore) ListOpenInstant(now time.Time) ([]model.RewardQuestion, error) {
	qs, err := s.list(
		`SELECT `+rewardQuestionCols+` FROM reward_questions
		 WHERE is_active = 1 AND is_instant_reward = 1 AND is_completed = 0
		   AND (expiry_time IS NULL OR expiry_time > ?)
		 ORDER BY created_at DESC, id DESC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list instant reward questions: %w", err)
	}

	winners := NewWinnerStore(s.db)
	for i := range qs {
		ws, err := winners.ListByQuestion(qs[i].ID)
		if err != nil {
			return nil, err
		}
		qs[i].Winners = ws
	}
	return qs, nil
}

func (s *RewardQuestionStore) ListByUser(userID int64) ([]model.RewardQuestion, error) {
	qs, err := s.list(
		`SELECT `+rewardQuestionCols+` FROM reward_questions WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reward questions by user: %w", err)
	}
	return qs, nil
}

// Update changes the author-editable fields. Slot counters are left alone;
// max_winners may grow but the CHECK constraint rejects values below the
// current winners_count.
func (s *RewardQuestionStore) Update(q model.RewardQuestion) (*model.RewardQuestion, error) {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE reward_questions SET
			text = ?, options = ?, correct_answer = ?, reward_amount = ?,
			expiry_time = ?, is_active = ?,
			max_winners = CASE WHEN is_instant_reward = 1 THEN ? ELSE max_winners END,
			is_completed = CASE WHEN is_instant_reward = 1 THEN (winners_count >= ?) ELSE is_completed END,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		q.Text, string(options), q.CorrectAnswer, q.RewardAmount,
		nullTime(q.ExpiryTime), boolInt(q.IsActive),
		q.MaxWinners, q.MaxWinners,
		q.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update reward question: %w", err)
	}
	return s.GetByID(q.ID)
}

// Delete removes a question nobody has won yet, together with its attempts.
// Questions with winners keep their payout history and return ErrHasWinners.
func (s *RewardQuestionStore) Delete(id int64) error {
	result, err := s.db.Exec(`DELETE FROM reward_questions WHERE id = ? AND winners_count = 0`, id)
	if err != nil {
		return fmt.Errorf("delete reward question: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM reward_questions WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check reward question: %w", err)
		}
		if exists > 0 {
			return ErrHasWinners
		}
	}
	return nil
}

// DeactivateExpired marks every active question whose expiry has passed as
// inactive and returns how many changed.
func (s *RewardQuestionStore) DeactivateExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE reward_questions SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE is_active = 1 AND expiry_time IS NOT NULL AND expiry_time <= ?`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired questions: %w", err)
	}
	return result.RowsAffected()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
