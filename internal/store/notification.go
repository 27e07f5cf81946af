package store

import (
	"database/sql"
	"fmt"

	"github.com/delipucash/server/internal/model"
)

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func scanNotification(row scanner) (*model.Notification, error) {
	var n model.Notification
	var read int
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.Priority, &n.Category, &n.Icon, &read, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.IsRead = read != 0
	return &n, nil
}

const notificationCols = `id, user_id, type, title, body, priority, category, icon, is_read, created_at`

func (s *NotificationStore) Create(n model.Notification) (*model.Notification, error) {
	result, err := s.db.Exec(
		`INSERT INTO notifications (user_id, type, title, body, priority, category, icon) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Type, n.Title, n.Body, n.Priority, n.Category, n.Icon,
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	created, err := scanNotification(s.db.QueryRow(`SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return created, nil
}

func (s *NotificationStore) ListByUser(userID int64) ([]model.Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+notificationCols+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var list []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		list = append(list, *n)
	}
	return list, rows.Err()
}

// MarkRead flags a notification owned by userID as read. It reports false if
// no such notification exists.
func (s *NotificationStore) MarkRead(id, userID int64) (bool, error) {
	result, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
