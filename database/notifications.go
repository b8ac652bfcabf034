package database

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"claimsync/models"
)

// CreateNotification stores n for recipientID, assigning id and timestamp.
func (s *Store) CreateNotification(ctx context.Context, recipientID string, n models.Notification) (models.Notification, error) {
	n.ID = uuid.NewString()
	n.IsRead = false
	n.CreatedAt = s.now()
	if n.Priority == "" {
		n.Priority = models.PriorityMedium
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, title, message, category, priority, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID, recipientID, n.Title, n.Message, n.Category, string(n.Priority), n.CreatedAt,
	)
	if err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

// ListNotifications returns one page of recipientID's notifications, newest
// first. Total and UnreadCount are computed under the same filter.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, page, pageSize int, filter models.NotificationFilter) (models.NotificationPage, error) {
	where := []string{"recipient_id = ?"}
	args := []any{recipientID}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.UnreadOnly {
		where = append(where, "is_read = 0")
	}
	cond := strings.Join(where, " AND ")

	out := models.NotificationPage{Items: []models.Notification{}}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) FROM notifications WHERE "+cond,
		args...,
	).Scan(&out.Total, &out.UnreadCount); err != nil {
		return models.NotificationPage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, message, category, priority, is_read, created_at FROM notifications
		WHERE `+cond+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, pageSize, (page-1)*pageSize)...,
	)
	if err != nil {
		return models.NotificationPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var n models.Notification
		var priority string
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &n.Category, &priority, &n.IsRead, &n.CreatedAt); err != nil {
			return models.NotificationPage{}, err
		}
		n.Priority = models.Priority(priority)
		out.Items = append(out.Items, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks one notification read. It reports whether the
// notification was unread before.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientID, id string) (bool, error) {
	var isRead bool
	err := s.db.QueryRowContext(ctx,
		"SELECT is_read FROM notifications WHERE id = ? AND recipient_id = ?", id, recipientID,
	).Scan(&isRead)
	if err != nil {
		return false, notFound(err)
	}
	if isRead {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	return err == nil, err
}

// MarkAllNotificationsRead marks every notification of recipientID read and
// returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0", recipientID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteNotification removes one notification of recipientID.
func (s *Store) DeleteNotification(ctx context.Context, recipientID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE id = ? AND recipient_id = ?", id, recipientID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadNotificationCount counts recipientID's unread notifications.
func (s *Store) UnreadNotificationCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0", recipientID,
	).Scan(&n)
	return n, err
}
