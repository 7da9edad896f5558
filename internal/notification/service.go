// Package notification broadcasts admin messages to every account and keeps
// a per-user receipt with read and deleted state.
package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"vilniustech/student-portal/internal/database"
)

const (
	MaxTitleLength   = 120
	MaxMessageLength = 1200
	listLimit        = 40
)

var (
	ErrInvalidInput = errors.New("invalid notification")
	ErrNotFound     = errors.New("notification not found")
)

// InputError is a rejected submission. Message is safe to show to the user.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

type Notification struct {
	ID        int64  `db:"id" json:"id"`
	Title     string `db:"title" json:"title"`
	Message   string `db:"message" json:"message"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Item is a notification as seen by one recipient.
type Item struct {
	Notification
	IsRead bool `db:"is_read" json:"is_read"`
}

type Service struct {
	db           *sqlx.DB
	storeTimeout time.Duration
	nowFunc      func() time.Time
}

type Option func(*Service)

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func NewService(db *sqlx.DB, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &Service{db: db, storeTimeout: database.DefaultStoreTimeout, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Broadcast stores a notification and gives every existing account an
// unread receipt for it.
func (s *Service) Broadcast(ctx context.Context, createdBy int64, title, message string) (Notification, error) {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	if title == "" || message == "" {
		return Notification{}, &InputError{Message: "Notification title and message are required"}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength || utf8.RuneCountInString(message) > MaxMessageLength {
		return Notification{}, &InputError{Message: "Notification title or message exceeds allowed length"}
	}

	var n Notification
	err := database.WithTimeout(ctx, s.storeTimeout, "broadcast notification", func(ctx context.Context) error {
		return database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
			err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO notifications (title, message, created_by, created_at)
				VALUES (?, ?, ?, ?)
				RETURNING id, title, message, created_at`),
				title, message, createdBy, s.nowFunc().UnixMilli(),
			).StructScan(&n)
			if err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}

			// WHERE true keeps SQLite from reading ON CONFLICT as a join constraint.
			_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO notification_receipts (notification_id, user_id, is_read)
				SELECT CAST(? AS BIGINT), id, 0 FROM users WHERE true
				ON CONFLICT DO NOTHING`), n.ID)
			if err != nil {
				return fmt.Errorf("insert receipts: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListForUser returns the newest visible notifications of userID and the
// number of unread ones.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]Item, int, error) {
	items := []Item{}
	var unread int
	err := database.WithTimeout(ctx, s.storeTimeout, "list notifications", func(ctx context.Context) error {
		err := s.db.SelectContext(ctx, &items, s.db.Rebind(`SELECT n.id, n.title, n.message, n.created_at, nr.is_read
			FROM notification_receipts nr
			INNER JOIN notifications n ON n.id = nr.notification_id
			WHERE nr.user_id = ? AND nr.deleted_at IS NULL
			ORDER BY n.created_at DESC, n.id DESC
			LIMIT ?`), userID, listLimit)
		if err != nil {
			return fmt.Errorf("list notifications: %w", err)
		}
		unread, err = s.unreadCount(ctx, userID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := database.WithTimeout(ctx, s.storeTimeout, "count unread notifications", func(ctx context.Context) error {
		var err error
		n, err = s.unreadCount(ctx, userID)
		return err
	})
	return n, err
}

func (s *Service) unreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM notification_receipts
		WHERE user_id = ? AND deleted_at IS NULL AND is_read = 0`), userID)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead marks a receipt read and returns the new unread count. The first
// read time is kept.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID int64) (int, error) {
	return s.updateReceipt(ctx, "mark notification read", `UPDATE notification_receipts
		SET is_read = 1, read_at = COALESCE(read_at, ?)
		WHERE notification_id = ? AND user_id = ? AND deleted_at IS NULL`, userID, notificationID)
}

// Delete hides a receipt from its recipient and returns the new unread count.
func (s *Service) Delete(ctx context.Context, userID, notificationID int64) (int, error) {
	return s.updateReceipt(ctx, "delete notification", `UPDATE notification_receipts
		SET deleted_at = ?
		WHERE notification_id = ? AND user_id = ? AND deleted_at IS NULL`, userID, notificationID)
}

// updateReceipt runs query with (now, notificationID, userID) and returns the
// recipient's unread count afterwards.
func (s *Service) updateReceipt(ctx context.Context, op, query string, userID, notificationID int64) (int, error) {
	var unread int
	err := database.WithTimeout(ctx, s.storeTimeout, op, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), s.nowFunc().UnixMilli(), notificationID, userID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		unread, err = s.unreadCount(ctx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return unread, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
