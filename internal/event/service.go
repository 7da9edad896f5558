// Package event manages dated campus events shown on the dashboard.
package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"vilniustech/student-portal/internal/database"
)

const (
	MaxTitleLength   = 140
	MaxDetailsLength = 1200

	defaultUpcomingLimit = 8
	maxUpcomingLimit     = 50
	defaultPastLimit     = 20
	maxPastLimit         = 100

	// An event may start at most this long ago when it is created.
	pastTolerance = time.Minute
)

var (
	ErrInvalidInput = errors.New("invalid event")
	ErrNotFound     = errors.New("event not found")
)

type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

type Event struct {
	ID        int64   `db:"id" json:"id"`
	Title     string  `db:"title" json:"title"`
	Details   *string `db:"details" json:"details,omitempty"`
	StartsAt  int64   `db:"starts_at" json:"starts_at"`
	CreatedAt int64   `db:"created_at" json:"created_at"`
}

func (e Event) Start() time.Time { return time.UnixMilli(e.StartsAt) }

type Input struct {
	Title    string
	Details  string
	StartsAt string
}

type Service struct {
	db           *sqlx.DB
	loc          *time.Location
	storeTimeout time.Duration
	nowFunc      func() time.Time
}

type Option func(*Service)

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// NewService returns an event service. Start times without a zone are read
// in loc; nil means time.Local.
func NewService(db *sqlx.DB, loc *time.Location, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Service{db: db, loc: loc, storeTimeout: database.DefaultStoreTimeout, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var startLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseStart accepts datetime-local form values, RFC 3339 timestamps and
// plain dates.
func ParseStart(v string, loc *time.Location) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (s *Service) Create(ctx context.Context, createdBy int64, in Input) (Event, error) {
	title := strings.TrimSpace(in.Title)
	details := strings.TrimSpace(in.Details)
	start, ok := ParseStart(in.StartsAt, s.loc)
	if title == "" || !ok {
		return Event{}, &InputError{Message: "Event title and date are required"}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength || utf8.RuneCountInString(details) > MaxDetailsLength {
		return Event{}, &InputError{Message: "Event title or details exceed allowed length"}
	}
	now := s.nowFunc()
	if start.Before(now.Add(-pastTolerance)) {
		return Event{}, &InputError{Message: "Event date must be in the future"}
	}

	var detailsArg any
	if details != "" {
		detailsArg = details
	}

	var e Event
	err := database.WithTimeout(ctx, s.storeTimeout, "create event", func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO events (title, details, starts_at, created_by, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id, title, details, starts_at, created_at`),
			title, detailsArg, start.UnixMilli(), createdBy, now.UnixMilli(),
		).StructScan(&e)
	})
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	var n int64
	err := database.WithTimeout(ctx, s.storeTimeout, "delete event", func(ctx context.Context) error {
		var err error
		n, err = s.exec(ctx, `DELETE FROM events WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Upcoming lists events starting at or after from, soonest first.
func (s *Service) Upcoming(ctx context.Context, from time.Time, limit int) ([]Event, error) {
	limit = clampLimit(limit, defaultUpcomingLimit, maxUpcomingLimit)
	out := []Event{}
	err := database.WithTimeout(ctx, s.storeTimeout, "list upcoming events", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT id, title, details, starts_at, created_at
			FROM events
			WHERE starts_at >= ?
			ORDER BY starts_at ASC, id ASC
			LIMIT ?`), from.UnixMilli(), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list upcoming events: %w", err)
	}
	return out, nil
}

// Past lists events that started before before, most recent first.
func (s *Service) Past(ctx context.Context, before time.Time, limit int) ([]Event, error) {
	limit = clampLimit(limit, defaultPastLimit, maxPastLimit)
	out := []Event{}
	err := database.WithTimeout(ctx, s.storeTimeout, "list past events", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT id, title, details, starts_at, created_at
			FROM events
			WHERE starts_at < ?
			ORDER BY starts_at DESC, id DESC
			LIMIT ?`), before.UnixMilli(), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list past events: %w", err)
	}
	return out, nil
}

// Cleanup deletes events that started more than olderThan ago. Retention is
// never shorter than one day.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 24*time.Hour {
		olderThan = 24 * time.Hour
	}
	threshold := s.nowFunc().Add(-olderThan)
	var n int64
	err := database.WithTimeout(ctx, s.storeTimeout, "cleanup events", func(ctx context.Context) error {
		var err error
		n, err = s.exec(ctx, `DELETE FROM events WHERE starts_at < ?`, threshold.UnixMilli())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return n, nil
}

func clampLimit(v, def, ceiling int) int {
	if v <= 0 {
		return def
	}
	if v > ceiling {
		return ceiling
	}
	return v
}
