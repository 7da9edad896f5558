package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("session not found")

type Record struct {
	ID        string
	Data      []byte
	ExpiresAt time.Time
}

// Store persists encoded sessions. Get treats expired records as missing.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	nowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), nowFunc: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok || !rec.ExpiresAt.After(m.nowFunc()) {
		return Record{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	rec.Data = append([]byte(nil), rec.Data...)
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if !rec.ExpiresAt.After(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored records, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// IDs lists the stored session ids in no particular order.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

// SQLStore keeps sessions in the sessions table.
type SQLStore struct {
	db      *sqlx.DB
	nowFunc func() time.Time
}

func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &SQLStore{db: db, nowFunc: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	var row struct {
		ID        string `db:"id"`
		Data      string `db:"data"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, data, expires_at FROM sessions WHERE id = ? AND expires_at > ?`), id, s.nowFunc().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query session: %w", err)
	}
	return Record{ID: row.ID, Data: []byte(row.Data), ExpiresAt: time.UnixMilli(row.ExpiresAt)}, nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO sessions (id, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`),
		rec.ID, string(rec.Data), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE expires_at <= ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
