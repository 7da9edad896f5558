package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/samber/oops"

	"vilniustech/student-portal/internal/observability"
)

// ErrStoreUnavailable marks session store calls that hit their deadline.
var ErrStoreUnavailable = errors.New("session store unavailable")

const (
	DefaultCookieName = "ssp.sid"
	DefaultTTL        = 8 * time.Hour
)

type Config struct {
	CookieName   string
	TTL          time.Duration
	Secure       bool
	Secret       string
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

type Manager struct {
	store        Store
	codec        *securecookie.SecureCookie
	cookieName   string
	ttl          time.Duration
	secure       bool
	storeTimeout time.Duration
	log          *slog.Logger
	nowFunc      func() time.Time
}

func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("session TTL must be >= 0")
	}
	m := &Manager{
		store:        store,
		cookieName:   cfg.CookieName,
		ttl:          cfg.TTL,
		secure:       cfg.Secure,
		storeTimeout: cfg.StoreTimeout,
		log:          cfg.Logger,
		nowFunc:      time.Now,
	}
	if m.cookieName == "" {
		m.cookieName = DefaultCookieName
	}
	if m.ttl == 0 {
		m.ttl = DefaultTTL
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = 5 * time.Second
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	hashKey := sha256.Sum256([]byte(cfg.Secret))
	m.codec = securecookie.New(hashKey[:], nil)
	m.codec.MaxAge(int(m.ttl.Seconds()))
	return m, nil
}

func (m *Manager) CookieName() string { return m.cookieName }

func (m *Manager) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return oops.Code("SESSION_STORE_UNAVAILABLE").With("operation", op).Wrap(errors.Join(ErrStoreUnavailable, err))
	}
	return err
}

// Load returns the session named by the request cookie, or a fresh one when
// the cookie is absent, forged, or points at an expired record.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return newSession()
	}
	var id string
	if err := m.codec.Decode(m.cookieName, c.Value, &id); err != nil || id == "" {
		return newSession()
	}

	var rec Record
	err = m.withStore(r.Context(), "load session", func(ctx context.Context) error {
		var err error
		rec, err = m.store.Get(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return newSession()
	}
	if err != nil {
		return nil, err
	}

	s := &Session{ID: rec.ID, ExpiresAt: rec.ExpiresAt, loaded: rec.Data}
	if err := decodeData(rec.Data, &s.Data); err != nil {
		m.log.Warn("discarding undecodable session", "error", err)
		return newSession()
	}
	return s, nil
}

// Regenerate moves s to a new id with a new CSRF secret. The user snapshot,
// language and flashes carry over; the old id is removed from the store.
func (m *Manager) Regenerate(ctx context.Context, s *Session) (*Session, error) {
	if !s.isNew {
		oldID := s.ID
		err := m.withStore(ctx, "delete session", func(ctx context.Context) error {
			return m.store.Delete(ctx, oldID)
		})
		if err != nil {
			return nil, err
		}
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	s.ID = id
	s.Data.CSRFSecret = ""
	if _, err := s.EnsureCSRFSecret(); err != nil {
		return nil, err
	}
	s.regenerated = true
	return s, nil
}

// Destroy deletes s and clears the cookie. Nothing is written back for s
// afterwards.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	s.destroyed = true
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	if s.isNew {
		return nil
	}
	return m.withStore(ctx, "delete session", func(ctx context.Context) error {
		return m.store.Delete(ctx, s.ID)
	})
}

// Commit persists s when its data changed or it was regenerated, and sets
// the cookie. It must run before the response header is written.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if s == nil || s.destroyed {
		return nil
	}
	dirty, data, err := s.dirty()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	expires := m.nowFunc().Add(m.ttl)
	err = m.withStore(ctx, "save session", func(ctx context.Context) error {
		return m.store.Save(ctx, Record{ID: s.ID, Data: data, ExpiresAt: expires})
	})
	if err != nil {
		return err
	}

	value, err := m.codec.Encode(m.cookieName, s.ID)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	s.ExpiresAt = expires
	s.loaded = data
	s.isNew = false
	s.regenerated = false
	return nil
}

// Sweep removes expired sessions from the store.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	var n int64
	err := m.withStore(ctx, "sweep sessions", func(ctx context.Context) error {
		var err error
		n, err = m.store.DeleteExpired(ctx, m.nowFunc())
		return err
	})
	return n, err
}

// Middleware loads the session into the request context and commits it
// before the first byte of the response. When the commit fails the
// handler's response is replaced by a 503.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Load(r)
		if err != nil {
			observability.LogError(m.log, "load session failed", err, "path", r.URL.Path)
			serviceUnavailable(w)
			return
		}

		cw := &commitWriter{ResponseWriter: w, commit: func() error {
			err := m.Commit(r.Context(), w, s)
			if err != nil {
				observability.LogError(m.log, "commit session failed", err, "path", r.URL.Path)
			}
			return err
		}}
		next.ServeHTTP(cw, r.WithContext(NewContext(r.Context(), s)))
		cw.flush()
	})
}

func serviceUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "5")
	http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
}

type commitWriter struct {
	http.ResponseWriter
	commit    func() error
	committed bool
	failed    bool
}

func (w *commitWriter) flush() {
	if w.committed {
		return
	}
	w.committed = true
	if err := w.commit(); err != nil {
		w.failed = true
		h := w.ResponseWriter.Header()
		for _, k := range []string{"Location", "Content-Type", "Content-Length", "Content-Disposition"} {
			h.Del(k)
		}
		serviceUnavailable(w.ResponseWriter)
	}
}

func (w *commitWriter) WriteHeader(code int) {
	w.flush()
	if w.failed {
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write drops the handler's body once the commit has failed.
func (w *commitWriter) Write(b []byte) (int, error) {
	w.flush()
	if w.failed {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type ctxKey struct{}

func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request's session, or nil outside the middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
