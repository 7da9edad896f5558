// Package csrf implements the synchronizer-token guard for state-changing
// requests. Tokens are HMAC-SHA256 of the session id keyed by a per-session
// secret, so they stay stable for the life of a session id.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"vilniustech/student-portal/internal/session"
)

const (
	HeaderName    = "X-CSRF-Token"
	AltHeaderName = "X-XSRF-Token"
	FormField     = "_csrf"

	FailureMessage = "Invalid request token. Please refresh and try again."
)

type Guard struct {
	log *slog.Logger
	// OnReject is called for every rejected request.
	OnReject func(r *http.Request)
}

func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{log: logger}
}

// IssueToken returns the token for s, creating the session's secret when
// it has none.
func (g *Guard) IssueToken(s *session.Session) (string, error) {
	secret, err := s.EnsureCSRFSecret()
	if err != nil {
		return "", err
	}
	return compute(secret, s.ID), nil
}

func compute(secret, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether r carries the token of s. Safe methods always pass.
func (g *Guard) Validate(r *http.Request, s *session.Session) bool {
	if IsSafeMethod(r.Method) {
		return true
	}
	if s == nil || s.Data.CSRFSecret == "" {
		return false
	}
	return Equal(Submitted(r), compute(s.Data.CSRFSecret, s.ID))
}

// Submitted returns the token sent with r, checking the headers before the
// form field.
func Submitted(r *http.Request) string {
	if v := r.Header.Get(HeaderName); v != "" {
		return v
	}
	if v := r.Header.Get(AltHeaderName); v != "" {
		return v
	}
	if isForm(r) {
		return r.PostFormValue(FormField)
	}
	return ""
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

// Equal compares tokens in constant time. Empty tokens never match.
func Equal(submitted, expected string) bool {
	if submitted == "" || len(submitted) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}

func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Middleware rejects unsafe requests without a valid token and exposes the
// token to handlers through Token. It must run inside the session middleware.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		if s == nil {
			g.log.Error("csrf guard without session", "path", r.URL.Path)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if !g.Validate(r, s) {
			g.reject(w, r, s)
			return
		}

		src := &tokenSource{guard: g, sess: s}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, src)))
	})
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if g.OnReject != nil {
		g.OnReject(r)
	}
	g.log.Warn("csrf token rejected", "method", r.Method, "path", r.URL.Path)

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Invalid CSRF token"}` + "\n"))
		return
	}
	s.AddFlash(session.FlashError, FailureMessage)
	http.Redirect(w, r, "/", http.StatusFound)
}

// tokenSource defers token creation until a handler asks for it, so
// requests that render no form do not create a secret.
type tokenSource struct {
	guard *Guard
	sess  *session.Session

	once  sync.Once
	token string
	err   error
}

func (t *tokenSource) get() (string, error) {
	t.once.Do(func() {
		t.token, t.err = t.guard.IssueToken(t.sess)
	})
	return t.token, t.err
}

type ctxKey struct{}

// Token returns the request's CSRF token. It is empty outside the middleware.
func Token(ctx context.Context) string {
	src, ok := ctx.Value(ctxKey{}).(*tokenSource)
	if !ok {
		return ""
	}
	tok, err := src.get()
	if err != nil {
		src.guard.log.Error("issue csrf token", "error", err)
		return ""
	}
	return tok
}
