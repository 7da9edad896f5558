package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/auth"
	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// flashRedirect queues a flash on the request's session and redirects.
func flashRedirect(w http.ResponseWriter, r *http.Request, kind, message, target string) {
	if s := session.FromContext(r.Context()); s != nil && message != "" {
		s.AddFlash(kind, message)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// unavailable answers requests whose store call timed out.
func unavailable(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "5")
	if wantsJSON(r) {
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
}

func isUnavailable(err error) bool {
	return errors.Is(err, auth.ErrStoreUnavailable) ||
		errors.Is(err, session.ErrStoreUnavailable) ||
		errors.Is(err, database.ErrStoreUnavailable)
}

// pathID parses a positive integer route variable.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func currentUser(r *http.Request) *session.User {
	if s := session.FromContext(r.Context()); s != nil {
		return s.Data.User
	}
	return nil
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// auditReq records an action with the request's id and client address. A
// failed write is logged and never fails the request.
func (h *handler) auditReq(r *http.Request, actor, action, target, outcome, detail string) {
	if h.deps.Audit == nil {
		return
	}
	if actor == "" {
		if u := currentUser(r); u != nil {
			actor = u.Username
		}
	}
	err := h.deps.Audit.Record(r.Context(), audit.Event{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		RequestID: requestIDFromContext(r.Context()),
		IP:        clientIP(r),
		Detail:    strings.TrimSpace(detail),
	})
	if err != nil {
		h.log.Warn("audit write failed", "action", action, "error", err)
	}
}
