package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/session"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

func (h *handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		h.deps.Metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		h.log.Info("http request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", reqID,
		)
	})
}

// identityMiddleware recomputes the signed-in user's role and settles the
// request language before any handler runs.
func (h *handler) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		if s != nil {
			if u := s.Data.User; u != nil {
				u.Role = h.deps.Resolver.EffectiveRole(u.Identity())
				lang := u.PreferredLanguage
				if lang == "" {
					lang = s.Data.PreferredLanguage
				}
				u.PreferredLanguage = identity.NormalizeLanguage(lang)
			}
			if s.Data.PreferredLanguage != "" {
				s.Data.PreferredLanguage = identity.NormalizeLanguage(s.Data.PreferredLanguage)
			}
		}
		next.ServeHTTP(w, r)
	})
}

const (
	loginRequiredMessage = "Please log in to view this resource"
	notAuthorizedMessage = "You are not authorized to access this resource"
)

func (h *handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			flashRedirect(w, r, session.FlashError, loginRequiredMessage, "/")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUserAPI is requireUser for routes that are also called from
// scripts: JSON clients get a 401 instead of a redirect.
func (h *handler) requireUserAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			if wantsJSON(r) {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			flashRedirect(w, r, session.FlashError, loginRequiredMessage, "/")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin must be chained after requireUser.
func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(r)
		if u == nil || h.deps.Resolver.EffectiveRole(u.Identity()) != identity.RoleAdmin {
			name := ""
			if u != nil {
				name = u.Username
			}
			h.auditReq(r, name, "authz.admin", r.URL.Path, audit.OutcomeDenied, "")
			flashRedirect(w, r, session.FlashError, notAuthorizedMessage, "/dashboard")
			return
		}
		next.ServeHTTP(w, r)
	})
}
