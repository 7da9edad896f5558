package httpserver

import (
	"errors"
	"net/http"

	"vilniustech/student-portal/internal/auth"
	"vilniustech/student-portal/internal/event"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/session"
)

func (h *handler) home(w http.ResponseWriter, r *http.Request) {
	if currentUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	h.render(w, r, http.StatusOK, "login", "Login", nil, nil)
}

type dashboardData struct {
	Upcoming []event.Event
	Past     []event.Event
}

// dashboard lists upcoming events for everyone and past events for the
// administrator. Event failures degrade to empty lists.
func (h *handler) dashboard(w http.ResponseWriter, r *http.Request) {
	var data dashboardData
	if h.deps.Events != nil {
		now := h.nowFunc()
		upcoming, err := h.deps.Events.Upcoming(r.Context(), now, 0)
		if err != nil {
			observability.LogError(h.log, "list upcoming events failed", err)
		}
		data.Upcoming = upcoming

		u := currentUser(r)
		if h.deps.Resolver.EffectiveRole(u.Identity()) == identity.RoleAdmin {
			past, err := h.deps.Events.Past(r.Context(), now, 0)
			if err != nil {
				observability.LogError(h.log, "list past events failed", err)
			}
			data.Past = past
		}
	}
	h.render(w, r, http.StatusOK, "dashboard", "Dashboard", nil, data)
}

// profile reloads the account so the page and the session snapshot reflect
// changes made outside this session. A failed reload renders the snapshot.
func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	su := s.Data.User
	u, err := h.deps.Auth.Profile(r.Context(), su.ID)
	switch {
	case err == nil:
		su.Username = u.Username
		su.Email = u.Email
		su.Role = u.Role
		su.AvatarURL = u.AvatarURL
		su.FirstName = u.FirstName
		su.LastName = u.LastName
		if u.PreferredLanguage != "" {
			su.PreferredLanguage = identity.NormalizeLanguage(u.PreferredLanguage)
		}
	case errors.Is(err, auth.ErrUserNotFound):
		if err := h.deps.Sessions.Destroy(r.Context(), w, s); err != nil {
			observability.LogError(h.log, "destroy session failed", err)
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	case isUnavailable(err):
		unavailable(w, r)
		return
	default:
		observability.LogError(h.log, "reload profile failed", err, "user_id", su.ID)
	}
	h.render(w, r, http.StatusOK, "profile", "Profile", nil, nil)
}
