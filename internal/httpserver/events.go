package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/event"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/session"
)

const manageEventsPath = "/dashboard#manage-events"

func (h *handler) registerEventRoutes(r *mux.Router) {
	r.Use(h.requireUser, h.requireAdmin)
	r.HandleFunc("/admin", h.createEvent).Methods(http.MethodPost)
	r.HandleFunc("/admin/{id}/delete", h.deleteEvent).Methods(http.MethodPost)
}

func (h *handler) createEvent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	e, err := h.deps.Events.Create(r.Context(), u.ID, event.Input{
		Title:    r.PostFormValue("title"),
		Details:  r.PostFormValue("details"),
		StartsAt: r.PostFormValue("starts_at"),
	})
	var inputErr *event.InputError
	switch {
	case err == nil:
		h.auditReq(r, u.Username, "event.create", strconv.FormatInt(e.ID, 10), audit.OutcomeSuccess, e.Title)
		flashRedirect(w, r, session.FlashSuccess, "Event added successfully", manageEventsPath)
	case errors.As(err, &inputErr):
		flashRedirect(w, r, session.FlashError, inputErr.Message, manageEventsPath)
	case isUnavailable(err):
		unavailable(w, r)
	default:
		observability.LogError(h.log, "create event failed", err)
		flashRedirect(w, r, session.FlashError, "Could not add event", manageEventsPath)
	}
}

func (h *handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		flashRedirect(w, r, session.FlashError, "Invalid event id", manageEventsPath)
		return
	}
	u := currentUser(r)
	err := h.deps.Events.Delete(r.Context(), id)
	switch {
	case err == nil:
		h.auditReq(r, u.Username, "event.delete", strconv.FormatInt(id, 10), audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Event removed successfully", manageEventsPath)
	case errors.Is(err, event.ErrNotFound):
		flashRedirect(w, r, session.FlashError, "Event not found", manageEventsPath)
	case isUnavailable(err):
		unavailable(w, r)
	default:
		observability.LogError(h.log, "delete event failed", err, "id", id)
		flashRedirect(w, r, session.FlashError, "Could not remove event", manageEventsPath)
	}
}
