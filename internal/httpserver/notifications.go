package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/notification"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/session"
)

func (h *handler) registerNotificationRoutes(r *mux.Router) {
	r.Use(h.requireUserAPI)
	r.HandleFunc("", h.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/", h.listNotifications).Methods(http.MethodGet)
	r.Handle("/admin/broadcast", h.requireAdmin(http.HandlerFunc(h.broadcast))).Methods(http.MethodPost)
	r.HandleFunc("/{id}/read", h.markNotificationRead).Methods(http.MethodPatch)
	r.HandleFunc("/{id}", h.deleteNotification).Methods(http.MethodDelete)
}

type notificationView struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
	IsRead    bool   `json:"is_read"`
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	items, unread, err := h.deps.Notifications.ListForUser(r.Context(), u.ID)
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, "list notifications failed", err, "user_id", u.ID)
		writeError(w, http.StatusInternalServerError, "Could not load notifications")
		return
	}
	out := make([]notificationView, 0, len(items))
	for _, it := range items {
		out = append(out, notificationView{
			ID:        it.ID,
			Title:     it.Title,
			Message:   it.Message,
			CreatedAt: it.CreatedAt,
			IsRead:    it.IsRead,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out, "unreadCount": unread})
}

func (h *handler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	h.updateReceipt(w, r, h.deps.Notifications.MarkRead, "Could not mark notification as read")
}

func (h *handler) deleteNotification(w http.ResponseWriter, r *http.Request) {
	h.updateReceipt(w, r, h.deps.Notifications.Delete, "Could not delete notification")
}

type receiptFunc func(ctx context.Context, userID, notificationID int64) (int, error)

func (h *handler) updateReceipt(w http.ResponseWriter, r *http.Request, op receiptFunc, failure string) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid notification id")
		return
	}
	u := currentUser(r)
	unread, err := op(r.Context(), u.ID, id)
	if errors.Is(err, notification.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, failure, err, "user_id", u.ID, "notification_id", id)
		writeError(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "unreadCount": unread})
}

func (h *handler) broadcast(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	n, err := h.deps.Notifications.Broadcast(r.Context(), u.ID, r.PostFormValue("title"), r.PostFormValue("message"))
	var inputErr *notification.InputError
	switch {
	case err == nil:
		h.auditReq(r, u.Username, "notification.broadcast", strconv.FormatInt(n.ID, 10), audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Notification sent to all users", "/dashboard")
	case errors.As(err, &inputErr):
		flashRedirect(w, r, session.FlashError, inputErr.Message, "/dashboard")
	case isUnavailable(err):
		unavailable(w, r)
	default:
		observability.LogError(h.log, "broadcast notification failed", err)
		h.auditReq(r, u.Username, "notification.broadcast", "", audit.OutcomeFailed, "internal error")
		flashRedirect(w, r, session.FlashError, "Could not send notification", "/dashboard")
	}
}
