package httpserver

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/schedule"
	"vilniustech/student-portal/internal/session"
)

const schedulesPath = "/schedules/admin"

func (h *handler) registerScheduleRoutes(r *mux.Router) {
	r.Use(h.requireUser, h.requireAdmin)
	r.HandleFunc("/admin", h.schedulesPage).Methods(http.MethodGet)
	r.HandleFunc("/admin", h.createSchedule).Methods(http.MethodPost)
	r.HandleFunc("/admin/{id}/delete", h.deleteSchedule).Methods(http.MethodPost)
}

type schedulesData struct {
	Page     schedule.Page
	Filter   schedule.Filter
	Groups   []string
	Slots    []schedule.Slot
	Days     []int
	ReturnTo string
	PrevURL  string
	NextURL  string
}

func (h *handler) schedulesPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := schedule.ParseFilter(q.Get("group_name"), q.Get("day_of_week"), q.Get("week_pattern"), q.Get("page"))

	groups, err := h.deps.Schedules.Groups(r.Context())
	var page schedule.Page
	if err == nil {
		page, err = h.deps.Schedules.List(r.Context(), f)
	}
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, "load schedule page failed", err)
		flashRedirect(w, r, session.FlashError, "Could not load schedule management page", "/dashboard")
		return
	}

	data := schedulesData{
		Page:     page,
		Filter:   f,
		Groups:   groups,
		Slots:    schedule.LectureSlots,
		Days:     []int{1, 2, 3, 4, 5, 6, 7},
		ReturnTo: r.URL.RequestURI(),
	}
	if page.Number > 1 {
		data.PrevURL = schedulePageURL(f, page.Number-1)
	}
	if page.Number < page.Pages {
		data.NextURL = schedulePageURL(f, page.Number+1)
	}
	h.render(w, r, http.StatusOK, "schedules", "Schedules", nil, data)
}

func schedulePageURL(f schedule.Filter, page int) string {
	q := url.Values{}
	if f.GroupName != "" {
		q.Set("group_name", f.GroupName)
	}
	if f.DayOfWeek != 0 {
		q.Set("day_of_week", strconv.Itoa(f.DayOfWeek))
	}
	if f.WeekPattern != "" {
		q.Set("week_pattern", f.WeekPattern)
	}
	q.Set("page", strconv.Itoa(page))
	return schedulesPath + "?" + q.Encode()
}

// scheduleReturnTo keeps redirects on the schedule page or the dashboard.
func scheduleReturnTo(r *http.Request) string {
	v := strings.TrimSpace(r.PostFormValue("return_to"))
	if strings.HasPrefix(v, schedulesPath) || strings.HasPrefix(v, "/dashboard") {
		return v
	}
	return schedulesPath
}

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	target := scheduleReturnTo(r)
	u := currentUser(r)
	e, err := h.deps.Schedules.Create(r.Context(), u.ID, schedule.Input{
		GroupName:   r.PostFormValue("group_name"),
		DayOfWeek:   r.PostFormValue("day_of_week"),
		LectureSlot: r.PostFormValue("lecture_slot"),
		Subject:     r.PostFormValue("subject"),
		Classroom:   r.PostFormValue("classroom"),
		Lecturer:    r.PostFormValue("lecturer"),
		LectureType: r.PostFormValue("lecture_type"),
		WeekPattern: r.PostFormValue("week_pattern"),
	})
	var inputErr *schedule.InputError
	switch {
	case err == nil:
		h.auditReq(r, u.Username, "schedule.create", strconv.FormatInt(e.ID, 10), audit.OutcomeSuccess, e.GroupName+" "+e.Subject)
		flashRedirect(w, r, session.FlashSuccess, "Schedule entry added successfully", target)
	case errors.As(err, &inputErr):
		flashRedirect(w, r, session.FlashError, inputErr.Message, target)
	case isUnavailable(err):
		unavailable(w, r)
	default:
		observability.LogError(h.log, "create schedule entry failed", err)
		flashRedirect(w, r, session.FlashError, "Could not add schedule entry", target)
	}
}

func (h *handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	target := scheduleReturnTo(r)
	id, ok := pathID(r, "id")
	if !ok {
		flashRedirect(w, r, session.FlashError, "Invalid schedule id", target)
		return
	}
	err := h.deps.Schedules.Delete(r.Context(), id)
	switch {
	case err == nil:
		h.auditReq(r, "", "schedule.delete", strconv.FormatInt(id, 10), audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Schedule entry removed successfully", target)
	case errors.Is(err, schedule.ErrNotFound):
		flashRedirect(w, r, session.FlashError, "Schedule entry not found", target)
	case isUnavailable(err):
		unavailable(w, r)
	default:
		observability.LogError(h.log, "delete schedule entry failed", err, "id", id)
		flashRedirect(w, r, session.FlashError, "Could not remove schedule entry", target)
	}
}
