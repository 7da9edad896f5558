package httpserver

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"vilniustech/student-portal/internal/csrf"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/schedule"
	"vilniustech/student-portal/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"login",
	"register",
	"forgot_password",
	"reset_password",
	"dashboard",
	"profile",
	"students",
	"student_form",
	"schedules",
}

type pageRenderer struct {
	pages map[string]*template.Template
}

func newPageRenderer() *pageRenderer {
	funcs := template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"datetime": func(ms int64) string {
			return time.UnixMilli(ms).Format("2006-01-02 15:04")
		},
		"dayname": schedule.DayName,
	}
	base := template.Must(template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html"))

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t := template.Must(base.Clone())
		pages[name] = template.Must(t.ParseFS(templateFS, "templates/"+name+".html"))
	}
	return &pageRenderer{pages: pages}
}

func (p *pageRenderer) execute(buf *bytes.Buffer, name string, data pageData) error {
	t, ok := p.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	return t.ExecuteTemplate(buf, "layout.html", data)
}

type pageData struct {
	Title     string
	User      *session.User
	IsAdmin   bool
	CSRFToken string
	Flashes   []session.Flash
	Language  string
	Languages []string
	Header    headerInfo
	Errors    []string
	Data      any
}

// render writes a full page. Flashes are consumed and the CSRF token is
// issued before the header goes out, so the session commit sees both.
func (h *handler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, errs []string, data any) {
	pd := pageData{
		Title:     title,
		User:      currentUser(r),
		CSRFToken: csrf.Token(r.Context()),
		Language:  identity.DefaultLanguage,
		Languages: identity.SupportedLanguages,
		Header:    headerInfoAt(h.nowFunc().In(h.deps.Location)),
		Errors:    errs,
		Data:      data,
	}
	if pd.User != nil {
		pd.IsAdmin = h.deps.Resolver.EffectiveRole(pd.User.Identity()) == identity.RoleAdmin
	}
	if s := session.FromContext(r.Context()); s != nil {
		pd.Flashes = s.PopFlashes()
		pd.Language = s.Language()
	}

	var buf bytes.Buffer
	if err := h.pages.execute(&buf, page, pd); err != nil {
		observability.LogError(h.log, "render page failed", err, "page", page)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type headerInfo struct {
	Date    string
	Week    int
	Lecture string
}

type lectureSlot struct {
	from, to int // minutes after midnight, to is exclusive
	label    string
}

var lectureSlots = headerSlots()

// headerSlots is the timetable plus the lunch break between the third and
// fourth lecture.
func headerSlots() []lectureSlot {
	out := make([]lectureSlot, 0, len(schedule.LectureSlots)+1)
	for i, s := range schedule.LectureSlots {
		if s.Number == 4 && i > 0 {
			out = append(out, lectureSlot{schedule.LectureSlots[i-1].EndMinute(), s.StartMinute(), "Lunch Break"})
		}
		out = append(out, lectureSlot{s.StartMinute(), s.EndMinute(), s.Label})
	}
	return out
}

func headerInfoAt(now time.Time) headerInfo {
	return headerInfo{
		Date:    now.Format("2006-01-02"),
		Week:    weekCycle(now),
		Lecture: lectureLabel(now),
	}
}

// weekCycle alternates the timetable between week 1 and week 2 by the week
// of the month; days past the 28th count as the fourth week.
func weekCycle(now time.Time) int {
	week := min(4, (now.Day()-1)/7+1)
	if week%2 == 1 {
		return 1
	}
	return 2
}

func lectureLabel(now time.Time) string {
	minutes := now.Hour()*60 + now.Minute()
	for _, slot := range lectureSlots {
		if minutes >= slot.from && minutes < slot.to {
			return slot.label
		}
	}
	return "Break"
}
