package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/auth"
	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/csrf"
	"vilniustech/student-portal/internal/event"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/notification"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/roster"
	"vilniustech/student-portal/internal/schedule"
	"vilniustech/student-portal/internal/session"
)

type AuthService interface {
	Register(ctx context.Context, in auth.RegisterInput) (auth.User, error)
	Login(ctx context.Context, identifier, password string) (auth.User, error)
	Profile(ctx context.Context, userID int64) (auth.User, error)
	ChangeUsername(ctx context.Context, userID int64, currentIdentity, password, newUsername string) (auth.User, error)
	ChangePassword(ctx context.Context, userID int64, current, next, confirm string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ValidateResetToken(ctx context.Context, raw string) error
	ResetPassword(ctx context.Context, raw, next, confirm string) (int64, error)
	UpdatePreferredLanguage(ctx context.Context, userID int64, lang string) (string, error)
}

type RosterService interface {
	Create(ctx context.Context, in roster.Input) (roster.Student, error)
	List(ctx context.Context) ([]roster.Student, error)
	Get(ctx context.Context, id int64) (roster.Student, error)
	Update(ctx context.Context, id int64, in roster.Input) (roster.Student, error)
	Delete(ctx context.Context, id int64) error
	ExportXML(ctx context.Context, w io.Writer) error
}

type NotificationService interface {
	Broadcast(ctx context.Context, createdBy int64, title, message string) (notification.Notification, error)
	ListForUser(ctx context.Context, userID int64) ([]notification.Item, int, error)
	MarkRead(ctx context.Context, userID, notificationID int64) (int, error)
	Delete(ctx context.Context, userID, notificationID int64) (int, error)
}

type EventService interface {
	Create(ctx context.Context, createdBy int64, in event.Input) (event.Event, error)
	Delete(ctx context.Context, id int64) error
	Upcoming(ctx context.Context, from time.Time, limit int) ([]event.Event, error)
	Past(ctx context.Context, before time.Time, limit int) ([]event.Event, error)
}

type ScheduleService interface {
	Create(ctx context.Context, createdBy int64, in schedule.Input) (schedule.Entry, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f schedule.Filter) (schedule.Page, error)
	Groups(ctx context.Context) ([]string, error)
}

type AuditLogger interface {
	Record(ctx context.Context, e audit.Event) error
}

// Pinger reports database readiness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Auth          AuthService
	Roster        RosterService
	Notifications NotificationService
	Events        EventService
	Schedules     ScheduleService
	Audit         AuditLogger
	Resolver      *identity.Resolver
	Sessions      *session.Manager
	CSRF          *csrf.Guard
	DB            Pinger
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry
	Logger        *slog.Logger
	StaticDir     string
	// Location is used for the dashboard clock; nil means time.Local.
	Location *time.Location
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

type handler struct {
	deps    Deps
	log     *slog.Logger
	pages   *pageRenderer
	nowFunc func() time.Time
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Resolver == nil {
		deps.Resolver = identity.NewResolver("")
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	h := &handler{
		deps:    deps,
		log:     deps.Logger,
		pages:   newPageRenderer(),
		nowFunc: time.Now,
	}
	return h.routes()
}

func (h *handler) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.loggingMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	if h.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	h.registerStatic(r)

	// Everything below carries a session.
	app := r.PathPrefix("/").Subrouter()
	if h.deps.Sessions != nil {
		app.Use(h.deps.Sessions.Middleware)
	}
	app.Use(h.identityMiddleware)
	if h.deps.CSRF != nil {
		app.Use(h.deps.CSRF.Middleware)
	}

	app.HandleFunc("/", h.home).Methods(http.MethodGet)
	app.Handle("/dashboard", h.requireUser(http.HandlerFunc(h.dashboard))).Methods(http.MethodGet)
	app.Handle("/profile", h.requireUser(http.HandlerFunc(h.profile))).Methods(http.MethodGet)

	h.registerAuthRoutes(app.PathPrefix("/auth").Subrouter())
	h.registerNotificationRoutes(app.PathPrefix("/notifications").Subrouter())
	h.registerEventRoutes(app.PathPrefix("/events").Subrouter())
	h.registerStudentRoutes(app.PathPrefix("/admin/students").Subrouter())
	h.registerScheduleRoutes(app.PathPrefix("/schedules").Subrouter())

	app.NotFoundHandler = http.HandlerFunc(h.notFound)
	r.NotFoundHandler = app.NotFoundHandler
	return r
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			observability.LogError(h.log, "readiness check failed", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) registerStatic(r *mux.Router) {
	dir := strings.TrimSpace(h.deps.StaticDir)
	if dir == "" {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		h.log.Warn("static directory not found, skipping", "dir", dir)
		return
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(dir)))).Methods(http.MethodGet, http.MethodHead)
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	http.NotFound(w, r)
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
