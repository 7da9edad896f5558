package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/auth"
	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/csrf"
	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/event"
	"vilniustech/student-portal/internal/httpserver"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/migrations"
	"vilniustech/student-portal/internal/notification"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/roster"
	"vilniustech/student-portal/internal/schedule"
	"vilniustech/student-portal/internal/session"
)

const maintenanceInterval = 15 * time.Minute

type App struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sqlx.DB
	server   *httpserver.Server
	sessions *session.Manager
	auth     *auth.Service
	events   *event.Service
}

// New opens and migrates the database, seeds the administrator account and
// builds the HTTP server. A nil logger logs to stderr in cfg.LogFormat.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.LogFormat, nil)
	}
	if cfg.Session.SecretGenerated {
		logger.Warn("SESSION_SECRET is not set; sessions will not survive a restart")
	}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, logger, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, db *sqlx.DB) (*App, error) {
	authService, err := newAuthService(cfg, logger, db)
	if err != nil {
		return nil, err
	}
	if _, err := seedAdmin(ctx, cfg, logger, authService); err != nil {
		return nil, err
	}
	resolver := authService.Resolver()

	sessionStore, err := session.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	sessions, err := session.NewManager(sessionStore, session.Config{
		CookieName:   cfg.Session.CookieName,
		TTL:          cfg.Session.TTL,
		Secure:       cfg.Session.Secure,
		Secret:       cfg.Session.Secret,
		StoreTimeout: cfg.DBTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	rosterService, err := roster.NewService(db, resolver, roster.WithStoreTimeout(cfg.DBTimeout))
	if err != nil {
		return nil, fmt.Errorf("create roster service: %w", err)
	}
	notificationService, err := notification.NewService(db, notification.WithStoreTimeout(cfg.DBTimeout))
	if err != nil {
		return nil, fmt.Errorf("create notification service: %w", err)
	}
	eventService, err := event.NewService(db, time.Local, event.WithStoreTimeout(cfg.DBTimeout))
	if err != nil {
		return nil, fmt.Errorf("create event service: %w", err)
	}

	scheduleService, err := schedule.NewService(db, schedule.WithStoreTimeout(cfg.DBTimeout))
	if err != nil {
		return nil, fmt.Errorf("create schedule service: %w", err)
	}

	registry := observability.NewRegistry()
	metrics := observability.NewMetrics(registry)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "portal_db_open_connections",
		Help: "Open connections in the database pool.",
	}, func() float64 { return float64(db.Stats().OpenConnections) }))

	guard := csrf.NewGuard(logger)
	guard.OnReject = func(*http.Request) { metrics.CSRFRejected() }

	server := httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:          authService,
		Roster:        rosterService,
		Notifications: notificationService,
		Events:        eventService,
		Schedules:     scheduleService,
		Audit:         audit.NewLogger(cfg.AuditLogFile),
		Resolver:      resolver,
		Sessions:      sessions,
		CSRF:          guard,
		DB:            db,
		Metrics:       metrics,
		Registry:      registry,
		Logger:        logger,
		StaticDir:     cfg.StaticDir,
		Location:      time.Local,
	})

	return &App{
		cfg:      cfg,
		log:      logger,
		db:       db,
		server:   server,
		sessions: sessions,
		auth:     authService,
		events:   eventService,
	}, nil
}

// OpenDatabase connects to cfg.DatabaseURL and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg config.Config) (*sqlx.DB, error) {
	openCtx, cancel := context.WithTimeout(ctx, cfg.DBTimeout)
	defer cancel()
	db, err := database.Open(openCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(ctx, db.DB, database.DialectOf(db)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newAuthService(cfg config.Config, logger *slog.Logger, db *sqlx.DB) (*auth.Service, error) {
	store, err := auth.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}
	svc, err := auth.NewService(store, auth.ServiceConfig{
		Hasher:             auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Resolver:           identity.NewResolver(cfg.Auth.AdminIdentifier),
		Logger:             logger,
		SchoolEmailPattern: cfg.Auth.SchoolEmailPattern,
		ResetTokenTTL:      cfg.Auth.ResetTokenTTL,
		ResetCooldown:      cfg.Auth.ResetCooldown,
		StoreTimeout:       cfg.DBTimeout,
		UniformLoginErrors: cfg.Auth.UniformLoginErrors,
		PublicBaseURL:      cfg.Auth.PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}
	return svc, nil
}

func seedAdmin(ctx context.Context, cfg config.Config, logger *slog.Logger, svc *auth.Service) (auth.AdminSeed, error) {
	seed, err := svc.EnsureAdmin(ctx, cfg.Auth.AdminPassword)
	if err != nil {
		observability.LogError(logger, "seed admin failed", err)
		return auth.AdminSeed{}, fmt.Errorf("seed admin: %w", err)
	}
	switch {
	case seed.GeneratedPassword != "":
		logger.Warn("admin account created with a generated password; change it after first login",
			"identifier", seed.User.Username, "password", seed.GeneratedPassword)
	case seed.Created:
		logger.Info("admin account created", "identifier", seed.User.Username)
	}
	return seed, nil
}

// SeedAdmin opens the database and makes sure the administrator account exists.
func SeedAdmin(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.AdminSeed, error) {
	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return auth.AdminSeed{}, err
	}
	defer db.Close()

	svc, err := newAuthService(cfg, logger, db)
	if err != nil {
		return auth.AdminSeed{}, err
	}
	return seedAdmin(ctx, cfg, logger, svc)
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		_ = a.db.Close()
	}()

	maintCtx, stopMaint := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.maintain(maintCtx)
	}()
	defer func() {
		stopMaint()
		wg.Wait()
	}()

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// maintain sweeps expired sessions, used reset tokens and old events until
// ctx is done.
func (a *App) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		a.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	if n, err := a.sessions.Sweep(ctx); err != nil {
		observability.LogError(a.log, "sweep sessions failed", err)
	} else if n > 0 {
		a.log.Info("expired sessions removed", "count", n)
	}
	if n, err := a.auth.SweepResetTokens(ctx); err != nil {
		observability.LogError(a.log, "sweep reset tokens failed", err)
	} else if n > 0 {
		a.log.Info("reset tokens removed", "count", n)
	}

	eventCtx, cancel := context.WithTimeout(ctx, a.cfg.DBTimeout)
	defer cancel()
	if n, err := a.events.Cleanup(eventCtx, a.cfg.EventRetention); err != nil {
		observability.LogError(a.log, "cleanup events failed", err)
	} else if n > 0 {
		a.log.Info("past events removed", "count", n)
	}
}
