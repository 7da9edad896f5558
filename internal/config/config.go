package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const DefaultSchoolEmailPattern = `(?i)@(stud\.)?vilniustech\.lt$`

type Config struct {
	Env          string
	LogFormat    string
	HTTP         HTTPConfig
	DatabaseURL  string
	DBTimeout    time.Duration
	Session      SessionConfig
	Auth         AuthConfig
	StaticDir    string
	AuditLogFile string
	// Events that started longer ago than this are removed by maintenance.
	EventRetention time.Duration
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type SessionConfig struct {
	Secret          string
	SecretGenerated bool
	CookieName      string
	TTL             time.Duration
	Secure          bool
}

type AuthConfig struct {
	AdminIdentifier    string
	AdminPassword      string
	BcryptCost         int
	SchoolEmailPattern *regexp.Regexp
	UniformLoginErrors bool
	ResetTokenTTL      time.Duration
	ResetCooldown      time.Duration
	PublicBaseURL      string
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func Load() (Config, error) {
	cfg := Config{
		Env:       getEnv("APP_ENV", "development"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":3001"),
			ReadTimeout:     time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
		},
		DatabaseURL: getEnv("DATABASE_URL", "./data/portal.sqlite"),
		DBTimeout:   time.Duration(getEnvInt("DB_TIMEOUT_SEC", 5)) * time.Second,
		Session: SessionConfig{
			Secret:     getEnv("SESSION_SECRET", ""),
			CookieName: getEnv("SESSION_COOKIE_NAME", "ssp.sid"),
			TTL:        time.Duration(getEnvInt("SESSION_TTL_SEC", 8*60*60)) * time.Second,
		},
		Auth: AuthConfig{
			AdminIdentifier:    strings.TrimSpace(getEnv("ADMIN_IDENTIFIER", "admin@vilniustech.lt")),
			AdminPassword:      strings.TrimSpace(getEnv("ADMIN_PASSWORD", "")),
			BcryptCost:         getEnvInt("AUTH_BCRYPT_COST", 10),
			UniformLoginErrors: getEnvBool("AUTH_UNIFORM_LOGIN_ERRORS", false),
			ResetTokenTTL:      time.Duration(getEnvInt("RESET_TOKEN_TTL_SEC", 15*60)) * time.Second,
			ResetCooldown:      time.Duration(getEnvInt("RESET_COOLDOWN_SEC", 60)) * time.Second,
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		},
		StaticDir:      getEnv("STATIC_DIR", "./public"),
		AuditLogFile:   getEnv("AUDIT_LOG_FILE", "./data/audit.log"),
		EventRetention: time.Duration(getEnvInt("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}
	cfg.Session.Secure = cfg.Production() || getEnvBool("SESSION_COOKIE_SECURE", false)

	pattern, err := regexp.Compile(getEnv("AUTH_SCHOOL_EMAIL_PATTERN", DefaultSchoolEmailPattern))
	if err != nil {
		return Config{}, fmt.Errorf("AUTH_SCHOOL_EMAIL_PATTERN is invalid: %w", err)
	}
	cfg.Auth.SchoolEmailPattern = pattern

	if cfg.Session.Secret == "" {
		secret, err := randomSecret(48)
		if err != nil {
			return Config{}, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.Session.Secret = secret
		cfg.Session.SecretGenerated = true
	}

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.DBTimeout <= 0 {
		return Config{}, fmt.Errorf("DB_TIMEOUT_SEC must be > 0")
	}
	if cfg.Session.CookieName == "" {
		return Config{}, fmt.Errorf("SESSION_COOKIE_NAME must not be empty")
	}
	if cfg.Session.TTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_TTL_SEC must be > 0")
	}
	if cfg.Auth.AdminIdentifier == "" {
		return Config{}, fmt.Errorf("ADMIN_IDENTIFIER must not be empty")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return Config{}, fmt.Errorf("AUTH_BCRYPT_COST must be between 4 and 31")
	}
	if cfg.Auth.ResetTokenTTL <= 0 {
		return Config{}, fmt.Errorf("RESET_TOKEN_TTL_SEC must be > 0")
	}
	if cfg.Auth.ResetCooldown < 0 {
		return Config{}, fmt.Errorf("RESET_COOLDOWN_SEC must be >= 0")
	}
	if cfg.EventRetention <= 0 {
		return Config{}, fmt.Errorf("EVENT_RETENTION_DAYS must be > 0")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
