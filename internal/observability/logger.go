package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/samber/oops"
)

const serviceName = "student-portal"

// NewLogger returns a slog logger writing JSON, or text when format is
// "text". A nil writer means stderr.
func NewLogger(format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", serviceName)
}

// LogError logs err, adding the code and context of oops errors.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		return
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs = append(attrs, "error", oopsErr.Error())
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, append(attrs, "error", err)...)
}
