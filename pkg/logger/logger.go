package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// Options tunes where log records are written.
type Options struct {
	// Journal additionally forwards records to the systemd journal when the
	// journal socket is reachable.
	Journal bool
	// Output overrides stdout for the JSON handler.
	Output io.Writer
}

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level, opts ...Options) *slog.Logger {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	out := opt.Output
	if out == nil {
		out = os.Stdout
	}

	jsonHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	handlers := []slog.Handler{jsonHandler}

	if opt.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return journalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = journalKey(a.Key)
				return a
			},
		})
		if err != nil {
			slog.New(jsonHandler).Warn("systemd journal unavailable", "error", err)
		} else {
			handlers = append(handlers, journal)
		}
	}

	if len(handlers) == 1 {
		return slog.New(jsonHandler).With("service", service)
	}
	return slog.New(slogmulti.Fanout(handlers...)).With("service", service)
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// journalKey converts an attribute key to the upper-case form journald accepts.
func journalKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, key)
}
