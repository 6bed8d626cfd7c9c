package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetOutput redirects all structured logs. Tests point it at a buffer.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w).Level(logger.GetLevel())
}

// SetLevel sets the minimum level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logMu.Lock()
	defer logMu.Unlock()
	logger = logger.Level(lvl)
}

// Logger returns a child logger tagged with a component name.
func Logger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger.With().Str("component", component).Logger()
}

func current() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one JSON line for an event.
func Log(event string, kv map[string]any) {
	l := current()
	l.Info().Fields(kv).Str("event", event).Send()
}

func Debug(event string, kv map[string]any) {
	l := current()
	l.Debug().Fields(kv).Str("event", event).Send()
}

func Warn(event string, kv map[string]any) {
	l := current()
	l.Warn().Fields(kv).Str("event", event).Send()
}

func Error(event string, err error, kv map[string]any) {
	l := current()
	l.Error().Err(err).Fields(kv).Str("event", event).Send()
}

// Security logs integrity violations (token replay, tampered parameters)
// apart from ordinary errors so they can be alerted on.
func Security(event string, kv map[string]any) {
	l := current()
	l.Warn().Bool("security", true).Fields(kv).Str("event", event).Send()
	IncCounter("security_events_total", map[string]string{"event": event})
}
