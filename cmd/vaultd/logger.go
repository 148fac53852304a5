package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"confvault/internal/events"
	"confvault/internal/vault"
)

// Logger bundles the service log with the audit trail of ledger events.
type Logger struct {
	zerolog.Logger
	audit   zerolog.Logger
	closers []io.Closer
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func rotating(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// NewLogger writes to the console and, when set, to a rotating log file.
// An empty auditFile disables the audit trail.
func NewLogger(level, logFile, auditFile string, console io.Writer) *Logger {
	if console == nil {
		console = os.Stdout
	}
	l := &Logger{audit: zerolog.Nop()}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	if logFile != "" {
		file := rotating(logFile)
		l.closers = append(l.closers, file)
		writers = append(writers, file)
	}
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(level)).
		With().Timestamp().Logger()

	if auditFile != "" {
		file := rotating(auditFile)
		l.closers = append(l.closers, file)
		l.audit = zerolog.New(file).With().Timestamp().Str("stream", "audit").Logger()
	}
	return l
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Audit records an audit event.
func (l *Logger) Audit(event string, fields map[string]any) {
	l.audit.Log().Str("event", event).Fields(fields).Msg("audit")
}

// Emit writes ledger events to the audit trail. Amounts appear only where the
// ledger itself made them public.
func (l *Logger) Emit(evt events.Event) {
	switch e := evt.(type) {
	case vault.StakedEvent:
		l.Audit(e.EventType(), map[string]any{
			"identity":    e.Identity.Hex(),
			"amount":      e.Amount.Dec(),
			"unlock_time": e.UnlockTime,
		})
	case vault.WithdrawRequestedEvent:
		l.Audit(e.EventType(), map[string]any{
			"identity": e.Identity.Hex(),
			"handle":   e.Handle.String(),
		})
	case vault.WithdrawFinalizedEvent:
		l.Audit(e.EventType(), map[string]any{
			"identity": e.Identity.Hex(),
			"amount":   e.Amount,
		})
	default:
		l.Audit(evt.EventType(), nil)
	}
}
