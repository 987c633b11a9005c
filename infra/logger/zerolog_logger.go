package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger writes JSON lines to stdout, or human readable lines
// when APP_ENV=dev or LOG_FORMAT=console. LOG_LEVEL sets the minimum level.
func NewZerologLogger(component string) Logger {
	var out io.Writer = os.Stdout
	if consoleOutput() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewZerologLoggerTo(out, component, os.Getenv("LOG_LEVEL"))
}

func consoleOutput() bool {
	return strings.EqualFold(os.Getenv("APP_ENV"), "dev") ||
		strings.EqualFold(os.Getenv("LOG_FORMAT"), "console")
}

// NewZerologLoggerTo builds a logger on an arbitrary writer. An empty or
// invalid level keeps debug logging enabled.
func NewZerologLoggerTo(w io.Writer, component, level string) *ZerologLogger {
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		z = z.Level(lvl)
	}
	return &ZerologLogger{log: z}
}

// With returns a child logger carrying an extra field on every line.
func (l *ZerologLogger) With(key string, value any) *ZerologLogger {
	return &ZerologLogger{log: l.log.With().Interface(key, value).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	ev := l.log.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
