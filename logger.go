package pricefeed

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal logging surface used by the client and its adapters.
type Logger interface {
	Log(v ...any)
	Logf(format string, v ...any)
}

type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger adapts a zerolog logger.
func NewZerologLogger(l zerolog.Logger) Logger {
	return zerologLogger{l: l}
}

// DefaultLogger writes timestamped zerolog output to stderr.
func DefaultLogger() Logger {
	return NewZerologLogger(zerolog.New(os.Stderr).With().
		Timestamp().
		Str("component", "pricefeed").
		Logger())
}

func (z zerologLogger) Log(v ...any) {
	z.l.Info().Msg(fmt.Sprint(v...))
}

func (z zerologLogger) Logf(format string, v ...any) {
	z.l.Info().Msgf(format, v...)
}

func (z zerologLogger) Warnf(format string, v ...any) {
	z.l.Warn().Msgf(format, v...)
}

// WarnLogger is implemented by loggers that keep warnings apart from
// informational output.
type WarnLogger interface {
	Warnf(format string, v ...any)
}

// Warnf logs through l at warning level when l supports it, otherwise
// through Logf.
func Warnf(l Logger, format string, v ...any) {
	if l == nil {
		return
	}
	if w, ok := l.(WarnLogger); ok {
		w.Warnf(format, v...)
		return
	}
	l.Logf(format, v...)
}
