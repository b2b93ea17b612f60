package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var base atomic.Pointer[zerolog.Logger]

func init() {
	Init(os.Stderr, "info", "console")
}

// Init replaces the process logger. format is "json" or "console".
func Init(out io.Writer, level string, format string) {
	if !strings.EqualFold(strings.TrimSpace(format), "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
	base.Store(&l)
}

func SetLevel(level string) {
	l := L().Level(parseLevel(level))
	base.Store(&l)
}

func parseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// L returns the process logger.
func L() *zerolog.Logger {
	return base.Load()
}

func IsDebugEnabled() bool {
	return L().GetLevel() <= zerolog.DebugLevel
}
