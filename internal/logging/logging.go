package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// L returns the process-wide logger.
func L() *slog.Logger { return logger.Load() }

// Set installs l as the process-wide logger. nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Component returns the process-wide logger tagged with component=name.
// Loggers obtained before Set keep the handler they were created with.
func Component(name string) *slog.Logger { return L().With("component", name) }

// Or returns l, or Component(name) when l is nil.
func Or(l *slog.Logger, name string) *slog.Logger {
	if l != nil {
		return l
	}
	return Component(name)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

// ParseLevel maps debug|info|warn|error (any case) to a level; anything else is info.
func ParseLevel(s string) slog.Level {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lv
}

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ValidFormat reports whether New accepts format.
func ValidFormat(format string) error {
	switch format {
	case FormatText, FormatJSON:
		return nil
	}
	return fmt.Errorf("invalid log format %q (want %s|%s)", format, FormatText, FormatJSON)
}

// New builds a logger writing to w (stderr when nil). Unknown formats fall back to text.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
