// Package logging provides component-tagged structured logging shared by the
// bridge packages and the CLI.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies the subsystem that emitted a record.
type Component string

const (
	ComponentLine     Component = "line"
	ComponentBitBang  Component = "bitbang"
	ComponentErrCount Component = "errcount"
	ComponentStream   Component = "stream"
	ComponentSystem   Component = "system"
	ComponentCommand  Component = "command"
	ComponentFirmware Component = "firmware"
	ComponentSim      Component = "sim"
	ComponentClient   Component = "client"
)

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	logger *slog.Logger
)

func init() {
	level.Set(slog.LevelWarn)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetLevel changes the minimum level for every component.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level reports the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// SetOutput redirects records to w. When json is true records are emitted as
// JSON objects instead of key=value text.
func SetOutput(w io.Writer, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// SetLogger replaces the underlying logger entirely.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel accepts debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func tagged(c Component, args []any) []any {
	return append([]any{"component", string(c)}, args...)
}

func Debug(c Component, msg string, args ...any) { current().Debug(msg, tagged(c, args)...) }
func Info(c Component, msg string, args ...any)  { current().Info(msg, tagged(c, args)...) }
func Warn(c Component, msg string, args ...any)  { current().Warn(msg, tagged(c, args)...) }
func Error(c Component, msg string, args ...any) { current().Error(msg, tagged(c, args)...) }
