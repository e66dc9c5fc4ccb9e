// Package logger holds the process-wide logr.Logger backed by zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// Logger is the logging interface handed to every component.
type Logger = logr.Logger

// Config controls the root logger.
type Config struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

var (
	mu      sync.RWMutex
	out     io.Writer = os.Stderr
	tap               = &tapWriter{}
	current           = build(Config{Level: "info"})
)

// tapWriter forwards to a writer that can be attached after loggers have
// already been handed out.
type tapWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (t *tapWriter) set(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w = w
}

func (t *tapWriter) Write(p []byte) (int, error) {
	t.mu.RLock()
	w := t.w
	t.mu.RUnlock()
	if w == nil {
		return len(p), nil
	}
	return w.Write(p)
}

// Init rebuilds the root logger from cfg.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	current = build(cfg)
}

// Tee mirrors every log line written after this call into w as well, including
// lines from loggers obtained earlier. Passing nil removes the mirror.
func Tee(w io.Writer) {
	tap.set(w)
}

// GetLogger returns the root logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func build(cfg Config) logr.Logger {
	var w io.Writer = out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	w = zerolog.MultiLevelWriter(w, tap)

	zl := zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	zerologr.NameFieldName = "component"
	return zerologr.New(&zl)
}

// ParseLevel maps a textual level to zerolog, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
