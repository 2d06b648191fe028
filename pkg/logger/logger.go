// Package logger provides namespaced debug logging for broker subsystems.
//
// Each file creates its own logger with a "package:file" namespace:
//
//	var cloneLog = logger.New("workspace:clone")
//
// Output is written to stderr only when the GH_BROKER_DEBUG environment
// variable selects the namespace. The variable holds a comma-separated list
// of patterns; "*" matches everything, a trailing "*" matches a prefix:
//
//	GH_BROKER_DEBUG=*                  # all namespaces
//	GH_BROKER_DEBUG=workspace:*        # all workspace loggers
//	GH_BROKER_DEBUG=registry:dispatch  # a single namespace
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugEnvVar selects which logger namespaces emit output.
const DebugEnvVar = "GH_BROKER_DEBUG"

// Logger writes namespaced debug lines to stderr.
type Logger struct {
	namespace string
	enabled   bool
}

var (
	patternsOnce sync.Once
	patterns     []string
)

func debugPatterns() []string {
	patternsOnce.Do(func() {
		raw := strings.TrimSpace(os.Getenv(DebugEnvVar))
		if raw == "" {
			return
		}
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	})
	return patterns
}

func namespaceEnabled(namespace string) bool {
	for _, p := range debugPatterns() {
		if p == "*" || p == namespace {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(namespace, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// New creates a logger for the given namespace. The enabled check happens
// once at construction; changing GH_BROKER_DEBUG mid-process has no effect.
func New(namespace string) *Logger {
	return &Logger{namespace: namespace, enabled: namespaceEnabled(namespace)}
}

// Enabled reports whether this logger emits output.
func (l *Logger) Enabled() bool { return l.enabled }

// Print logs a message if the namespace is enabled.
func (l *Logger) Print(msg string) {
	if !l.enabled {
		return
	}
	l.emit(msg)
}

// Printf logs a formatted message if the namespace is enabled.
func (l *Logger) Printf(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.emit(fmt.Sprintf(format, args...))
}

func (l *Logger) emit(msg string) {
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", time.Now().Format(time.RFC3339), l.namespace, msg)
}

// slogHandler adapts a Logger to the slog.Handler interface so SDK
// components that expect *slog.Logger share the same output channel.
type slogHandler struct {
	logger *Logger
	attrs  []slog.Attr
}

func (h *slogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return h.logger.enabled
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Message)
	appendAttr := func(a slog.Attr) bool {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	record.Attrs(appendAttr)
	h.logger.Print(sb.String())
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &slogHandler{logger: h.logger, attrs: merged}
}

func (h *slogHandler) WithGroup(string) slog.Handler { return h }

// NewSlogLoggerWithHandler returns a *slog.Logger backed by the given Logger.
func NewSlogLoggerWithHandler(l *Logger) *slog.Logger {
	return slog.New(&slogHandler{logger: l})
}
