// Package logging provides structured logging for the dgram relay.
package logging

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Hex renders a connection identifier or token as a lowercase hex attribute.
func Hex(key string, b []byte) slog.Attr {
	return slog.String(key, hex.EncodeToString(b))
}

// Common attribute keys for consistent logging.
const (
	KeyConnID    = "conn_id"
	KeyDCID      = "dcid"
	KeySCID      = "scid"
	KeyTraceID   = "trace_id"
	KeyPeer      = "peer"
	KeyStreamID  = "stream_id"
	KeyFlowID    = "flow_id"
	KeyAppProto  = "app_proto"
	KeyVersion   = "version"
	KeyReason    = "reason"
	KeyError     = "error"
	KeyComponent = "component"
	KeyBytes     = "bytes"
	KeyCount     = "count"
	KeyDuration  = "duration"
)
