package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context, carried through
// context.Context so a single Invoke/Notify call logs with its connection
// and command identity without threading extra parameters everywhere.
type LogContext struct {
	TraceID      string    // distributed trace ID
	SpanID       string    // distributed span ID
	ConnectionID string    // Levin connection identifier
	Command      uint32    // Levin command code being handled
	RemoteAddr   string    // peer network address
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext with the given remote address.
func NewLogContext(remoteAddr string) *LogContext {
	return &LogContext{
		RemoteAddr: remoteAddr,
		StartTime:  time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:      lc.TraceID,
		SpanID:       lc.SpanID,
		ConnectionID: lc.ConnectionID,
		Command:      lc.Command,
		RemoteAddr:   lc.RemoteAddr,
		StartTime:    lc.StartTime,
	}
}

// WithConnection returns a copy with the connection identifier set
func (lc *LogContext) WithConnection(connID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ConnectionID = connID
	}
	return clone
}

// WithCommand returns a copy with the command code set
func (lc *LogContext) WithCommand(command uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Command = command
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
