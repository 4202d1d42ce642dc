package logger

import "log/slog"

// Standard field keys for structured logging across the engine. Use these
// consistently so log aggregation and querying don't depend on each call
// site spelling a key the same way by convention.
const (
	// Distributed tracing.
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Connection identity and direction.
	KeyConnectionID = "conn"
	KeyIncoming     = "incoming"
	KeyRemoteAddr   = "remote_addr"

	// Wire-level framing.
	KeyCommand    = "command"
	KeyReturnCode = "return_code"
	KeyBodyLength = "body_length"
	KeyFrameSize  = "frame_size"

	// Invocation lifecycle.
	KeyTimeoutMs  = "timeout_ms"
	KeyDurationMs = "duration_ms"

	// Connection table.
	KeyConnectionCount = "connection_count"
	KeyEvicted         = "evicted"

	// Generic.
	KeyError = "error"
)

// TraceID returns a slog.Attr for the distributed trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for the distributed span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// ConnectionID returns a slog.Attr for a connection identifier.
func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }

// Incoming returns a slog.Attr marking a connection's direction.
func Incoming(incoming bool) slog.Attr { return slog.Bool(KeyIncoming, incoming) }

// RemoteAddr returns a slog.Attr for a peer's network address.
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }

// Command returns a slog.Attr for a Levin command code.
func Command(command uint32) slog.Attr { return slog.Uint64(KeyCommand, uint64(command)) }

// ReturnCode returns a slog.Attr for a RESPONSE frame's return_code.
func ReturnCode(code int32) slog.Attr { return slog.Int64(KeyReturnCode, int64(code)) }

// BodyLength returns a slog.Attr for a frame's declared body length.
func BodyLength(n uint64) slog.Attr { return slog.Uint64(KeyBodyLength, n) }

// FrameSize returns a slog.Attr for the total on-wire size of a frame.
func FrameSize(n int) slog.Attr { return slog.Int(KeyFrameSize, n) }

// TimeoutMs returns a slog.Attr for an invocation timeout in milliseconds.
func TimeoutMs(ms int64) slog.Attr { return slog.Int64(KeyTimeoutMs, ms) }

// DurationMs returns a slog.Attr for an elapsed duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// ConnectionCount returns a slog.Attr for a connection table's live count.
func ConnectionCount(n int64) slog.Attr { return slog.Int64(KeyConnectionCount, n) }

// Evicted returns a slog.Attr for the number of connections evicted.
func Evicted(n int) slog.Attr { return slog.Int(KeyEvicted, n) }

// Err returns a slog.Attr for an error, or a no-op attr for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
