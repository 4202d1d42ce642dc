// Package metrics exposes the engine's counters and gauges behind an
// interface so internal/levin never imports prometheus directly. A
// concrete implementation registers itself through
// RegisterEngineMetricsConstructor, an indirection that avoids an import
// cycle between the metrics package and its prometheus implementation.
package metrics

import "sync/atomic"

// EngineMetrics is the counter/gauge surface the Levin engine reports to.
// A nil EngineMetrics is valid everywhere it's accepted and is a no-op,
// so callers that don't want metrics overhead can simply not enable them.
type EngineMetrics interface {
	// ConnectionOpened/ConnectionClosed track live connection counts.
	ConnectionOpened(incoming bool)
	ConnectionClosed(incoming bool)
	// InvocationStarted/InvocationFinished track invocations in flight.
	InvocationStarted()
	InvocationFinished(status int32)
	// InvocationTimedOut counts invocations that hit their deadline.
	InvocationTimedOut()
	// ConnectionEvicted counts table evictions under connection pressure.
	ConnectionEvicted()
	// FrameParseFailed counts fatal stream-framing errors.
	FrameParseFailed()
}

var enabled atomic.Bool

// InitRegistry marks metrics as enabled; it should be called once at
// startup before any EngineMetrics constructor runs.
func InitRegistry() {
	enabled.Store(true)
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled.Load()
}

// newEngineMetrics is supplied by pkg/metrics/prometheus's init() via
// RegisterEngineMetricsConstructor, keeping this package free of any
// prometheus import.
var newEngineMetrics func() EngineMetrics

// RegisterEngineMetricsConstructor wires a concrete EngineMetrics
// constructor. Called from the prometheus subpackage's init().
func RegisterEngineMetricsConstructor(constructor func() EngineMetrics) {
	newEngineMetrics = constructor
}

// NewEngineMetrics returns the registered EngineMetrics implementation, or
// nil if metrics are disabled or no implementation has registered itself.
func NewEngineMetrics() EngineMetrics {
	if !IsEnabled() || newEngineMetrics == nil {
		return nil
	}
	return newEngineMetrics()
}
