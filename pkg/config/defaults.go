package config

import (
	"time"

	"github.com/levinproto/levin/internal/bytesize"
)

const defaultInvokeTimeout = 30 * time.Second

// ApplyDefaults fills unspecified fields with sensible defaults after a
// config file and environment overrides have been applied. Zero-valued
// fields are replaced; anything the caller set explicitly is preserved.
func ApplyDefaults(cfg *Config) {
	applyNetworkDefaults(&cfg.Network)
	applyLimitsDefaults(&cfg.Limits)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyNetworkDefaults(n *NetworkConfig) {
	if n.ListenAddress == "" {
		n.ListenAddress = "0.0.0.0:18080"
	}
}

func applyLimitsDefaults(l *LimitsConfig) {
	if l.InitialMaxPacketSize == 0 {
		l.InitialMaxPacketSize = 256 * bytesize.KiB
	}
	if l.FullMaxPacketSize == 0 {
		l.FullMaxPacketSize = 100 * bytesize.MiB
	}
	if l.InvokeTimeout == 0 {
		l.InvokeTimeout = defaultInvokeTimeout
	}
	if l.MaxConnections == 0 {
		l.MaxConnections = 250
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.ListenAddress == "" {
		m.ListenAddress = "127.0.0.1:9100"
	}
}

// GetDefaultConfig returns a fully-populated Config using only defaults,
// used when no config file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
