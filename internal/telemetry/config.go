package telemetry

import "time"

// Config holds the engine's tracing and metrics configuration.
type Config struct {
	// Enabled controls whether tracing is active at all.
	Enabled bool

	// ServiceName identifies this process in exported spans and metrics.
	ServiceName string

	// ServiceVersion is the running build's version string.
	ServiceVersion string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporters configures OTLP/console span export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch (default 512).
	BatchSize int

	// BatchInterval is how often to flush spans (default 5s).
	BatchInterval time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling; when false, every trace is sampled.
	Enabled bool

	// Rate is the fraction of traces to sample (0.0-1.0).
	Rate float64

	// AlwaysSampleErrors samples every span started with an error=true or
	// catalog.status=error attribute, regardless of Rate. Errors recorded
	// after a span starts do not change its sampling decision.
	AlwaysSampleErrors bool
}

// ExporterConfig defines one span export destination.
type ExporterConfig struct {
	// Type is "otlp" (gRPC), "otlp-http", or "console".
	Type string

	// Endpoint is the OTLP receiver address.
	Endpoint string

	// Headers are additional request headers, typically carrying an
	// authentication token for a hosted collector.
	Headers map[string]string

	// TLS configures a secure connection to Endpoint.
	TLS TLSConfig
}

// TLSConfig configures TLS for an OTLP exporter.
type TLSConfig struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// DefaultConfig returns tracing disabled by default, sampling everything
// when it is turned on.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "catalogd",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
	}
}
