// Package export provides OpenTelemetry span exporters for the engine's
// tracing destinations: OTLP over gRPC or HTTP, and a console exporter for
// local development.
package export

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigInput is the subset of telemetry.TLSConfig an exporter needs to
// build a *tls.Config.
type TLSConfigInput struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// BuildTLSConfig returns nil if TLS is disabled, otherwise a config that
// enforces TLS 1.2+ and loads a custom CA when one is given.
func BuildTLSConfig(input TLSConfigInput) (*tls.Config, error) {
	if !input.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !input.VerifyCertificate {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if input.CACertPath != "" {
		caCert, err := os.ReadFile(input.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parsing CA certificate %q", input.CACertPath)
		}
		cfg.RootCAs = pool
		return cfg, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("loading system cert pool: %w", err)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// ValidateTLSConfig rejects a TLS config below the engine's minimum version.
func ValidateTLSConfig(cfg *tls.Config) error {
	if cfg == nil {
		return fmt.Errorf("TLS config is nil")
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher, got %d", cfg.MinVersion)
	}
	return nil
}
