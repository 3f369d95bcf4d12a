package exporter

import (
	"fmt"
	"net"

	"go.opentelemetry.io/collector/component"
)

const typeStr = "apitally"

// Config configures the apitally exporter.
type Config struct {
	// IncludeResourceAttributes copies resource attributes onto relayed spans.
	IncludeResourceAttributes bool `mapstructure:"include_resource_attributes"`
	// DiagnosticsAddr serves the agent diagnostics API when set.
	DiagnosticsAddr string `mapstructure:"diagnostics_addr"`
}

var _ component.Config = (*Config)(nil)

func createDefaultConfig() component.Config {
	return &Config{}
}

// Validate ensures the config values are safe for runtime.
func (cfg *Config) Validate() error {
	if cfg.DiagnosticsAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.DiagnosticsAddr); err != nil {
		return fmt.Errorf("diagnostics_addr: %w", err)
	}
	return nil
}
