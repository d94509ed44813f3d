package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	if cfg.Gateway.TLS.Enabled {
		if cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "" {
			issues = append(issues, ValidationIssue{
				Path:    "gateway.tls",
				Message: "certPath and keyPath are required when tls is enabled",
			})
		}
	}

	validBrokers := []string{"memory", "redis"}
	if cfg.Broker.Kind != "" && !slices.Contains(validBrokers, cfg.Broker.Kind) {
		issues = append(issues, ValidationIssue{
			Path:    "broker.kind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBrokers, cfg.Broker.Kind),
		})
	}
	if cfg.Broker.Kind == "redis" && cfg.Broker.Redis.Addr == "" {
		issues = append(issues, ValidationIssue{
			Path:    "broker.redis.addr",
			Message: "addr is required for the redis broker",
		})
	}

	if cfg.Provider.SkipSignatureCheck && cfg.Gateway.Bind != "loopback" && cfg.Gateway.Bind != "" {
		issues = append(issues, ValidationIssue{
			Path:    "provider.skipSignatureCheck",
			Message: "signature validation can only be skipped on loopback binds",
		})
	}
	if !cfg.Provider.SkipSignatureCheck && cfg.Provider.AuthToken == "" && cfg.Provider.AccountSID != "" {
		issues = append(issues, ValidationIssue{
			Path:    "provider.authToken",
			Message: "authToken is required to validate webhook signatures",
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	return issues
}
