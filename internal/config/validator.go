package config

import (
	"fmt"
	"strings"
)

// validate performs semantic validation on a loaded configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.StatePath == "" {
		return fmt.Errorf("service.state_path is required")
	}

	switch cfg.Dispatch.Correlation {
	case "per_request", "per_kind":
	default:
		return fmt.Errorf("dispatch.correlation must be per_request or per_kind (got %q)", cfg.Dispatch.Correlation)
	}
	if cfg.Dispatch.PendingTimeout < 0 {
		return fmt.Errorf("dispatch.pending_timeout must not be negative")
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		return fmt.Errorf("dispatch.sweep_interval must be positive")
	}

	if cfg.Engine.MaxPageLimit < 0 {
		return fmt.Errorf("engine.max_page_limit must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.MaxConcurrentCalls < 0 {
			return fmt.Errorf("api.max_concurrent_calls must not be negative")
		}
		if cfg.API.MaxCallWait < 0 {
			return fmt.Errorf("api.max_call_wait must not be negative")
		}
		if err := checkResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkResolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if strings.TrimSpace(cfg.HostLink.Secret) == "" {
		return fmt.Errorf("hostlink.secret is required")
	}
	if err := checkResolved("hostlink.secret", cfg.HostLink.Secret); err != nil {
		return err
	}

	return nil
}

// checkResolved rejects values still holding a ${VAR} placeholder so an
// unset secret never silently becomes a literal.
func checkResolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
