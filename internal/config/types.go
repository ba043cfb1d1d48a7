package config

import "time"

// Config represents the complete docbridge configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Engine   EngineConfig   `yaml:"engine"`
	API      APIConfig      `yaml:"api"`
	HostLink HostLinkConfig `yaml:"hostlink"`
	Notify   NotifyConfig   `yaml:"notify"`

	// SourcePath is the config.yaml the configuration was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file,omitempty"`
	StatePath string `yaml:"state_path"`
	// VerifyChecksums refuses to start when config files do not match
	// the .checksums manifest.
	VerifyChecksums bool `yaml:"verify_checksums"`
}

// DispatchConfig defines how calls are correlated with host results.
type DispatchConfig struct {
	Correlation string `yaml:"correlation"` // per_request | per_kind
	// PendingTimeout fails operations still pending after this long.
	// Zero disables expiry.
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// EngineConfig describes the scanner engine the host provides.
type EngineConfig struct {
	Available         *bool  `yaml:"available,omitempty"`
	MaxPageLimit      int    `yaml:"max_page_limit"`
	UnavailableReason string `yaml:"unavailable_reason,omitempty"`
}

// IsAvailable reports whether the engine is available. Unset means yes.
func (e EngineConfig) IsAvailable() bool {
	return e.Available == nil || *e.Available
}

// APIConfig defines the method-channel HTTP API.
type APIConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Listen             string        `yaml:"listen"`
	CORSOrigins        []string      `yaml:"cors_origins,omitempty"`
	MaxCallWait        time.Duration `yaml:"max_call_wait"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	Auth               APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the admin bearer token (full access).
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// HostLinkConfig defines the listener the native host talks to.
type HostLinkConfig struct {
	Listen          string `yaml:"listen"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

// NotifyConfig toggles fire-and-forget notifications to channel clients.
type NotifyConfig struct {
	DocumentScanned bool `yaml:"document_scanned"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "docbridge",
			LogLevel:  "info",
			StatePath: "./data/docbridge.db",
		},
		Dispatch: DispatchConfig{
			Correlation:   "per_request",
			SweepInterval: 5 * time.Second,
		},
		API: APIConfig{
			Enabled:            true,
			Listen:             "127.0.0.1:8470",
			MaxConcurrentCalls: 16,
		},
		HostLink: HostLinkConfig{
			Listen:      "127.0.0.1:8471",
			MaxBodySize: "1MB",
		},
	}
}
