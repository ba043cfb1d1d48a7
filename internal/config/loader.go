package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	tokensFileName = "tokens.yaml"
	envConfigDir   = "DOCBRIDGE_CONFIG_DIR"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a config.yaml file or a directory holding
// one. A tokens.yaml next to it contributes additional API tokens.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	tokensPath := filepath.Join(filepath.Dir(absPath), tokensFileName)
	if fileExists(tokensPath) {
		var extra struct {
			Tokens []APIToken `yaml:"tokens"`
		}
		if err := decodeFile(tokensPath, &extra); err != nil {
			return nil, err
		}
		cfg.API.Auth.Tokens = append(cfg.API.Auth.Tokens, extra.Tokens...)
	}

	applyConfigDefaults(cfg)

	if cfg.Service.VerifyChecksums {
		result, err := VerifyIntegrity(filepath.Dir(absPath))
		if err != nil {
			return nil, err
		}
		if !result.Passed {
			return nil, fmt.Errorf("config integrity check failed: %v\n"+
				"If you edited these files intentionally, run: docbridge config lock", result.Errors)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $DOCBRIDGE_CONFIG_DIR, ~/.config/docbridge, /etc/docbridge, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(envConfigDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "docbridge")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/docbridge"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./" + configFileName); err == nil {
		return "./" + configFileName, nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/docbridge, /etc/docbridge, ./config.yaml)", envConfigDir)
}

// ConfigDir returns the directory holding the config.yaml at configPath.
func ConfigDir(configPath string) (string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return "", err
	}
	return filepath.Dir(absPath), nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, configFileName)
		if !fileExists(absPath) {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), out); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", filepath.Base(path), err)
	}
	return nil
}

// applyConfigDefaults fills values an explicit but partial section left empty.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.StatePath == "" {
		cfg.Service.StatePath = defaults.Service.StatePath
	}
	if cfg.Dispatch.Correlation == "" {
		cfg.Dispatch.Correlation = defaults.Dispatch.Correlation
	}
	if cfg.Dispatch.SweepInterval == 0 {
		cfg.Dispatch.SweepInterval = defaults.Dispatch.SweepInterval
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxConcurrentCalls == 0 {
		cfg.API.MaxConcurrentCalls = defaults.API.MaxConcurrentCalls
	}
	if cfg.HostLink.Listen == "" {
		cfg.HostLink.Listen = defaults.HostLink.Listen
	}
	if cfg.HostLink.MaxBodySize == "" {
		cfg.HostLink.MaxBodySize = defaults.HostLink.MaxBodySize
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation where
// they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
