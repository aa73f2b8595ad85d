package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/tabcast/tabcast.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tabcast", "tabcast.yaml"))
	}

	paths = append(paths, "tabcast.yaml")

	if envPath := os.Getenv("TABCAST_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/tabcast/tabcast.yaml < ~/.config/tabcast/tabcast.yaml < ./tabcast.yaml < $TABCAST_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if root := os.Getenv("TABCAST_ROOT"); root != "" {
		cfg.Origin.Root = root
	}
	if token := os.Getenv("TABCAST_NTFY_TOKEN"); token != "" {
		cfg.Notifications.Ntfy.Token = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0, the control API listens on localhost only")
	}

	if cfg.Origin.Root != "" {
		u, err := url.Parse(cfg.Origin.Root)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("origin.root must be an http(s) URL, got %q", cfg.Origin.Root)
		}
	}

	if cfg.Election.HeartbeatInterval <= 0 {
		return fmt.Errorf("election.heartbeat_interval must be positive")
	}
	if cfg.Election.MissedHeartbeats < 2 {
		return fmt.Errorf("election.missed_heartbeats must be at least 2, got %d", cfg.Election.MissedHeartbeats)
	}
	if cfg.Election.ClaimWindow <= 0 || cfg.Election.ClaimWindow >= cfg.Election.HeartbeatInterval {
		return fmt.Errorf("election.claim_window must be positive and shorter than the heartbeat interval")
	}

	if cfg.Stream.MaxAttempts < 1 {
		return fmt.Errorf("stream.max_attempts must be at least 1")
	}

	switch cfg.Sound.Policy {
	case "leader", "every_tab":
	default:
		return fmt.Errorf("sound.policy must be leader or every_tab, got %q", cfg.Sound.Policy)
	}
	if cfg.Sound.Volume < 0 || cfg.Sound.Volume > 1 {
		return fmt.Errorf("sound.volume must be between 0 and 1, got %v", cfg.Sound.Volume)
	}

	switch cfg.Notifications.Permission {
	case "granted", "denied", "prompt":
	default:
		return fmt.Errorf("notifications.permission must be granted, denied or prompt, got %q", cfg.Notifications.Permission)
	}
	if cfg.Notifications.Ntfy.Enabled && cfg.Notifications.Ntfy.Topic == "" {
		return fmt.Errorf("notifications.ntfy.topic is required when ntfy is enabled")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.ConfigDir = ExpandHome(cfg.Auth.ConfigDir)

	return nil
}
