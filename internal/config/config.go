package config

import "time"

// Config is the root configuration for tabcast.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Origin        OriginConfig        `yaml:"origin"`
	Election      ElectionConfig      `yaml:"election"`
	Stream        StreamConfig        `yaml:"stream"`
	Sound         SoundConfig         `yaml:"sound"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig is the local control API of a tab.
type ServerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type AuthConfig struct {
	// ConfigDir holds the generated control API secret.
	ConfigDir string `yaml:"config_dir"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// OriginConfig describes the notification server the tabs share.
type OriginConfig struct {
	Root  string `yaml:"root"`
	Token string `yaml:"token"`
	Theme string `yaml:"theme"`
}

type ElectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`
	ClaimWindow       time.Duration `yaml:"claim_window"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type StreamConfig struct {
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type SoundConfig struct {
	// Policy is "leader" or "every_tab".
	Policy         string        `yaml:"policy"`
	Command        []string      `yaml:"command"`
	Volume         float64       `yaml:"volume"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

type NotificationsConfig struct {
	// Permission is the native notification grant: granted, denied or prompt.
	Permission string     `yaml:"permission"`
	Ntfy       NtfyConfig `yaml:"ntfy"`
	MCP        bool       `yaml:"mcp"`
}

type NtfyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
	Topic   string `yaml:"topic"`
	Token   string `yaml:"token"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			ConfigDir: "~/.config/tabcast",
		},
		Database: DatabaseConfig{
			Path:          "~/.config/tabcast/tabcast.db",
			RetentionDays: 30,
		},
		Origin: OriginConfig{
			Theme: "core",
		},
		Election: ElectionConfig{
			HeartbeatInterval: time.Second,
			MissedHeartbeats:  3,
			ClaimWindow:       250 * time.Millisecond,
			PollInterval:      100 * time.Millisecond,
		},
		Stream: StreamConfig{
			MinBackoff:  500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			MaxAttempts: 10,
		},
		Sound: SoundConfig{
			Policy:         "leader",
			Volume:         0.5,
			PendingTimeout: 10 * time.Second,
		},
		Notifications: NotificationsConfig{
			Permission: "prompt",
			Ntfy: NtfyConfig{
				Server: "https://ntfy.sh",
			},
			MCP: true,
		},
	}
}
