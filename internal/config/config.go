package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const appID = "claude-usage-widget"

// DefaultRefreshIntervalSeconds matches the two-minute cadence of the tray.
const DefaultRefreshIntervalSeconds = 120

// ErrCorrupt is returned when the config file exists but cannot be read or
// decoded. Load still returns usable defaults alongside it.
var ErrCorrupt = errors.New("config corrupt")

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Desktop bool   `json:"desktop"`
	Webhook string `json:"webhook,omitempty"`
	NtfyURL string `json:"ntfy,omitempty"`
}

type StatusServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Secret  string `json:"secret,omitempty"` // HS256 key; empty disables auth
}

type HistoryConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

type Config struct {
	OAuthToken             string              `json:"oauth_token,omitempty"`
	RefreshIntervalSeconds int                 `json:"refresh_interval_seconds,omitempty"`
	APIURL                 string              `json:"api_url,omitempty"`
	CredentialsPath        string              `json:"credentials_path,omitempty"`
	LogDir                 string              `json:"log_dir,omitempty"`
	LogLevel               string              `json:"log_level,omitempty"`
	Notifications          NotificationsConfig `json:"notifications"`
	StatusServer           StatusServerConfig  `json:"status_server"`
	History                HistoryConfig       `json:"history"`
}

func Defaults() Config {
	return Config{
		RefreshIntervalSeconds: DefaultRefreshIntervalSeconds,
		CredentialsPath:        CredentialsPath(),
		LogDir:                 filepath.Join(stateHome(), appID, "logs"),
		LogLevel:               "info",
		Notifications: NotificationsConfig{
			Enabled: true,
			Desktop: true,
		},
		StatusServer: StatusServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8787,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 14,
		},
	}
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func stateHome() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state")
}

func DefaultPath() string {
	return filepath.Join(configHome(), appID, "config.json")
}

func DBPath() string {
	return filepath.Join(stateHome(), appID, "history.db")
}

// CredentialsPath is where Claude Code keeps its OAuth credentials on Linux.
func CredentialsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", ".credentials.json")
}

// RefreshInterval returns the configured interval, never less than one second.
func (c Config) RefreshInterval() int {
	if c.RefreshIntervalSeconds < 1 {
		return DefaultRefreshIntervalSeconds
	}
	return c.RefreshIntervalSeconds
}

// Load overlays the file at path onto Defaults. A missing file is not an
// error. A file that cannot be read or decoded yields the defaults together
// with an error wrapping ErrCorrupt.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: read %s: %v", ErrCorrupt, path, err)
	}
	loaded := cfg
	if err := json.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, path, err)
	}
	if loaded.RefreshIntervalSeconds < 1 {
		loaded.RefreshIntervalSeconds = DefaultRefreshIntervalSeconds
	}
	return loaded, nil
}
