package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Hub         HubConfig         `toml:"hub"`
	Client      ClientConfig      `toml:"client"`
	Dedup       DedupConfig       `toml:"dedup"`
	Board       BoardConfig       `toml:"board"`
	Store       StoreConfig       `toml:"store"`
	Spool       SpoolConfig       `toml:"spool"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// HubConfig holds broadcast hub settings
type HubConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	HeartbeatIntervalSecs int    `toml:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs  int    `toml:"heartbeat_timeout_secs"`
	DedupBySession        bool   `toml:"dedup_by_session"`
}

// HeartbeatInterval returns the ping cadence as a duration
func (h HubConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.HeartbeatIntervalSecs) * time.Second
}

// HeartbeatTimeout returns the stale-connection eviction window
func (h HubConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(h.HeartbeatTimeoutSecs) * time.Second
}

// ClientConfig holds dashboard client settings
type ClientConfig struct {
	ServerURL   string `toml:"server_url"`
	SessionID   string `toml:"session_id"`
	MaxAttempts int    `toml:"max_attempts"`
	SendBuffer  int    `toml:"send_buffer"`
}

// DedupConfig holds message deduplication settings
type DedupConfig struct {
	TTLSecs    int `toml:"ttl_secs"`
	MaxEntries int `toml:"max_entries"`
}

// TTL returns the suppression window as a duration
func (d DedupConfig) TTL() time.Duration {
	return time.Duration(d.TTLSecs) * time.Second
}

// BoardConfig holds task board settings
type BoardConfig struct {
	LogCap        int    `toml:"log_cap"`
	PipelinesFile string `toml:"pipelines_file"`
}

// StoreConfig holds snapshot persistence settings
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
}

// SpoolConfig holds file-drop ingress settings
type SpoolConfig struct {
	Dir string `toml:"dir"`
}

// MaintenanceConfig holds housekeeping schedules (cron specs)
type MaintenanceConfig struct {
	SweepSpec string `toml:"sweep_spec"`
	PruneSpec string `toml:"prune_spec"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Hub: HubConfig{
			Host:                  "127.0.0.1",
			Port:                  8787,
			HeartbeatIntervalSecs: 30,
			HeartbeatTimeoutSecs:  300,
		},
		Client: ClientConfig{
			ServerURL: "ws://127.0.0.1:8787/ws",
		},
		Dedup: DedupConfig{
			TTLSecs:    300,
			MaxEntries: 1000,
		},
		Board: BoardConfig{
			LogCap: 500,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(home, ".flowdeck", "board.db"),
		},
		Spool: SpoolConfig{
			Dir: filepath.Join(home, ".flowdeck", "spool"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	cfg.Spool.Dir = ExpandPath(cfg.Spool.Dir)
	cfg.Board.PipelinesFile = ExpandPath(cfg.Board.PipelinesFile)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "flowdeck", "config.toml")
}
