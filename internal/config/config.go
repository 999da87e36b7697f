// Package config loads tallysync configuration from a TOML file and fills
// in defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values like "5m" parse directly.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds all tallysync configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Device  DeviceConfig  `toml:"device"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig describes the remote tally authority.
type ServerConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// DeviceConfig identifies this tally station to the server.
type DeviceConfig struct {
	ID         string   `toml:"id"`
	Key        string   `toml:"key"`
	OperatorID string   `toml:"operator_id"`
	TokenTTL   Duration `toml:"token_ttl"`
}

// StorageConfig locates the local databases.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// Interval between periodic sync cycles. Ignored when Cron is set.
	Interval Duration `toml:"interval"`
	// Cron is an optional standard cron expression overriding Interval.
	Cron string `toml:"cron"`

	PushLimit     int `toml:"push_limit"`
	MaxBatchBytes int `toml:"max_batch_bytes"`
	PullPageSize  int `toml:"pull_page_size"`
	MaxPullPages  int `toml:"max_pull_pages"`

	MaxRetries              int      `toml:"max_retries"`
	BackoffBase             float64  `toml:"backoff_base"`
	BackoffMax              Duration `toml:"backoff_max"`
	DependencyConflictDelay Duration `toml:"dependency_conflict_delay"`

	FastSyncDebounce Duration `toml:"fast_sync_debounce"`

	// DependencyOrder lists entity types parent-first; pushes never send a
	// child type ahead of pending parents.
	DependencyOrder []string `toml:"dependency_order"`
	// PriorityEntityTypes trigger a debounced fast sync on enqueue.
	PriorityEntityTypes []string `toml:"priority_entity_types"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: Duration{30 * time.Second},
		},
		Device: DeviceConfig{
			TokenTTL: Duration{time.Hour},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			Interval:                Duration{2 * time.Minute},
			PushLimit:               200,
			MaxBatchBytes:           64 * 1024,
			PullPageSize:            100,
			MaxPullPages:            10,
			MaxRetries:              5,
			BackoffBase:             2,
			BackoffMax:              Duration{time.Hour},
			DependencyConflictDelay: Duration{5 * time.Minute},
			FastSyncDebounce:        Duration{500 * time.Millisecond},
			DependencyOrder: []string{
				"Voter", "Party", "TallySession", "TallyLine",
			},
			PriorityEntityTypes: []string{"TallyLine"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads TOML from path on top of defaults. A missing file is not an
// error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings the engine cannot run without or repair.
func (c *Config) Validate() error {
	if c.Sync.PushLimit <= 0 {
		return fmt.Errorf("sync.push_limit must be positive")
	}
	if c.Sync.MaxBatchBytes <= 0 {
		return fmt.Errorf("sync.max_batch_bytes must be positive")
	}
	if c.Sync.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive")
	}
	if c.Sync.MaxPullPages <= 0 {
		return fmt.Errorf("sync.max_pull_pages must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.Sync.BackoffBase < 1 {
		return fmt.Errorf("sync.backoff_base must be >= 1")
	}
	if c.Sync.BackoffMax.Duration <= 0 {
		return fmt.Errorf("sync.backoff_max must be positive")
	}
	if c.Sync.DependencyConflictDelay.Duration <= 0 {
		return fmt.Errorf("sync.dependency_conflict_delay must be positive")
	}
	if len(c.Sync.DependencyOrder) == 0 {
		return fmt.Errorf("sync.dependency_order must not be empty")
	}
	return nil
}

// QueuePath returns the path of the sync queue database.
func (c *Config) QueuePath() string {
	return filepath.Join(c.Storage.DataDir, "sync_queue.db")
}

// DomainPath returns the path of the local domain database.
func (c *Config) DomainPath() string {
	return filepath.Join(c.Storage.DataDir, "tally.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tallysync"
	}
	return filepath.Join(home, ".tallysync")
}
