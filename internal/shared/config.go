package shared

import (
	_ "embed"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Log      LogConfig      `toml:"log"`
	Scopes   []ScopeConfig  `toml:"scopes"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string `toml:"driver"`
	Path         string `toml:"path"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RemoteConfig contains settings for the remote catalog API.
type RemoteConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	PageSize          int     `toml:"page_size"`
	PageDelayMs       int     `toml:"page_delay_ms"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// PageDelay is the pause between two listing page requests.
func (r RemoteConfig) PageDelay() time.Duration {
	return time.Duration(r.PageDelayMs) * time.Millisecond
}

// Timeout is the per-request HTTP timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// SyncConfig holds the defaults applied to sync requests that leave a knob unset.
type SyncConfig struct {
	Mode              string `toml:"mode"`
	BatchSize         int    `toml:"batch_size"`
	BatchDelayMs      int    `toml:"batch_delay_ms"`
	MaxRetries        int    `toml:"max_retries"`
	BaseDelayMs       int    `toml:"base_delay_ms"`
	MaxDelayMs        int    `toml:"max_delay_ms"`
	FailedSampleLimit int    `toml:"failed_sample_limit"`
}

func (s SyncConfig) BatchDelay() time.Duration {
	return time.Duration(s.BatchDelayMs) * time.Millisecond
}

func (s SyncConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelayMs) * time.Millisecond
}

func (s SyncConfig) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// ScopeConfig describes one tenant/branch partition of the remote system and the credentials used to reach it.
type ScopeConfig struct {
	Key             string `toml:"key"`
	Name            string `toml:"name"`
	BaseURL         string `toml:"base_url"`
	SessionID       string `toml:"session_id"`
	Token           string `toml:"token"`
	ClientID        string `toml:"client_id"`
	ClientSecret    string `toml:"client_secret"`
	TokenURL        string `toml:"token_url"`
	SignatureSecret string `toml:"signature_secret"`
}

// UsesClientCredentials reports whether the scope authenticates with an OAuth2 client-credentials grant.
func (s ScopeConfig) UsesClientCredentials() bool {
	return s.ClientID != "" && s.ClientSecret != "" && s.TokenURL != ""
}

// Scope looks up a scope by key.
func (c *Config) Scope(key string) (ScopeConfig, error) {
	for _, s := range c.Scopes {
		if s.Key == key {
			return s, nil
		}
	}
	return ScopeConfig{}, fmt.Errorf("%w: %q", ErrUnknownScope, key)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("%w: postgres driver requires database.dsn", ErrInvalidConfig)
	}

	if c.Sync.BatchSize < 0 || c.Sync.MaxRetries < 0 || c.Sync.BatchDelayMs < 0 {
		return fmt.Errorf("%w: sync settings must not be negative", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		if s.Key == "" {
			return fmt.Errorf("%w: scope without key", ErrInvalidConfig)
		}
		if seen[s.Key] {
			return fmt.Errorf("%w: duplicate scope key %q", ErrInvalidConfig, s.Key)
		}
		seen[s.Key] = true
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	config.Scopes = nil
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigStore holds the active [Config] and swaps it atomically on [ConfigStore.Reload].
//
// Readers call [ConfigStore.Load] on every use instead of caching the pointer,
// so a reload is picked up by the next request without restarting the process.
type ConfigStore struct {
	path    string
	current atomic.Pointer[Config]
}

// NewConfigStore creates a store serving cfg. The path is re-read by Reload; it may be empty when cfg is not file-backed.
func NewConfigStore(path string, cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &ConfigStore{path: path}
	s.current.Store(cfg)
	return s
}

// Load returns the active configuration. Callers must treat it as read-only.
func (s *ConfigStore) Load() *Config {
	return s.current.Load()
}

// Path returns the file the store reloads from.
func (s *ConfigStore) Path() string {
	return s.path
}

// Reload re-reads the backing file and replaces the active configuration.
// On error the previous configuration stays active.
func (s *ConfigStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("%w: no config file to reload", ErrMissingConfig)
	}

	cfg, err := LoadConfig(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}

// Swap replaces the active configuration with cfg after validating it.
func (s *ConfigStore) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}
