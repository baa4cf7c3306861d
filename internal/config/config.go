// Package config loads agent configuration from .mercsync/config.yaml with
// environment overrides, and manages auth credentials stored separately at
// 0600.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFile = ".mercsync/config.yaml"
	authFile   = ".mercsync/auth.json"

	defaultServerURL = "http://localhost:8000"
)

// Config is the agent configuration.
type Config struct {
	// ServerURL is the base URL of the ERP backend.
	ServerURL string `yaml:"server_url"`
	// ListenAddr is where the caching gateway (and the local event hub)
	// serves.
	ListenAddr string `yaml:"listen_addr"`

	Sync     SyncConfig   `yaml:"sync"`
	Cache    CacheConfig  `yaml:"cache"`
	Stream   StreamConfig `yaml:"stream"`
	Netwatch ProbeConfig  `yaml:"connectivity"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	// Interval between timer-driven sync cycles.
	Interval time.Duration `yaml:"interval"`
	// MaxRetries before a network-failed mutation is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
}

// CacheConfig controls the gateway response cache.
type CacheConfig struct {
	// Version tags the live cache generation; on startup every other
	// generation is deleted.
	Version string `yaml:"version"`
	// APIMarker identifies API requests by path segment.
	APIMarker string `yaml:"api_marker"`
	// Precache lists the static asset paths fetched and cached on startup.
	Precache []string `yaml:"precache"`
}

// StreamConfig controls the server event stream listener.
type StreamConfig struct {
	// Path of the events endpoint on the ERP server.
	Path string `yaml:"path"`
	// MinBackoff/MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ProbeConfig controls the connectivity watcher.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
	// FlapThreshold is the number of consecutive probe results required
	// to flip the online/offline state.
	FlapThreshold int `yaml:"flap_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:  defaultServerURL,
		ListenAddr: "127.0.0.1:7640",
		Sync: SyncConfig{
			Interval:   60 * time.Second,
			MaxRetries: 5,
		},
		Cache: CacheConfig{
			Version:   "v1",
			APIMarker: "/api/",
			Precache: []string{
				"/",
				"/index.html",
				"/static/css/main.css",
				"/static/js/main.js",
				"/static/img/logo-192.png",
				"/static/img/logo-512.png",
				"/manifest.json",
			},
		},
		Stream: StreamConfig{
			Path:       "/api/events/",
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Netwatch: ProbeConfig{
			Interval:      10 * time.Second,
			FlapThreshold: 2,
		},
	}
}

// Load reads config.yaml under baseDir, falling back to defaults for any
// unset field, then applies environment overrides.
func Load(baseDir string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(baseDir, configFile))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers MERCSYNC_* environment overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MERCSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("MERCSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MERCSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sync.Interval = d
		}
	}
	if v := os.Getenv("MERCSYNC_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version must be set")
	}
	if c.Cache.APIMarker == "" {
		return fmt.Errorf("cache.api_marker must be set")
	}
	if c.Stream.MinBackoff <= 0 || c.Stream.MaxBackoff < c.Stream.MinBackoff {
		return fmt.Errorf("stream backoff bounds invalid")
	}
	if c.Netwatch.FlapThreshold < 1 {
		return fmt.Errorf("connectivity.flap_threshold must be at least 1")
	}
	return nil
}

// Save writes the config as YAML (used by init to seed an editable file).
func Save(baseDir string, cfg Config) error {
	path := filepath.Join(baseDir, configFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// AuthCredentials is the token material for the ERP API.
type AuthCredentials struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// LoadAuth reads auth.json, returning nil when not authenticated.
func LoadAuth(baseDir string) (*AuthCredentials, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, authFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read auth: %w", err)
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth: %w", err)
	}
	return &creds, nil
}

// SaveAuth writes auth.json with restrictive permissions.
func SaveAuth(baseDir string, creds *AuthCredentials) error {
	path := filepath.Join(baseDir, authFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Token returns the API token. Priority: MERCSYNC_TOKEN env > auth.json.
func Token(baseDir string) string {
	if v := os.Getenv("MERCSYNC_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth(baseDir)
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// DeviceID returns the stable device id, generating and persisting one on
// first use.
func DeviceID(baseDir string) (string, error) {
	creds, err := LoadAuth(baseDir)
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	id := hex.EncodeToString(buf)

	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(baseDir, creds); err != nil {
		return "", err
	}
	return id, nil
}
