package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// UserID is the authenticated local user. Empty until sign-in; the
	// daemon starts but stays unauthenticated.
	UserID string     `toml:"user_id"`
	Sync   SyncConfig `toml:"sync"`
	Blob   BlobConfig `toml:"blob"`
	Push   PushConfig `toml:"push"`
}

// SyncConfig tunes the client sync core.
type SyncConfig struct {
	// Window is the number of most-recent messages a conversation
	// subscription delivers per snapshot.
	Window int `toml:"window"`
	// CacheDir overrides the default attachment cache directory.
	CacheDir string `toml:"cache_dir"`
}

// BlobConfig points at the S3-compatible object store used for
// attachment uploads and download URLs.
type BlobConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	// URLTTLSeconds bounds the lifetime of presigned download URLs.
	URLTTLSeconds int `toml:"url_ttl_seconds"`
}

// PushConfig holds the push-delivery endpoints for the fan-out notifier.
type PushConfig struct {
	PrimaryURL string `toml:"primary_url"`
	LegacyURL  string `toml:"legacy_url"`
	LegacyKey  string `toml:"legacy_key"`
	// BatchSize caps tokens per push request. Defaults to 500, the
	// primary protocol's multicast limit.
	BatchSize int `toml:"batch_size"`
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with defaults applied, used when no config
// file exists yet.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.Sync.Window <= 0 {
		c.Sync.Window = 50
	}
	if c.Push.BatchSize <= 0 || c.Push.BatchSize > 500 {
		c.Push.BatchSize = 500
	}
	if c.Blob.URLTTLSeconds <= 0 {
		c.Blob.URLTTLSeconds = 3600
	}
}
