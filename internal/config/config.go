package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pulse/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	ServerURL     string `toml:"server_url"`
	WebSocketPath string `toml:"websocket_path"`

	ReconnectBase    duration `toml:"reconnect_base"`
	ReconnectCap     duration `toml:"reconnect_cap"`
	PingInterval     duration `toml:"ping_interval"`
	ReconcileEvery   duration `toml:"reconcile_every"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	SendTimeout      duration `toml:"send_timeout"`
	SnapshotTTL      duration `toml:"snapshot_ttl"`

	PageSize int `toml:"page_size"`
}

// duration makes time.Duration round-trip through TOML as a string
// like "90s" or "1m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		DefaultSession:   "main",
		ServerURL:        "http://localhost:3000",
		WebSocketPath:    "/ws",
		ReconnectBase:    duration{time.Second},
		ReconnectCap:     duration{30 * time.Second},
		PingInterval:     duration{90 * time.Second},
		ReconcileEvery:   duration{60 * time.Second},
		HandshakeTimeout: duration{15 * time.Second},
		SendTimeout:      duration{30 * time.Second},
		SnapshotTTL:      duration{60 * time.Second},
		PageSize:         50,
	}
}

// Load reads config from the given path. A missing file yields the defaults;
// fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
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

// applyDefaults fills zero-valued fields after a partial file decode.
func (c *Config) applyDefaults() {
	def := Default()
	if c.DefaultSession == "" {
		c.DefaultSession = def.DefaultSession
	}
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if c.ReconnectBase.Duration <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCap.Duration <= 0 {
		c.ReconnectCap = def.ReconnectCap
	}
	if c.PingInterval.Duration <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReconcileEvery.Duration <= 0 {
		c.ReconcileEvery = def.ReconcileEvery
	}
	if c.HandshakeTimeout.Duration <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SendTimeout.Duration <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.SnapshotTTL.Duration <= 0 {
		c.SnapshotTTL = def.SnapshotTTL
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
}
