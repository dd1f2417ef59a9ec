package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.medichat/config.toml.
//
// The sync policy knobs (dedup window, attachment ceiling, send timeout)
// are deliberately configuration rather than constants: the server gives
// no guarantees that would make any particular value load-bearing.
type Config struct {
	DefaultAccount string `toml:"default_account"`

	Account AccountConfig `toml:"account"`
	Server  ServerConfig  `toml:"server"`
	Sync    SyncConfig    `toml:"sync"`
	Typing  TypingConfig  `toml:"typing"`
}

// AccountConfig identifies the local user to the sync core.
type AccountConfig struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ServerConfig points at the portal API and its push socket.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
	Token     string `toml:"token"`
}

// SyncConfig holds cache synchronization policy.
type SyncConfig struct {
	DedupWindowSeconds int   `toml:"dedup_window_seconds"`
	SendTimeoutSeconds int   `toml:"send_timeout_seconds"`
	PageSize           int   `toml:"page_size"`
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes"`
}

// TypingConfig holds typing-signal policy.
type TypingConfig struct {
	IdleTimeoutSeconds int     `toml:"idle_timeout_seconds"`
	NotifyPerSecond    float64 `toml:"notify_per_second"`
	NotifyBurst        int     `toml:"notify_burst"`
}

// Default returns a config with all policy knobs at their defaults.
func Default() *Config {
	return &Config{
		DefaultAccount: "main",
		Server: ServerConfig{
			BaseURL:   "https://api.familymedical.local",
			SocketURL: "wss://api.familymedical.local/push",
		},
		Sync: SyncConfig{
			DedupWindowSeconds: 15,
			SendTimeoutSeconds: 30,
			PageSize:           50,
			MaxAttachmentBytes: 10 << 20,
		},
		Typing: TypingConfig{
			IdleTimeoutSeconds: 3,
			NotifyPerSecond:    1,
			NotifyBurst:        2,
		},
	}
}

// Load reads config from the given path, filling unset policy fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
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

func (c *Config) applyDefaults() {
	def := Default()
	if c.Sync.DedupWindowSeconds <= 0 {
		c.Sync.DedupWindowSeconds = def.Sync.DedupWindowSeconds
	}
	if c.Sync.SendTimeoutSeconds <= 0 {
		c.Sync.SendTimeoutSeconds = def.Sync.SendTimeoutSeconds
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = def.Sync.PageSize
	}
	if c.Sync.MaxAttachmentBytes <= 0 {
		c.Sync.MaxAttachmentBytes = def.Sync.MaxAttachmentBytes
	}
	if c.Typing.IdleTimeoutSeconds <= 0 {
		c.Typing.IdleTimeoutSeconds = def.Typing.IdleTimeoutSeconds
	}
	if c.Typing.NotifyPerSecond <= 0 {
		c.Typing.NotifyPerSecond = def.Typing.NotifyPerSecond
	}
	if c.Typing.NotifyBurst <= 0 {
		c.Typing.NotifyBurst = def.Typing.NotifyBurst
	}
}

// DedupWindow returns the self-sent push dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Sync.DedupWindowSeconds) * time.Second
}

// SendTimeout returns the bound after which a pending send is failed.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Sync.SendTimeoutSeconds) * time.Second
}

// TypingIdle returns the inactivity span after which a typing signal expires.
func (c *Config) TypingIdle() time.Duration {
	return time.Duration(c.Typing.IdleTimeoutSeconds) * time.Second
}
