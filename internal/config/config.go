package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "30s" or "10m" in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.air/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Retry          Retry     `toml:"retry"`
	Push           Push      `toml:"push"`
	Handshake      Handshake `toml:"handshake"`
	Log            Log       `toml:"log"`
	Store          Store     `toml:"store"`
}

// Server is the delivery service endpoint.
type Server struct {
	Address        string   `toml:"address"`
	Insecure       bool     `toml:"insecure"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Retry tunes the pending operation queue.
type Retry struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
	PollInterval    Duration `toml:"poll_interval"`
	LockLease       Duration `toml:"lock_lease"`
	AckTimeout      Duration `toml:"ack_timeout"`
}

// Push tunes notification ingestion.
type Push struct {
	Budget           Duration `toml:"budget"`
	PlaceholderTitle string   `toml:"placeholder_title"`
	PlaceholderBody  string   `toml:"placeholder_body"`
}

// Handshake tunes invitation expiry.
type Handshake struct {
	InvitationTTL Duration `toml:"invitation_ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// Log controls log file rotation.
type Log struct {
	MaxSizeMB  int `toml:"max_size_mb"`
	MaxBackups int `toml:"max_backups"`
}

// Store configures the local database key.
type Store struct {
	// Passphrase, when set, derives the store key with argon2id instead of
	// reading the random key file.
	Passphrase string `toml:"passphrase"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			Address:        "localhost:8443",
			RequestTimeout: D(10 * time.Second),
		},
		Retry: Retry{
			MaxAttempts:     5,
			InitialInterval: D(5 * time.Second),
			MaxInterval:     D(10 * time.Minute),
			Multiplier:      2,
			PollInterval:    D(500 * time.Millisecond),
			LockLease:       D(30 * time.Second),
			AckTimeout:      D(2 * time.Minute),
		},
		Push: Push{
			Budget:           D(25 * time.Second),
			PlaceholderTitle: "New messages",
			PlaceholderBody:  "Unlock your device to see new messages",
		},
		Handshake: Handshake{
			InvitationTTL: D(14 * 24 * time.Hour),
			SweepInterval: D(time.Hour),
		},
		Log: Log{MaxSizeMB: 20, MaxBackups: 3},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
// Fields left unset in the file keep their Default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
