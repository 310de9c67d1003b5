// Package config loads liftsync configuration from YAML.
//
// One file configures both sides; each command validates only the section it
// uses. Missing values fall back to Default(). Command-line flags override
// whatever the file sets.
//
//	server:
//	  addr: ":8080"
//	  db: liftsync-server.db
//	  pull_limit: 200
//	  tokens:
//	    secret-token: alice
//	device:
//	  state_db: liftsync-device.db
//	  base_url: http://localhost:8080
//	  user_id: alice
//	  token: secret-token
//	  module: strength
//	  debounce: 150ms
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/liftsync/internal/draft"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Device DeviceConfig `yaml:"device"`
}

// ServerConfig configures `liftsync serve`.
type ServerConfig struct {
	Addr      string            `yaml:"addr"`
	DB        string            `yaml:"db"`
	PullLimit int               `yaml:"pull_limit"`
	Tokens    map[string]string `yaml:"tokens"`
}

// DeviceConfig configures the device commands.
type DeviceConfig struct {
	StateDB  string        `yaml:"state_db"`
	BaseURL  string        `yaml:"base_url"`
	UserID   string        `yaml:"user_id"`
	Token    string        `yaml:"token"`
	Module   string        `yaml:"module"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			DB:        "liftsync-server.db",
			PullLimit: wire.PullLimit,
			Tokens:    map[string]string{},
		},
		Device: DeviceConfig{
			StateDB:  "liftsync-device.db",
			BaseURL:  "http://localhost:8080",
			Module:   workout.DefaultModule,
			Debounce: draft.DefaultDebounce,
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
// Unknown keys are rejected so typos surface instead of being ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Server.Tokens == nil {
		cfg.Server.Tokens = map[string]string{}
	}
	return cfg, nil
}

// Validate checks the server section.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.DB == "" {
		return fmt.Errorf("%w: server.db is required", ErrInvalid)
	}
	if c.PullLimit <= 0 || c.PullLimit > wire.PullLimit {
		return fmt.Errorf("%w: server.pull_limit must be between 1 and %d, got %d", ErrInvalid, wire.PullLimit, c.PullLimit)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("%w: server.tokens must map at least one token to a user", ErrInvalid)
	}
	for token, user := range c.Tokens {
		if token == "" || user == "" {
			return fmt.Errorf("%w: server.tokens entries need a token and a user id", ErrInvalid)
		}
	}
	return nil
}

// Validate checks the device section.
func (c DeviceConfig) Validate() error {
	if c.StateDB == "" {
		return fmt.Errorf("%w: device.state_db is required", ErrInvalid)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: device.user_id is required", ErrInvalid)
	}
	if c.Module == "" {
		return fmt.Errorf("%w: device.module is required", ErrInvalid)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("%w: device.debounce must not be negative", ErrInvalid)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: device.base_url %q must be an http(s) URL", ErrInvalid, c.BaseURL)
	}
	return nil
}
