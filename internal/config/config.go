// Package config loads the daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Root is the DLP root: the mount that is mediated and the only place
	// registered files may live.
	Root string `yaml:"root"`

	// Database is the path of the provenance SQLite file.
	Database string `yaml:"database"`

	// Socket is the unix socket the local control API listens on.
	Socket string `yaml:"socket"`

	// PolicyEndpoint is the base URL of the remote policy service.
	PolicyEndpoint string `yaml:"policy_endpoint"`

	// PolicySocket, when set, routes policy calls over this unix socket.
	PolicySocket string `yaml:"policy_socket"`

	// CleanupOnStart drops entries for files no longer under Root when the
	// store opens.
	CleanupOnStart bool `yaml:"cleanup_on_start"`

	OpenCheckTimeout     time.Duration `yaml:"open_check_timeout"`
	TransferCheckTimeout time.Duration `yaml:"transfer_check_timeout"`

	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Root:                 "/home/chronos/user/MyFiles",
		Database:             "/var/lib/dlpd/provenance.db",
		Socket:               "/run/dlpd/dlpd.sock",
		PolicyEndpoint:       "http://localhost",
		PolicySocket:         "/run/dlpd/policy.sock",
		OpenCheckTimeout:     500 * time.Millisecond,
		TransferCheckTimeout: 5 * time.Minute,
		LogLevel:             "info",
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	} else if !filepath.IsAbs(c.Root) {
		errs = append(errs, fmt.Errorf("root %q must be absolute", c.Root))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.Socket == "" {
		errs = append(errs, errors.New("socket is required"))
	}
	if c.PolicyEndpoint == "" {
		errs = append(errs, errors.New("policy_endpoint is required"))
	}
	if c.OpenCheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("open_check_timeout must be positive, got %s", c.OpenCheckTimeout))
	} else if c.OpenCheckTimeout >= time.Second {
		// Held opens abort the daemon after one second without a verdict.
		errs = append(errs, fmt.Errorf("open_check_timeout must be below 1s, got %s", c.OpenCheckTimeout))
	}
	if c.TransferCheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transfer_check_timeout must be positive, got %s", c.TransferCheckTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level. Validate has already
// rejected unknown names.
func (c Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", name)
}

func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Root: %s, Database: %s, Socket: %s, PolicyEndpoint: %s, CleanupOnStart: %v}",
		c.Root, c.Database, c.Socket, c.PolicyEndpoint, c.CleanupOnStart,
	)
}
