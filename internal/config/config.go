// Package config handles application configuration.
// file: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/logging"
)

var logger = logging.GetLogger("config")

// Settings represents the bus server's configuration.
type Settings struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
}

// ServerConfig controls the listening socket and per-connection limits.
type ServerConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`

	// CallTimeout bounds how long an outstanding call waits for a reply
	// before it is failed with a Timeout error.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxMessageSize caps a single frame's byte length; larger frames are
	// rejected as a protocol error.
	MaxMessageSize int `yaml:"max_message_size"`

	// MaxQueuedMessages caps the number of framed-but-undispatched
	// messages a connection will buffer before disabling reads.
	MaxQueuedMessages int `yaml:"max_queued_messages"`

	// MaxConcurrentHandlers bounds how many handler dispatches run at once
	// on each connection. Every connection gets its own worker pool of this
	// size, so the bound does not span the whole server.
	MaxConcurrentHandlers int `yaml:"max_concurrent_handlers"`

	// TracePath, if set, receives a record of every message sent or
	// received, for offline debugging: a header line naming the direction
	// and both endpoints, the message as indented JSON, then a blank line.
	TracePath string `yaml:"trace_path"`
}

// AuthConfig controls how incoming connections authenticate.
type AuthConfig struct {
	// TokenPath, when non-empty and Token is empty, makes the serve command
	// look the shared secret up in the OS keyring. The file at this path is
	// not read.
	TokenPath string `yaml:"token_path"`

	// Token is the shared secret new connections must present. When it is
	// empty, the keyring lookup described on TokenPath applies;
	// authentication is off when neither yields a secret.
	Token string `yaml:"token"`
}

// New creates configuration with sensible defaults, runnable out of the box.
func New() *Settings {
	logger.Debug("creating new configuration settings with defaults")
	return &Settings{
		Server: ServerConfig{
			Name:                  "wiremux",
			Port:                  7420,
			CallTimeout:           30 * time.Second,
			MaxMessageSize:        4 << 20,
			MaxQueuedMessages:     256,
			MaxConcurrentHandlers: 64,
		},
		Auth: AuthConfig{
			TokenPath: "~/.config/wiremux/token",
		},
	}
}

// GetServerName returns the configured server name.
func (s *Settings) GetServerName() string {
	return s.Server.Name
}

// GetServerAddress returns the address to listen on, as host:port.
func (s *Settings) GetServerAddress() string {
	return fmt.Sprintf(":%d", s.Server.Port)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	logger.Debug("expanding path", "input_path", path)
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		wrapped := errors.Wrap(err, "ExpandPath: failed to get user home directory")
		detailed := buserror.WithDetails(wrapped, buserror.CategoryHandler, map[string]any{
			"input_path": path,
		})
		logger.Error("failed to get user home directory for path expansion", "error", fmt.Sprintf("%+v", detailed))
		return "", detailed
	}

	expanded := filepath.Join(home, path[1:])
	logger.Debug("path expanded", "input_path", path, "expanded_path", expanded)
	return expanded, nil
}

// Load reads and parses a YAML configuration file, starting from defaults
// and overlaying whatever the file specifies. An empty path returns the
// defaults unchanged.
func Load(path string) (*Settings, error) {
	cfg := New()
	if path == "" {
		logger.Warn("no config path provided, using default settings only")
		return cfg, nil
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Load: failed to expand config path %q", path)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		wrapped := errors.Wrap(err, "Load: failed to read configuration file")
		return nil, buserror.WithDetails(wrapped, buserror.CategoryHandler, map[string]any{
			"config_path": expanded,
		})
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		wrapped := errors.Wrap(err, "Load: failed to parse configuration file")
		return nil, buserror.WithDetails(wrapped, buserror.CategoryHandler, map[string]any{
			"config_path": expanded,
			"data_size":   len(data),
		})
	}

	logger.Info("configuration loaded", "config_path", expanded, "server_name", cfg.Server.Name, "port", cfg.Server.Port)
	return cfg, nil
}
