// Package config loads the broker's configuration, the way
// internal/config in the teacher repo uses viper: defaults, then a
// YAML file, then environment variable overrides, unmarshalled into a
// struct.
//
// Unlike the teacher, a missing upstream URL or token is not a fatal
// validation error here — spec.md §6 treats the upstream endpoint and
// bearer credential as a collaborator that may simply not be
// configured yet, in which case the session supervisor stays in
// DISCONNECTED and keeps retrying rather than the daemon refusing to
// start.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath is where the broker looks for its config file when
// none is given explicitly.
const DefaultConfigPath = "/etc/goofydeck/broker.yaml"

// DefaultSocketPath is the broker's local filesystem socket (spec.md §6).
const DefaultSocketPath = "/tmp/goofydeck_ha.sock"

// Config holds every broker setting: the two strings spec.md §6 calls
// the environment collaborator's contract (UpstreamURL, Token), plus
// the operational knobs spec.md leaves to the implementer.
type Config struct {
	UpstreamURL string `mapstructure:"upstream_url" yaml:"upstream_url"`
	Token       string `mapstructure:"token" yaml:"token"`

	SocketPath string      `mapstructure:"socket_path" yaml:"socket_path"`
	SocketMode os.FileMode `mapstructure:"socket_mode" yaml:"socket_mode"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// configPath is remembered so Reload can re-read the same file
	// (the environment collaborator is consulted once per connection
	// attempt, so a config file written after the broker starts is
	// picked up on the next retry).
	configPath string
}

// Load reads configuration from configPath, falling back to
// DefaultConfigPath when empty. A missing file is not an error: the
// broker starts with just its defaults (and env var overrides), same
// as the teacher's Load when no config file exists yet.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("socket_path", DefaultSocketPath)
	v.SetDefault("socket_mode", 0o660)
	v.SetDefault("log_level", "info")

	path := configPath
	if path == "" {
		path = DefaultConfigPath
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("GOOFYDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"upstream_url": "GOOFYDECK_UPSTREAM_URL",
		"token":        "GOOFYDECK_TOKEN",
		"socket_path":  "GOOFYDECK_SOCKET_PATH",
		"socket_mode":  "GOOFYDECK_SOCKET_MODE",
		"log_level":    "GOOFYDECK_LOG_LEVEL",
	} {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		// File not found: env vars and defaults still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	cfg.configPath = path
	return &cfg, nil
}

// Reload re-reads the config file and env vars, returning a fresh
// Config. It is used by the environment collaborator (see environment.go)
// so that the upstream URL or token can appear after broker startup
// without a restart.
func (c *Config) Reload() (*Config, error) {
	return Load(c.configPath)
}
