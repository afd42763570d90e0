// Package config loads corpusx settings from an optional YAML file and
// CORPUSX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server struct {
		ListenAddr string `mapstructure:"listen_addr"`
		DataDir    string `mapstructure:"data_dir"`
		Secret     string `mapstructure:"secret"`
	} `mapstructure:"server"`

	Upload struct {
		ChunkSize  int64         `mapstructure:"chunk_size"`
		SweepAfter time.Duration `mapstructure:"sweep_after"`
	} `mapstructure:"upload"`

	Search struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"search"`

	Remote struct {
		Timeout    time.Duration `mapstructure:"timeout"`
		MaxRetries int           `mapstructure:"max_retries"`
	} `mapstructure:"remote"`

	// Node configures this instance as a search node joined to a host.
	Node struct {
		Enabled    bool     `mapstructure:"enabled"`
		Name       string   `mapstructure:"name"`
		LocalKeyID int64    `mapstructure:"local_key_id"`
		Pyres      []string `mapstructure:"pyres"`
	} `mapstructure:"node"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// DefaultChunkSize is the server-chosen chunk size for chunked uploads.
const DefaultChunkSize = 1 << 20

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.data_dir", "data")
	v.SetDefault("server.secret", "")
	v.SetDefault("upload.chunk_size", DefaultChunkSize)
	v.SetDefault("upload.sweep_after", 24*time.Hour)
	v.SetDefault("search.workers", 4)
	v.SetDefault("search.queue_size", 64)
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("node.enabled", false)
	v.SetDefault("node.name", "")
	v.SetDefault("node.local_key_id", 0)
	v.SetDefault("node.pyres", []string{"public"})
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path (skipped when path is empty) and applies
// environment overrides such as CORPUSX_SERVER_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CORPUSX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports settings the process cannot start without.
func (c *Config) Validate() error {
	if c.Server.Secret == "" {
		return errors.New("server.secret is required (CORPUSX_SERVER_SECRET)")
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Search.Workers <= 0 {
		return fmt.Errorf("search.workers must be positive, got %d", c.Search.Workers)
	}
	if c.Node.Enabled {
		if c.Node.Name == "" {
			return errors.New("node.name is required when node.enabled is set")
		}
		// The host address comes from the pairing of this key.
		if c.Node.LocalKeyID == 0 {
			return errors.New("node.local_key_id is required when node.enabled is set")
		}
	}
	return nil
}
