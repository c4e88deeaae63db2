// Package config loads server settings from a TOML file with environment
// overrides. Precedence is defaults, then file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/naoina/toml"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	ListenAddr           string `toml:"listen_addr"`
	MaxConnections       int64  `toml:"max_connections"`
	ReadBufferSize       int    `toml:"read_buffer_size"`
	WriteBufferSize      int    `toml:"write_buffer_size"`
	MaxLineLen           int    `toml:"max_line_len"`
	MaxValueSize         int    `toml:"max_value_size"`
	IdleTimeoutSeconds   int    `toml:"idle_timeout_seconds"`
	DrainDeadlineSeconds int    `toml:"drain_deadline_secs"`
}

type StorageConfig struct {
	DBPath                string `toml:"db_path"`
	BlockCacheSize        int    `toml:"block_cache_size"`
	WriteBufferSize       int    `toml:"write_buffer_size"`
	MaxWriteBufferNumber  int    `toml:"max_write_buffer_number"`
	TargetFileSizeBase    int    `toml:"target_file_size_base"`
	MaxBackgroundJobs     int    `toml:"max_background_jobs"`
	EnableCompression     bool   `toml:"enable_compression"`
	EnableTTLCompaction   bool   `toml:"enable_ttl_compaction"`
	TTLCompactionInterval int    `toml:"ttl_compaction_interval_seconds"`
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:           "127.0.0.1:11211",
			MaxConnections:       10000,
			ReadBufferSize:       8192,
			WriteBufferSize:      8192,
			MaxLineLen:           8 * 1024,
			MaxValueSize:         1 << 20,
			IdleTimeoutSeconds:   0,
			DrainDeadlineSeconds: 30,
		},
		Storage: StorageConfig{
			DBPath:                "./sekido-data",
			BlockCacheSize:        1 << 30,
			WriteBufferSize:       64 << 20,
			MaxWriteBufferNumber:  4,
			TargetFileSizeBase:    64 << 20,
			MaxBackgroundJobs:     4,
			EnableCompression:     true,
			EnableTTLCompaction:   true,
			TTLCompactionInterval: 300,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load builds the effective configuration. path may be empty, in which
// case only defaults and environment variables apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SEKIDO_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SEKIDO_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SEKIDO_MAX_CONNECTIONS: %w", err)
		}
		c.Server.MaxConnections = n
	}
	if v := os.Getenv("SEKIDO_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("SEKIDO_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("SEKIDO_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SEKIDO_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.MaxValueSize <= 0 {
		return fmt.Errorf("server.max_value_size must be positive, got %d", c.Server.MaxValueSize)
	}
	if c.Server.MaxLineLen <= 0 {
		return fmt.Errorf("server.max_line_len must be positive, got %d", c.Server.MaxLineLen)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}
	if c.Storage.TTLCompactionInterval <= 0 && c.Storage.EnableTTLCompaction {
		return fmt.Errorf("storage.ttl_compaction_interval_seconds must be positive, got %d", c.Storage.TTLCompactionInterval)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr must not be empty when metrics are enabled")
	}
	return nil
}
