package server

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration, loadable from a YAML file.
// Every field has a usable default so a zero config starts a working
// in-memory server.
type Config struct {
	// HTTPAddr is the listen address for the HTTP API (e.g. ":9091").
	HTTPAddr string `yaml:"http_addr"`
	// TCPAddr is the listen address for the line protocol. Empty disables it.
	TCPAddr string `yaml:"tcp_addr"`
	// AuthToken, when set, is required as a Bearer token on every HTTP
	// endpoint except /healthz and /metrics. Supports ${ENV} expansion.
	AuthToken string `yaml:"auth_token"`

	// SnapshotPath is where SAVE writes the point-in-time snapshot.
	// Empty disables snapshotting.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotEvery triggers an automatic snapshot once this many writes have
	// accumulated since the last one. Zero disables auto-snapshotting.
	SnapshotEvery int64 `yaml:"snapshot_every"`

	AOF         AOFConfig         `yaml:"aof"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// AOFConfig tunes the append-only command log.
type AOFConfig struct {
	// Path of the log file. Empty disables the AOF entirely.
	Path string `yaml:"path"`
	// FlushInterval controls how often buffered entries reach the OS.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SyncInterval controls how often the file is fsynced.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// MaxBufferSize is the number of buffered entries that forces a flush.
	MaxBufferSize int `yaml:"max_buffer_size"`
}

// MaintenanceConfig tunes the background vacuum/refine loop.
type MaintenanceConfig struct {
	// Interval between maintenance cycles. Zero disables the loop.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: ":9091",
		AOF: AOFConfig{
			FlushInterval: 100 * time.Millisecond,
			SyncInterval:  time.Second,
			MaxBufferSize: 1000,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Minute,
		},
	}
}

// LoadConfig reads a YAML config file, expanding ${ENV} references before
// parsing. Unknown fields are rejected so typos fail loudly at startup.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
