// Package config loads backend configuration from the environment.
//
// All keys use the DUCKHOUSE_ prefix (DUCKHOUSE_DATA_ROOT and so on).
// Unknown environment keys are ignored. Configuration is read once at
// startup and treated as read-only afterwards.
package config

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/duckhouse/duckhouse/internal/errkind"
)

// Config holds every recognized setting.
type Config struct {
	// DataRoot is the directory holding project directories and the
	// catalog. SnapshotRoot and FileRoot default to siblings of it.
	DataRoot     string `mapstructure:"data_root"`
	CatalogPath  string `mapstructure:"catalog_path"`
	SnapshotRoot string `mapstructure:"snapshot_root"`
	FileRoot     string `mapstructure:"file_root"`

	// AdminKey is the process-wide secret allowed to create projects and
	// run administrative operations.
	AdminKey string `mapstructure:"admin_key"`

	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
	// CommandAddr is the listen address of the request/response command
	// service (JSONL over TCP). Empty disables it.
	CommandAddr string `mapstructure:"command_addr"`

	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	EngineThreads  int    `mapstructure:"engine_threads"`
	EngineMemoryMB int    `mapstructure:"engine_memory_mb"`

	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	MaxFileSize    int64         `mapstructure:"max_file_size"`

	WorkspaceConnCap   int           `mapstructure:"workspace_conn_cap"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`

	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Defaults applied before the environment is read.
const (
	DefaultListenPort       = 8600
	DefaultOperationTimeout = 240 * time.Second
	DefaultIdempotencyTTL   = 600 * time.Second
	DefaultMaxFileSize      = 1 << 30 // 1 GiB
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DUCKHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_root", "./data")
	v.SetDefault("catalog_path", "")
	v.SetDefault("snapshot_root", "")
	v.SetDefault("file_root", "")
	v.SetDefault("admin_key", "")
	v.SetDefault("listen_host", "127.0.0.1")
	v.SetDefault("listen_port", DefaultListenPort)
	v.SetDefault("command_addr", "")
	v.SetDefault("operation_timeout", DefaultOperationTimeout)
	v.SetDefault("connection_timeout", 30*time.Second)
	v.SetDefault("engine_threads", 0)
	v.SetDefault("engine_memory_mb", 0)
	v.SetDefault("idempotency_ttl", DefaultIdempotencyTTL)
	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("workspace_conn_cap", 10)
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("sweep_interval", time.Minute)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	cfg.applyDerived()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default relative to the data root.
func (c *Config) applyDerived() {
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.DataRoot, "metadata.db")
	}
	if c.SnapshotRoot == "" {
		c.SnapshotRoot = filepath.Join(c.DataRoot, "snapshots")
	}
	if c.FileRoot == "" {
		c.FileRoot = filepath.Join(c.DataRoot, "files")
	}
}

func (c *Config) validate() error {
	if c.DataRoot == "" {
		return errkind.New(errkind.Invalid, "data root must not be empty")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errkind.New(errkind.Invalid, "listen port %d out of range", c.ListenPort)
	}
	if c.OperationTimeout <= 0 {
		return errkind.New(errkind.Invalid, "operation timeout must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return errkind.New(errkind.Invalid, "idempotency TTL must be positive")
	}
	if c.MaxFileSize <= 0 {
		return errkind.New(errkind.Invalid, "max file size must be positive")
	}
	if c.WorkspaceConnCap <= 0 {
		return errkind.New(errkind.Invalid, "workspace connection cap must be positive")
	}
	return nil
}

// ListenAddr is the HTTP listen address in host:port form.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}
