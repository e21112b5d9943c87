package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// HTTP
	ListenAddr string `mapstructure:"listen-addr"`

	// Storage paths
	WorkDir    string `mapstructure:"work-dir"`
	IndexPath  string `mapstructure:"index-path"`
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Fetching
	S3Region     string        `mapstructure:"s3-region"`
	FetchTimeout time.Duration `mapstructure:"fetch-timeout"`

	// Upload limits
	MaxFileSize int64 `mapstructure:"max-file-size"`

	// External toolchain
	Apktool       string        `mapstructure:"apktool"`
	Zipalign      string        `mapstructure:"zipalign"`
	Apksigner     string        `mapstructure:"apksigner"`
	Keytool       string        `mapstructure:"keytool"`
	ToolTimeout   time.Duration `mapstructure:"tool-timeout"`
	KeystorePath  string        `mapstructure:"keystore-path"`
	KeystoreAlias string        `mapstructure:"keystore-alias"`
	KeystorePass  string        `mapstructure:"keystore-pass"`

	// Pipeline behavior
	PkgNamePaths bool `mapstructure:"pkgname-paths"`
	MaxRetries   int  `mapstructure:"max-retries"`

	// Task retention
	TaskTTL time.Duration `mapstructure:"task-ttl"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("listen-addr", ":8800")
	viper.SetDefault("work-dir", ".workdir")
	viper.SetDefault("index-path", "")
	viper.SetDefault("sqlite-path", "")
	viper.SetDefault("fsm-db-path", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("fetch-timeout", 5*time.Minute)
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("apktool", "apktool")
	viper.SetDefault("zipalign", "zipalign")
	viper.SetDefault("apksigner", "apksigner")
	viper.SetDefault("keytool", "keytool")
	viper.SetDefault("tool-timeout", 10*time.Minute)
	viper.SetDefault("keystore-path", "")
	viper.SetDefault("keystore-alias", "pkgpatch")
	viper.SetDefault("keystore-pass", "pkgpatch")
	viper.SetDefault("pkgname-paths", true)
	viper.SetDefault("max-retries", 5)
	viper.SetDefault("task-ttl", 24*time.Hour)

	// Environment variables (PKGPATCH_WORK_DIR, etc.)
	viper.SetEnvPrefix("PKGPATCH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.pkgpatch")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Paths left empty default to locations under the work directory.
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.WorkDir, "index.json")
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.WorkDir, "artifacts.db")
	}
	if cfg.FSMDBPath == "" {
		cfg.FSMDBPath = filepath.Join(cfg.WorkDir, "fsm.db")
	}
	if cfg.KeystorePath == "" {
		cfg.KeystorePath = filepath.Join(cfg.WorkDir, "pkgpatch_keystore.jks")
	}

	return &cfg, nil
}

// UploadDir is where submitted artifacts are stored.
func (c *Config) UploadDir() string { return filepath.Join(c.WorkDir, "uploads") }

// ProcessedDir is where signed output artifacts are stored.
func (c *Config) ProcessedDir() string { return filepath.Join(c.WorkDir, "processed") }

// TempDir is the root of per-task working areas.
func (c *Config) TempDir() string { return filepath.Join(c.WorkDir, "temp") }

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch-timeout must be positive")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("tool-timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative")
	}
	if c.TaskTTL < 0 {
		return fmt.Errorf("task-ttl must be non-negative")
	}
	return nil
}
