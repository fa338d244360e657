// Package config loads the s3mirror configuration.
//
// Configuration is read once at startup through viper from a YAML or TOML
// file, with environment overrides (S3MIRROR_FOLDER_PATH, S3MIRROR_BUCKET_NAME,
// ...). String values may reference environment variables as ${VAR}; they are
// expanded after the file is decoded.
//
// The loaded values are plain structs passed by value and never mutated after
// Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "S3MIRROR"

// Config is the complete process configuration.
type Config struct {
	Folder    Folder    `mapstructure:"folder" toml:"folder" yaml:"folder"`
	Bucket    Bucket    `mapstructure:"bucket" toml:"bucket" yaml:"bucket"`
	Transfer  Transfer  `mapstructure:"transfer" toml:"transfer" yaml:"transfer"`
	Journal   Journal   `mapstructure:"journal" toml:"journal" yaml:"journal"`
	Dashboard Dashboard `mapstructure:"dashboard" toml:"dashboard" yaml:"dashboard"`
	Log       Log       `mapstructure:"log" toml:"log" yaml:"log"`
}

// Folder describes the watched tree and its local expiration policy.
type Folder struct {
	// Path is the root of the watched tree.
	Path string `mapstructure:"path" toml:"path" yaml:"path"`

	// Recursive watches subdirectories as well as the root.
	Recursive bool `mapstructure:"recursive" toml:"recursive" yaml:"recursive"`

	// SettleSeconds is the quiet period, in seconds, a path must observe
	// before its pending change is dispatched.
	SettleSeconds int `mapstructure:"settle_timeout" toml:"settle_timeout" yaml:"settle_timeout"`

	// Include and Exclude are regular expressions matched against the
	// start of the full path. Exclude wins over Include.
	Include []string `mapstructure:"include" toml:"include" yaml:"include"`
	Exclude []string `mapstructure:"exclude" toml:"exclude" yaml:"exclude"`

	// Expire enables deletion of local files older than ExpireDays.
	Expire     bool `mapstructure:"expire" toml:"expire" yaml:"expire"`
	ExpireDays int  `mapstructure:"expire_days" toml:"expire_days" yaml:"expire_days"`

	// SweepPeriod is how often the expiration sweep runs.
	SweepPeriod time.Duration `mapstructure:"sweep_period" toml:"sweep_period" yaml:"sweep_period"`
}

// SettleTimeout returns the quiet period as a duration.
func (f Folder) SettleTimeout() time.Duration {
	return time.Duration(f.SettleSeconds) * time.Second
}

// Bucket holds object store access settings.
type Bucket struct {
	Region string `mapstructure:"region" toml:"region" yaml:"region"`
	Name   string `mapstructure:"name" toml:"name" yaml:"name"`

	// ObjectMode is the canned ACL applied to every pushed object,
	// e.g. "private" or "public-read". Empty leaves the bucket default.
	ObjectMode string `mapstructure:"object_mode" toml:"object_mode" yaml:"object_mode"`

	AccessKey string `mapstructure:"access_key" toml:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key" yaml:"secret_key"`

	// Endpoint and PathStyle target S3-compatible stores (MinIO, Ceph, ...).
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" toml:"path_style" yaml:"path_style"`
}

// Transfer tunes object store transfers and the dispatch loop.
type Transfer struct {
	// Concurrency is the number of parts transferred in parallel for a
	// single multipart upload or download.
	Concurrency int `mapstructure:"concurrency" toml:"concurrency" yaml:"concurrency"`

	// PartSizeMB is the multipart chunk size in MiB.
	PartSizeMB int64 `mapstructure:"part_size_mb" toml:"part_size_mb" yaml:"part_size_mb"`

	// Workers bounds the pool used by asynchronous callers.
	Workers int `mapstructure:"workers" toml:"workers" yaml:"workers"`

	// Timeout bounds a single object store operation.
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`

	// Tick is the dispatch loop interval. It is independent of the
	// settle timeout.
	Tick time.Duration `mapstructure:"tick" toml:"tick" yaml:"tick"`
}

// Journal configures the local transfer journal.
type Journal struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" toml:"path" yaml:"path"`
}

// Dashboard configures the live WebSocket event stream.
type Dashboard struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" toml:"port" yaml:"port"`
}

// Log configures process logging.
type Log struct {
	Level  string `mapstructure:"level" toml:"level" yaml:"level"`
	Format string `mapstructure:"format" toml:"format" yaml:"format"`

	// File enables rotated file output. Empty logs to stderr.
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// setDefaults registers every key so that environment overrides apply
// even when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("folder.path", "")
	v.SetDefault("folder.recursive", true)
	v.SetDefault("folder.settle_timeout", 10)
	v.SetDefault("folder.include", []string{".*"})
	v.SetDefault("folder.exclude", []string{})
	v.SetDefault("folder.expire", false)
	v.SetDefault("folder.expire_days", 30)
	v.SetDefault("folder.sweep_period", time.Hour)

	v.SetDefault("bucket.region", "us-east-1")
	v.SetDefault("bucket.name", "")
	v.SetDefault("bucket.object_mode", "private")
	v.SetDefault("bucket.access_key", "")
	v.SetDefault("bucket.secret_key", "")
	v.SetDefault("bucket.endpoint", "")
	v.SetDefault("bucket.path_style", false)

	v.SetDefault("transfer.concurrency", 5)
	v.SetDefault("transfer.part_size_mb", 8)
	v.SetDefault("transfer.workers", 4)
	v.SetDefault("transfer.timeout", 5*time.Minute)
	v.SetDefault("transfer.tick", time.Second)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", defaultJournalPath())

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

func defaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "s3mirror", "journal.db")
}

// Load reads the configuration from path. When path is empty the file
// s3mirror.{yaml,toml} is searched for in the working directory and in
// $HOME/.config/s3mirror; a missing file is not an error in that case.
//
// The returned configuration has passed Validate.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &Error{Field: "config", Reason: fmt.Sprintf("cannot read %s", path), Err: err}
		}
	} else {
		v.SetConfigName("s3mirror")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "s3mirror"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, &Error{Field: "config", Reason: "cannot read config file", Err: err}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &Error{Field: "config", Reason: "cannot decode", Err: err}
	}
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expand resolves ${VAR} references in string values.
func (c *Config) expand() {
	c.Folder.Path = os.ExpandEnv(c.Folder.Path)
	c.Bucket.Region = os.ExpandEnv(c.Bucket.Region)
	c.Bucket.Name = os.ExpandEnv(c.Bucket.Name)
	c.Bucket.AccessKey = os.ExpandEnv(c.Bucket.AccessKey)
	c.Bucket.SecretKey = os.ExpandEnv(c.Bucket.SecretKey)
	c.Bucket.Endpoint = os.ExpandEnv(c.Bucket.Endpoint)
	c.Journal.Path = os.ExpandEnv(c.Journal.Path)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// Validate checks values that every command depends on. Bucket settings
// are checked separately by ValidateBucket since purely local commands
// (expire, status) do not need them.
func (c Config) Validate() error {
	f := c.Folder
	if f.Path == "" {
		return &Error{Field: "folder.path", Reason: "must be set"}
	}
	if f.SettleSeconds < 0 {
		return &Error{Field: "folder.settle_timeout", Reason: "must not be negative"}
	}
	if len(f.Include) == 0 {
		return &Error{Field: "folder.include", Reason: "at least one pattern is required"}
	}
	if f.Expire {
		if f.ExpireDays < 0 {
			return &Error{Field: "folder.expire_days", Reason: "must not be negative"}
		}
		if f.SweepPeriod <= 0 {
			return &Error{Field: "folder.sweep_period", Reason: "must be positive"}
		}
	}

	t := c.Transfer
	if t.Workers < 1 {
		return &Error{Field: "transfer.workers", Reason: "must be at least 1"}
	}
	if t.Concurrency < 1 {
		return &Error{Field: "transfer.concurrency", Reason: "must be at least 1"}
	}
	if t.Tick <= 0 {
		return &Error{Field: "transfer.tick", Reason: "must be positive"}
	}
	if t.Timeout <= 0 {
		return &Error{Field: "transfer.timeout", Reason: "must be positive"}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return &Error{Field: "dashboard.port", Reason: "must be a valid TCP port"}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return &Error{Field: "journal.path", Reason: "must be set when the journal is enabled"}
	}
	return nil
}

// ValidateBucket checks the settings needed to reach the object store.
func (c Config) ValidateBucket() error {
	if c.Bucket.Name == "" {
		return &Error{Field: "bucket.name", Reason: "must be set"}
	}
	if c.Bucket.Region == "" && c.Bucket.Endpoint == "" {
		return &Error{Field: "bucket.region", Reason: "must be set unless bucket.endpoint is"}
	}
	if (c.Bucket.AccessKey == "") != (c.Bucket.SecretKey == "") {
		return &Error{Field: "bucket.access_key", Reason: "access_key and secret_key must be set together"}
	}
	return nil
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	if c.Bucket.AccessKey != "" {
		c.Bucket.AccessKey = redact(c.Bucket.AccessKey)
	}
	if c.Bucket.SecretKey != "" {
		c.Bucket.SecretKey = "********"
	}
	return c
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
