// Package config handles configuration loading and validation for meshdrive.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/pkg/bytesize"
)

// Storage backends.
const (
	BackendDisk = "disk"
	BackendS3   = "s3"
)

// Stamp sources, mirrored from the vfs package names.
const (
	StampRandom = "random"
	StampTime   = "time"
)

// Defaults applied by Load.
const (
	DefaultDataDir           = "~/.meshdrive/data"
	DefaultMetadataPath      = "~/.meshdrive/index.db"
	DefaultDeleteConcurrency = 8
)

var (
	DefaultQuotaLimit    = bytesize.Size(10 * bytesize.GB)
	DefaultMaxUploadSize = bytesize.Size(100 * bytesize.MB)
)

// DiskConfig holds configuration for the local disk backend.
type DiskConfig struct {
	DataDir  string `yaml:"data_dir"`
	Compress bool   `yaml:"compress"` // zstd-compress object bodies at rest
}

// S3Config holds configuration for an S3-compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // empty for AWS
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Backend string     `yaml:"backend"`
	Disk    DiskConfig `yaml:"disk"`
	S3      S3Config   `yaml:"s3"`
}

// PublicURLConfig holds the public URL template parts:
// https://{container}.{endpoint}/{key}.
type PublicURLConfig struct {
	Container string `yaml:"container"`
	Endpoint  string `yaml:"endpoint"`
}

// QuotaConfig holds per-owner storage limits. A limit of 0 is unlimited.
type QuotaConfig struct {
	DefaultLimit bytesize.Size            `yaml:"default_limit"`
	Overrides    map[string]bytesize.Size `yaml:"overrides"`
}

// UploadConfig holds upload limits.
type UploadConfig struct {
	MaxSize bytesize.Size `yaml:"max_size"`
}

// KeysConfig controls object key generation.
type KeysConfig struct {
	Stamp string `yaml:"stamp"`
}

// DeleteConfig controls recursive deletes.
type DeleteConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// MetadataConfig controls the optional sqlite metadata index.
type MetadataConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IdentityConfig names the owner commands act as when --owner is not given.
type IdentityConfig struct {
	Owner string `yaml:"owner"`
}

// LokiConfig enables log shipping to Grafana Loki when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"` // e.g. "5s"
}

// LoggingConfig holds log sinks beyond stderr.
type LoggingConfig struct {
	Loki LokiConfig `yaml:"loki"`
}

// Config is the meshdrive configuration file.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	PublicURL PublicURLConfig `yaml:"public_url"`
	Quota     QuotaConfig     `yaml:"quota"`
	Upload    UploadConfig    `yaml:"upload"`
	Keys      KeysConfig      `yaml:"keys"`
	Delete    DeleteConfig    `yaml:"delete"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Identity  IdentityConfig  `yaml:"identity"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(nil)
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults(raw)
	return cfg, nil
}

// applyDefaults fills unset fields. raw is the untyped document, used to tell
// an explicit zero apart from a missing key.
func (c *Config) applyDefaults(raw map[string]interface{}) {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendDisk
	}
	if c.Storage.Disk.DataDir == "" {
		c.Storage.Disk.DataDir = DefaultDataDir
	}
	c.Storage.Disk.DataDir = expandHome(c.Storage.Disk.DataDir)

	if !isSet(raw, "quota", "default_limit") {
		c.Quota.DefaultLimit = DefaultQuotaLimit
	}
	if !isSet(raw, "upload", "max_size") {
		c.Upload.MaxSize = DefaultMaxUploadSize
	}
	if c.Keys.Stamp == "" {
		c.Keys.Stamp = StampRandom
	}
	if c.Delete.Concurrency == 0 {
		c.Delete.Concurrency = DefaultDeleteConcurrency
	}
	if c.Metadata.Path == "" {
		c.Metadata.Path = DefaultMetadataPath
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)
}

func isSet(raw map[string]interface{}, section, key string) bool {
	sec, ok := raw[section].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = sec[key]
	return ok
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// QuotaOverrides returns the per-owner limits in bytes.
func (c *Config) QuotaOverrides() map[string]int64 {
	if len(c.Quota.Overrides) == 0 {
		return nil
	}
	out := make(map[string]int64, len(c.Quota.Overrides))
	for owner, limit := range c.Quota.Overrides {
		out[owner] = limit.Int64()
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendDisk:
		if c.Storage.Disk.DataDir == "" {
			return fmt.Errorf("storage.disk.data_dir is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
		if c.Storage.S3.Region == "" && c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.region or storage.s3.endpoint is required")
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (want %s or %s)", c.Storage.Backend, BackendDisk, BackendS3)
	}

	if (c.PublicURL.Container == "") != (c.PublicURL.Endpoint == "") {
		return fmt.Errorf("public_url.container and public_url.endpoint must be set together")
	}
	if c.Quota.DefaultLimit < 0 {
		return fmt.Errorf("quota.default_limit must not be negative")
	}
	for owner, limit := range c.Quota.Overrides {
		if err := keycodec.ValidateOwner(owner); err != nil {
			return fmt.Errorf("quota.overrides: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("quota.overrides[%s] must not be negative", owner)
		}
	}
	if c.Upload.MaxSize < 0 {
		return fmt.Errorf("upload.max_size must not be negative")
	}
	if c.Keys.Stamp != StampRandom && c.Keys.Stamp != StampTime {
		return fmt.Errorf("keys.stamp must be %s or %s", StampRandom, StampTime)
	}
	if c.Delete.Concurrency < 1 || c.Delete.Concurrency > 256 {
		return fmt.Errorf("delete.concurrency must be between 1 and 256")
	}
	if c.Metadata.Enabled && c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required when metadata is enabled")
	}
	if c.Identity.Owner != "" {
		if err := keycodec.ValidateOwner(c.Identity.Owner); err != nil {
			return fmt.Errorf("identity.owner: %w", err)
		}
	}
	if c.Logging.Loki.URL != "" {
		u, err := url.Parse(c.Logging.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("logging.loki.url must be an http(s) URL")
		}
	}
	if c.Logging.Loki.BatchSize < 0 || c.Logging.Loki.FlushInterval < 0 {
		return fmt.Errorf("logging.loki.batch_size and flush_interval must not be negative")
	}
	return nil
}
