// Package config loads and validates the five values spec.md §1 feeds into
// the core: host, port, export_size, block_size, and s3_config. Loading
// itself (flags, env, YAML file, dotenv) is ambient plumbing, not part of
// the core the spec describes, but it is still built the way the teacher's
// declared dependencies (gopkg.in/yaml.v2) imply.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// S3Config mirrors spec.md §1's s3_config shape.
type S3Config struct {
	EndpointURL string `yaml:"endpoint_url"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
}

// Config is the full server configuration surface (spec.md §6).
type Config struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	ExportSize int64    `yaml:"export_size"`
	BlockSize  int64    `yaml:"block_size"`
	S3         S3Config `yaml:"s3"`

	LeaseDurationSeconds int  `yaml:"lease_duration_seconds"`
	MaxPoolConnections   int  `yaml:"max_pool_connections"`
	Daemonize            bool `yaml:"daemonize"`
}

// DefaultBlockSize is spec.md §4.5's default (128 KiB).
const DefaultBlockSize = 128 * 1024

// DefaultLeaseDurationSeconds is spec.md §4.4's default (30 s).
const DefaultLeaseDurationSeconds = 30

func defaults() Config {
	return Config{
		Host:                 "0.0.0.0",
		Port:                 10809,
		BlockSize:            DefaultBlockSize,
		LeaseDurationSeconds: DefaultLeaseDurationSeconds,
		MaxPoolConnections:   32,
	}
}

// Load reads a YAML config file at path, if non-empty, overlaying it on
// defaults. A missing path is not an error: callers typically combine Load
// with environment-variable and flag overrides in cmd/nbdserver.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the five required values (spec.md §1) are present
// and sane.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ExportSize <= 0 {
		return fmt.Errorf("config: export_size must be positive")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be positive")
	}
	if c.ExportSize%c.BlockSize != 0 {
		return fmt.Errorf("config: export_size must be a multiple of block_size")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket is required")
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		return fmt.Errorf("config: s3 access_key/secret_key are required")
	}
	return nil
}
