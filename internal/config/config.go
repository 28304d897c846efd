// Package config loads the command line configuration: a YAML file, .env
// files and environment overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/registry"
)

// EnvPrefix prefixes the environment variables that override file values.
const EnvPrefix = "ARTIFACTFETCHER_"

// Store types.
const (
	StoreDisk = "disk"
	StoreS3   = "s3"
)

// DefaultTarget is the target used when a command names none.
const DefaultTarget = "default"

// Config is the complete CLI configuration.
type Config struct {
	Upstream UpstreamConfig          `yaml:"upstream"`
	Retry    RetryConfig             `yaml:"retry"`
	Store    StoreConfig             `yaml:"store"`
	Targets  map[string]TargetConfig `yaml:"targets"`
	Jobs     JobsConfig              `yaml:"jobs"`
	Log      LogConfig               `yaml:"log"`
}

// UpstreamConfig is the registry images are pulled from.
type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	TokenRealm     string        `yaml:"token_realm"`
	TokenService   string        `yaml:"token_service"`
	Anonymous      bool          `yaml:"anonymous"`
	Platform       string        `yaml:"platform"`
	Insecure       bool          `yaml:"insecure"`
	Timeout        time.Duration `yaml:"timeout"`
	TokenCacheSize int           `yaml:"token_cache_size"`
}

// RetryConfig tunes the retry policy shared by all HTTP calls.
type RetryConfig struct {
	MaxRetry  int           `yaml:"max_retry"`
	Backoff   time.Duration `yaml:"backoff"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

// StoreConfig selects where results are kept.
type StoreConfig struct {
	Type string   `yaml:"type"`
	Dir  string   `yaml:"dir"`
	S3   S3Config `yaml:"s3"`
}

// S3Config configures the S3 result store.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Prefix       string `yaml:"prefix"`
	CreateBucket bool   `yaml:"create_bucket"`
}

// TargetConfig is a registry images are pushed to.
type TargetConfig struct {
	URL              string `yaml:"url"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	Insecure         bool   `yaml:"insecure"`
	LocationPrefix   string `yaml:"location_prefix"`
	KeepLocationHost bool   `yaml:"keep_location_host"`
	HashConcurrency  int    `yaml:"hash_concurrency"`
}

// JobsConfig tunes the job registry.
type JobsConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxSubscribers int           `yaml:"max_subscribers"`
	ScratchDir     string        `yaml:"scratch_dir"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL:          registry.DefaultBaseURL,
			TokenRealm:   registry.DefaultTokenRealm,
			TokenService: registry.DefaultTokenService,
			Platform:     "linux/amd64",
			Timeout:      httputil.DefaultTimeout,
		},
		Retry: RetryConfig{
			MaxRetry:  httputil.DefaultMaxRetry,
			Backoff:   httputil.DefaultBackoff,
			MaxJitter: httputil.DefaultMaxJitter,
		},
		Store: StoreConfig{
			Type: StoreDisk,
			Dir:  filepath.Join(os.TempDir(), "artifactfetcher", "results"),
		},
		Targets: map[string]TargetConfig{},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), loads envFiles into the environment without
// overriding variables that are already set, and applies environment
// overrides. Missing env files are ignored; a missing config file is not.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables read through lookup.
// Secrets are expected here rather than in the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var err error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				err = errors.Join(err, fmt.Errorf("config: %s: invalid boolean %q", key, v))
			}
		}
	}

	str(EnvPrefix+"UPSTREAM_URL", &c.Upstream.URL)
	str(EnvPrefix+"PLATFORM", &c.Upstream.Platform)
	boolean(EnvPrefix+"UPSTREAM_INSECURE", &c.Upstream.Insecure)
	str(EnvPrefix+"STORE", &c.Store.Type)
	str(EnvPrefix+"STORE_DIR", &c.Store.Dir)
	str(EnvPrefix+"SCRATCH_DIR", &c.Jobs.ScratchDir)
	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)

	target := c.Targets[DefaultTarget]
	str(EnvPrefix+"TARGET_URL", &target.URL)
	str(EnvPrefix+"TARGET_USERNAME", &target.Username)
	str(EnvPrefix+"TARGET_PASSWORD", &target.Password)
	boolean(EnvPrefix+"TARGET_INSECURE", &target.Insecure)
	if target != (TargetConfig{}) {
		if c.Targets == nil {
			c.Targets = map[string]TargetConfig{}
		}
		c.Targets[DefaultTarget] = target
	}

	s3 := &c.Store.S3
	str("S3_ENDPOINT", &s3.Endpoint)
	str("S3_REGION", &s3.Region)
	str("S3_BUCKET", &s3.Bucket)
	str("S3_ACCESS_KEY", &s3.AccessKey)
	str("S3_SECRET_KEY", &s3.SecretKey)
	str("S3_PREFIX", &s3.Prefix)
	return err
}

// Validate checks values that cannot be caught by the YAML decoder.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case StoreDisk:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("config: store.dir is required for the disk store"))
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("config: store.s3.bucket is required for the s3 store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store type %q", c.Store.Type))
	}
	if c.Upstream.Platform != "" {
		if _, err := registry.ParsePlatform(c.Upstream.Platform); err != nil {
			errs = append(errs, fmt.Errorf("config: upstream.platform: %w", err))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxRetry < 0 {
		errs = append(errs, errors.New("config: retry.max_retry must not be negative"))
	}
	for name, t := range c.Targets {
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("config: targets.%s.url is required", name))
		}
	}
	return errors.Join(errs...)
}

// Target returns the named push target. An empty name selects the default.
func (c *Config) Target(name string) (registry.Target, error) {
	if name == "" {
		name = DefaultTarget
	}
	t, ok := c.Targets[name]
	if !ok {
		names := make([]string, 0, len(c.Targets))
		for n := range c.Targets {
			names = append(names, n)
		}
		sort.Strings(names)
		return registry.Target{}, fmt.Errorf("config: unknown target %q (configured: %s)", name, strings.Join(names, ", "))
	}
	return registry.Target{
		URL:              t.URL,
		Username:         t.Username,
		Password:         t.Password,
		Insecure:         t.Insecure,
		LocationPrefix:   t.LocationPrefix,
		KeepLocationHost: t.KeepLocationHost,
	}, nil
}

// RetryPolicy builds the shared retry policy.
func (c *Config) RetryPolicy() *httputil.RetryPolicy {
	return &httputil.RetryPolicy{
		MaxRetry:  c.Retry.MaxRetry,
		Backoff:   c.Retry.Backoff,
		MaxJitter: c.Retry.MaxJitter,
	}
}

// RegistryOptions returns the upstream client options.
func (c *Config) RegistryOptions() ([]registry.Option, error) {
	opts := []registry.Option{
		registry.WithBaseURL(c.Upstream.URL),
		registry.WithRetryPolicy(c.RetryPolicy()),
		registry.WithInsecure(c.Upstream.Insecure),
	}
	if c.Upstream.Timeout > 0 {
		opts = append(opts, registry.WithTimeout(c.Upstream.Timeout))
	}
	if c.Upstream.TokenCacheSize != 0 {
		opts = append(opts, registry.WithTokenCacheSize(c.Upstream.TokenCacheSize))
	}
	if c.Upstream.Anonymous {
		opts = append(opts, registry.WithAnonymous())
	} else {
		opts = append(opts, registry.WithTokenRealm(c.Upstream.TokenRealm, c.Upstream.TokenService))
	}
	if c.Upstream.Platform != "" {
		p, err := registry.ParsePlatform(c.Upstream.Platform)
		if err != nil {
			return nil, err
		}
		opts = append(opts, registry.WithDefaultPlatform(*p))
	}
	return opts, nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
