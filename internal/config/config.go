package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/brewkit/internal/domain/recipe"
)

// Config holds the settings shared by every brewkit command.
type Config struct {
	// Prefix is the destination root with role subdirectories (bin, lib, ...).
	Prefix string `yaml:"prefix"`
	// CacheDir stores verified archives keyed by digest.
	CacheDir string `yaml:"cache_dir"`
	// StoreFile is the YAML file holding install records.
	StoreFile string `yaml:"store_file"`
	// WorkDir is where downloads and extractions are staged; empty means the OS temp dir.
	WorkDir string `yaml:"work_dir,omitempty"`
	// Timeout bounds a single download attempt.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is how many times a transient download failure is retried.
	MaxRetries int `yaml:"max_retries"`
	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	// BackoffMax caps the delay between retries.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// MaxRedirects bounds how many redirects a download may follow; 0 disables redirects.
	MaxRedirects int `yaml:"max_redirects"`
	// KeepCache retains verified archives in CacheDir after install.
	KeepCache bool `yaml:"keep_cache"`
	// Parallelism limits concurrent pipelines for batch installs.
	Parallelism int `yaml:"parallelism"`
	// DigestAlgorithms restricts which digest algorithms recipes may use.
	DigestAlgorithms []string `yaml:"digest_algorithms"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

const (
	// AppDirName is the directory name used under XDG base directories.
	AppDirName = "brewkit"

	// DefaultConfigFilename is the config file name looked up in the XDG config home.
	DefaultConfigFilename = "config.yaml"

	// DefaultStoreFilename is the default file name of the install record store.
	DefaultStoreFilename = "installed.yaml"

	// DefaultTimeout is the default duration of one download attempt.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retries for transient download failures.
	DefaultMaxRetries = 3

	// DefaultBackoffInitial is the default delay before the first retry.
	DefaultBackoffInitial = 500 * time.Millisecond

	// DefaultBackoffMax is the default cap on the delay between retries.
	DefaultBackoffMax = 10 * time.Second

	// DefaultMaxRedirects is the default redirect bound for downloads.
	DefaultMaxRedirects = 5

	// DefaultParallelism is the default number of concurrent pipelines.
	DefaultParallelism = 4

	// DefaultFilePermissions is the permission used for config and state files.
	DefaultFilePermissions = 0o600

	// DefaultDirPermissions is the permission used for directories brewkit creates.
	DefaultDirPermissions = 0o755
)

// KnownDigestAlgorithms lists every algorithm the verifier implements.
func KnownDigestAlgorithms() []string {
	return recipe.Algorithms()
}

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errNegativeValue is returned for negative counters.
	errNegativeValue = errors.New("value must not be negative")
	// errUnknownAlgorithm is returned for digest algorithms the verifier lacks.
	errUnknownAlgorithm = errors.New("unknown digest algorithm")
)

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppDirName, DefaultConfigFilename)
}

// Default returns a configuration rooted in the XDG base directories.
func Default() *Config {
	cfg := &Config{
		MaxRetries:   DefaultMaxRetries,
		MaxRedirects: DefaultMaxRedirects,
	}

	applyDefaults(cfg)

	return cfg
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	// Keys absent from the file keep their default values.
	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultPath()
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(filepath.Clean(path)), DefaultDirPermissions); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills in defaults and rejects values that cannot work.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries: %w", errNegativeValue)
	}

	if cfg.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects: %w", errNegativeValue)
	}

	known := KnownDigestAlgorithms()
	for _, algorithm := range cfg.DigestAlgorithms {
		if !slices.Contains(known, algorithm) {
			return fmt.Errorf("digest_algorithms: %w: %s", errUnknownAlgorithm, algorithm)
		}
	}

	applyDefaults(cfg)

	for _, dir := range []*string{&cfg.Prefix, &cfg.CacheDir, &cfg.StoreFile} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *dir, err)
		}

		*dir = abs
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Prefix == "" {
		cfg.Prefix = filepath.Join(xdg.DataHome, AppDirName, "prefix")
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, AppDirName)
	}

	if cfg.StoreFile == "" {
		cfg.StoreFile = filepath.Join(xdg.StateHome, AppDirName, DefaultStoreFilename)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}

	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}

	if len(cfg.DigestAlgorithms) == 0 {
		cfg.DigestAlgorithms = KnownDigestAlgorithms()
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
