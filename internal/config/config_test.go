package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks defaults and rejections for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Validate(nil))

	// Negative counters.
	require.Error(t, Validate(&Config{MaxRetries: -1}))
	require.Error(t, Validate(&Config{MaxRedirects: -2}))

	// Unknown algorithm.
	require.Error(t, Validate(&Config{DigestAlgorithms: []string{"md5"}}))

	// Defaults are filled in.
	cfg := &Config{Prefix: "relative/prefix"}
	require.NoError(t, Validate(cfg))
	require.True(t, filepath.IsAbs(cfg.Prefix))
	require.NotEmpty(t, cfg.CacheDir)
	require.NotEmpty(t, cfg.StoreFile)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
	require.Zero(t, cfg.MaxRedirects)
	require.Equal(t, KnownDigestAlgorithms(), cfg.DigestAlgorithms)
	require.Equal(t, "info", cfg.LogLevel)
}

// TestLoad_MissingFileYieldsDefaults ensures a fresh machine works without a config file.
func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
	require.Equal(t, DefaultParallelism, cfg.Parallelism)
}

// TestLoad_PartialFileKeepsDefaults checks that unset keys keep default values.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: 3s\nmax_retries: 0\n"), DefaultFilePermissions))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Zero(t, cfg.MaxRetries)
	require.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
	require.Equal(t, DefaultBackoffMax, cfg.BackoffMax)
}

// TestLoad_RedirectsCanBeDisabled keeps an explicit max_redirects of zero.
func TestLoad_RedirectsCanBeDisabled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_redirects: 0\n"), DefaultFilePermissions))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Zero(t, cfg.MaxRedirects)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	settings := &Config{
		Prefix:           filepath.Join(dir, "prefix"),
		CacheDir:         filepath.Join(dir, "cache"),
		StoreFile:        filepath.Join(dir, "installed.yaml"),
		Timeout:          7 * time.Second,
		MaxRetries:       5,
		KeepCache:        true,
		DigestAlgorithms: []string{"sha256"},
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings.Prefix, loaded.Prefix)
	require.Equal(t, settings.Timeout, loaded.Timeout)
	require.Equal(t, settings.MaxRetries, loaded.MaxRetries)
	require.True(t, loaded.KeepCache)
	require.Equal(t, []string{"sha256"}, loaded.DigestAlgorithms)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}
