package integration

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/brewkit/internal/archivetest"
	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/service/manager"
	"github.com/oshokin/brewkit/internal/service/packager"
)

// releaseServer publishes archives and counts downloads per path.
type releaseServer struct {
	*httptest.Server

	mu       sync.Mutex
	archives map[string][]byte
	hits     map[string]int
}

func startReleaseServer(t *testing.T) *releaseServer {
	t.Helper()

	s := &releaseServer{
		archives: make(map[string][]byte),
		hits:     make(map[string]int),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		body, ok := s.archives[r.URL.Path]
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)

	return s
}

// publish serves data at path and returns its URL.
func (s *releaseServer) publish(path string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.archives[path] = data

	return s.URL + path
}

func (s *releaseServer) downloads(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits[path]
}

// testbed is a settings file plus the directories it points to.
type testbed struct {
	dir        string
	configPath string
	cfg        *config.Config
	out        bytes.Buffer
}

func newTestbed(t *testing.T, tune func(cfg *config.Config)) *testbed {
	t.Helper()

	dir := t.TempDir()

	cfg := &config.Config{
		Prefix:         filepath.Join(dir, "prefix"),
		CacheDir:       filepath.Join(dir, "cache"),
		StoreFile:      filepath.Join(dir, "state", "installed.yaml"),
		WorkDir:        t.TempDir(),
		Timeout:        5 * time.Second,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		Parallelism:    2,
		LogLevel:       "error",
	}

	if tune != nil {
		tune(cfg)
	}

	tb := &testbed{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		cfg:        cfg,
	}

	require.NoError(t, config.Save(tb.configPath, cfg))

	return tb
}

func (tb *testbed) options() manager.Options {
	return manager.Options{ConfigPath: tb.configPath, Output: &tb.out}
}

func (tb *testbed) install(paths ...string) *manager.InstallOptions {
	return &manager.InstallOptions{Options: tb.options(), RecipePaths: paths}
}

// writeRecipe stores a recipe document for archive and returns its path.
func (tb *testbed) writeRecipe(t *testing.T, name, version, url string, archive []byte, steps string) string {
	t.Helper()

	contents := fmt.Sprintf("name: %s\nversion: %q\nurl: %s\ndigest: %s\ninstall:\n%s",
		name, version, url, archivetest.SHA256(archive), steps)

	return archivetest.WriteFile(t, tb.dir, fmt.Sprintf("%s-%s.yaml", name, version), []byte(contents))
}

// toolArchive is a release of name with an executable and a man page.
func toolArchive(t *testing.T, name, version string) []byte {
	t.Helper()

	root := fmt.Sprintf("%s-%s/", name, version)

	return archivetest.TarGz(t,
		archivetest.Entry{Name: root},
		archivetest.Entry{Name: root + "bin/" + name, Body: "#!/bin/sh\necho " + version + "\n", Mode: 0o755},
		archivetest.Entry{Name: root + "man/" + name + ".1", Body: ".TH " + name},
	)
}

func draftOptions(url string) packager.Options {
	return packager.Options{URL: url}
}
