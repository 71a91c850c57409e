package fetcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/domain/recipe"
)

// Archive is a downloaded file owned by one pipeline run.
type Archive struct {
	// Path is the local file holding the archive bytes.
	Path string
	// Name is the base name of the source URL path.
	Name string
	// URL is where the archive came from.
	URL string
	// Size is the number of bytes downloaded.
	Size int64

	// cached archives belong to the Cache and are never removed by Close.
	cached bool
	mu     sync.Mutex
	closed bool
}

// Cached reports whether the archive is a cache entry.
func (a *Archive) Cached() bool {
	return a.cached
}

// Close removes the temporary file. It is safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cached {
		a.closed = true
		return nil
	}

	a.closed = true

	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove download %s: %w", a.Path, err)
	}

	return nil
}

// Retain moves the archive into cache under digest instead of deleting it.
func (a *Archive) Retain(cache *Cache, digest recipe.Digest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cached {
		return nil
	}

	cachedPath, err := cache.Store(digest, a.Path)
	if err != nil {
		return err
	}

	a.Path = cachedPath
	a.cached = true

	return nil
}

// Cache is a content-addressed store of verified archives.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: filepath.Clean(dir)}
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) entryPath(digest recipe.Digest) string {
	return filepath.Join(c.dir, digest.Algorithm, digest.Hex)
}

// Lookup returns the cached archive for digest, if present. The entry is not
// verified here; callers verify it like any fresh download.
func (c *Cache) Lookup(digest recipe.Digest) (*Archive, bool) {
	if c == nil || digest.Validate() != nil {
		return nil, false
	}

	entry := c.entryPath(digest)

	info, err := os.Stat(entry)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}

	return &Archive{
		Path:   entry,
		Name:   filepath.Base(entry),
		Size:   info.Size(),
		cached: true,
	}, true
}

// Store moves src into the cache under digest and returns the entry path.
func (c *Cache) Store(digest recipe.Digest, src string) (string, error) {
	if err := digest.Validate(); err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}

	entry := c.entryPath(digest)

	if err := os.MkdirAll(filepath.Dir(entry), config.DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	if err := os.Rename(src, entry); err == nil {
		return entry, nil
	}

	// Work and cache directories may sit on different filesystems.
	if err := copyFile(src, entry); err != nil {
		return "", err
	}

	_ = os.Remove(src)

	return entry, nil
}

// Evict removes the entry for digest, e.g. after it failed verification.
func (c *Cache) Evict(digest recipe.Digest) error {
	if err := os.Remove(c.entryPath(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("evict cache entry: %w", err)
	}

	return nil
}

// copyFile copies src to dst through a temp file so dst is never partial.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}

	defer func() {
		_ = in.Close() // read-only handle
	}()

	out, err := os.CreateTemp(filepath.Dir(dst), ".cache-*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("copy into cache: %w", err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close cache temp file: %w", err)
	}

	if err = os.Rename(out.Name(), dst); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}

	return nil
}
