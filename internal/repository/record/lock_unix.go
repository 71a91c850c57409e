//go:build unix

package record

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/oshokin/brewkit/internal/config"
)

// fileLock is an exclusive flock held on the sibling lock file of a store.
// The kernel drops it when the descriptor closes, including on a crash.
type fileLock struct {
	file *os.File
}

// acquireFileLock blocks until it holds the exclusive lock on lockPath.
func acquireFileLock(lockPath string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), config.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, config.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil { //nolint:gosec // fd fits in int.
		_ = file.Close()

		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}

	return &fileLock{file: file}, nil
}

// release unlocks and closes the lock file. Repeated calls are no-ops.
func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN) //nolint:gosec // fd fits in int.
	_ = l.file.Close()

	l.file = nil
}
