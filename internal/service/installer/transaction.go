package installer

import (
	"context"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/brewkit/internal/logger"
)

const (
	// backupSuffix marks the sibling copy of a file being replaced.
	backupSuffix = ".brewkit-old"
	// probePattern names the temp files used to test directory writability.
	probePattern = ".brewkit-probe-*"
)

// journalEntry records what commit did to one destination so it can be undone.
type journalEntry struct {
	// dst is the destination path.
	dst string
	// backup holds the previous content (or an empty placeholder).
	backup string
	// created is true when dst did not exist before the install.
	created bool
}

// transaction commits placements all or nothing.
type transaction struct {
	ctx context.Context //nolint:containedctx // used for logging during rollback.
	// dirs are directories the transaction created, outermost first.
	dirs []string
	// journal lists touched destinations in commit order.
	journal []journalEntry
}

func newTransaction(ctx context.Context) *transaction {
	return &transaction{ctx: ctx}
}

// prepare creates destination directories and probes that each accepts writes.
func (tx *transaction) prepare(placements []placement) error {
	probed := make(map[string]struct{}, len(placements))

	for _, p := range placements {
		if info, err := os.Lstat(p.dst); err == nil && info.IsDir() {
			return &InstallError{Kind: KindCommit, Path: p.dst, Err: errDestinationIsDir}
		}

		dir := filepath.Dir(p.dst)
		if _, ok := probed[dir]; ok {
			continue
		}

		probed[dir] = struct{}{}

		created, err := ensureDir(dir)
		tx.dirs = append(tx.dirs, created...)

		if err != nil {
			return fsError(KindCommit, dir, err)
		}

		if err = probe(dir); err != nil {
			return fsError(KindCommit, dir, err)
		}
	}

	return nil
}

func probe(dir string) error {
	file, err := os.CreateTemp(dir, probePattern)
	if err != nil {
		return err
	}

	name := file.Name()

	if err = file.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}

	return os.Remove(name)
}

// commit moves every staged file into place. Cancellation is honored between
// files; the caller rolls back on error.
func (tx *transaction) commit(ctx context.Context, placements []placement) error {
	for _, p := range placements {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := tx.apply(p); err != nil {
			return err
		}
	}

	return nil
}

// apply replaces p.dst with the staged file through go-update, keeping the
// previous content at a sibling backup path until the transaction finishes.
func (tx *transaction) apply(p placement) error {
	entry := journalEntry{
		dst:    p.dst,
		backup: backupPath(p.dst),
	}

	// A backup left by an interrupted run must not be restored over dst.
	if err := os.Remove(entry.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fsError(KindCommit, entry.backup, err)
	}

	// go-update renames the existing target away before moving the new file
	// in, so a missing target gets an empty placeholder first.
	if _, err := os.Lstat(p.dst); errors.Is(err, os.ErrNotExist) {
		placeholder, createErr := os.OpenFile(p.dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, p.mode)
		if createErr != nil {
			return fsError(KindCommit, p.dst, createErr)
		}

		_ = placeholder.Close()

		entry.created = true
	} else if err != nil {
		return fsError(KindCommit, p.dst, err)
	}

	tx.journal = append(tx.journal, entry)

	checksum, err := fileChecksum(p.src)
	if err != nil {
		return &InstallError{Kind: KindCommit, Path: p.src, Err: err}
	}

	staged, err := os.Open(p.src)
	if err != nil {
		return &InstallError{Kind: KindCommit, Path: p.src, Err: err}
	}

	defer func() {
		_ = staged.Close() // read-only handle
	}()

	err = goupdate.Apply(staged, goupdate.Options{
		TargetPath:  p.dst,
		TargetMode:  p.mode,
		Checksum:    checksum,
		Hash:        crypto.SHA256,
		OldSavePath: entry.backup,
	})
	if err != nil {
		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			logger.ErrorKV(tx.ctx, "Replacement rollback failed", "path", p.dst, "error", rollbackErr)
		}

		return fsError(KindCommit, p.dst, err)
	}

	// The new file is created under the umask; executables need their bits.
	if err = os.Chmod(p.dst, p.mode); err != nil {
		return fsError(KindCommit, p.dst, err)
	}

	return nil
}

// rollback undoes every journaled change in reverse order and removes the
// directories the transaction created.
func (tx *transaction) rollback() {
	for idx := len(tx.journal) - 1; idx >= 0; idx-- {
		entry := tx.journal[idx]

		// go-update stages next to the target; clear anything it left behind.
		_ = os.Remove(stagingPath(entry.dst))

		if entry.created {
			removeQuietly(tx.ctx, entry.dst)
			removeQuietly(tx.ctx, entry.backup)

			continue
		}

		if _, err := os.Lstat(entry.backup); err != nil {
			continue
		}

		if err := os.Rename(entry.backup, entry.dst); err != nil {
			logger.ErrorKV(tx.ctx, "Unable to restore replaced file", "path", entry.dst, "error", err)
		}
	}

	for idx := len(tx.dirs) - 1; idx >= 0; idx-- {
		_ = os.Remove(tx.dirs[idx])
	}

	tx.journal = nil
	tx.dirs = nil
}

// finish drops the backups of a committed transaction.
func (tx *transaction) finish() {
	for _, entry := range tx.journal {
		removeQuietly(tx.ctx, entry.backup)
	}

	tx.journal = nil
	tx.dirs = nil
}

func removeQuietly(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove file", "path", path, "error", err)
	}
}

func backupPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+backupSuffix)
}

// stagingPath mirrors the temporary name go-update writes the new file to.
func stagingPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".new")
}

func fileChecksum(path string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close() // read-only handle
	}()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}

	return hasher.Sum(nil), nil
}
