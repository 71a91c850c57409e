package installer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/brewkit/internal/archivetest"
	"github.com/oshokin/brewkit/internal/domain/install"
	"github.com/oshokin/brewkit/internal/domain/recipe"
)

// snapshot maps every path under root to its content ("<dir>" for directories).
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()

	state := make(map[string]string)

	err := filepath.WalkDir(root, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}

		if entry.IsDir() {
			state[rel] = "<dir>"
			return nil
		}

		data, err := os.ReadFile(current)
		if err != nil {
			return err
		}

		state[rel] = string(data)

		return nil
	})
	require.NoError(t, err)

	return state
}

func newTestInstaller(t *testing.T) (*Installer, string) {
	t.Helper()

	workDir := t.TempDir()

	return New(WithWorkDir(workDir), WithProcessCheck(false)), workDir
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()

	return archivetest.WriteFile(t, t.TempDir(), "archive", data)
}

// TestInstall_SingleBinary installs release/bin into <root>/bin/bin.
func TestInstall_SingleBinary(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "release/"},
		archivetest.Entry{Name: "release/bin", Body: "#!/bin/sh\necho hi\n", Mode: 0o644},
	))

	installer, workDir := newTestInstaller(t)
	root := t.TempDir()
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	installer.now = func() time.Time { return stamp }

	record, err := installer.Install(context.Background(), archive,
		[]recipe.Step{{From: "release/bin", To: recipe.RoleBin}}, root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(root, "bin", "bin")}, record.Files)
	require.Equal(t, stamp, record.InstalledAt)

	data, err := os.ReadFile(filepath.Join(root, "bin", "bin"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	info, err := os.Stat(filepath.Join(root, "bin", "bin"))
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	require.Equal(t, map[string]string{
		".":       "<dir>",
		"bin":     "<dir>",
		"bin/bin": "#!/bin/sh\necho hi\n",
	}, snapshot(t, root))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestInstall_Formats installs the same payload from every supported container.
func TestInstall_Formats(t *testing.T) {
	t.Parallel()

	entries := []archivetest.Entry{
		{Name: "pkg/tool", Body: "tool", Mode: 0o755},
		{Name: "pkg/README", Body: "readme"},
	}

	tests := []struct {
		name   string
		build  func(testing.TB, ...archivetest.Entry) []byte
		format Format
	}{
		{name: "tar", build: archivetest.Tar, format: FormatTar},
		{name: "tar.gz", build: archivetest.TarGz, format: FormatTarGzip},
		{name: "tar.zst", build: archivetest.TarZst, format: FormatTarZstd},
		{name: "tar.xz", build: archivetest.TarXz, format: FormatTarXz},
		{name: "zip", build: archivetest.Zip, format: FormatZip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			archive := writeArchive(t, tt.build(t, entries...))

			format, err := DetectFormat(archive)
			require.NoError(t, err)
			require.Equal(t, tt.format, format)

			installer, _ := newTestInstaller(t)
			root := t.TempDir()

			record, err := installer.Install(context.Background(), archive, []recipe.Step{
				{From: "pkg/tool", To: recipe.RoleBin},
				{From: "pkg/README", To: recipe.RoleShare, As: "tool.README"},
			}, root)
			require.NoError(t, err)
			require.Equal(t, []string{
				filepath.Join(root, "bin", "tool"),
				filepath.Join(root, "share", "tool.README"),
			}, record.Files)

			snap := snapshot(t, root)
			require.Equal(t, "tool", snap[filepath.Join("bin", "tool")])
			require.Equal(t, "readme", snap[filepath.Join("share", "tool.README")])
		})
	}
}

// TestInstall_MissingArtifactLeavesRootUntouched fails before any commit.
func TestInstall_MissingArtifactLeavesRootUntouched(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "release/other", Body: "x"},
	))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "keep"), []byte("keep"), 0o600))

	before := snapshot(t, root)

	_, err := installer.Install(context.Background(), archive, []recipe.Step{
		{From: "release/other", To: recipe.RoleBin},
		{From: "release/bin", To: recipe.RoleBin},
	}, root)
	require.ErrorIs(t, err, ErrMissingArtifact)
	require.ErrorIs(t, err, ErrInstall)

	var installErr *InstallError
	require.True(t, errors.As(err, &installErr))
	require.Equal(t, KindMissingArtifact, installErr.Kind)
	require.Equal(t, "release/bin", installErr.Path)

	require.Equal(t, before, snapshot(t, root))
}

// TestInstall_DirectorySourceAndRoles covers tree sources and the man role.
func TestInstall_DirectorySourceAndRoles(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "dist/lib/libfoo.so", Body: "so"},
		archivetest.Entry{Name: "dist/lib/foo/plugin.so", Body: "plugin"},
		archivetest.Entry{Name: "dist/foo.1", Body: "manpage"},
	))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()

	record, err := installer.Install(context.Background(), archive, []recipe.Step{
		{From: "dist/lib", To: recipe.RoleLib, As: "foo-1.0"},
		{From: "dist/foo.1", To: recipe.RoleMan},
	}, root)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(root, "lib", "foo-1.0", "libfoo.so"),
		filepath.Join(root, "lib", "foo-1.0", "foo", "plugin.so"),
		filepath.Join(root, "share", "man", "foo.1"),
	}, record.Files)

	info, err := os.Stat(filepath.Join(root, "lib", "foo-1.0", "libfoo.so"))
	require.NoError(t, err)
	require.Zero(t, info.Mode().Perm()&0o111)
}

// TestInstall_ReplacesExistingFile upgrades a file in place without leftovers.
func TestInstall_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "tool", Body: "v2", Mode: 0o755},
	))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("v1"), 0o755)) //nolint:gosec // executable fixture.

	_, err := installer.Install(context.Background(), archive,
		[]recipe.Step{{From: "tool", To: recipe.RoleBin}}, root)
	require.NoError(t, err)

	require.Equal(t, map[string]string{
		".":        "<dir>",
		"bin":      "<dir>",
		"bin/tool": "v2",
	}, snapshot(t, root))
}

// TestInstall_RejectsUnsafeArchives refuses entries escaping the work directory.
func TestInstall_RejectsUnsafeArchives(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		archive func(t *testing.T) []byte
		unsafe  bool
	}{
		{
			name: "parent traversal",
			archive: func(t *testing.T) []byte {
				return archivetest.TarGz(t, archivetest.Entry{Name: "../evil", Body: "x"})
			},
		},
		{
			name: "absolute path",
			archive: func(t *testing.T) []byte {
				return archivetest.Tar(t, archivetest.Entry{Name: "/tmp/evil", Body: "x"})
			},
		},
		{
			name: "symlink escape",
			archive: func(t *testing.T) []byte {
				return archivetest.TarGz(t, archivetest.Entry{Name: "release/bin", Link: "../../../etc/passwd"})
			},
			unsafe: true,
		},
		{
			name: "zip traversal",
			archive: func(t *testing.T) []byte {
				return archivetest.Zip(t, archivetest.Entry{Name: "../evil", Body: "x"})
			},
		},
		{
			name: "unknown format",
			archive: func(*testing.T) []byte {
				return []byte("definitely not an archive")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			installer, _ := newTestInstaller(t)
			root := t.TempDir()

			_, err := installer.Install(context.Background(), writeArchive(t, tt.archive(t)),
				[]recipe.Step{{From: "release/bin", To: recipe.RoleBin}}, root)
			require.ErrorIs(t, err, ErrExtract)

			if tt.unsafe {
				require.ErrorIs(t, err, ErrUnsafePath)
			}

			require.Equal(t, map[string]string{".": "<dir>"}, snapshot(t, root))
		})
	}
}

// TestInstall_InternalSymlink follows links that stay inside the archive.
func TestInstall_InternalSymlink(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "release/tool-1.0", Body: "real", Mode: 0o755},
		archivetest.Entry{Name: "release/tool", Link: "tool-1.0"},
	))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()

	_, err := installer.Install(context.Background(), archive,
		[]recipe.Step{{From: "release/tool", To: recipe.RoleBin}}, root)
	require.NoError(t, err)

	info, err := os.Lstat(filepath.Join(root, "bin", "tool"))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())
}

// TestInstall_Canceled stops before touching the destination.
func TestInstall_Canceled(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t, archivetest.Entry{Name: "release/bin", Body: "x"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	installer, workDir := newTestInstaller(t)
	root := t.TempDir()

	_, err := installer.Install(ctx, archive, []recipe.Step{{From: "release/bin", To: recipe.RoleBin}}, root)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, map[string]string{".": "<dir>"}, snapshot(t, root))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestInstall_WriteDenied reports an unwritable destination.
func TestInstall_WriteDenied(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}

	archive := writeArchive(t, archivetest.TarGz(t, archivetest.Entry{Name: "release/bin", Body: "x"}))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o555)) //nolint:gosec // read-only fixture.

	t.Cleanup(func() {
		_ = os.Chmod(root, 0o755) //nolint:gosec // let TempDir cleanup proceed.
	})

	_, err := installer.Install(context.Background(), archive,
		[]recipe.Step{{From: "release/bin", To: recipe.RoleBin}}, root)
	require.ErrorIs(t, err, ErrWriteDenied)

	var installErr *InstallError
	require.True(t, errors.As(err, &installErr))
	require.Equal(t, filepath.Join(root, "bin"), installErr.Path)
}

// TestTransaction_RollbackRestoresDestination fails the second file of a
// commit and checks the first is undone.
func TestTransaction_RollbackRestoresDestination(t *testing.T) {
	t.Parallel()

	staging := t.TempDir()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "tool"), []byte("new"), 0o600))

	before := snapshot(t, root)

	placements := []placement{
		{src: filepath.Join(staging, "tool"), dst: filepath.Join(root, "bin", "tool"), mode: 0o755},
		{src: filepath.Join(staging, "fresh"), dst: filepath.Join(root, "bin", "fresh"), mode: 0o755},
		{src: filepath.Join(staging, "absent"), dst: filepath.Join(root, "lib", "deep", "absent"), mode: 0o644},
	}

	// fresh is staged, absent is not: the commit fails on the third file.
	require.NoError(t, os.WriteFile(placements[1].src, []byte("fresh"), 0o600))

	tx := newTransaction(context.Background())
	require.NoError(t, tx.prepare(placements))

	err := tx.commit(context.Background(), placements)
	require.Error(t, err)

	data, readErr := os.ReadFile(filepath.Join(root, "bin", "tool"))
	require.NoError(t, readErr)
	require.Equal(t, "new", string(data))

	tx.rollback()

	require.Equal(t, before, snapshot(t, root))
}

// TestRemove deletes recorded files and prunes emptied directories.
func TestRemove(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, archivetest.TarGz(t,
		archivetest.Entry{Name: "release/bin", Body: "bin"},
		archivetest.Entry{Name: "release/docs/a.txt", Body: "a"},
	))

	installer, _ := newTestInstaller(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "share"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "share", "other"), []byte("other"), 0o600))

	record, err := installer.Install(context.Background(), archive, []recipe.Step{
		{From: "release/bin", To: recipe.RoleBin},
		{From: "release/docs", To: recipe.RoleShare, As: "pkg"},
	}, root)
	require.NoError(t, err)

	record.Files = append(record.Files, filepath.Join(root, "bin", "already-gone"))

	require.NoError(t, installer.Remove(context.Background(), record, root))
	require.Equal(t, map[string]string{
		".":           "<dir>",
		"share":       "<dir>",
		"share/other": "other",
	}, snapshot(t, root))

	require.NoError(t, installer.Remove(context.Background(), nil, root))
	require.NoError(t, installer.Remove(context.Background(), &install.Record{}, root))
}

// TestRemove_PrunesNestedDirectories removes a parent only after every
// emptied child, whatever the order of the recorded files.
func TestRemove_PrunesNestedDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files := []string{
		filepath.Join(root, "share", "a", "x", "f1"),
		filepath.Join(root, "share", "a-much-longer-name", "f2"),
		filepath.Join(root, "bin", "tool"),
	}

	for _, file := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	}

	installer, _ := newTestInstaller(t)

	require.NoError(t, installer.Remove(context.Background(), &install.Record{Name: "pkg", Files: files}, root))
	require.Equal(t, map[string]string{".": "<dir>"}, snapshot(t, root))
}
