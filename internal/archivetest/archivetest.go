// Package archivetest builds small in-memory archives for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// Entry is one archive member. A trailing slash in Name makes a directory.
type Entry struct {
	// Name is the slash-separated member path.
	Name string
	// Body is the file content.
	Body string
	// Mode is the permission set; zero means 0o644 (0o755 for directories).
	Mode os.FileMode
	// Link makes the entry a symlink to this target.
	Link string
}

func (e Entry) mode() os.FileMode {
	switch {
	case e.Mode != 0:
		return e.Mode
	case strings.HasSuffix(e.Name, "/"):
		return 0o755
	default:
		return 0o644
	}
}

// Tar returns an uncompressed tar archive.
func Tar(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer

	writeTar(tb, &buf, entries)

	return buf.Bytes()
}

// TarGz returns a gzip-compressed tar archive.
func TarGz(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	writeTar(tb, gz, entries)
	require.NoError(tb, gz.Close())

	return buf.Bytes()
}

// TarZst returns a zstd-compressed tar archive.
func TarZst(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer

	enc, err := zstd.NewWriter(&buf)
	require.NoError(tb, err)

	writeTar(tb, enc, entries)
	require.NoError(tb, enc.Close())

	return buf.Bytes()
}

// TarXz returns an xz-compressed tar archive.
func TarXz(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer

	xzWriter, err := xz.NewWriter(&buf)
	require.NoError(tb, err)

	writeTar(tb, xzWriter, entries)
	require.NoError(tb, xzWriter.Close())

	return buf.Bytes()
}

// Zip returns a zip archive.
func Zip(tb testing.TB, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, entry := range entries {
		header := &zip.FileHeader{Name: entry.Name, Method: zip.Deflate}

		switch {
		case entry.Link != "":
			header.SetMode(os.ModeSymlink | 0o777)
		case strings.HasSuffix(entry.Name, "/"):
			header.SetMode(os.ModeDir | entry.mode())
		default:
			header.SetMode(entry.mode())
		}

		w, err := zw.CreateHeader(header)
		require.NoError(tb, err)

		body := entry.Body
		if entry.Link != "" {
			body = entry.Link
		}

		if !strings.HasSuffix(entry.Name, "/") {
			_, err = io.WriteString(w, body)
			require.NoError(tb, err)
		}
	}

	require.NoError(tb, zw.Close())

	return buf.Bytes()
}

func writeTar(tb testing.TB, w io.Writer, entries []Entry) {
	tb.Helper()

	tw := tar.NewWriter(w)

	for _, entry := range entries {
		header := &tar.Header{
			Name:   entry.Name,
			Mode:   int64(entry.mode()),
			Format: tar.FormatPAX,
		}

		switch {
		case entry.Link != "":
			header.Typeflag = tar.TypeSymlink
			header.Linkname = entry.Link
		case strings.HasSuffix(entry.Name, "/"):
			header.Typeflag = tar.TypeDir
		default:
			header.Typeflag = tar.TypeReg
			header.Size = int64(len(entry.Body))
		}

		require.NoError(tb, tw.WriteHeader(header))

		if header.Typeflag == tar.TypeReg {
			_, err := io.WriteString(tw, entry.Body)
			require.NoError(tb, err)
		}
	}

	require.NoError(tb, tw.Close())
}

// WriteFile stores data under dir/name and returns the path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, data, 0o600))

	return path
}

// SHA256 returns the "sha256:<hex>" digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)

	return "sha256:" + hex.EncodeToString(sum[:])
}
