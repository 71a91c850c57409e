package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/logger"
)

// Format is an archive container recognized by its leading bytes.
type Format int

// Supported archive formats.
const (
	FormatUnknown Format = iota
	FormatTar
	FormatTarGzip
	FormatTarZstd
	FormatTarXz
	FormatZip
)

// String names the format.
func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatTarZstd:
		return "tar.zst"
	case FormatTarXz:
		return "tar.xz"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

const (
	// maxEntrySize bounds a single extracted file (decompression bomb guard).
	maxEntrySize int64 = 4 << 30

	// sniffSize covers the tar header including the ustar magic at offset 257.
	sniffSize = 512

	tarMagicOffset = 257
)

var (
	magicGzip    = []byte{0x1f, 0x8b}
	magicZstd    = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz      = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZip     = []byte{'P', 'K', 0x03, 0x04}
	magicZipNone = []byte{'P', 'K', 0x05, 0x06}
	magicUstar   = []byte("ustar")
)

// DetectFormat sniffs the archive format of the file at archivePath.
func DetectFormat(archivePath string) (Format, error) {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return FormatUnknown, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close() // read-only handle
	}()

	header := make([]byte, sniffSize)

	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("read archive header: %w", err)
	}

	return sniff(header[:n]), nil
}

func sniff(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGzip
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZstd
	case bytes.HasPrefix(header, magicXz):
		return FormatTarXz
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZipNone):
		return FormatZip
	case len(header) >= tarMagicOffset+len(magicUstar) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(magicUstar)], magicUstar):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Extract unpacks the archive at archivePath into root, which must exist.
// Entries that would land outside root are rejected with ErrUnsafePath.
func Extract(ctx context.Context, archivePath, root string) error {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return err
	}

	logger.DebugKV(ctx, "Extracting archive", "path", archivePath, "format", format.String())

	// Containment checks compare resolved paths.
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}

	if format == FormatZip {
		return extractZip(ctx, archivePath, root)
	}

	if format == FormatUnknown {
		return ErrUnknownFormat
	}

	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close() // read-only handle
	}()

	var stream io.Reader = file

	switch format {
	case FormatTarGzip:
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return fmt.Errorf("open gzip stream: %w", gzErr)
		}

		defer func() {
			_ = gz.Close()
		}()

		stream = gz
	case FormatTarZstd:
		dec, zstdErr := zstd.NewReader(file)
		if zstdErr != nil {
			return fmt.Errorf("open zstd stream: %w", zstdErr)
		}

		defer dec.Close()

		stream = dec
	case FormatTarXz:
		xzReader, xzErr := xz.NewReader(file)
		if xzErr != nil {
			return fmt.Errorf("open xz stream: %w", xzErr)
		}

		stream = xzReader
	case FormatTar, FormatZip, FormatUnknown:
	}

	return extractTar(ctx, stream, root)
}

func extractTar(ctx context.Context, stream io.Reader, root string) error {
	tr := tar.NewReader(stream)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(root, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			err = makeDir(root, target)
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old archivers still emit TypeRegA.
			err = writeEntry(root, target, tr, header.FileInfo().Mode())
		case tar.TypeSymlink:
			err = writeSymlink(root, target, header.Linkname)
		case tar.TypeLink:
			err = writeHardlink(root, target, header.Linkname)
		default:
			logger.DebugKV(ctx, "Skipping unsupported tar entry",
				"name", header.Name, "type", string(header.Typeflag))
		}

		if err != nil {
			return err
		}
	}
}

func extractZip(ctx context.Context, archivePath, root string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}

	defer func() {
		_ = reader.Close() // read-only handle
	}()

	for _, entry := range reader.File {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = extractZipEntry(entry, root); err != nil {
			return err
		}
	}

	return nil
}

func extractZipEntry(entry *zip.File, root string) error {
	target, err := safeJoin(root, entry.Name)
	if err != nil {
		return err
	}

	mode := entry.Mode()

	if mode.IsDir() || strings.HasSuffix(entry.Name, "/") {
		return makeDir(root, target)
	}

	body, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}

	defer func() {
		_ = body.Close()
	}()

	if mode&os.ModeSymlink != 0 {
		link, readErr := io.ReadAll(io.LimitReader(body, sniffSize*8))
		if readErr != nil {
			return fmt.Errorf("read zip symlink %s: %w", entry.Name, readErr)
		}

		return writeSymlink(root, target, string(link))
	}

	return writeEntry(root, target, body, mode)
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// names and names that climb out of root.
func safeJoin(root, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))

	if !within(root, target) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	return target, nil
}

// within reports whether target is root or lies beneath it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// makeDir creates dir after checking that its deepest existing ancestor,
// with symlinks resolved, is inside root. Components created by MkdirAll
// are fresh directories, so they cannot redirect the write elsewhere.
func makeDir(root, dir string) error {
	for probe := dir; ; probe = filepath.Dir(probe) {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !within(root, resolved) {
				return fmt.Errorf("%w: %s", ErrUnsafePath, dir)
			}

			break
		}

		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("resolve %s: %w", probe, err)
		}

		if filepath.Dir(probe) == probe {
			break
		}
	}

	if err := os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	return nil
}

func writeEntry(root, target string, r io.Reader, mode os.FileMode) error {
	if err := makeDir(root, filepath.Dir(target)); err != nil {
		return err
	}

	// A prior entry with the same name (or a link) is replaced, never written through.
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}

	perm := mode.Perm() | 0o600

	file, err := os.OpenFile(filepath.Clean(target), os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	n, err := io.Copy(file, io.LimitReader(r, maxEntrySize+1))
	if err == nil && n > maxEntrySize {
		err = fmt.Errorf("%w: %s", errEntryTooLarge, target)
	}

	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	// OpenFile honors the umask; the archive's bits win.
	if err = os.Chmod(target, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}

	return nil
}

func writeSymlink(root, target, linkname string) error {
	if linkname == "" || path.IsAbs(linkname) || filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink %s -> %q", ErrUnsafePath, target, linkname)
	}

	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	if !within(root, resolved) {
		return fmt.Errorf("%w: symlink %s -> %q", ErrUnsafePath, target, linkname)
	}

	if err := makeDir(root, filepath.Dir(target)); err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}

	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("symlink %s: %w", target, err)
	}

	return nil
}

func writeHardlink(root, target, linkname string) error {
	source, err := safeJoin(root, linkname)
	if err != nil {
		return err
	}

	if err = makeDir(root, filepath.Dir(target)); err != nil {
		return err
	}

	if err = os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}

	if err = os.Link(source, target); err != nil {
		return fmt.Errorf("hard link %s: %w", target, err)
	}

	return nil
}
