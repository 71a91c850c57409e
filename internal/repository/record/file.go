package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/domain/install"
)

// Repository defines persistence operations for install records.
type Repository interface {
	Get(ctx context.Context, name string) (*install.Record, error)
	List(ctx context.Context) ([]*install.Record, error)
	Put(ctx context.Context, record *install.Record) error
	Delete(ctx context.Context, name string) error
}

// documentVersion is bumped when the on-disk layout changes.
const documentVersion = 1

// document is the on-disk layout of the store.
type document struct {
	Version int                        `yaml:"version"`
	Records map[string]*install.Record `yaml:"records"`
}

// FileRepository persists install records to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the store file.
	path string
	// mu serializes goroutines of this process; the flock on the sibling lock file
	// serializes writers across processes.
	mu sync.Mutex
}

// lockSuffix names the sibling file that writers flock.
const lockSuffix = ".lock"

var (
	// ErrNotFound is returned when no record exists for a name.
	ErrNotFound = errors.New("install record not found")
	// errNilRecord is returned when Put receives nil.
	errNilRecord = errors.New("install record is nil")
	// errUnnamedRecord is returned when Put receives a record without a name.
	errUnnamedRecord = errors.New("install record has no name")
	// errUnsupportedVersion is returned for a store written by a newer layout.
	errUnsupportedVersion = errors.New("unsupported store version")
)

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the store file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Get returns the record stored under name.
func (r *FileRepository) Get(_ context.Context, name string) (*install.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read()
	if err != nil {
		return nil, err
	}

	rec, ok := doc.Records[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	return rec.Clone(), nil
}

// List returns every record ordered by name.
func (r *FileRepository) List(_ context.Context) ([]*install.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc.Records))
	for name := range doc.Records {
		names = append(names, name)
	}

	sort.Strings(names)

	records := make([]*install.Record, 0, len(names))
	for _, name := range names {
		records = append(records, doc.Records[name].Clone())
	}

	return records, nil
}

// Put inserts or replaces the record under its name.
func (r *FileRepository) Put(_ context.Context, rec *install.Record) error {
	if rec == nil {
		return errNilRecord
	}

	if rec.Name == "" {
		return errUnnamedRecord
	}

	return r.update(func(doc *document) error {
		doc.Records[rec.Name] = rec.Clone()

		return nil
	})
}

// Delete removes the record stored under name.
func (r *FileRepository) Delete(_ context.Context, name string) error {
	return r.update(func(doc *document) error {
		if _, ok := doc.Records[name]; !ok {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}

		delete(doc.Records, name)

		return nil
	})
}

// update runs one read-modify-write cycle while holding both the mutex and
// the cross-process file lock, so entries written by other pipelines and
// other brewkit processes survive.
func (r *FileRepository) update(modify func(doc *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireFileLock(r.path + lockSuffix)
	if err != nil {
		return err
	}

	defer lock.release()

	doc, err := r.read()
	if err != nil {
		return err
	}

	if err = modify(doc); err != nil {
		return err
	}

	return r.write(doc)
}

// read loads the store; a missing file is an empty store. Callers hold mu.
func (r *FileRepository) read() (*document, error) {
	doc := &document{
		Version: documentVersion,
		Records: make(map[string]*install.Record),
	}

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}

		return nil, fmt.Errorf("read store file: %w", err)
	}

	if err = yaml.Unmarshal(contents, doc); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}

	if doc.Version > documentVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, doc.Version)
	}

	if doc.Records == nil {
		doc.Records = make(map[string]*install.Record)
	}

	return doc, nil
}

// write replaces the store file atomically. Callers hold mu.
func (r *FileRepository) write(doc *document) error {
	doc.Version = documentVersion

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err = os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+"-*")
	if err != nil {
		return fmt.Errorf("create store temp file: %w", err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("write store temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("sync store temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close store temp file: %w", err)
	}

	if err = os.Chmod(tmpName, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("chmod store temp file: %w", err)
	}

	if err = os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}

	committed = true

	return nil
}
