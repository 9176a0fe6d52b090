// Package archive is the content-addressed store for superseded and
// staged artifact bytes.
//
// Objects are immutable: a handle is the checksum of its content, Put is
// idempotent, and nothing referenced by a committed record is ever removed.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/roach88/evolve/internal/ir"
)

var (
	// ErrNotFound is returned when no object exists for a handle.
	ErrNotFound = errors.New("archive: object not found")

	// ErrCorrupt is returned when stored bytes no longer hash to their handle.
	ErrCorrupt = errors.New("archive: object corrupt")
)

const (
	objectsDir = "objects"
	blobExt    = ".blob"
	metaExt    = ".meta"
)

// Options configures a Store.
type Options struct {
	// Compression applied to new objects. Defaults to none.
	Compression Compression

	// CacheTTL bounds how long decoded objects stay in the read cache.
	// Zero disables caching.
	CacheTTL time.Duration

	// Now stamps ArchivedAt. Defaults to time.Now.
	Now func() time.Time
}

// Store is a filesystem-backed archive rooted at a directory.
type Store struct {
	root        string
	compression Compression
	cache       *gocache.Cache
	now         func() time.Time
}

// Open creates the archive layout under root if needed.
func Open(root string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if _, err := ParseCompression(string(opts.Compression)); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	s := &Store{
		root:        root,
		compression: opts.Compression,
		now:         opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CacheTTL > 0 {
		s.cache = gocache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s, nil
}

// Root returns the archive directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) paths(handle string) (blob, meta string, err error) {
	if !ir.ValidChecksum(handle) {
		return "", "", fmt.Errorf("archive: invalid handle %q", handle)
	}
	hexPart := strings.TrimPrefix(handle, ir.ChecksumPrefix)
	dir := filepath.Join(s.root, objectsDir, hexPart[:2])
	return filepath.Join(dir, hexPart+blobExt), filepath.Join(dir, hexPart+metaExt), nil
}

// Put stores data and returns its handle. Storing the same bytes twice
// returns the same handle and leaves the existing object untouched.
func (s *Store) Put(data []byte) (string, error) {
	handle := ir.Checksum(data)
	blobPath, metaPath, err := s.paths(handle)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(metaPath); err == nil {
		return handle, nil
	}

	stored, applied, err := compress(data, s.compression)
	if err != nil {
		return "", fmt.Errorf("archive put %s: %w", handle, err)
	}
	meta, err := marshalEntry(Entry{
		Handle:      handle,
		Size:        len(data),
		Compression: applied,
		ArchivedAt:  s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("archive put %s: %w", handle, err)
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", fmt.Errorf("archive put %s: %w", handle, err)
	}
	// The sidecar is written last: an object exists once its .meta exists.
	if err := writeAtomic(blobPath, stored); err != nil {
		return "", fmt.Errorf("archive put %s: %w", handle, err)
	}
	if err := writeAtomic(metaPath, meta); err != nil {
		return "", fmt.Errorf("archive put %s: %w", handle, err)
	}
	return handle, nil
}

// Has reports whether an object exists for handle.
func (s *Store) Has(handle string) bool {
	_, metaPath, err := s.paths(handle)
	if err != nil {
		return false
	}
	_, err = os.Stat(metaPath)
	return err == nil
}

// Entry returns the metadata of an archived object.
func (s *Store) Entry(handle string) (Entry, error) {
	_, metaPath, err := s.paths(handle)
	if err != nil {
		return Entry{}, err
	}
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("archive entry %s: %w", handle, err)
	}
	e, err := unmarshalEntry(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: metadata: %v", ErrCorrupt, handle, err)
	}
	if e.Handle != handle {
		return Entry{}, fmt.Errorf("%w: %s: metadata names %s", ErrCorrupt, handle, e.Handle)
	}
	return e, nil
}

// Get returns the bytes of an archived object after verifying that they
// still hash to handle.
func (s *Store) Get(handle string) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(handle); ok {
			return slices.Clone(v.([]byte)), nil
		}
	}

	e, err := s.Entry(handle)
	if err != nil {
		return nil, err
	}
	blobPath, _, _ := s.paths(handle)
	stored, err := os.ReadFile(blobPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: blob missing", ErrCorrupt, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("archive get %s: %w", handle, err)
	}
	data, err := decompress(stored, e.Compression, e.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, handle, err)
	}
	if got := ir.Checksum(data); got != handle {
		return nil, fmt.Errorf("%w: %s: content hashes to %s", ErrCorrupt, handle, got)
	}

	if s.cache != nil {
		s.cache.SetDefault(handle, slices.Clone(data))
	}
	return data, nil
}

// Handles lists every archived handle in sorted order.
func (s *Store) Handles() ([]string, error) {
	var handles []string
	err := filepath.WalkDir(filepath.Join(s.root, objectsDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaExt) {
			return nil
		}
		handles = append(handles, ir.ChecksumPrefix+strings.TrimSuffix(d.Name(), metaExt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive handles: %w", err)
	}
	slices.Sort(handles)
	return handles, nil
}

// Sweep removes every object whose handle is not in keep and returns the
// removed handles. Callers build keep from every committed record.
func (s *Store) Sweep(keep map[string]bool) ([]string, error) {
	handles, err := s.Handles()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, h := range handles {
		if keep[h] {
			continue
		}
		blobPath, metaPath, err := s.paths(h)
		if err != nil {
			continue
		}
		// Drop the sidecar first so a half-removed object reads as absent.
		if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("archive sweep %s: %w", h, err)
		}
		if err := os.Remove(blobPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("archive sweep %s: %w", h, err)
		}
		if s.cache != nil {
			s.cache.Delete(h)
		}
		removed = append(removed, h)
	}
	return removed, nil
}

// writeAtomic writes data to a temp file in the target directory, syncs
// it and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
