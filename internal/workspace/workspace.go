// Package workspace holds the live bytes of every artifact.
//
// The engine never writes the live workspace directly while an operation
// is in flight: mutations go to a Stage overlay, which is applied only
// after the history commit.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/roach88/evolve/internal/ir"
)

// ErrArtifactNotFound is returned when an artifact ref has no live bytes.
var ErrArtifactNotFound = errors.New("workspace: artifact not found")

// Workspace stores artifact bytes by ref.
type Workspace interface {
	Read(ref string) ([]byte, error)
	Write(ref string, data []byte) error
	Remove(ref string) error
}

// FS is a Workspace rooted at a directory.
type FS struct {
	root string
}

// OpenFS creates root if needed.
func OpenFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return &FS{root: root}, nil
}

// Root returns the workspace directory.
func (w *FS) Root() string {
	return w.root
}

func (w *FS) path(ref string) (string, error) {
	if !ir.ValidRef(ref) {
		return "", fmt.Errorf("workspace: invalid artifact ref %q", ref)
	}
	return filepath.Join(w.root, filepath.FromSlash(ref)), nil
}

func (w *FS) Read(ref string) ([]byte, error) {
	p, err := w.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

func (w *FS) Write(ref string, data []byte) error {
	p, err := w.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	return nil
}

func (w *FS) Remove(ref string) error {
	p, err := w.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

// Memory is an in-process Workspace.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory workspace.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Read(ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	return slices.Clone(data), nil
}

func (m *Memory) Write(ref string, data []byte) error {
	if !ir.ValidRef(ref) {
		return fmt.Errorf("workspace: invalid artifact ref %q", ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[ref] = slices.Clone(data)
	return nil
}

func (m *Memory) Remove(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

// Refs returns every stored ref, sorted.
func (m *Memory) Refs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

var (
	_ Workspace = (*FS)(nil)
	_ Workspace = (*Memory)(nil)
)
