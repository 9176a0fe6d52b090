package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/evolve/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestComponent creates a component with minimal required fields.
func createTestComponent(id string, deps ...string) ir.Component {
	return ir.Component{
		ID:           id,
		Kind:         ir.KindCommand,
		Version:      "1.0.0",
		Status:       ir.StatusTested,
		Domain:       "ops",
		Descriptor:   ir.DescriptorRef(id),
		Artifacts:    []string{id + "/run.sh"},
		Dependencies: deps,
	}
}
