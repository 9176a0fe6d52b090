package workspace

import (
	"errors"
	"fmt"
	"slices"
)

// Stage is an in-memory overlay over a base workspace. Reads see staged
// writes and removals first; nothing reaches the base until Apply.
// A Stage is used by one operation at a time and is not safe for
// concurrent use.
type Stage struct {
	base  Workspace
	order []string
	ops   map[string]stagedOp
}

type stagedOp struct {
	data    []byte
	removed bool
}

// NewStage returns an empty overlay over base.
func NewStage(base Workspace) *Stage {
	return &Stage{base: base, ops: make(map[string]stagedOp)}
}

func (s *Stage) Read(ref string) ([]byte, error) {
	if op, ok := s.ops[ref]; ok {
		if op.removed {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return slices.Clone(op.data), nil
	}
	return s.base.Read(ref)
}

// Exists reports whether ref currently has bytes in the overlay view.
func (s *Stage) Exists(ref string) (bool, error) {
	_, err := s.Read(ref)
	if errors.Is(err, ErrArtifactNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Stage) Write(ref string, data []byte) error {
	s.touch(ref)
	s.ops[ref] = stagedOp{data: slices.Clone(data)}
	return nil
}

func (s *Stage) Remove(ref string) error {
	s.touch(ref)
	s.ops[ref] = stagedOp{removed: true}
	return nil
}

func (s *Stage) touch(ref string) {
	if _, ok := s.ops[ref]; !ok {
		s.order = append(s.order, ref)
	}
}

// Touched returns the refs written or removed, in first-touch order.
func (s *Stage) Touched() []string {
	return slices.Clone(s.order)
}

// Apply writes the overlay to the base workspace in first-touch order.
// All refs are attempted; the errors are joined.
func (s *Stage) Apply() error {
	var errs []error
	for _, ref := range s.order {
		op := s.ops[ref]
		var err error
		if op.removed {
			err = s.base.Remove(ref)
		} else {
			err = s.base.Write(ref, op.data)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every staged change.
func (s *Stage) Discard() {
	s.order = nil
	s.ops = make(map[string]stagedOp)
}

var _ Workspace = (*Stage)(nil)
