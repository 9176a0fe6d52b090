package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/evolve/internal/ir"
)

// Memory is an in-process ComponentRegistry and TriggerIndex.
type Memory struct {
	mu         sync.RWMutex
	components map[string]ir.Component
	triggers   map[string]string
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		components: make(map[string]ir.Component),
		triggers:   make(map[string]string),
	}
}

var (
	_ ComponentRegistry = (*Memory)(nil)
	_ TriggerIndex      = (*Memory)(nil)
)

func (m *Memory) Lookup(_ context.Context, id string) (ir.Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[id]
	if !ok {
		return ir.Component{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (m *Memory) FindDependents(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for cid, c := range m.components {
		if c.DependsOn(id) {
			out = append(out, cid)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Reindex(_ context.Context, c ir.Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[c.ID] = c.Clone()
	return nil
}

func (m *Memory) List(_ context.Context) ([]ir.Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ir.Component, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b ir.Component) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) Reserve(_ context.Context, trigger, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.triggers[trigger]; ok && cur != owner {
		return false, nil
	}
	m.triggers[trigger] = owner
	return true, nil
}

func (m *Memory) Release(_ context.Context, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, trigger)
	return nil
}

func (m *Memory) Owner(_ context.Context, trigger string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.triggers[trigger]
	return owner, ok, nil
}
