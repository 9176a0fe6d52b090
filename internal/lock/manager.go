// Package lock provides per-component exclusive locks for the engine.
//
// Keys are acquired in sorted order so multi-component operations cannot
// deadlock each other. Locks are reentrant through the context returned by
// Acquire: a nested Acquire on a context that already holds a key does not
// block on it.
package lock

import (
	"context"
	"slices"
	"sync"
)

// Manager hands out exclusive locks keyed by component id.
// The zero value is not usable; call NewManager.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

type heldKey struct{}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{slots: make(map[string]*slot)}
}

// Acquire locks every key not already held by ctx, in sorted order. It
// returns a derived context that records the held keys and a release
// function. Release is idempotent. If ctx is cancelled while waiting, the
// locks taken so far are released and ctx.Err() is returned.
func (m *Manager) Acquire(ctx context.Context, keys ...string) (context.Context, func(), error) {
	held := Held(ctx)
	want := make([]string, 0, len(keys))
	for _, k := range keys {
		if !held[k] {
			want = append(want, k)
		}
	}
	slices.Sort(want)
	want = slices.Compact(want)

	var got []string
	release := func() {
		for i := len(got) - 1; i >= 0; i-- {
			m.unlock(got[i])
		}
		got = nil
	}

	for _, k := range want {
		if err := m.lock(ctx, k); err != nil {
			release()
			return ctx, func() {}, err
		}
		got = append(got, k)
	}

	next := make(map[string]bool, len(held)+len(want))
	for k := range held {
		next[k] = true
	}
	for _, k := range want {
		next[k] = true
	}

	var once sync.Once
	return context.WithValue(ctx, heldKey{}, next), func() { once.Do(release) }, nil
}

// Held returns the set of keys held by ctx. The map must not be modified.
func Held(ctx context.Context) map[string]bool {
	held, _ := ctx.Value(heldKey{}).(map[string]bool)
	return held
}

func (m *Manager) lock(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.drop(key, s)
		return ctx.Err()
	}
}

func (m *Manager) unlock(key string) {
	m.mu.Lock()
	s := m.slots[key]
	m.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	m.drop(key, s)
}

// drop releases one reference to a slot and forgets it when unused.
func (m *Manager) drop(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
