// Package registry defines the collaborators the evolution engine
// consumes: the component registry, the trigger index and the quality
// gate. Memory is an in-process implementation of the first two.
package registry

import (
	"context"
	"errors"

	"github.com/roach88/evolve/internal/ir"
)

// ErrNotFound is returned by Lookup for an unknown component id.
var ErrNotFound = errors.New("registry: component not found")

// ComponentRegistry is the authoritative index of component metadata.
// It is re-indexed after every committed operation.
type ComponentRegistry interface {
	// Lookup returns the component with id, or ErrNotFound.
	Lookup(ctx context.Context, id string) (ir.Component, error)

	// FindDependents returns the ids of components that declare id as a
	// dependency, sorted. Retired components are included.
	FindDependents(ctx context.Context, id string) ([]string, error)

	// Reindex stores the current metadata of c.
	Reindex(ctx context.Context, c ir.Component) error

	// List returns every component sorted by id.
	List(ctx context.Context) ([]ir.Component, error)
}

// TriggerIndex enforces global uniqueness of trigger identifiers.
// Identifiers are normalised with NormalizeTrigger before they reach it.
type TriggerIndex interface {
	// Reserve claims trigger for owner. It reports false when another
	// owner already holds it. Reserving a trigger already held by owner
	// succeeds.
	Reserve(ctx context.Context, trigger, owner string) (bool, error)

	// Release frees trigger. Releasing an unreserved trigger is a no-op.
	Release(ctx context.Context, trigger string) error

	// Owner returns the holder of trigger.
	Owner(ctx context.Context, trigger string) (string, bool, error)
}

// Verdict is the outcome of a quality gate evaluation.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// QualityGate decides whether a component is fit for an operation.
type QualityGate interface {
	Evaluate(ctx context.Context, c ir.Component) (Verdict, error)
}
