// Package gate provides QualityGate implementations: a lifecycle status
// gate, a CUE policy gate and combinators.
package gate

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

// Func adapts a function to registry.QualityGate.
type Func func(ctx context.Context, c ir.Component) (registry.Verdict, error)

func (f Func) Evaluate(ctx context.Context, c ir.Component) (registry.Verdict, error) {
	return f(ctx, c)
}

// Status passes components whose status is in Allowed.
type Status struct {
	Allowed []ir.Status
}

// NewStatus returns the default lifecycle gate: only usable statuses
// (Tested, Enhanced, Orchestrator) pass.
func NewStatus() Status {
	return Status{Allowed: []ir.Status{ir.StatusTested, ir.StatusEnhanced, ir.StatusOrchestrator}}
}

func (s Status) Evaluate(_ context.Context, c ir.Component) (registry.Verdict, error) {
	if slices.Contains(s.Allowed, c.Status) {
		return registry.Verdict{Passed: true, Score: 1}, nil
	}
	return registry.Verdict{
		Passed:  false,
		Score:   0,
		Reasons: []string{fmt.Sprintf("status %s is not one of %v", c.Status, s.Allowed)},
	}, nil
}

// All is the conjunction of its gates. Reasons are concatenated in gate
// order and the score is the minimum. An empty All passes with score 1.
type All []registry.QualityGate

func (a All) Evaluate(ctx context.Context, c ir.Component) (registry.Verdict, error) {
	out := registry.Verdict{Passed: true, Score: 1}
	for i, g := range a {
		v, err := g.Evaluate(ctx, c)
		if err != nil {
			return registry.Verdict{}, fmt.Errorf("gate %d: %w", i, err)
		}
		if !v.Passed {
			out.Passed = false
		}
		out.Score = min(out.Score, v.Score)
		out.Reasons = append(out.Reasons, v.Reasons...)
	}
	return out, nil
}

var (
	_ registry.QualityGate = Func(nil)
	_ registry.QualityGate = Status{}
	_ registry.QualityGate = All(nil)
	_ registry.QualityGate = (*Policy)(nil)
)
