// Package resolver answers dependency questions over the component
// registry: who depends on a component, what it depends on, and whether
// a proposed graph contains a cycle.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

// Graph maps a component id to its declared dependencies.
type Graph map[string][]string

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for k, v := range g {
		out[k] = slices.Clone(v)
	}
	return out
}

// Nodes returns every node id in sorted order, including ids that only
// appear as dependencies.
func (g Graph) Nodes() []string {
	seen := make(map[string]bool)
	for k, deps := range g {
		seen[k] = true
		for _, d := range deps {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Resolver computes dependents and dependencies from a registry.
type Resolver struct {
	reg registry.ComponentRegistry
}

// New returns a resolver over reg.
func New(reg registry.ComponentRegistry) *Resolver {
	return &Resolver{reg: reg}
}

// Graph builds the dependency graph of every registered component.
func (r *Resolver) Graph(ctx context.Context) (Graph, error) {
	all, err := r.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	g := make(Graph, len(all))
	for _, c := range all {
		g[c.ID] = slices.Clone(c.Dependencies)
	}
	return g, nil
}

// DirectDependents returns the live components that declare id as a
// dependency. Retired components are not live.
func (r *Resolver) DirectDependents(ctx context.Context, id string) ([]string, error) {
	ids, err := r.reg.FindDependents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find dependents of %s: %w", id, err)
	}
	var live []string
	for _, dep := range ids {
		c, err := r.reg.Lookup(ctx, dep)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find dependents of %s: %w", id, err)
		}
		if !c.Status.Retired() {
			live = append(live, dep)
		}
	}
	slices.Sort(live)
	return live, nil
}

// Dependents returns every live component that transitively depends on
// id, sorted. id itself is never included.
func (r *Resolver) Dependents(ctx context.Context, id string) ([]string, error) {
	return r.walk(id, func(n string) ([]string, error) {
		return r.DirectDependents(ctx, n)
	})
}

// Dependencies returns every component id reachable through declared
// dependencies of id, sorted.
func (r *Resolver) Dependencies(ctx context.Context, id string) ([]string, error) {
	return r.walk(id, func(n string) ([]string, error) {
		c, err := r.reg.Lookup(ctx, n)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return c.Dependencies, nil
	})
}

func (r *Resolver) walk(start string, next func(string) ([]string, error)) ([]string, error) {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		adj, err := next(n)
		if err != nil {
			return nil, err
		}
		for _, m := range adj {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
			queue = append(queue, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

// SplitPlan describes a proposed split for simulation.
type SplitPlan struct {
	Original string
	// Children maps each new component id to its declared dependencies.
	Children map[string][]string
	// Retire re-points dependents of Original to the children.
	Retire bool
}

// SimulateSplit returns the graph after applying plan to g and the cycles
// in it that involve the original or a child.
func SimulateSplit(g Graph, plan SplitPlan) (Graph, [][]string) {
	out := g.Clone()
	children := make([]string, 0, len(plan.Children))
	for id, deps := range plan.Children {
		out[id] = slices.Clone(deps)
		children = append(children, id)
	}
	slices.Sort(children)

	// The original (orchestrator or shim) forwards to its children.
	out[plan.Original] = slices.Clone(children)

	if plan.Retire {
		for id, deps := range out {
			if _, child := plan.Children[id]; child || id == plan.Original || !slices.Contains(deps, plan.Original) {
				continue
			}
			out[id] = Repoint(deps, plan.Original, children)
		}
	}

	touched := map[string]bool{plan.Original: true}
	for _, c := range children {
		touched[c] = true
	}
	var cycles [][]string
	for _, cyc := range Cycles(out) {
		for _, n := range cyc {
			if touched[n] {
				cycles = append(cycles, cyc)
				break
			}
		}
	}
	return out, cycles
}

// Repoint replaces from in deps with to, keeping the result sorted and
// free of duplicates.
func Repoint(deps []string, from string, to []string) []string {
	out := make([]string, 0, len(deps)+len(to))
	for _, d := range deps {
		if d != from {
			out = append(out, d)
		}
	}
	out = append(out, to...)
	return ir.SortedSet(out)
}
