package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/resolver"
)

// Split decomposes a component into one new component per bucket.
//
// The partition must cover the component's payload artifacts exactly
// once. The proposed graph is simulated first: a cycle or a name already
// in use rejects the split before anything is staged. Each child adopts
// its bucket's artifacts and, unless the bucket declares its own, the
// original's dependencies. The original becomes an Orchestrator that owns
// only its descriptor (and capability), lists its children and depends on
// them. In retire mode it is Deprecated behind a compatibility shim
// instead, and every live dependent is re-pointed to the children in the
// same batch.
func (e *Engine) Split(ctx context.Context, id string, spec PartitionSpec) (*Result, error) {
	return e.observe(ctx, ir.OpSplit, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		if err := validateRequest(id, spec); err != nil {
			return nil, err
		}
		mode := spec.Mode
		if mode == "" {
			mode = e.splitMode
		}

		names := make([]string, 0, len(spec.Buckets))
		listed := make(map[string]int)
		var duplicated []string
		for _, b := range spec.Buckets {
			if b.Name == id || ir.IsBundleID(b.Name) || slices.Contains(names, b.Name) {
				return nil, NewValidationError(id, "invalid or repeated bucket name %q", b.Name)
			}
			names = append(names, b.Name)
			for _, ref := range b.Artifacts {
				listed[ref]++
				if listed[ref] == 2 {
					duplicated = append(duplicated, ref)
				}
			}
		}
		if len(duplicated) > 0 {
			slices.Sort(duplicated)
			return nil, &Error{
				Code:        CodePartitionCoverage,
				ComponentID: id,
				Message:     "artifacts assigned more than once: " + strings.Join(duplicated, ", "),
				Duplicated:  duplicated,
			}
		}

		keys := append([]string{id}, names...)
		ctx, release, err := e.lockFor(ctx, keys, func(ctx context.Context) ([]string, error) {
			if mode != SplitRetire {
				return nil, nil
			}
			return e.resolver.DirectDependents(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		defer release()

		return e.run(ctx, id, func(t *txn) error {
			p, err := t.load(id)
			if err != nil {
				return err
			}
			if p.comp.Status != ir.StatusTested && p.comp.Status != ir.StatusEnhanced {
				return NewPreconditionError(id, "cannot split a %s component", p.comp.Status)
			}
			if err := checkCoverage(id, p.comp.Artifacts, listed); err != nil {
				return err
			}
			if err := e.checkNames(ctx, id, names); err != nil {
				return err
			}

			graph, err := e.resolver.Graph(ctx)
			if err != nil {
				return err
			}
			plan := resolver.SplitPlan{Original: id, Children: make(map[string][]string), Retire: mode == SplitRetire}
			for _, b := range spec.Buckets {
				deps := p.comp.Dependencies
				if b.Dependencies != nil {
					deps = ir.SortedSet(b.Dependencies)
				}
				for _, d := range deps {
					if _, known := graph[d]; !known && !slices.Contains(names, d) {
						return &Error{Code: CodeNotFound, ComponentID: id, Message: fmt.Sprintf("dependency %s of %s not found", d, b.Name)}
					}
				}
				plan.Children[b.Name] = slices.Clone(deps)
			}
			if _, cycles := resolver.SimulateSplit(graph, plan); len(cycles) > 0 {
				return &Error{
					Code:        CodeCircularDependency,
					ComponentID: id,
					Message:     "split would introduce a cycle: " + strings.Join(cycles[0], " -> "),
					Cycle:       cycles[0],
				}
			}

			for _, b := range spec.Buckets {
				// Children keep the original's artifact order.
				var refs []string
				for _, ref := range p.comp.Artifacts {
					if slices.Contains(b.Artifacts, ref) {
						refs = append(refs, ref)
					}
				}
				t.create(ir.Component{
					ID:           b.Name,
					Kind:         p.comp.Kind,
					Version:      p.comp.Version,
					Status:       ir.StatusTested,
					Domain:       p.comp.Domain,
					Artifacts:    refs,
					Dependencies: plan.Children[b.Name],
				})
				for _, ref := range refs {
					data, err := t.owned(id, ref, p.checksums[ref])
					if err != nil {
						return err
					}
					if err := t.put(b.Name, ref, data); err != nil {
						return err
					}
					if err := t.drop(id, ref); err != nil {
						return err
					}
				}
				if _, err := t.record(b.Name, ir.OpSplit, "split from "+id); err != nil {
					return err
				}
			}

			children := ir.SortedSet(names)
			version, err := ir.BumpMajor(p.comp.Version)
			if err != nil {
				return fmt.Errorf("bump version: %w", err)
			}
			p.comp.Artifacts = nil
			p.comp.Children = children
			p.comp.Dependencies = children
			p.comp.Version = version
			p.comp.Status = ir.StatusOrchestrator
			if mode == SplitRetire {
				p.comp.Status = ir.StatusDeprecated
			}
			if _, err := t.record(id, ir.OpSplit, "split into "+strings.Join(children, ", ")); err != nil {
				return err
			}

			if mode != SplitRetire {
				return nil
			}
			dependents, err := e.resolver.DirectDependents(ctx, id)
			if err != nil {
				return err
			}
			for _, d := range dependents {
				if err := t.repoint(d, []string{id}, children); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// checkCoverage verifies that the listed refs are exactly the artifacts.
func checkCoverage(id string, artifacts []string, listed map[string]int) error {
	var missing, unknown []string
	for _, ref := range artifacts {
		if listed[ref] == 0 {
			missing = append(missing, ref)
		}
	}
	for ref := range listed {
		if !slices.Contains(artifacts, ref) {
			unknown = append(unknown, ref)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	slices.Sort(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "unassigned: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "not owned: "+strings.Join(unknown, ", "))
	}
	return &Error{
		Code:        CodePartitionCoverage,
		ComponentID: id,
		Message:     "partition does not cover the artifacts exactly once (" + strings.Join(parts, "; ") + ")",
		Missing:     missing,
		Unknown:     unknown,
	}
}

// checkNames rejects child names already known to the registry or history.
func (e *Engine) checkNames(ctx context.Context, id string, names []string) error {
	var taken []string
	for _, n := range names {
		exists, err := e.history.Exists(n)
		if err != nil {
			return e.historyError(n, err)
		}
		if !exists {
			_, err := e.reg.Lookup(ctx, n)
			switch {
			case err == nil:
				exists = true
			case !errors.Is(err, registry.ErrNotFound):
				return fmt.Errorf("lookup %s: %w", n, err)
			}
		}
		if exists {
			taken = append(taken, n)
		}
	}
	if len(taken) == 0 {
		return nil
	}
	slices.Sort(taken)
	return &Error{
		Code:        CodeNamingConflict,
		ComponentID: id,
		Message:     "names already in use: " + strings.Join(taken, ", "),
		Names:       taken,
	}
}

// repoint rewrites the declared dependencies of d on any id in from to
// the ids in to and drafts one Repoint record for d.
func (t *txn) repoint(d string, from, to []string) error {
	dp, err := t.load(d)
	if err != nil {
		return err
	}
	var moved []string
	for _, f := range from {
		if dp.comp.DependsOn(f) {
			dp.comp.Dependencies = resolver.Repoint(dp.comp.Dependencies, f, to)
			moved = append(moved, f)
		}
	}
	if len(moved) == 0 {
		return nil
	}
	note := fmt.Sprintf("repointed %s -> %s", strings.Join(moved, ", "), strings.Join(to, ", "))
	_, err = t.record(d, ir.OpRepoint, note)
	return err
}
