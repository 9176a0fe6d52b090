package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/workspace"
)

// Create registers a new component with record 0 in status Draft.
//
// Artifacts with inline content are written to the workspace; the others
// adopt the bytes already there. A ref owned by another component, an
// existing id or an unknown dependency rejects the request.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	return e.observe(ctx, ir.OpCreate, req.ID, func(ctx context.Context) (*Result, error) {
		if err := validateRequest(req.ID, req); err != nil {
			return nil, err
		}
		if !ir.ValidKinds[req.Kind] || req.Kind == ir.KindBundle {
			return nil, NewValidationError(req.ID, "invalid kind %q", req.Kind)
		}
		if ir.IsBundleID(req.ID) {
			return nil, NewValidationError(req.ID, "ids starting with %q are reserved for bundles", ir.BundlePrefix)
		}
		seen := make(map[string]bool, len(req.Artifacts))
		refs := make([]string, 0, len(req.Artifacts))
		for _, a := range req.Artifacts {
			if seen[a.Ref] {
				return nil, NewValidationError(req.ID, "artifact %s listed twice", a.Ref)
			}
			if reservedName(a.Ref) {
				return nil, NewValidationError(req.ID, "artifact %s uses a reserved file name", a.Ref)
			}
			seen[a.Ref] = true
			refs = append(refs, a.Ref)
		}
		deps := ir.SortedSet(req.Dependencies)
		for _, d := range deps {
			if d == req.ID {
				return nil, NewValidationError(req.ID, "component cannot depend on itself")
			}
		}
		version := req.Version
		if version == "" {
			version = ir.InitialVersion
		}

		// Claimed refs are locked with the id so two creates cannot both
		// pass the ownership check.
		keys := append([]string{req.ID}, refKeys(append([]string{ir.DescriptorRef(req.ID)}, refs...)...)...)
		ctx, release, err := e.lockFor(ctx, keys, nil)
		if err != nil {
			return nil, err
		}
		defer release()

		return e.run(ctx, req.ID, func(t *txn) error {
			exists, err := e.history.Exists(req.ID)
			if err != nil {
				return e.historyError(req.ID, err)
			}
			if !exists {
				_, err := e.reg.Lookup(ctx, req.ID)
				switch {
				case err == nil:
					exists = true
				case !errors.Is(err, registry.ErrNotFound):
					return fmt.Errorf("lookup %s: %w", req.ID, err)
				}
			}
			if exists {
				return &Error{Code: CodeConflict, ComponentID: req.ID, Owner: req.ID, Message: "component already exists"}
			}

			for _, d := range deps {
				dc, err := e.reg.Lookup(ctx, d)
				if errors.Is(err, registry.ErrNotFound) {
					return &Error{Code: CodeNotFound, ComponentID: req.ID, Message: fmt.Sprintf("dependency %s not found", d)}
				}
				if err != nil {
					return fmt.Errorf("lookup %s: %w", d, err)
				}
				if dc.Status.Retired() {
					return NewPreconditionError(req.ID, "dependency %s is %s", d, dc.Status)
				}
			}

			owners, err := e.owners(ctx)
			if err != nil {
				return err
			}
			for _, ref := range append([]string{ir.DescriptorRef(req.ID)}, refs...) {
				if owner, ok := owners[ref]; ok {
					return NewConflictError(req.ID, "artifact "+ref, owner)
				}
			}

			t.create(ir.Component{
				ID:           req.ID,
				Kind:         req.Kind,
				Version:      version,
				Status:       ir.StatusDraft,
				Domain:       req.Domain,
				Artifacts:    refs,
				Dependencies: deps,
			})
			for _, a := range req.Artifacts {
				data := a.Content
				if data == nil {
					data, err = t.stage.Read(a.Ref)
					if errors.Is(err, workspace.ErrArtifactNotFound) {
						return NewPreconditionError(req.ID, "artifact %s has no content and is not in the workspace", a.Ref)
					}
					if err != nil {
						return fmt.Errorf("read %s: %w", a.Ref, err)
					}
				}
				if err := t.put(req.ID, a.Ref, data); err != nil {
					return err
				}
			}
			_, err = t.record(req.ID, ir.OpCreate, "")
			return err
		})
	})
}

// Validate promotes a Draft component to Tested when the quality gate
// passes for it as a Tested candidate.
func (e *Engine) Validate(ctx context.Context, id string) (*Result, error) {
	return e.observe(ctx, ir.OpValidate, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, nil)
		if err != nil {
			return nil, err
		}
		defer release()

		return e.run(ctx, id, func(t *txn) error {
			p, err := t.load(id)
			if err != nil {
				return err
			}
			if p.comp.Status != ir.StatusDraft {
				return NewPreconditionError(id, "status is %s, want %s", p.comp.Status, ir.StatusDraft)
			}
			candidate := p.comp.Clone()
			candidate.Status = ir.StatusTested
			v, err := e.evaluate(ctx, candidate)
			if err != nil {
				return err
			}
			if !v.Passed {
				return NewQualityGateError(id, []GateFailure{{ComponentID: id, Score: v.Score, Reasons: v.Reasons}})
			}
			p.comp.Status = ir.StatusTested
			_, err = t.record(id, ir.OpValidate, "")
			return err
		})
	})
}

// Retire moves a usable component to Archived or Deprecated. Live
// dependents block the retirement unless force is set. Archiving releases
// the component's triggers.
func (e *Engine) Retire(ctx context.Context, id string, status ir.Status, force bool) (*Result, error) {
	return e.observe(ctx, ir.OpRetire, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		if !status.Retired() {
			return nil, NewValidationError(id, "retire status must be %s or %s, got %q", ir.StatusArchived, ir.StatusDeprecated, status)
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, nil)
		if err != nil {
			return nil, err
		}
		defer release()

		return e.run(ctx, id, func(t *txn) error {
			p, err := t.load(id)
			if err != nil {
				return err
			}
			if !p.comp.Status.Usable() {
				return NewPreconditionError(id, "cannot retire a %s component", p.comp.Status)
			}
			dependents, err := e.resolver.DirectDependents(ctx, id)
			if err != nil {
				return err
			}
			var note string
			if len(dependents) > 0 {
				if !force {
					return &Error{
						Code:        CodeUnsafeRetire,
						ComponentID: id,
						Message:     "retirement would strand live dependents: " + strings.Join(dependents, ", "),
						Dependents:  dependents,
					}
				}
				note = "forced over dependents " + strings.Join(dependents, ", ")
			}
			if status == ir.StatusArchived {
				t.releaseAfter(activeTriggers(p.comp)...)
			}
			p.comp.Status = status
			_, err = t.record(id, ir.OpRetire, note)
			return err
		})
	})
}

// Get returns the current state of a component from its history head.
func (e *Engine) Get(ctx context.Context, id string) (ir.Component, error) {
	head, ok, err := e.history.Head(id)
	if err != nil {
		return ir.Component{}, e.historyError(id, err)
	}
	if !ok {
		return ir.Component{}, NewNotFoundError(id)
	}
	return head.State.Component, nil
}

func (e *Engine) evaluate(ctx context.Context, c ir.Component) (registry.Verdict, error) {
	v, err := e.gate.Evaluate(ctx, c)
	if err != nil {
		return registry.Verdict{}, fmt.Errorf("quality gate %s: %w", c.ID, err)
	}
	return v, nil
}
