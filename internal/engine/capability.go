package engine

import (
	"context"
	"fmt"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

// AddCapability links a capability to a component.
//
// The quality gate must pass for the current state ("not tested"
// otherwise), the component must not already carry a capability and every
// trigger must be free in the trigger index. On success the capability
// document is created, the descriptor links it and the status becomes
// Enhanced (an Orchestrator stays an Orchestrator).
func (e *Engine) AddCapability(ctx context.Context, id string, spec CapabilitySpec) (*Result, error) {
	return e.observe(ctx, ir.OpAddCapability, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		if err := validateRequest(id, spec); err != nil {
			return nil, err
		}
		triggers, dup := registry.NormalizeTriggers(spec.Triggers)
		if dup != "" {
			return nil, NewValidationError(id, "trigger %q listed twice", dup)
		}
		if len(triggers) != len(spec.Triggers) {
			return nil, NewValidationError(id, "blank trigger")
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
			if p.comp.Status.Retired() {
				return NewPreconditionError(id, "component is %s", p.comp.Status)
			}
			v, err := e.evaluate(ctx, p.comp)
			if err != nil {
				return err
			}
			if !v.Passed {
				pe := NewPreconditionError(id, "not tested")
				pe.Failures = []GateFailure{{ComponentID: id, Score: v.Score, Reasons: v.Reasons}}
				return pe
			}
			if p.comp.Capability != "" || p.comp.Kind == ir.KindAutoDiscoveryModule {
				return &Error{Code: CodeAlreadyEvolved, ComponentID: id, Message: "component already has a capability"}
			}
			if err := t.reserve(ctx, id, triggers); err != nil {
				return err
			}

			ref := ir.CapabilityRef(id)
			doc, err := ir.RenderCapability(ir.Capability{
				Component:   id,
				Name:        spec.Name,
				Description: spec.Description,
				Triggers:    triggers,
			})
			if err != nil {
				return err
			}
			if err := t.put(id, ref, doc); err != nil {
				return err
			}

			version, err := ir.BumpMinor(p.comp.Version)
			if err != nil {
				return fmt.Errorf("bump version: %w", err)
			}
			p.comp.Capability = ref
			p.comp.Triggers = triggers
			p.comp.Version = version
			if p.comp.Status != ir.StatusOrchestrator {
				p.comp.Status = ir.StatusEnhanced
			}
			_, err = t.record(id, ir.OpAddCapability, "")
			return err
		})
	})
}

// RemoveCapability unlinks the capability of a component. The capability
// document is archived, its triggers are released after commit and the
// status reverts to the one held before the capability appeared, as read
// from history.
func (e *Engine) RemoveCapability(ctx context.Context, id string) (*Result, error) {
	return e.observe(ctx, ir.OpRemoveCapability, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, nil)
		if err != nil {
			return nil, err
		}
		defer release()

		return e.run(ctx, id, func(t *txn) error {
			recs, err := e.loadHistory(id)
			if err != nil {
				return err
			}
			p, err := t.load(id)
			if err != nil {
				return err
			}
			if p.comp.Capability == "" {
				return &Error{Code: CodeNotFound, ComponentID: id, Message: "component has no capability"}
			}
			if p.comp.Status.Retired() {
				return NewPreconditionError(id, "component is %s", p.comp.Status)
			}

			if err := t.drop(id, p.comp.Capability); err != nil {
				return err
			}
			version, err := ir.BumpMajor(p.comp.Version)
			if err != nil {
				return fmt.Errorf("bump version: %w", err)
			}
			t.releaseAfter(activeTriggers(p.comp)...)
			p.comp.Capability = ""
			p.comp.Triggers = nil
			p.comp.Version = version
			if p.comp.Status == ir.StatusEnhanced {
				p.comp.Status = statusBeforeCapability(recs)
			}
			_, err = t.record(id, ir.OpRemoveCapability, "")
			return err
		})
	})
}

// statusBeforeCapability returns the status of the latest record without a
// capability, which is the status held just before the current capability
// appeared.
func statusBeforeCapability(recs []ir.EvolutionRecord) ir.Status {
	for i := len(recs) - 1; i >= 0; i-- {
		if c := recs[i].State.Component; c.Capability == "" {
			return c.Status
		}
	}
	return ir.StatusTested
}
