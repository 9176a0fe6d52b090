package engine

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

// Bundle groups every live component of a domain into a versioned
// manifest owned by the bundle component "bundle:<domain>".
//
// Each member must pass the quality gate; a single failure aborts the
// whole bundle with every failing member listed and no record committed.
// On success the manifest is written, the bundle component gets a Bundle
// record (and a Create record the first time) and every member gets a
// lightweight Bundle record noting its inclusion. All records commit as
// one batch.
func (e *Engine) Bundle(ctx context.Context, domain, version string) (*Result, error) {
	bundleID := ir.BundleID(domain)
	return e.observe(ctx, ir.OpBundle, bundleID, func(ctx context.Context) (*Result, error) {
		if !validComponentID(domain) {
			return nil, NewValidationError(bundleID, "invalid domain %q", domain)
		}
		if !ir.ValidVersion(version) {
			return nil, NewValidationError(bundleID, "invalid version %q", version)
		}

		ctx, release, err := e.lockFor(ctx, []string{bundleID}, func(ctx context.Context) ([]string, error) {
			return e.bundleMembers(ctx, domain)
		})
		if err != nil {
			return nil, err
		}
		defer release()

		var manifest ir.BundleManifest
		res, err := e.run(ctx, bundleID, func(t *txn) error {
			ids, err := e.bundleMembers(ctx, domain)
			if err != nil {
				return err
			}
			members := make([]ir.Component, 0, len(ids))
			for _, id := range ids {
				p, err := t.load(id)
				if err != nil {
					return err
				}
				// The registry may lag the history; membership is re-checked
				// against the authoritative state.
				if p.comp.Domain == domain && !p.comp.Status.Retired() {
					members = append(members, p.comp)
				}
			}
			if len(members) == 0 {
				return NewPreconditionError(bundleID, "domain %s has no live components", domain)
			}

			failures, err := e.gateAll(ctx, members)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				return NewQualityGateError(bundleID, failures)
			}

			manifest = ir.BundleManifest{Domain: domain, Version: version}
			for _, m := range members {
				manifest.Components = append(manifest.Components, ir.ManifestEntry{ID: m.ID, Version: m.Version})
			}

			bp, err := t.load(bundleID)
			switch {
			case IsNotFoundError(err):
				bp = t.create(ir.Component{
					ID:      bundleID,
					Kind:    ir.KindBundle,
					Version: version,
					Status:  ir.StatusDraft,
					Domain:  domain,
				})
				if _, err := t.record(bundleID, ir.OpCreate, ""); err != nil {
					return err
				}
			case err != nil:
				return err
			case bp.comp.Status.Retired():
				return NewPreconditionError(bundleID, "bundle is %s", bp.comp.Status)
			case len(bp.comp.Artifacts) > 0 && ir.CompareVersions(version, bp.comp.Version) <= 0:
				return NewPreconditionError(bundleID, "bundle version %s is not newer than %s", version, bp.comp.Version)
			}

			doc, err := ir.RenderManifest(manifest)
			if err != nil {
				return err
			}
			ref := ir.ManifestRef(bundleID)
			if err := t.put(bundleID, ref, doc); err != nil {
				return err
			}
			bp.comp.Artifacts = []string{ref}
			bp.comp.Version = version
			bp.comp.Status = ir.StatusTested

			note := fmt.Sprintf("%s@%s", bundleID, version)
			if _, err := t.record(bundleID, ir.OpBundle, note); err != nil {
				return err
			}
			for _, m := range members {
				if _, err := t.record(m.ID, ir.OpBundle, note); err != nil {
					return err
				}
			}
			return nil
		})
		if res != nil {
			res.Manifest = &manifest
		}
		return res, err
	})
}

// bundleMembers returns the ids of the live, non-bundle components of a
// domain as the registry sees them, sorted.
func (e *Engine) bundleMembers(ctx context.Context, domain string) ([]string, error) {
	all, err := e.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	var ids []string
	for _, c := range all {
		if c.Domain != domain || c.Kind == ir.KindBundle || ir.IsBundleID(c.ID) || c.Status.Retired() {
			continue
		}
		ids = append(ids, c.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// gateAll evaluates every component concurrently, bounded by the gate
// concurrency, and returns the failures in input order.
func (e *Engine) gateAll(ctx context.Context, comps []ir.Component) ([]GateFailure, error) {
	verdicts := make([]registry.Verdict, len(comps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.gateConcurrency)
	for i, c := range comps {
		g.Go(func() error {
			v, err := e.evaluate(gctx, c)
			if err != nil {
				return err
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var failures []GateFailure
	for i, v := range verdicts {
		if !v.Passed {
			failures = append(failures, GateFailure{ComponentID: comps[i].ID, Score: v.Score, Reasons: v.Reasons})
		}
	}
	return failures, nil
}
