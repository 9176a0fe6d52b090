package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/workspace"
)

// Operations that do not append records.
const (
	opVerify    ir.Operation = "verify"
	opReconcile ir.Operation = "reconcile"
)

// ArtifactDiff is the difference of one ref between two records.
type ArtifactDiff struct {
	Ref    string `json:"ref"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	Patch  string `json:"patch,omitempty"`
}

// History returns every record of a component in sequence order.
func (e *Engine) History(ctx context.Context, id string) ([]ir.EvolutionRecord, error) {
	if !validComponentID(id) {
		return nil, NewValidationError(id, "invalid component id")
	}
	ctx, release, err := e.lockFor(ctx, []string{id}, nil)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.loadHistory(id)
}

// Verify checks the live bytes of every ref the head record lists against
// the recorded checksums, and that the archive can restore each of them.
func (e *Engine) Verify(ctx context.Context, id string) (*Result, error) {
	return e.observe(ctx, opVerify, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, nil)
		if err != nil {
			return nil, err
		}
		defer release()

		recs, err := e.loadHistory(id)
		if err != nil {
			return nil, err
		}
		head := recs[len(recs)-1]
		var mismatches []Mismatch
		for _, ref := range slices.Sorted(maps.Keys(head.State.Checksums)) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sum := head.State.Checksums[ref]
			data, err := e.ws.Read(ref)
			switch {
			case errors.Is(err, workspace.ErrArtifactNotFound):
				mismatches = append(mismatches, Mismatch{Ref: ref, Expected: sum, Actual: "missing"})
				continue
			case err != nil:
				return nil, fmt.Errorf("read %s: %w", ref, err)
			}
			if ir.Checksum(data) != sum {
				mismatches = append(mismatches, e.mismatch(ref, sum, data))
				continue
			}
			if !e.archive.Has(sum) {
				mismatches = append(mismatches, Mismatch{Ref: ref, Expected: sum, Actual: "not archived"})
			}
		}
		if len(mismatches) > 0 {
			return nil, NewIntegrityError(id, mismatches)
		}
		return &Result{Record: head, Components: []ir.Component{head.State.Component}}, nil
	})
}

// Reconcile brings the workspace, the registry and the trigger index back
// in line with the history head of a component. It is the repair path
// after a commit whose post-commit steps failed.
//
// Refs whose live bytes differ from the head are rewritten from the
// archive. Refs the component owned in earlier records, and that no other
// component owns now, are removed. The registry is re-indexed and the
// active triggers reserved again.
func (e *Engine) Reconcile(ctx context.Context, id string) (*Result, error) {
	return e.observe(ctx, opReconcile, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, nil)
		if err != nil {
			return nil, err
		}
		defer release()
		e.gc.RLock()
		defer e.gc.RUnlock()

		recs, err := e.loadHistory(id)
		if err != nil {
			return nil, err
		}
		head := recs[len(recs)-1]
		stage := workspace.NewStage(e.ws)
		var repaired []string
		var mismatches []Mismatch

		for _, ref := range stateRefs(head.State) {
			sum := head.State.Checksums[ref]
			data, err := stage.Read(ref)
			switch {
			case err == nil && ir.Checksum(data) == sum:
				continue
			case err != nil && !errors.Is(err, workspace.ErrArtifactNotFound):
				return nil, fmt.Errorf("read %s: %w", ref, err)
			}
			want, ok := e.recoverContent(ref, sum, recs)
			if !ok {
				mismatches = append(mismatches, Mismatch{Ref: ref, Expected: sum, Actual: "unrecoverable"})
				continue
			}
			if err := stage.Write(ref, want); err != nil {
				return nil, fmt.Errorf("stage %s: %w", ref, err)
			}
			repaired = append(repaired, ref)
		}
		if len(mismatches) > 0 {
			return nil, NewIntegrityError(id, mismatches)
		}

		owners, err := e.owners(ctx)
		if err != nil {
			return nil, err
		}
		stale := make(map[string]bool)
		for _, rec := range recs {
			for ref := range rec.State.Checksums {
				if _, live := head.State.Checksums[ref]; live {
					continue
				}
				if owner, ok := owners[ref]; ok && owner != id {
					continue
				}
				stale[ref] = true
			}
		}
		for _, ref := range slices.Sorted(maps.Keys(stale)) {
			exists, err := stage.Exists(ref)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", ref, err)
			}
			if !exists {
				continue
			}
			if err := stage.Remove(ref); err != nil {
				return nil, fmt.Errorf("stage remove %s: %w", ref, err)
			}
			repaired = append(repaired, ref)
		}

		if err := stage.Apply(); err != nil {
			return nil, fmt.Errorf("apply workspace: %w", err)
		}
		c := head.State.Component
		if err := e.reg.Reindex(ctx, c); err != nil {
			return nil, fmt.Errorf("reindex %s: %w", id, err)
		}
		for _, tr := range activeTriggers(c) {
			ok, err := e.triggers.Reserve(ctx, tr, id)
			if err != nil {
				return nil, fmt.Errorf("reserve trigger %q: %w", tr, err)
			}
			if !ok {
				holder, _, _ := e.triggers.Owner(ctx, tr)
				ce := NewConflictError(id, fmt.Sprintf("trigger %q", tr), holder)
				ce.Trigger = tr
				return nil, ce
			}
		}
		if len(repaired) > 0 {
			e.logger.Warn("workspace repaired", "component", id, "refs", repaired)
		}
		return &Result{Record: head, Components: []ir.Component{c}, Repaired: repaired}, nil
	})
}

// ReconcileAll reconciles every component with a history. Failures do not
// stop the pass; they are joined in the returned error.
func (e *Engine) ReconcileAll(ctx context.Context) (*Result, error) {
	ids, err := e.history.Components()
	if err != nil {
		return nil, err
	}
	out := &Result{}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := e.Reconcile(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Components = append(out.Components, res.Components...)
		out.Repaired = append(out.Repaired, res.Repaired...)
	}
	return out, errors.Join(errs...)
}

// CollectGarbage removes archived objects no committed record refers to,
// such as content staged by aborted operations. It excludes every other
// operation while it runs and returns the removed handles.
func (e *Engine) CollectGarbage(ctx context.Context) ([]string, error) {
	e.gc.Lock()
	defer e.gc.Unlock()

	start := time.Now()
	ids, err := e.history.Components()
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := e.history.Load(id)
		if err != nil {
			return nil, e.historyError(id, err)
		}
		for _, rec := range recs {
			for _, sum := range rec.State.Checksums {
				keep[sum] = true
			}
			for _, ch := range rec.Changes {
				for _, h := range []string{ch.ChecksumBefore, ch.ChecksumAfter, ch.ArchiveHandle} {
					if h != "" {
						keep[h] = true
					}
				}
			}
		}
	}

	swept, err := e.archive.Sweep(keep)
	e.metrics.Swept(len(swept))
	if err != nil {
		return swept, fmt.Errorf("sweep archive: %w", err)
	}
	e.logger.Info("archive swept",
		"kept", len(keep),
		"removed", len(swept),
		"duration", time.Since(start),
	)
	return swept, nil
}

// Diff compares the states recorded at two sequences of a component and
// returns one entry per ref that differs, with a text patch when both
// contents can still be restored.
func (e *Engine) Diff(ctx context.Context, id string, from, to int64) ([]ArtifactDiff, error) {
	recs, err := e.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, seq := range []int64{from, to} {
		if seq < 0 || seq >= int64(len(recs)) {
			return nil, &Error{
				Code:        CodeTargetNotFound,
				ComponentID: id,
				Message:     fmt.Sprintf("no record %d (head is %d)", seq, len(recs)-1),
			}
		}
	}
	a, b := recs[from].State.Checksums, recs[to].State.Checksums
	refs := make(map[string]bool)
	for ref := range a {
		refs[ref] = true
	}
	for ref := range b {
		refs[ref] = true
	}

	var out []ArtifactDiff
	for _, ref := range slices.Sorted(maps.Keys(refs)) {
		d := ArtifactDiff{Ref: ref, Before: a[ref], After: b[ref]}
		if d.Before == d.After {
			continue
		}
		before, okBefore := e.contentAt(ref, d.Before, recs[:from+1])
		after, okAfter := e.contentAt(ref, d.After, recs[:to+1])
		if okBefore && okAfter {
			d.Patch = textDiff(before, after)
		}
		out = append(out, d)
	}
	return out, nil
}

// contentAt is recoverContent with an absent ref reading as empty.
func (e *Engine) contentAt(ref, sum string, prior []ir.EvolutionRecord) ([]byte, bool) {
	if sum == "" {
		return nil, true
	}
	return e.recoverContent(ref, sum, prior)
}
