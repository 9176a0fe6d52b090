package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/workspace"
)

// rollbackPlan is what a rollback of one component touches besides the
// component itself.
type rollbackPlan struct {
	recs   []ir.EvolutionRecord
	target int64
	want   ir.State

	// retiring are children of the current state the target does not list.
	retiring []string

	// reviving maps retired children the target lists to the sequence of
	// their last usable record.
	reviving  map[string]int64
	childRecs map[string][]ir.EvolutionRecord
}

// Rollback restores a component to the state recorded at target.
//
// The inverse of every later change entry is replayed against a scratch
// overlay and the result is verified against the checksums recorded at
// target before anything is staged. A rollback that would break live
// dependents is rejected unless cascade is set; with cascade the
// dependents are re-pointed where a split is undone and re-evaluated by
// the quality gate afterwards. Rolling back past a split retires the
// children it created and hands their artifacts back; rolling forward
// over a split reactivates them. Everything commits as one batch, and the
// rollback itself is recorded as a new record: history only grows.
func (e *Engine) Rollback(ctx context.Context, id string, target int64, cascade bool) (*Result, error) {
	return e.observe(ctx, ir.OpRollback, id, func(ctx context.Context) (*Result, error) {
		if !validComponentID(id) {
			return nil, NewValidationError(id, "invalid component id")
		}
		ctx, release, err := e.lockFor(ctx, []string{id}, func(ctx context.Context) ([]string, error) {
			return e.rollbackScope(ctx, id, target, cascade)
		})
		if err != nil {
			return nil, err
		}
		defer release()

		var blocking []string
		res, err := e.run(ctx, id, func(t *txn) error {
			var err error
			blocking, err = e.rollback(ctx, t, id, target, cascade)
			return err
		})
		if res != nil && len(blocking) > 0 {
			res.Revalidated = e.revalidate(ctx, blocking)
		}
		return res, err
	})
}

// rollbackScope lists the extra ids a rollback must hold locks on.
func (e *Engine) rollbackScope(ctx context.Context, id string, target int64, cascade bool) ([]string, error) {
	plan, err := e.planRollback(id, target)
	if err != nil {
		if _, ok := AsError(err); ok {
			// Reported again under the lock.
			return nil, nil
		}
		return nil, err
	}
	head := plan.recs[len(plan.recs)-1].State
	cur := head.Component
	keys := append(slices.Clone(cur.Children), plan.want.Component.Children...)
	for ref := range plan.want.Checksums {
		if _, had := head.Checksums[ref]; !had {
			keys = append(keys, refKeys(ref)...)
		}
	}
	if !cascade {
		return keys, nil
	}
	for _, c := range append([]string{id}, plan.retiring...) {
		deps, err := e.resolver.DirectDependents(ctx, c)
		if err != nil {
			return nil, err
		}
		keys = append(keys, deps...)
	}
	return keys, nil
}

func (e *Engine) planRollback(id string, target int64) (*rollbackPlan, error) {
	recs, err := e.loadHistory(id)
	if err != nil {
		return nil, err
	}
	head := int64(len(recs) - 1)
	if target < 0 || target >= head {
		return nil, &Error{
			Code:        CodeTargetNotFound,
			ComponentID: id,
			Message:     fmt.Sprintf("no earlier record %d (head is %d)", target, head),
		}
	}
	cur := recs[head].State.Component
	plan := &rollbackPlan{
		recs:      recs,
		target:    target,
		want:      recs[target].State,
		reviving:  make(map[string]int64),
		childRecs: make(map[string][]ir.EvolutionRecord),
	}
	for _, c := range cur.Children {
		if !slices.Contains(plan.want.Component.Children, c) {
			plan.retiring = append(plan.retiring, c)
		}
	}
	for _, c := range plan.want.Component.Children {
		if slices.Contains(cur.Children, c) {
			continue
		}
		crecs, err := e.loadHistory(c)
		if err != nil {
			return nil, err
		}
		last := len(crecs) - 1
		if !crecs[last].State.Component.Status.Retired() {
			continue
		}
		for j := last; j >= 0; j-- {
			if !crecs[j].State.Component.Status.Retired() {
				plan.reviving[c] = int64(j)
				plan.childRecs[c] = crecs
				break
			}
		}
	}
	return plan, nil
}

// rollback stages the rollback of id and returns the dependents that must
// be re-evaluated once it commits.
func (e *Engine) rollback(ctx context.Context, t *txn, id string, target int64, cascade bool) ([]string, error) {
	plan, err := e.planRollback(id, target)
	if err != nil {
		return nil, err
	}
	p, err := t.load(id)
	if err != nil {
		return nil, err
	}
	now := p.comp.Clone()
	want := plan.want

	revived := make(map[string]bool)
	for c, j := range plan.reviving {
		for ref := range plan.childRecs[c][j].State.Checksums {
			revived[ref] = true
		}
	}

	// A rollback breaks dependents when the component stops being usable
	// or drops artifacts nobody takes over.
	breaking := now.Status.Usable() && !want.Component.Status.Usable()
	for ref := range p.checksums {
		if ref == now.Descriptor {
			continue
		}
		if _, kept := want.Checksums[ref]; !kept && !revived[ref] {
			breaking = true
		}
	}
	family := append([]string{id}, now.Children...)
	family = append(family, want.Component.Children...)

	var blocking []string
	if breaking {
		deps, err := e.resolver.Dependents(ctx, id)
		if err != nil {
			return nil, err
		}
		blocking = append(blocking, deps...)
	}
	stranded := make(map[string][]string)
	for _, c := range plan.retiring {
		deps, err := e.resolver.DirectDependents(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if slices.Contains(family, d) {
				continue
			}
			stranded[d] = append(stranded[d], c)
			blocking = append(blocking, d)
		}
	}
	blocking = slices.DeleteFunc(ir.SortedSet(blocking), func(d string) bool {
		return slices.Contains(family, d)
	})
	if len(blocking) > 0 && !cascade {
		return nil, NewUnsafeRollbackError(id, blocking)
	}

	// Refs the target owns again must be free or held by a child this
	// rollback retires.
	owners, err := e.owners(ctx)
	if err != nil {
		return nil, err
	}
	for ref := range want.Checksums {
		if _, had := p.checksums[ref]; had {
			continue
		}
		if owner, ok := owners[ref]; ok && owner != id && !slices.Contains(plan.retiring, owner) {
			return nil, NewConflictError(id, "artifact "+ref, owner)
		}
	}

	if err := t.restore(id, plan.recs, target); err != nil {
		return nil, err
	}
	t.releaseAfter(minus(activeTriggers(now), activeTriggers(want.Component))...)
	if err := t.reserve(ctx, id, minus(activeTriggers(want.Component), activeTriggers(now))); err != nil {
		return nil, err
	}
	rec, err := t.record(id, ir.OpRollback, fmt.Sprintf("rollback to %d", target))
	if err != nil {
		return nil, err
	}
	rec.RollbackOf = &plan.target

	for _, c := range plan.retiring {
		cp, err := t.load(c)
		if err != nil {
			return nil, err
		}
		for _, ref := range slices.Clone(cp.comp.Artifacts) {
			if _, reclaimed := want.Checksums[ref]; !reclaimed {
				continue
			}
			if err := t.drop(c, ref); err != nil {
				return nil, err
			}
			cp.comp.Artifacts = slices.DeleteFunc(cp.comp.Artifacts, func(r string) bool { return r == ref })
		}
		if !cp.comp.Status.Retired() {
			t.releaseAfter(activeTriggers(cp.comp)...)
			cp.comp.Status = ir.StatusArchived
		}
		if _, err := t.record(c, ir.OpRetire, "retired by rollback of "+id); err != nil {
			return nil, err
		}
	}
	if cascade {
		for _, d := range slices.Sorted(maps.Keys(stranded)) {
			if err := t.repoint(d, stranded[d], []string{id}); err != nil {
				return nil, err
			}
		}
	}

	for _, c := range slices.Sorted(maps.Keys(plan.reviving)) {
		j := plan.reviving[c]
		cp, err := t.load(c)
		if err != nil {
			return nil, err
		}
		before := cp.comp.Clone()
		if err := t.restore(c, plan.childRecs[c], j); err != nil {
			return nil, err
		}
		t.releaseAfter(minus(activeTriggers(before), activeTriggers(cp.comp))...)
		if err := t.reserve(ctx, c, minus(activeTriggers(cp.comp), activeTriggers(before))); err != nil {
			return nil, err
		}
		crec, err := t.record(c, ir.OpRollback, "reactivated by rollback of "+id)
		if err != nil {
			return nil, err
		}
		crec.RollbackOf = &j
	}

	// Redoing a retire-mode split re-points the live dependents again.
	if cascade && want.Component.Status == ir.StatusDeprecated && len(want.Component.Children) > 0 {
		deps, err := e.resolver.DirectDependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if slices.Contains(family, d) {
				continue
			}
			if err := t.repoint(d, []string{id}, want.Component.Children); err != nil {
				return nil, err
			}
		}
	}
	return blocking, nil
}

// restore stages id back to the state recorded at target.
//
// The inverse of every change after target is replayed, newest first, on
// a scratch overlay. The replayed checksums and bytes must equal the ones
// recorded at target; otherwise an INTEGRITY error lists every mismatch
// and nothing reaches the transaction. On success only the net difference
// is staged.
func (t *txn) restore(id string, recs []ir.EvolutionRecord, target int64) error {
	p := t.comps[id]
	want := recs[target].State
	scratch := workspace.NewStage(t.stage)
	work := maps.Clone(p.checksums)
	bad := make(map[string]bool)
	var mismatches []Mismatch
	fail := func(m Mismatch) {
		if !bad[m.Ref] {
			bad[m.Ref] = true
			mismatches = append(mismatches, m)
		}
	}

	for i := len(recs) - 1; i > int(target); i-- {
		changes := recs[i].Changes
		for k := len(changes) - 1; k >= 0; k-- {
			ch := changes[k]
			ref := ch.ArtifactRef
			switch ch.Action {
			case ir.ActionCreated:
				delete(work, ref)
				if err := scratch.Remove(ref); err != nil {
					return fmt.Errorf("replay %s: %w", ref, err)
				}
			case ir.ActionModified:
				work[ref] = ch.ChecksumBefore
				data, ok := t.e.recoverContent(ref, ch.ChecksumBefore, recs[:i])
				if !ok {
					fail(Mismatch{Ref: ref, Expected: ch.ChecksumBefore, Actual: "unrecoverable"})
					continue
				}
				if err := scratch.Write(ref, data); err != nil {
					return fmt.Errorf("replay %s: %w", ref, err)
				}
			case ir.ActionDeleted:
				work[ref] = ch.ChecksumBefore
				data, err := t.e.archive.Get(ch.ArchiveHandle)
				if err != nil {
					fail(Mismatch{Ref: ref, Expected: ch.ChecksumBefore, Actual: "archive: " + err.Error()})
					continue
				}
				if got := ir.Checksum(data); got != ch.ChecksumBefore {
					fail(Mismatch{Ref: ref, Expected: ch.ChecksumBefore, Actual: got})
					continue
				}
				if err := scratch.Write(ref, data); err != nil {
					return fmt.Errorf("replay %s: %w", ref, err)
				}
			}
		}
	}

	contents := make(map[string][]byte, len(want.Checksums))
	for _, ref := range slices.Sorted(maps.Keys(want.Checksums)) {
		if bad[ref] {
			continue
		}
		sum := want.Checksums[ref]
		if got, ok := work[ref]; !ok || got != sum {
			if !ok {
				got = "absent"
			}
			fail(Mismatch{Ref: ref, Expected: sum, Actual: got})
			continue
		}
		data, err := scratch.Read(ref)
		if errors.Is(err, workspace.ErrArtifactNotFound) {
			fail(Mismatch{Ref: ref, Expected: sum, Actual: "missing"})
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", ref, err)
		}
		if ir.Checksum(data) != sum {
			fail(t.e.mismatch(ref, sum, data))
			continue
		}
		contents[ref] = data
	}
	for _, ref := range slices.Sorted(maps.Keys(work)) {
		if _, ok := want.Checksums[ref]; !ok {
			fail(Mismatch{Ref: ref, Expected: "absent", Actual: work[ref]})
		}
	}
	if len(mismatches) > 0 {
		slices.SortFunc(mismatches, func(a, b Mismatch) int { return strings.Compare(a.Ref, b.Ref) })
		return NewIntegrityError(id, mismatches)
	}

	current := slices.Sorted(maps.Keys(p.checksums))
	p.comp = want.Component.Clone()
	for _, ref := range stateRefs(want) {
		if err := t.put(id, ref, contents[ref]); err != nil {
			return err
		}
	}
	for _, ref := range current {
		if _, ok := want.Checksums[ref]; !ok {
			if err := t.drop(id, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverContent returns the bytes recorded as sum for ref. The archive is
// tried first; a descriptor can also be rendered again from the latest
// earlier snapshot that recorded it.
func (e *Engine) recoverContent(ref, sum string, prior []ir.EvolutionRecord) ([]byte, bool) {
	if data, err := e.archive.Get(sum); err == nil {
		return data, true
	}
	for k := len(prior) - 1; k >= 0; k-- {
		st := prior[k].State
		if st.Checksums[ref] != sum {
			continue
		}
		if st.Component.Descriptor != ref {
			return nil, false
		}
		doc, err := ir.RenderDescriptor(st.Component)
		if err != nil || ir.Checksum(doc) != sum {
			return nil, false
		}
		return doc, true
	}
	return nil, false
}

// stateRefs returns the refs of a snapshot, owned refs first in component
// order and any others sorted after them.
func stateRefs(s ir.State) []string {
	refs := s.Component.OwnedRefs()
	var rest []string
	for ref := range s.Checksums {
		if !slices.Contains(refs, ref) {
			rest = append(rest, ref)
		}
	}
	slices.Sort(rest)
	out := make([]string, 0, len(s.Checksums))
	for _, ref := range append(refs, rest...) {
		if _, ok := s.Checksums[ref]; ok {
			out = append(out, ref)
		}
	}
	return out
}

// revalidate runs the quality gate on the given components as indexed.
// Errors become failed verdicts.
func (e *Engine) revalidate(ctx context.Context, ids []string) map[string]registry.Verdict {
	out := make(map[string]registry.Verdict, len(ids))
	for _, id := range ids {
		c, err := e.reg.Lookup(ctx, id)
		if err != nil {
			out[id] = registry.Verdict{Reasons: []string{err.Error()}}
			continue
		}
		v, err := e.evaluate(ctx, c)
		if err != nil {
			out[id] = registry.Verdict{Reasons: []string{err.Error()}}
			continue
		}
		out[id] = v
	}
	return out
}

// minus returns the elements of a that are not in b, in order.
func minus(a, b []string) []string {
	var out []string
	for _, s := range a {
		if !slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
