package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/evolve/internal/history"
	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/lock"
	"github.com/roach88/evolve/internal/workspace"
)

// pending is the working state of one component inside a transaction.
type pending struct {
	comp      ir.Component
	checksums map[string]string
	base      int64 // sequence of the first record drafted in this transaction
	changes   []ir.ChangeEntry
	drafts    []ir.EvolutionRecord
}

// txn stages one operation. Nothing it does is visible outside the archive
// until commit appends the drafted records.
type txn struct {
	e     *Engine
	stage *workspace.Stage
	now   time.Time

	order []string
	comps map[string]*pending

	reserved []string // triggers reserved by this attempt
	release  []string // triggers to release after commit
	dropped  map[string]bool
}

// run executes fn inside a transaction and commits it. primary names the
// component whose record becomes Result.Record.
func (e *Engine) run(ctx context.Context, primary string, fn func(t *txn) error) (*Result, error) {
	e.gc.RLock()
	defer e.gc.RUnlock()

	t := &txn{
		e:       e,
		stage:   workspace.NewStage(e.ws),
		now:     e.clock.Now(),
		comps:   make(map[string]*pending),
		dropped: make(map[string]bool),
	}
	if err := fn(t); err != nil {
		t.abort(ctx)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		t.abort(ctx)
		return nil, err
	}
	return t.commit(ctx, primary)
}

// lockFor acquires the locks of keys plus the keys more reports while
// those are held. When more reports a key outside the held set, everything
// is released and the grown set is acquired again in sorted order.
func (e *Engine) lockFor(ctx context.Context, keys []string, more func(context.Context) ([]string, error)) (context.Context, func(), error) {
	want := ir.SortedSet(keys)
	for {
		lctx, release, err := e.locks.Acquire(ctx, want...)
		if err != nil {
			return ctx, func() {}, fmt.Errorf("acquire locks: %w", err)
		}
		if more == nil {
			return lctx, release, nil
		}
		extra, err := more(lctx)
		if err != nil {
			release()
			return ctx, func() {}, err
		}
		held := lock.Held(lctx)
		grown := false
		for _, k := range extra {
			if !held[k] {
				grown = true
				break
			}
		}
		if !grown {
			return lctx, release, nil
		}
		release()
		want = ir.SortedSet(append(want, extra...))
	}
}

func (e *Engine) historyError(id string, err error) error {
	if errors.Is(err, history.ErrCorrupt) {
		return &Error{Code: CodeIntegrity, ComponentID: id, Message: err.Error()}
	}
	return fmt.Errorf("load history %s: %w", id, err)
}

// loadHistory returns the verified history of id; an unknown id is NOT_FOUND.
func (e *Engine) loadHistory(id string) ([]ir.EvolutionRecord, error) {
	recs, err := e.history.Load(id)
	if err != nil {
		return nil, e.historyError(id, err)
	}
	if len(recs) == 0 {
		return nil, NewNotFoundError(id)
	}
	return recs, nil
}

func (t *txn) add(id string, p *pending) {
	t.order = append(t.order, id)
	t.comps[id] = p
}

// load returns the working state of id, reading the history head on first use.
func (t *txn) load(id string) (*pending, error) {
	if p, ok := t.comps[id]; ok {
		return p, nil
	}
	head, ok, err := t.e.history.Head(id)
	if err != nil {
		return nil, t.e.historyError(id, err)
	}
	if !ok {
		return nil, NewNotFoundError(id)
	}
	p := &pending{
		comp:      head.State.Component.Clone(),
		checksums: maps.Clone(head.State.Checksums),
		base:      head.Sequence + 1,
	}
	if p.checksums == nil {
		p.checksums = make(map[string]string)
	}
	t.add(id, p)
	return p, nil
}

// create starts the history of a new component.
func (t *txn) create(c ir.Component) *pending {
	if c.Descriptor == "" {
		c.Descriptor = ir.DescriptorRef(c.ID)
	}
	p := &pending{comp: c, checksums: make(map[string]string)}
	t.add(c.ID, p)
	return p
}

// claimed reports whether any component in the transaction owns ref.
func (t *txn) claimed(ref string) bool {
	for _, p := range t.comps {
		if _, ok := p.checksums[ref]; ok {
			return true
		}
	}
	return false
}

func (t *txn) archivePut(data []byte) (string, error) {
	handle, err := t.e.archive.Put(data)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	t.e.metrics.ArchiveWrite()
	return handle, nil
}

// put stages data at ref as owned by id. New content is archived first, so
// every checksum a record mentions can be restored later.
func (t *txn) put(id, ref string, data []byte) error {
	p := t.comps[id]
	sum := ir.Checksum(data)
	before, owned := p.checksums[ref]
	if owned && before == sum {
		return nil
	}
	if _, err := t.archivePut(data); err != nil {
		return err
	}
	if err := t.stage.Write(ref, data); err != nil {
		return fmt.Errorf("stage %s: %w", ref, err)
	}
	entry := ir.ChangeEntry{Action: ir.ActionCreated, ArtifactRef: ref, ChecksumAfter: sum}
	if owned {
		entry.Action = ir.ActionModified
		entry.ChecksumBefore = before
	}
	p.checksums[ref] = sum
	p.changes = append(p.changes, entry)
	return nil
}

// drop ends id's ownership of ref. The content is archived and the bytes
// are removed at commit unless another component in the transaction
// claims the ref.
func (t *txn) drop(id, ref string) error {
	p := t.comps[id]
	before, owned := p.checksums[ref]
	if !owned {
		return nil
	}
	handle, err := t.preserve(id, ref, before)
	if err != nil {
		return err
	}
	delete(p.checksums, ref)
	p.changes = append(p.changes, ir.ChangeEntry{
		Action:         ir.ActionDeleted,
		ArtifactRef:    ref,
		ChecksumBefore: before,
		ArchiveHandle:  handle,
	})
	t.dropped[ref] = true
	return nil
}

// preserve returns the archive handle of the content recorded as sum,
// archiving the live bytes when the archive does not hold it yet.
func (t *txn) preserve(id, ref, sum string) (string, error) {
	if t.e.archive.Has(sum) {
		return sum, nil
	}
	data, err := t.owned(id, ref, sum)
	if err != nil {
		return "", err
	}
	return t.archivePut(data)
}

// owned reads the staged bytes of ref and checks them against sum.
func (t *txn) owned(id, ref, sum string) ([]byte, error) {
	data, err := t.stage.Read(ref)
	if errors.Is(err, workspace.ErrArtifactNotFound) {
		return nil, NewIntegrityError(id, []Mismatch{{Ref: ref, Expected: sum, Actual: "missing"}})
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if got := ir.Checksum(data); got != sum {
		return nil, NewIntegrityError(id, []Mismatch{t.e.mismatch(ref, sum, data)})
	}
	return data, nil
}

// mismatch describes live bytes that do not hash to expected, with a text
// diff when the expected content is still archived.
func (e *Engine) mismatch(ref, expected string, actual []byte) Mismatch {
	m := Mismatch{Ref: ref, Expected: expected, Actual: ir.Checksum(actual)}
	if want, err := e.archive.Get(expected); err == nil {
		m.Diff = textDiff(want, actual)
	}
	return m
}

// textDiff renders a patch turning before into after.
func textDiff(before, after []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.PatchToText(dmp.PatchMake(string(before), diffs))
}

// reserve claims triggers for owner. A trigger held by someone else fails
// with a CONFLICT naming the holder; triggers claimed here are released if
// the transaction aborts.
func (t *txn) reserve(ctx context.Context, owner string, triggers []string) error {
	for _, tr := range triggers {
		holder, held, err := t.e.triggers.Owner(ctx, tr)
		if err != nil {
			return fmt.Errorf("trigger owner %q: %w", tr, err)
		}
		if held && holder == owner {
			continue
		}
		if !held {
			ok, err := t.e.triggers.Reserve(ctx, tr, owner)
			if err != nil {
				return fmt.Errorf("reserve trigger %q: %w", tr, err)
			}
			if ok {
				t.reserved = append(t.reserved, tr)
				continue
			}
			holder, _, _ = t.e.triggers.Owner(ctx, tr)
		}
		e := NewConflictError(owner, fmt.Sprintf("trigger %q", tr), holder)
		e.Trigger = tr
		return e
	}
	return nil
}

// releaseAfter queues triggers to be released once the records commit.
func (t *txn) releaseAfter(triggers ...string) {
	t.release = append(t.release, triggers...)
}

// record drafts the next record of id from its working state. The
// descriptor is re-rendered first, so any metadata change shows up as a
// Modified entry on it.
func (t *txn) record(id string, op ir.Operation, note string) (*ir.EvolutionRecord, error) {
	p := t.comps[id]
	doc, err := ir.RenderDescriptor(p.comp)
	if err != nil {
		return nil, err
	}
	if err := t.put(id, p.comp.Descriptor, doc); err != nil {
		return nil, err
	}

	seq := p.base + int64(len(p.drafts))
	changes := p.changes
	if changes == nil {
		changes = []ir.ChangeEntry{}
	}
	p.drafts = append(p.drafts, ir.EvolutionRecord{
		ComponentID: id,
		Sequence:    seq,
		Operation:   op,
		Changes:     changes,
		Reversible:  seq > 0,
		Note:        note,
		State: ir.State{
			Component: p.comp.Clone(),
			Checksums: maps.Clone(p.checksums),
		},
	})
	p.changes = nil
	return &p.drafts[len(p.drafts)-1], nil
}

func (t *txn) abort(ctx context.Context) {
	t.stage.Discard()
	ctx = context.WithoutCancel(ctx)
	for _, tr := range t.reserved {
		if err := t.e.triggers.Release(ctx, tr); err != nil {
			t.e.logger.Warn("release trigger after abort", "trigger", tr, "error", err)
		}
	}
	t.reserved = nil
}

// commit appends every drafted record as one batch, then applies the
// workspace overlay, re-indexes the touched components and releases
// triggers. Failures after the append are returned together with the
// result; the records stay committed.
func (t *txn) commit(ctx context.Context, primary string) (*Result, error) {
	for _, ref := range slices.Sorted(maps.Keys(t.dropped)) {
		if !t.claimed(ref) {
			if err := t.stage.Remove(ref); err != nil {
				t.abort(ctx)
				return nil, fmt.Errorf("stage remove %s: %w", ref, err)
			}
		}
	}

	var drafts []ir.EvolutionRecord
	for _, id := range t.order {
		p := t.comps[id]
		for i := range p.drafts {
			p.drafts[i].ID = t.e.ids.Generate()
			p.drafts[i].Timestamp = t.now
			drafts = append(drafts, p.drafts[i])
		}
	}

	committed, err := t.e.history.AppendBatch(ctx, drafts)
	if err != nil {
		t.abort(ctx)
		return nil, fmt.Errorf("commit history: %w", err)
	}

	// Point of no return.
	ctx = context.WithoutCancel(ctx)
	res := &Result{Records: committed}
	for _, rec := range committed {
		t.e.metrics.RecordCommitted(string(rec.Operation))
		if rec.ComponentID == primary {
			res.Record = rec
		}
	}

	var errs []error
	if err := t.stage.Apply(); err != nil {
		errs = append(errs, fmt.Errorf("apply workspace: %w", err))
	}
	for _, id := range t.order {
		c := t.comps[id].comp.Clone()
		res.Components = append(res.Components, c)
		if err := t.e.reg.Reindex(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("reindex %s: %w", id, err))
		}
	}
	for _, tr := range t.release {
		if err := t.e.triggers.Release(ctx, tr); err != nil {
			errs = append(errs, fmt.Errorf("release trigger %q: %w", tr, err))
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%s committed, run reconcile: %w", primary, errors.Join(errs...))
	}
	return res, nil
}

// activeTriggers returns the triggers c holds in the trigger index.
// Archived components hold none.
func activeTriggers(c ir.Component) []string {
	if c.Status == ir.StatusArchived {
		return nil
	}
	return c.Triggers
}

// refKeys returns the lock keys that guard ownership claims on refs.
func refKeys(refs ...string) []string {
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = "ref:" + ref
	}
	return keys
}

// owners maps every ref owned by a registered component to its owner.
func (e *Engine) owners(ctx context.Context) (map[string]string, error) {
	all, err := e.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	out := make(map[string]string)
	for _, c := range all {
		for _, ref := range c.OwnedRefs() {
			out[ref] = c.ID
		}
	}
	return out, nil
}
