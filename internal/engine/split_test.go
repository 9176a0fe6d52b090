package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/evolve/internal/ir"
)

func pmSpec() PartitionSpec {
	return PartitionSpec{Buckets: []Bucket{
		{Name: "pm-core", Artifacts: []string{"pm/a.md", "pm/b.md", "pm/c.md"}},
		{Name: "pm-tracking", Artifacts: []string{"pm/d.md"}},
	}}
}

// newPMHarness builds "pm" with four artifacts and a dependent "cmd:status".
func newPMHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	h.tested(t, "pm", "pm/a.md", "pm/b.md", "pm/c.md", "pm/d.md")
	h.createIn(t, CreateRequest{ID: "cmd:status", Kind: ir.KindCommand, Dependencies: []string{"pm"}}, "status.md")
	return h
}

func TestSplit_Orchestrator(t *testing.T) {
	h := newPMHarness(t)
	before := h.head(t, "pm").State.Checksums

	res, err := h.eng.Split(context.Background(), "pm", pmSpec())
	require.NoError(t, err)
	require.Len(t, res.Records, 3)

	pm := res.Record.State.Component
	assert.Equal(t, ir.StatusOrchestrator, pm.Status)
	assert.Equal(t, "1.0.0", pm.Version)
	assert.Empty(t, pm.Artifacts)
	assert.Equal(t, []string{"pm-core", "pm-tracking"}, pm.Children)
	assert.Equal(t, []string{"pm-core", "pm-tracking"}, pm.Dependencies)
	assert.Equal(t, "split into pm-core, pm-tracking", res.Record.Note)
	assert.Equal(t, []string{pm.Descriptor}, slices.Collect(maps.Keys(res.Record.State.Checksums)))

	core := h.head(t, "pm-core")
	assert.Equal(t, int64(0), core.Sequence)
	assert.Equal(t, ir.OpSplit, core.Operation)
	assert.Equal(t, "split from pm", core.Note)
	assert.Equal(t, ir.StatusTested, core.State.Component.Status)
	assert.Equal(t, []string{"pm/a.md", "pm/b.md", "pm/c.md"}, core.State.Component.Artifacts)
	for _, ref := range core.State.Component.Artifacts {
		assert.Equal(t, before[ref], core.State.Checksums[ref], ref)
	}
	tracking := h.head(t, "pm-tracking")
	assert.Equal(t, before["pm/d.md"], tracking.State.Checksums["pm/d.md"])

	for _, id := range []string{"pm", "pm-core", "pm-tracking"} {
		h.assertConsistent(t, id)
	}

	// The dependent keeps pointing at pm and resolves through it.
	status := h.component(t, "cmd:status")
	assert.Equal(t, []string{"pm"}, status.Dependencies)
	deps, err := h.eng.Resolver().Dependencies(context.Background(), "cmd:status")
	require.NoError(t, err)
	assert.Equal(t, []string{"pm", "pm-core", "pm-tracking"}, deps)
	for _, d := range deps {
		c, err := h.reg.Lookup(context.Background(), d)
		require.NoError(t, err)
		assert.True(t, c.Status.Usable(), "%s is %s", d, c.Status)
	}
}

func TestSplit_RetireMode(t *testing.T) {
	h := newPMHarness(t, WithSplitMode(SplitRetire))

	res, err := h.eng.Split(context.Background(), "pm", pmSpec())
	require.NoError(t, err)

	pm, ok := res.Component("pm")
	require.True(t, ok)
	assert.Equal(t, ir.StatusDeprecated, pm.Status)

	doc, err := h.ws.Read(pm.Descriptor)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "shim:")
	assert.Contains(t, string(doc), "forwards_to:")

	status := h.head(t, "cmd:status")
	assert.Equal(t, ir.OpRepoint, status.Operation)
	assert.Equal(t, []string{"pm-core", "pm-tracking"}, status.State.Component.Dependencies)
	assert.Equal(t, "repointed pm -> pm-core, pm-tracking", status.Note)
	h.assertConsistent(t, "cmd:status")

	dependents, err := h.eng.Resolver().DirectDependents(context.Background(), "pm")
	require.NoError(t, err)
	assert.Empty(t, dependents)
}

func TestSplit_ModeFromSpec(t *testing.T) {
	h := newPMHarness(t)
	spec := pmSpec()
	spec.Mode = SplitRetire

	res, err := h.eng.Split(context.Background(), "pm", spec)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDeprecated, res.Record.State.Component.Status)
}

func TestSplit_Coverage(t *testing.T) {
	tests := []struct {
		name    string
		buckets []Bucket
		check   func(t *testing.T, e *Error)
	}{
		{
			name: "missing",
			buckets: []Bucket{
				{Name: "x", Artifacts: []string{"pm/a.md", "pm/b.md"}},
				{Name: "y", Artifacts: []string{"pm/c.md"}},
			},
			check: func(t *testing.T, e *Error) { assert.Equal(t, []string{"pm/d.md"}, e.Missing) },
		},
		{
			name: "unknown",
			buckets: []Bucket{
				{Name: "x", Artifacts: []string{"pm/a.md", "pm/b.md", "pm/c.md"}},
				{Name: "y", Artifacts: []string{"pm/d.md", "pm/e.md"}},
			},
			check: func(t *testing.T, e *Error) { assert.Equal(t, []string{"pm/e.md"}, e.Unknown) },
		},
		{
			name: "duplicated",
			buckets: []Bucket{
				{Name: "x", Artifacts: []string{"pm/a.md", "pm/b.md", "pm/c.md"}},
				{Name: "y", Artifacts: []string{"pm/c.md", "pm/d.md"}},
			},
			check: func(t *testing.T, e *Error) { assert.Equal(t, []string{"pm/c.md"}, e.Duplicated) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newPMHarness(t)
			before := h.snapshot(t)

			_, err := h.eng.Split(context.Background(), "pm", PartitionSpec{Buckets: tt.buckets})
			e := requireCode(t, err, CodePartitionCoverage)
			assert.True(t, IsValidationError(err))
			tt.check(t, e)

			assert.Len(t, h.records(t, "pm"), 2)
			assert.Equal(t, before, h.snapshot(t))
		})
	}
}

func TestSplit_RequiresTwoBuckets(t *testing.T) {
	h := newPMHarness(t)
	_, err := h.eng.Split(context.Background(), "pm", PartitionSpec{Buckets: []Bucket{
		{Name: "all", Artifacts: []string{"pm/a.md", "pm/b.md", "pm/c.md", "pm/d.md"}},
	}})
	requireCode(t, err, CodeValidation)
}

func TestSplit_NamingConflict(t *testing.T) {
	h := newPMHarness(t)
	spec := pmSpec()
	spec.Buckets[1].Name = "cmd:status"

	_, err := h.eng.Split(context.Background(), "pm", spec)
	e := requireCode(t, err, CodeNamingConflict)
	assert.True(t, IsSafetyError(err))
	assert.Equal(t, []string{"cmd:status"}, e.Names)
	assert.Len(t, h.records(t, "pm"), 2)
}

func TestSplit_Cycle(t *testing.T) {
	h := newPMHarness(t)
	spec := pmSpec()
	spec.Buckets[0].Dependencies = []string{"cmd:status"}
	before := h.snapshot(t)

	_, err := h.eng.Split(context.Background(), "pm", spec)
	e := requireCode(t, err, CodeCircularDependency)
	assert.Contains(t, e.Cycle, "pm")
	assert.Contains(t, e.Cycle, "pm-core")
	assert.Contains(t, e.Cycle, "cmd:status")

	exists, err := h.hist.Exists("pm-core")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, before, h.snapshot(t))
}

func TestSplit_UnknownBucketDependency(t *testing.T) {
	h := newPMHarness(t)
	spec := pmSpec()
	spec.Buckets[0].Dependencies = []string{"nowhere"}

	_, err := h.eng.Split(context.Background(), "pm", spec)
	requireCode(t, err, CodeNotFound)
}

func TestSplit_SiblingDependency(t *testing.T) {
	h := newPMHarness(t)
	spec := pmSpec()
	spec.Buckets[1].Dependencies = []string{"pm-core"}

	_, err := h.eng.Split(context.Background(), "pm", spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"pm-core"}, h.component(t, "pm-tracking").Dependencies)
}

func TestSplit_Preconditions(t *testing.T) {
	h := newHarness(t)
	h.create(t, "draft", "x.md", "y.md")

	_, err := h.eng.Split(context.Background(), "draft", PartitionSpec{Buckets: []Bucket{
		{Name: "x", Artifacts: []string{"x.md"}},
		{Name: "y", Artifacts: []string{"y.md"}},
	}})
	requireCode(t, err, CodePrecondition)

	_, err = h.eng.Split(context.Background(), "ghost", PartitionSpec{Buckets: []Bucket{
		{Name: "x", Artifacts: []string{"x.md"}},
		{Name: "y", Artifacts: []string{"y.md"}},
	}})
	requireCode(t, err, CodeNotFound)
}

func TestSplit_CapabilityStaysWithOriginal(t *testing.T) {
	h := newPMHarness(t)
	_, err := h.eng.AddCapability(context.Background(), "pm", CapabilitySpec{Triggers: []string{"plan"}})
	require.NoError(t, err)

	res, err := h.eng.Split(context.Background(), "pm", pmSpec())
	require.NoError(t, err)

	pm := res.Record.State.Component
	assert.Equal(t, ir.StatusOrchestrator, pm.Status)
	assert.Equal(t, ir.CapabilityRef("pm"), pm.Capability)
	assert.Contains(t, res.Record.State.Checksums, pm.Capability)
	owner, held, err := h.reg.Owner(context.Background(), "plan")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "pm", owner)
}

// Split never loses or duplicates an artifact.
func TestSplit_PartitionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "artifacts")
		k := rapid.IntRange(2, n).Draw(rt, "buckets")

		refs := make([]string, n)
		for i := range refs {
			refs[i] = fmt.Sprintf("src/%02d.md", i)
		}
		// The first k artifacts seed the buckets so none is empty.
		assign := make([][]string, k)
		for i, ref := range refs {
			b := i
			if i >= k {
				b = rapid.IntRange(0, k-1).Draw(rt, fmt.Sprintf("bucket-%d", i))
			}
			assign[b] = append(assign[b], ref)
		}

		h := newHarness(t)
		h.tested(t, "orig", refs...)
		before := h.head(t, "orig").State.Checksums

		spec := PartitionSpec{}
		for i, a := range assign {
			spec.Buckets = append(spec.Buckets, Bucket{Name: fmt.Sprintf("child-%d", i), Artifacts: a})
		}
		res, err := h.eng.Split(context.Background(), "orig", spec)
		require.NoError(rt, err)

		var union []string
		for _, c := range res.Components {
			union = append(union, c.Artifacts...)
		}
		slices.Sort(union)
		assert.Equal(rt, refs, union)

		for i := range assign {
			head := h.head(t, fmt.Sprintf("child-%d", i))
			for _, ref := range head.State.Component.Artifacts {
				assert.Equal(rt, before[ref], head.State.Checksums[ref])
				data, err := h.ws.Read(ref)
				require.NoError(rt, err)
				assert.Equal(rt, before[ref], ir.Checksum(data))
			}
		}
	})
}
