package engine

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolve/internal/ir"
)

func newDomainHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	for _, id := range []string{"pm-core", "pm-tracking"} {
		h.createIn(t, CreateRequest{ID: id, Kind: ir.KindCommand, Domain: "pm"}, id+".md")
		_, err := h.eng.Validate(context.Background(), id)
		require.NoError(t, err)
	}
	h.tested(t, "other", "other.md")
	return h
}

func TestBundle_Success(t *testing.T) {
	h := newDomainHarness(t)

	res, err := h.eng.Bundle(context.Background(), "pm", "1.0.0")
	require.NoError(t, err)

	require.NotNil(t, res.Manifest)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "bundle_manifest", ir.MustMarshalCanonical(res.Manifest))

	// Create and Bundle for the bundle component, one Bundle per member.
	require.Len(t, res.Records, 4)
	assert.Equal(t, "bundle:pm", res.Record.ComponentID)
	assert.Equal(t, ir.OpBundle, res.Record.Operation)
	assert.Equal(t, int64(1), res.Record.Sequence)

	bundle := res.Record.State.Component
	assert.Equal(t, ir.KindBundle, bundle.Kind)
	assert.Equal(t, ir.StatusTested, bundle.Status)
	assert.Equal(t, "1.0.0", bundle.Version)
	assert.Equal(t, []string{ir.ManifestRef("bundle:pm")}, bundle.Artifacts)
	assert.Empty(t, bundle.Dependencies)

	doc, err := h.ws.Read(ir.ManifestRef("bundle:pm"))
	require.NoError(t, err)
	want, err := ir.RenderManifest(*res.Manifest)
	require.NoError(t, err)
	assert.Equal(t, want, doc)

	for _, id := range []string{"pm-core", "pm-tracking"} {
		head := h.head(t, id)
		assert.Equal(t, ir.OpBundle, head.Operation)
		assert.Equal(t, "bundle:pm@1.0.0", head.Note)
		assert.Empty(t, head.Changes)
	}
	assert.Len(t, h.records(t, "other"), 2)
	h.assertConsistent(t, "bundle:pm")
}

func TestBundle_AllOrNothing(t *testing.T) {
	h := newDomainHarness(t)
	h.gate.fail("pm-tracking", "flaky")
	before := h.snapshot(t)
	indexed, err := h.reg.List(context.Background())
	require.NoError(t, err)

	_, err = h.eng.Bundle(context.Background(), "pm", "1.0.0")
	e := requireCode(t, err, CodeQualityGateFailed)
	require.Len(t, e.Failures, 1)
	assert.Equal(t, "pm-tracking", e.Failures[0].ComponentID)

	exists, err := h.hist.Exists("bundle:pm")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Len(t, h.records(t, "pm-core"), 2)
	assert.Len(t, h.records(t, "pm-tracking"), 2)
	assert.Equal(t, before, h.snapshot(t))

	after, err := h.reg.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, indexed, after)
}

func TestBundle_ListsEveryFailure(t *testing.T) {
	h := newDomainHarness(t)
	h.gate.fail("pm-core", "a")
	h.gate.fail("pm-tracking", "b")

	_, err := h.eng.Bundle(context.Background(), "pm", "1.0.0")
	e := requireCode(t, err, CodeQualityGateFailed)
	require.Len(t, e.Failures, 2)
	assert.Equal(t, "pm-core", e.Failures[0].ComponentID)
	assert.Equal(t, "pm-tracking", e.Failures[1].ComponentID)
}

func TestBundle_NewVersion(t *testing.T) {
	h := newDomainHarness(t)
	ctx := context.Background()
	_, err := h.eng.Bundle(ctx, "pm", "1.0.0")
	require.NoError(t, err)

	_, err = h.eng.Bundle(ctx, "pm", "1.0.0")
	requireCode(t, err, CodePrecondition)

	h.createIn(t, CreateRequest{ID: "pm-report", Kind: ir.KindCommand, Domain: "pm"}, "pm-report.md")
	_, err = h.eng.Validate(ctx, "pm-report")
	require.NoError(t, err)

	res, err := h.eng.Bundle(ctx, "pm", "1.1.0")
	require.NoError(t, err)
	require.Len(t, res.Records, 4)
	assert.Equal(t, int64(2), res.Record.Sequence)
	assert.Len(t, res.Manifest.Components, 3)
	assert.Equal(t, ir.ActionModified, res.Record.Changes[0].Action)
}

func TestBundle_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Bundle(ctx, "empty", "1.0.0")
	requireCode(t, err, CodePrecondition)

	_, err = h.eng.Bundle(ctx, "pm", "one")
	requireCode(t, err, CodeValidation)

	_, err = h.eng.Bundle(ctx, "", "1.0.0")
	requireCode(t, err, CodeValidation)
}

func TestBundle_SkipsRetiredMembers(t *testing.T) {
	h := newDomainHarness(t)
	_, err := h.eng.Retire(context.Background(), "pm-tracking", ir.StatusDeprecated, false)
	require.NoError(t, err)

	res, err := h.eng.Bundle(context.Background(), "pm", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []ir.ManifestEntry{{ID: "pm-core", Version: "0.1.0"}}, res.Manifest.Components)
}

func TestBundle_GateConcurrency(t *testing.T) {
	h := newHarness(t, WithGateConcurrency(1))
	for _, id := range []string{"a", "b", "c"} {
		h.createIn(t, CreateRequest{ID: id, Kind: ir.KindCommand, Domain: "d"}, id+".md")
	}
	h.gate.calls = 0

	_, err := h.eng.Bundle(context.Background(), "d", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 3, h.gate.calls)
}
