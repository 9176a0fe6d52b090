package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolve/internal/ir"
)

func TestCreate_RecordZero(t *testing.T) {
	h := newHarness(t)
	res := h.createIn(t, CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Domain: "pm"}, "cmd/next.md", "cmd/next.sh")

	rec := res.Record
	assert.Equal(t, int64(0), rec.Sequence)
	assert.Equal(t, ir.OpCreate, rec.Operation)
	assert.False(t, rec.Reversible)
	assert.Nil(t, rec.RollbackOf)

	c := rec.State.Component
	assert.Equal(t, ir.StatusDraft, c.Status)
	assert.Equal(t, ir.InitialVersion, c.Version)
	assert.Equal(t, "cmd:next/component.yaml", c.Descriptor)
	assert.Equal(t, []string{"cmd/next.md", "cmd/next.sh"}, c.Artifacts)

	require.Len(t, rec.Changes, 3)
	for _, ch := range rec.Changes {
		assert.Equal(t, ir.ActionCreated, ch.Action)
		assert.Empty(t, ch.ChecksumBefore)
	}
	assert.Equal(t, ir.Checksum(content("cmd/next.md")), rec.State.Checksums["cmd/next.md"])

	doc, err := ir.RenderDescriptor(c)
	require.NoError(t, err)
	live, err := h.ws.Read(c.Descriptor)
	require.NoError(t, err)
	assert.Equal(t, doc, live)

	h.assertConsistent(t, "cmd:next")
}

func TestCreate_AdoptsWorkspaceBytes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ws.Write("cmd/next.md", []byte("already here\n")))

	res, err := h.eng.Create(context.Background(), CreateRequest{
		ID:        "cmd:next",
		Kind:      ir.KindCommand,
		Artifacts: []ArtifactInput{{Ref: "cmd/next.md"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ir.Checksum([]byte("already here\n")), res.Record.State.Checksums["cmd/next.md"])
	assert.True(t, h.arch.Has(ir.Checksum([]byte("already here\n"))))
}

func TestCreate_MissingWorkspaceBytes(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Create(context.Background(), CreateRequest{
		ID:        "cmd:next",
		Kind:      ir.KindCommand,
		Artifacts: []ArtifactInput{{Ref: "cmd/next.md"}},
	})
	requireCode(t, err, CodePrecondition)
	assert.Empty(t, h.ws.Refs())
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty id", CreateRequest{Kind: ir.KindCommand}},
		{"id with space", CreateRequest{ID: "cmd next", Kind: ir.KindCommand}},
		{"dot id", CreateRequest{ID: ".", Kind: ir.KindCommand}},
		{"dot dot id", CreateRequest{ID: "..", Kind: ir.KindCommand}},
		{"unknown kind", CreateRequest{ID: "cmd:next", Kind: "widget"}},
		{"bundle kind", CreateRequest{ID: "cmd:next", Kind: ir.KindBundle}},
		{"bundle prefix", CreateRequest{ID: "bundle:pm", Kind: ir.KindCommand}},
		{"bad version", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Version: "1.2"}},
		{"self dependency", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Dependencies: []string{"cmd:next"}}},
		{"escaping ref", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Artifacts: []ArtifactInput{{Ref: "../etc/passwd", Content: []byte("x")}}}},
		{"absolute ref", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Artifacts: []ArtifactInput{{Ref: "/tmp/x", Content: []byte("x")}}}},
		{"reserved name", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Artifacts: []ArtifactInput{{Ref: "cmd/component.yaml", Content: []byte("x")}}}},
		{"repeated ref", CreateRequest{ID: "cmd:next", Kind: ir.KindCommand, Artifacts: []ArtifactInput{
			{Ref: "a.md", Content: []byte("x")},
			{Ref: "a.md", Content: []byte("y")},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.eng.Create(context.Background(), tt.req)
			requireCode(t, err, CodeValidation)
			assert.True(t, IsValidationError(err))

			ids, err := h.hist.Components()
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestCreate_RejectsExistingID(t *testing.T) {
	h := newHarness(t)
	h.create(t, "cmd:next", "cmd/next.md")

	_, err := h.eng.Create(context.Background(), CreateRequest{ID: "cmd:next", Kind: ir.KindCommand})
	requireCode(t, err, CodeConflict)
	assert.Len(t, h.records(t, "cmd:next"), 1)
}

func TestCreate_RejectsOwnedArtifact(t *testing.T) {
	h := newHarness(t)
	h.create(t, "cmd:next", "shared.md")

	_, err := h.eng.Create(context.Background(), CreateRequest{
		ID:        "cmd:other",
		Kind:      ir.KindCommand,
		Artifacts: []ArtifactInput{{Ref: "shared.md", Content: []byte("mine now")}},
	})
	e := requireCode(t, err, CodeConflict)
	assert.Equal(t, "cmd:next", e.Owner)

	data, err := h.ws.Read("shared.md")
	require.NoError(t, err)
	assert.Equal(t, content("shared.md"), data)
}

func TestCreate_Dependencies(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Create(context.Background(), CreateRequest{ID: "app", Kind: ir.KindCommand, Dependencies: []string{"lib"}})
	requireCode(t, err, CodeNotFound)

	h.tested(t, "lib", "lib.md")
	_, err = h.eng.Retire(context.Background(), "lib", ir.StatusArchived, false)
	require.NoError(t, err)
	_, err = h.eng.Create(context.Background(), CreateRequest{ID: "app", Kind: ir.KindCommand, Dependencies: []string{"lib"}})
	requireCode(t, err, CodePrecondition)

	h.tested(t, "lib2", "lib2.md")
	res := h.createIn(t, CreateRequest{ID: "app", Kind: ir.KindCommand, Dependencies: []string{"lib2", "lib2"}}, "app.md")
	assert.Equal(t, []string{"lib2"}, res.Record.State.Component.Dependencies)

	dependents, err := h.eng.Resolver().DirectDependents(context.Background(), "lib2")
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, dependents)
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	h.create(t, "cmd:next", "cmd/next.md")

	res, err := h.eng.Validate(context.Background(), "cmd:next")
	require.NoError(t, err)
	assert.Equal(t, ir.OpValidate, res.Record.Operation)
	assert.Equal(t, int64(1), res.Record.Sequence)
	assert.True(t, res.Record.Reversible)
	assert.Equal(t, ir.StatusTested, res.Record.State.Component.Status)
	// Status is not part of the descriptor.
	assert.Empty(t, res.Record.Changes)

	_, err = h.eng.Validate(context.Background(), "cmd:next")
	requireCode(t, err, CodePrecondition)
}

func TestValidate_GateFailure(t *testing.T) {
	h := newHarness(t)
	h.create(t, "cmd:next", "cmd/next.md")
	h.gate.fail("cmd:next", "no tests")

	_, err := h.eng.Validate(context.Background(), "cmd:next")
	e := requireCode(t, err, CodeQualityGateFailed)
	require.Len(t, e.Failures, 1)
	assert.Equal(t, []string{"no tests"}, e.Failures[0].Reasons)
	assert.Len(t, h.records(t, "cmd:next"), 1)

	_, err = h.eng.Validate(context.Background(), "cmd:missing")
	requireCode(t, err, CodeNotFound)
}

func TestRetire(t *testing.T) {
	h := newHarness(t)
	h.tested(t, "lib", "lib.md")
	h.createIn(t, CreateRequest{ID: "app", Kind: ir.KindCommand, Dependencies: []string{"lib"}}, "app.md")
	_, err := h.eng.AddCapability(context.Background(), "lib", CapabilitySpec{Triggers: []string{"lib"}})
	require.NoError(t, err)

	_, err = h.eng.Retire(context.Background(), "lib", ir.StatusArchived, false)
	e := requireCode(t, err, CodeUnsafeRetire)
	assert.True(t, IsSafetyError(err))
	assert.Equal(t, []string{"app"}, e.Dependents)

	res, err := h.eng.Retire(context.Background(), "lib", ir.StatusArchived, true)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusArchived, res.Record.State.Component.Status)
	assert.True(t, strings.HasPrefix(res.Record.Note, "forced over dependents app"))

	_, held, err := h.reg.Owner(context.Background(), "lib")
	require.NoError(t, err)
	assert.False(t, held, "archived components hold no triggers")

	_, err = h.eng.Retire(context.Background(), "lib", ir.StatusDeprecated, false)
	requireCode(t, err, CodePrecondition)

	_, err = h.eng.Retire(context.Background(), "app", ir.StatusTested, false)
	requireCode(t, err, CodeValidation)
}

func TestGet_UnknownComponent(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Get(context.Background(), "nope")
	assert.True(t, IsNotFoundError(err))
}
