package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

func TestStatusGate(t *testing.T) {
	g := NewStatus()
	ctx := context.Background()

	v, err := g.Evaluate(ctx, ir.Component{ID: "a", Status: ir.StatusTested})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = g.Evaluate(ctx, ir.Component{ID: "a", Status: ir.StatusDraft})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "draft")
}

func TestAllCombinesVerdicts(t *testing.T) {
	pass := Func(func(context.Context, ir.Component) (registry.Verdict, error) {
		return registry.Verdict{Passed: true, Score: 0.9}, nil
	})
	fail := Func(func(context.Context, ir.Component) (registry.Verdict, error) {
		return registry.Verdict{Passed: false, Score: 0.2, Reasons: []string{"no tests"}}, nil
	})

	v, err := All{pass, fail, pass}.Evaluate(context.Background(), ir.Component{})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.InDelta(t, 0.2, v.Score, 1e-9)
	assert.Equal(t, []string{"no tests"}, v.Reasons)

	v, err = All{}.Evaluate(context.Background(), ir.Component{})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestAllPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	broken := Func(func(context.Context, ir.Component) (registry.Verdict, error) {
		return registry.Verdict{}, boom
	})
	_, err := All{broken}.Evaluate(context.Background(), ir.Component{})
	assert.ErrorIs(t, err, boom)
}

func TestPolicyGate(t *testing.T) {
	p, err := CompilePolicy("policy.cue", `
artifacts: [_, ...]
kind: !="bundle"
`)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := p.Evaluate(ctx, ir.Component{ID: "a", Kind: ir.KindCommand, Version: "1.0.0", Status: ir.StatusTested, Artifacts: []string{"a/run.sh"}})
	require.NoError(t, err)
	assert.True(t, v.Passed, "reasons: %v", v.Reasons)

	v, err = p.Evaluate(ctx, ir.Component{ID: "b", Kind: ir.KindCommand, Version: "1.0.0", Status: ir.StatusTested, Artifacts: []string{}})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.NotEmpty(t, v.Reasons)
}

func TestCompilePolicyReportsPosition(t *testing.T) {
	_, err := CompilePolicy("bad.cue", "artifacts: [")
	require.Error(t, err)
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad.cue", perr.File)
}
