package gate

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

// Policy is a quality gate expressed as a CUE constraint over the
// component's JSON form, e.g.
//
//	artifacts: [_, ...]
//	version:   =~"^[1-9]"
//
// A component passes when it unifies with the policy without errors;
// every CUE error becomes a reason.
type Policy struct {
	// cue.Context is not safe for concurrent use.
	mu     sync.Mutex
	ctx    *cue.Context
	policy cue.Value
}

// CompilePolicy compiles CUE source. filename is used in error positions.
func CompilePolicy(filename, src string) (*Policy, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile policy: %w", formatCUEError(err))
	}
	return &Policy{ctx: ctx, policy: v}, nil
}

func (p *Policy) Evaluate(_ context.Context, c ir.Component) (registry.Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := p.ctx.Encode(c)
	if err := doc.Err(); err != nil {
		return registry.Verdict{}, fmt.Errorf("encode component %s: %w", c.ID, err)
	}
	err := p.policy.Unify(doc).Validate(cue.Concrete(true))
	if err == nil {
		return registry.Verdict{Passed: true, Score: 1}, nil
	}

	var reasons []string
	for _, e := range errors.Errors(err) {
		reasons = append(reasons, e.Error())
	}
	return registry.Verdict{Passed: false, Score: 0, Reasons: reasons}, nil
}

// PolicyError reports a CUE compile failure with its position.
type PolicyError struct {
	Message string
	File    string
	Line    int
	Column  int
}

func (e *PolicyError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return e.Message
}

// formatCUEError extracts the first error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 && positions[0].IsValid() {
		pos := positions[0]
		return &PolicyError{
			Message: first.Error(),
			File:    pos.Filename(),
			Line:    pos.Line(),
			Column:  pos.Column(),
		}
	}
	return &PolicyError{Message: first.Error()}
}
