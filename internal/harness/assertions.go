package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/history"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/workspace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", event.Step, event.Op, event.Component, event.Outcome)
	}

	return buf.String()
}

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx       context.Context
	Engine    *engine.Engine
	History   *history.Store
	Triggers  registry.TriggerIndex
	Workspace workspace.Workspace
}

// assertTraceOrder checks that the ops appear in the trace in order.
// Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Ops) && event.Op == assertion.Ops[next] {
			next++
		}
	}
	if next == len(assertion.Ops) {
		return nil
	}

	actual := make([]string, len(trace))
	for i, event := range trace {
		actual[i] = event.Op
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(assertion.Ops, " -> "),
		Actual:   strings.Join(actual, " -> "),
		Trace:    trace,
	}
}

func assertHistoryLength(trace []TraceEvent, h *history.Store, assertion Assertion) error {
	recs, err := h.Load(assertion.Component)
	if err != nil {
		return fmt.Errorf("history_length: %w", err)
	}
	if len(recs) == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistoryLength,
		Expected: fmt.Sprintf("%s has %d records", assertion.Component, assertion.Count),
		Actual:   fmt.Sprintf("%d records", len(recs)),
		Trace:    trace,
	}
}

func assertComponent(ctx context.Context, trace []TraceEvent, eng *engine.Engine, assertion Assertion) error {
	c, err := eng.Get(ctx, assertion.Component)
	if err != nil {
		return fmt.Errorf("component: %w", err)
	}

	var diffs []string
	if assertion.Status != "" && string(c.Status) != assertion.Status {
		diffs = append(diffs, fmt.Sprintf("status %s, want %s", c.Status, assertion.Status))
	}
	if assertion.Version != "" && c.Version != assertion.Version {
		diffs = append(diffs, fmt.Sprintf("version %s, want %s", c.Version, assertion.Version))
	}
	if assertion.Dependencies != nil && !slices.Equal(c.Dependencies, assertion.Dependencies) {
		diffs = append(diffs, fmt.Sprintf("dependencies %v, want %v", c.Dependencies, assertion.Dependencies))
	}
	if len(diffs) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertComponent,
		Expected: assertion.Component + " matches",
		Actual:   strings.Join(diffs, "; "),
		Trace:    trace,
	}
}

func assertTriggerOwner(ctx context.Context, trace []TraceEvent, idx registry.TriggerIndex, assertion Assertion) error {
	trigger := registry.NormalizeTrigger(assertion.Trigger)
	owner, held, err := idx.Owner(ctx, trigger)
	if err != nil {
		return fmt.Errorf("trigger_owner: %w", err)
	}
	if held == (assertion.Owner != "") && owner == assertion.Owner {
		return nil
	}

	describe := func(owner string) string {
		if owner == "" {
			return "unowned"
		}
		return "held by " + owner
	}
	return &AssertionError{
		Type:     AssertTriggerOwner,
		Expected: fmt.Sprintf("%q %s", trigger, describe(assertion.Owner)),
		Actual:   describe(owner),
		Trace:    trace,
	}
}

func assertWorkspace(trace []TraceEvent, ws workspace.Workspace, assertion Assertion) error {
	data, err := ws.Read(assertion.Ref)
	absent := errors.Is(err, workspace.ErrArtifactNotFound)
	if err != nil && !absent {
		return fmt.Errorf("workspace: %w", err)
	}

	var expected, actual string
	switch {
	case assertion.Absent && !absent:
		expected, actual = assertion.Ref+" absent", fmt.Sprintf("%q", data)
	case !assertion.Absent && absent:
		expected, actual = fmt.Sprintf("%s = %q", assertion.Ref, assertion.Content), "absent"
	case !assertion.Absent && string(data) != assertion.Content:
		expected, actual = fmt.Sprintf("%s = %q", assertion.Ref, assertion.Content), fmt.Sprintf("%q", data)
	default:
		return nil
	}
	return &AssertionError{Type: AssertWorkspace, Expected: expected, Actual: actual, Trace: trace}
}

func assertVerify(ctx context.Context, trace []TraceEvent, eng *engine.Engine, assertion Assertion) error {
	if _, err := eng.Verify(ctx, assertion.Component); err != nil {
		return &AssertionError{
			Type:     AssertVerify,
			Expected: assertion.Component + " verifies",
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		if assertion.Type != AssertTraceOrder && actx == nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %s requires state context", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertHistoryLength:
			err = assertHistoryLength(result.Trace, actx.History, assertion)
		case AssertComponent:
			err = assertComponent(actx.Ctx, result.Trace, actx.Engine, assertion)
		case AssertTriggerOwner:
			err = assertTriggerOwner(actx.Ctx, result.Trace, actx.Triggers, assertion)
		case AssertWorkspace:
			err = assertWorkspace(result.Trace, actx.Workspace, assertion)
		case AssertVerify:
			err = assertVerify(actx.Ctx, result.Trace, actx.Engine, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
