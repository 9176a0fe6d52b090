package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/evolve/internal/archive"
	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/history"
	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
	"github.com/roach88/evolve/internal/store"
	"github.com/roach88/evolve/internal/testutil"
	"github.com/roach88/evolve/internal/workspace"
)

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and record ids.
type Harness struct {
	engine  *engine.Engine
	store   *store.Store
	history *history.Store
	ws      *workspace.Memory
	gate    *scenarioGate
	clock   *testutil.DeterministicClock
	logger  *slog.Logger
}

// scenarioGate passes every component not listed as failing.
type scenarioGate struct {
	mu      sync.Mutex
	failing map[string][]string
}

func (g *scenarioGate) Evaluate(_ context.Context, c ir.Component) (registry.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reasons, ok := g.failing[c.ID]; ok {
		return registry.Verdict{Passed: false, Reasons: reasons}, nil
	}
	return registry.Verdict{Passed: true, Score: 1}, nil
}

func (g *scenarioGate) set(id string, reasons []string, fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fail {
		g.failing[id] = reasons
		return
	}
	delete(g.failing, id)
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh state directory for isolation.
//
// Execution flow:
// 1. Open history, archive and registry under a temporary directory
// 2. Execute setup steps, failing on any error
// 3. Execute flow steps, tracing each outcome against its expectation
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "evolve-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := open(dir, scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		if _, err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Op, err)
		}
	}

	for i, step := range scenario.Flow {
		res, err := h.execute(ctx, step)
		outcome := OutcomeOK
		if err != nil {
			e, ok := engine.AsError(err)
			if !ok {
				return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Op, err)
			}
			outcome = string(e.Code)
		}
		result.AddTrace(i+1, step, outcome, res)

		if want := step.outcome(); outcome != want {
			msg := fmt.Sprintf("flow step %d (%s %s): expected %s, got %s", i+1, step.Op, step.ID, want, outcome)
			if err != nil {
				msg += ": " + err.Error()
			}
			result.AddError(msg)
		}
		h.logger.Info("flow step completed",
			"step", i+1,
			"op", step.Op,
			"component", step.ID,
			"outcome", outcome,
		)
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Engine:    h.engine,
		History:   h.history,
		Triggers:  h.store,
		Workspace: h.ws,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func open(dir string, scenario *Scenario) (*Harness, error) {
	hist, err := history.Open(filepath.Join(dir, "history"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	arch, err := archive.Open(filepath.Join(dir, "archive"), archive.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	st, err := store.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	h := &Harness{
		store:   st,
		history: hist,
		ws:      workspace.NewMemory(),
		gate:    &scenarioGate{failing: maps.Clone(scenario.Gate.Failing)},
		clock:   testutil.NewDeterministicClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	if h.gate.failing == nil {
		h.gate.failing = make(map[string][]string)
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDs(testutil.NewSequentialIDGenerator("rec")),
		engine.WithLogger(h.logger),
	}
	if scenario.SplitMode != "" {
		opts = append(opts, engine.WithSplitMode(engine.SplitMode(scenario.SplitMode)))
	}
	eng, err := engine.New(engine.Deps{
		Registry:  st,
		Triggers:  st,
		Gate:      h.gate,
		History:   hist,
		Archive:   arch,
		Workspace: h.ws,
	}, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	h.engine = eng
	return h, nil
}

// execute runs one step. Steps that do not go through the engine return a
// nil result.
func (h *Harness) execute(ctx context.Context, s Step) (*engine.Result, error) {
	switch s.Op {
	case OpCreate:
		return h.engine.Create(ctx, s.createRequest())
	case OpValidate:
		return h.engine.Validate(ctx, s.ID)
	case OpAddCapability:
		return h.engine.AddCapability(ctx, s.ID, *s.Capability)
	case OpRemoveCapability:
		return h.engine.RemoveCapability(ctx, s.ID)
	case OpBundle:
		return h.engine.Bundle(ctx, s.Domain, s.Version)
	case OpSplit:
		return h.engine.Split(ctx, s.ID, *s.Partition)
	case OpRollback:
		return h.engine.Rollback(ctx, s.ID, s.Target, s.Cascade)
	case OpRetire:
		status := ir.Status(s.Status)
		if status == "" {
			status = ir.StatusArchived
		}
		return h.engine.Retire(ctx, s.ID, status, s.Force)
	case OpReconcile:
		if s.ID == "" {
			return h.engine.ReconcileAll(ctx)
		}
		return h.engine.Reconcile(ctx, s.ID)
	case OpGC:
		_, err := h.engine.CollectGarbage(ctx)
		return nil, err
	case OpGateFail:
		h.gate.set(s.ID, s.Reasons, true)
		return nil, nil
	case OpGatePass:
		h.gate.set(s.ID, nil, false)
		return nil, nil
	case OpWorkspaceWrite:
		return nil, h.ws.Write(s.Ref, []byte(s.Content))
	case OpWorkspaceRemove:
		return nil, h.ws.Remove(s.Ref)
	default:
		return nil, fmt.Errorf("unknown op %q", s.Op)
	}
}
