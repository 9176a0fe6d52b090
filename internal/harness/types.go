package harness

import (
	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// TraceEvent is the observable outcome of one flow step.
type TraceEvent struct {
	Step      int             `json:"step"`
	Op        string          `json:"op"`
	Component string          `json:"component,omitempty"`
	Outcome   string          `json:"outcome"` // "ok" or an error code
	Records   []RecordSummary `json:"records,omitempty"`
	Repaired  []string        `json:"repaired,omitempty"`
}

// RecordSummary is the deterministic part of an evolution record. Ids,
// timestamps and checksums are left out so traces compare across runs.
type RecordSummary struct {
	Component  string `json:"component"`
	Sequence   int64  `json:"sequence"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	Version    string `json:"version"`
	RollbackOf *int64 `json:"rollback_of,omitempty"`
}

func summarize(rec ir.EvolutionRecord) RecordSummary {
	c := rec.State.Component
	return RecordSummary{
		Component:  c.ID,
		Sequence:   rec.Sequence,
		Operation:  string(rec.Operation),
		Status:     string(c.Status),
		Version:    c.Version,
		RollbackOf: rec.RollbackOf,
	}
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step matched its expected outcome and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace records the outcome of a flow step. Records keep commit order.
func (r *Result) AddTrace(step int, s Step, outcome string, res *engine.Result) {
	ev := TraceEvent{
		Step:      step,
		Op:        s.Op,
		Component: s.ID,
		Outcome:   outcome,
	}
	if res != nil {
		for _, rec := range res.Records {
			ev.Records = append(ev.Records, summarize(rec))
		}
		ev.Repaired = res.Repaired
	}
	r.Trace = append(r.Trace, ev)
}
