// Package harness provides conformance testing for the evolution engine.
//
// The harness executes YAML scenarios against a fresh engine and checks
// the trace of outcomes and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	split_mode: orchestrator
//	gate:
//	  failing:
//	    cmd:flaky: ["no tests"]
//	setup:
//	  - op: create
//	    id: cmd:next
//	    artifacts:
//	      cmd/next.md: "# next"
//	  - op: validate
//	    id: cmd:next
//	flow:
//	  - op: add_capability
//	    id: cmd:next
//	    capability:
//	      triggers: ["next task"]
//	  - op: rollback
//	    id: cmd:next
//	    target: 0
//	    expect: ok
//	assertions:
//	  - type: history_length
//	    component: cmd:next
//	    count: 4
//	  - type: trigger_owner
//	    trigger: next task
//
// A step's expect is "ok" (the default) or the error code the step must
// fail with. Besides engine operations, steps can change the gate
// (gate_fail, gate_pass) or tamper with the workspace (workspace_write,
// workspace_remove).
//
// # Assertion Types
//
//   - history_length: A component has exactly count records
//   - component: A component's status, version or dependencies
//   - trigger_owner: A trigger's holder; an empty owner means unowned
//   - trace_order: Ops appear in the trace in the given order
//   - workspace: An artifact's bytes, or its absence
//   - verify: A component's live artifacts match its latest record
//
// # Deterministic Testing
//
// All scenarios execute with testutil.DeterministicClock and
// testutil.SequentialIDGenerator, so identical scenarios produce identical
// histories. Traces hold no timestamps, ids or checksums and are compared
// against golden files with RunWithGolden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/capability_success.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
