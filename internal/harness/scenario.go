package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// Scenario defines a conformance test scenario.
// Scenarios drive the engine through a flow of operations and assert on
// the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// SplitMode is the engine's default split mode. Empty selects
	// orchestrator.
	SplitMode string `yaml:"split_mode,omitempty"`

	// Gate lists components the quality gate fails from the start.
	Gate GateSpec `yaml:"gate,omitempty"`

	// Setup establishes initial state. Every setup step must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the operation sequence under test. Each step records a
	// trace event and is checked against its expected outcome.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// GateSpec configures the scenario quality gate.
type GateSpec struct {
	// Failing maps component ids to the reasons the gate reports.
	Failing map[string][]string `yaml:"failing,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// ID is the component the operation targets.
	ID string `yaml:"id,omitempty"`

	// create
	Kind         string            `yaml:"kind,omitempty"`
	Version      string            `yaml:"version,omitempty"`
	Domain       string            `yaml:"domain,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Artifacts    map[string]string `yaml:"artifacts,omitempty"`

	// add_capability
	Capability *engine.CapabilitySpec `yaml:"capability,omitempty"`

	// split
	Partition *engine.PartitionSpec `yaml:"partition,omitempty"`

	// rollback
	Target  int64 `yaml:"target,omitempty"`
	Cascade bool  `yaml:"cascade,omitempty"`

	// retire
	Status string `yaml:"status,omitempty"`
	Force  bool   `yaml:"force,omitempty"`

	// gate_fail
	Reasons []string `yaml:"reasons,omitempty"`

	// workspace_write
	Ref     string `yaml:"ref,omitempty"`
	Content string `yaml:"content,omitempty"`

	// Expect is "ok" (the default) or the error code the step must fail
	// with, e.g. UNSAFE_ROLLBACK.
	Expect string `yaml:"expect,omitempty"`
}

// Operation names accepted in Step.Op.
const (
	OpCreate           = "create"
	OpValidate         = "validate"
	OpAddCapability    = "add_capability"
	OpRemoveCapability = "remove_capability"
	OpBundle           = "bundle"
	OpSplit            = "split"
	OpRollback         = "rollback"
	OpRetire           = "retire"
	OpReconcile        = "reconcile"
	OpGC               = "gc"
	OpGateFail         = "gate_fail"
	OpGatePass         = "gate_pass"
	OpWorkspaceWrite   = "workspace_write"
	OpWorkspaceRemove  = "workspace_remove"
)

// needsID lists operations that target a single component.
var needsID = map[string]bool{
	OpCreate:           true,
	OpValidate:         true,
	OpAddCapability:    true,
	OpRemoveCapability: true,
	OpSplit:            true,
	OpRollback:         true,
	OpRetire:           true,
	OpGateFail:         true,
	OpGatePass:         true,
}

var knownOps = []string{
	OpCreate, OpValidate, OpAddCapability, OpRemoveCapability, OpBundle,
	OpSplit, OpRollback, OpRetire, OpReconcile, OpGC, OpGateFail,
	OpGatePass, OpWorkspaceWrite, OpWorkspaceRemove,
}

// OutcomeOK is the outcome of a step that succeeded.
const OutcomeOK = "ok"

// outcome returns the expected outcome of the step.
func (s Step) outcome() string {
	if s.Expect == "" {
		return OutcomeOK
	}
	return s.Expect
}

// createRequest builds the engine request of a create step. Artifacts are
// sorted by ref.
func (s Step) createRequest() engine.CreateRequest {
	kind := ir.Kind(s.Kind)
	if kind == "" {
		kind = ir.KindCommand
	}
	req := engine.CreateRequest{
		ID:           s.ID,
		Kind:         kind,
		Version:      s.Version,
		Domain:       s.Domain,
		Dependencies: s.Dependencies,
	}
	refs := make([]string, 0, len(s.Artifacts))
	for ref := range s.Artifacts {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		req.Artifacts = append(req.Artifacts, engine.ArtifactInput{Ref: ref, Content: []byte(s.Artifacts[ref])})
	}
	return req
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "history_length": Component has exactly Count records
	// - "component": Component state matches Status, Version, Dependencies
	// - "trigger_owner": Trigger is held by Owner (empty: unowned)
	// - "trace_order": Ops appear in the trace in order
	// - "workspace": Ref holds Content, or is absent when Absent is set
	// - "verify": Component's live artifacts match its latest record
	Type string `yaml:"type"`

	// Component is the component id (history_length, component, verify).
	Component string `yaml:"component,omitempty"`

	// Count is the expected record count (history_length).
	Count int `yaml:"count,omitempty"`

	// Status, Version and Dependencies are the expected state (component).
	// Unset fields are not checked.
	Status       string   `yaml:"status,omitempty"`
	Version      string   `yaml:"version,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`

	// Trigger and Owner (trigger_owner).
	Trigger string `yaml:"trigger,omitempty"`
	Owner   string `yaml:"owner,omitempty"`

	// Ops is the expected op order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Ref, Content and Absent (workspace).
	Ref     string `yaml:"ref,omitempty"`
	Content string `yaml:"content,omitempty"`
	Absent  bool   `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertHistoryLength = "history_length"
	AssertComponent     = "component"
	AssertTriggerOwner  = "trigger_owner"
	AssertTraceOrder    = "trace_order"
	AssertWorkspace     = "workspace"
	AssertVerify        = "verify"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadSuite loads every *.yaml scenario in dir, ordered by file name.
// Scenario names must be unique within a suite.
func LoadSuite(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	suite := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(path), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(path)
		suite = append(suite, s)
	}
	return suite, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if s.SplitMode != "" {
		if _, err := engine.ParseSplitMode(s.SplitMode); err != nil {
			return err
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != "" && step.Expect != OutcomeOK {
			return fmt.Errorf("setup[%d]: setup steps must succeed", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateStep(s Step) error {
	if !slices.Contains(knownOps, s.Op) {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if needsID[s.Op] && s.ID == "" {
		return fmt.Errorf("%s: id is required", s.Op)
	}
	switch s.Op {
	case OpAddCapability:
		if s.Capability == nil {
			return fmt.Errorf("add_capability: capability is required")
		}
	case OpSplit:
		if s.Partition == nil {
			return fmt.Errorf("split: partition is required")
		}
	case OpBundle:
		if s.Domain == "" || s.Version == "" {
			return fmt.Errorf("bundle: domain and version are required")
		}
	case OpWorkspaceWrite, OpWorkspaceRemove:
		if s.Ref == "" {
			return fmt.Errorf("%s: ref is required", s.Op)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertHistoryLength, AssertComponent, AssertVerify:
		if a.Component == "" {
			return fmt.Errorf("%s: component is required", a.Type)
		}
	case AssertTriggerOwner:
		if a.Trigger == "" {
			return fmt.Errorf("trigger_owner: trigger is required")
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("trace_order: ops is required")
		}
	case AssertWorkspace:
		if a.Ref == "" {
			return fmt.Errorf("workspace: ref is required")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
