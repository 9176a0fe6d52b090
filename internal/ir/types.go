package ir

import (
	"slices"
)

// Kind classifies what a component is.
type Kind string

const (
	KindCommand             Kind = "command"
	KindAutoDiscoveryModule Kind = "auto_discovery_module"
	KindExternalConnector   Kind = "external_connector"
	KindEventHook           Kind = "event_hook"
	KindBundle              Kind = "bundle"
)

// ValidKinds defines allowed component kinds.
var ValidKinds = map[Kind]bool{
	KindCommand:             true,
	KindAutoDiscoveryModule: true,
	KindExternalConnector:   true,
	KindEventHook:           true,
	KindBundle:              true,
}

// Status is the lifecycle state of a component.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusTested       Status = "tested"
	StatusEnhanced     Status = "enhanced"
	StatusOrchestrator Status = "orchestrator"
	StatusArchived     Status = "archived"
	StatusDeprecated   Status = "deprecated"
)

// ValidStatuses defines allowed statuses.
var ValidStatuses = map[Status]bool{
	StatusDraft:        true,
	StatusTested:       true,
	StatusEnhanced:     true,
	StatusOrchestrator: true,
	StatusArchived:     true,
	StatusDeprecated:   true,
}

// Usable reports whether dependents may rely on a component in this status.
func (s Status) Usable() bool {
	return s == StatusTested || s == StatusEnhanced || s == StatusOrchestrator
}

// Retired reports whether the status is terminal (Archived or Deprecated).
func (s Status) Retired() bool {
	return s == StatusArchived || s == StatusDeprecated
}

// Component is a versioned, independently identifiable unit of functionality.
//
// Dependents are never stored on the component; they are always computed
// from the full registry. Artifacts is an ordered set: order is preserved,
// duplicates are not allowed. The descriptor and the capability are owned
// refs but not payload artifacts, so a split never partitions them.
type Component struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Version      string   `json:"version"`
	Status       Status   `json:"status"`
	Domain       string   `json:"domain,omitempty"`
	Descriptor   string   `json:"descriptor"`
	Artifacts    []string `json:"artifacts"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capability   string   `json:"capability,omitempty"`
	Triggers     []string `json:"triggers,omitempty"`
	Children     []string `json:"children,omitempty"`
}

// Clone returns a deep copy so callers can mutate slices freely.
func (c Component) Clone() Component {
	out := c
	out.Artifacts = slices.Clone(c.Artifacts)
	out.Dependencies = slices.Clone(c.Dependencies)
	out.Triggers = slices.Clone(c.Triggers)
	out.Children = slices.Clone(c.Children)
	return out
}

// OwnedRefs returns the descriptor, the capability (if linked) and the
// payload artifacts, in that order.
func (c Component) OwnedRefs() []string {
	refs := make([]string, 0, len(c.Artifacts)+2)
	if c.Descriptor != "" {
		refs = append(refs, c.Descriptor)
	}
	if c.Capability != "" {
		refs = append(refs, c.Capability)
	}
	return append(refs, c.Artifacts...)
}

// HasArtifact reports whether ref is one of the component's payload artifacts.
func (c Component) HasArtifact(ref string) bool {
	return slices.Contains(c.Artifacts, ref)
}

// DependsOn reports whether id is a declared dependency.
func (c Component) DependsOn(id string) bool {
	return slices.Contains(c.Dependencies, id)
}

// SortedSet returns a sorted copy of ids with duplicates and empty strings removed.
func SortedSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
