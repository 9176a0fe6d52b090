package ir

import (
	"slices"
	"time"
)

// Operation names the transition an EvolutionRecord captures.
type Operation string

const (
	OpCreate           Operation = "create"
	OpAddCapability    Operation = "add_capability"
	OpRemoveCapability Operation = "remove_capability"
	OpBundle           Operation = "bundle"
	OpSplit            Operation = "split"
	OpRollback         Operation = "rollback"
	OpValidate         Operation = "validate"
	OpRetire           Operation = "retire"
	OpRepoint          Operation = "repoint"
)

// Action is the artifact-level mutation of a ChangeEntry.
type Action string

const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
)

// ChangeEntry is one artifact-level mutation within a record.
//
// ChecksumBefore is empty on Created, ChecksumAfter is empty on Deleted.
// ArchiveHandle is always set on Deleted and points into the archive.
type ChangeEntry struct {
	Action         Action `json:"action"`
	ArtifactRef    string `json:"artifact_ref"`
	ChecksumBefore string `json:"checksum_before,omitempty"`
	ChecksumAfter  string `json:"checksum_after,omitempty"`
	ArchiveHandle  string `json:"archive_handle,omitempty"`
}

// State is the component snapshot after a record was applied.
// Checksums covers every owned ref (descriptor and artifacts).
type State struct {
	Component Component         `json:"component"`
	Checksums map[string]string `json:"checksums"`
}

// EvolutionRecord is one committed, immutable entry in a component's history.
type EvolutionRecord struct {
	ID          string        `json:"id"`
	ComponentID string        `json:"component_id"`
	Sequence    int64         `json:"sequence"`
	Timestamp   time.Time     `json:"timestamp"`
	Operation   Operation     `json:"operation"`
	Changes     []ChangeEntry `json:"changes"`
	Reversible  bool          `json:"reversible"`
	RollbackOf  *int64        `json:"rollback_of,omitempty"`
	Note        string        `json:"note,omitempty"`
	State       State         `json:"state"`
	PrevDigest  string        `json:"prev_digest,omitempty"`
	Digest      string        `json:"digest,omitempty"`
}

// Clone returns a deep copy of the record.
func (r EvolutionRecord) Clone() EvolutionRecord {
	out := r
	out.Changes = slices.Clone(r.Changes)
	if r.RollbackOf != nil {
		v := *r.RollbackOf
		out.RollbackOf = &v
	}
	out.State.Component = r.State.Component.Clone()
	out.State.Checksums = make(map[string]string, len(r.State.Checksums))
	for k, v := range r.State.Checksums {
		out.State.Checksums[k] = v
	}
	return out
}

// ManifestEntry references a bundle member by id and version, never by copy.
type ManifestEntry struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
}

// BundleManifest is the aggregate produced by a bundle operation.
type BundleManifest struct {
	Domain     string          `json:"domain" yaml:"domain"`
	Version    string          `json:"version" yaml:"version"`
	Components []ManifestEntry `json:"components" yaml:"components"`
}
