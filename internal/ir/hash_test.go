package ir

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumDeterminism(t *testing.T) {
	a := Checksum([]byte("hello"))
	b := Checksum([]byte("hello"))
	c := Checksum([]byte("hello!"))

	assert.Equal(t, a, b, "identical bytes must produce the same checksum")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, ChecksumPrefix))
	assert.Len(t, a, len(ChecksumPrefix)+64)
	assert.True(t, ValidChecksum(a))
}

func TestValidChecksum(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"empty", "", false},
		{"missing prefix", strings.Repeat("a", 64), false},
		{"short", ChecksumPrefix + "abcd", false},
		{"not hex", ChecksumPrefix + strings.Repeat("z", 64), false},
		{"valid", Checksum(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidChecksum(tt.input))
		})
	}
}

func testRecord() EvolutionRecord {
	return EvolutionRecord{
		ID:          "rec-1",
		ComponentID: "deploy",
		Sequence:    0,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Operation:   OpCreate,
		Changes: []ChangeEntry{{
			Action:        ActionCreated,
			ArtifactRef:   "deploy/component.yaml",
			ChecksumAfter: Checksum([]byte("descriptor")),
		}},
		Reversible: true,
		State: State{
			Component: Component{ID: "deploy", Kind: KindCommand, Version: "0.1.0", Status: StatusDraft},
			Checksums: map[string]string{"deploy/component.yaml": Checksum([]byte("descriptor"))},
		},
	}
}

func TestRecordDigestIgnoresOwnDigest(t *testing.T) {
	rec := testRecord()
	d1 := MustRecordDigest(rec)

	rec.Digest = "something"
	d2 := MustRecordDigest(rec)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64, "SHA-256 hex is 64 characters")
}

func TestRecordDigestChangesWithContent(t *testing.T) {
	base := MustRecordDigest(testRecord())

	prev := testRecord()
	prev.PrevDigest = "abc"
	assert.NotEqual(t, base, MustRecordDigest(prev), "prev digest is chained")

	seq := testRecord()
	seq.Sequence = 1
	assert.NotEqual(t, base, MustRecordDigest(seq))

	note := testRecord()
	note.Note = "bundle:ops@1.0.0"
	assert.NotEqual(t, base, MustRecordDigest(note))
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, hashWithDomain("evolve/record/v1", data), hashWithDomain("evolve/other/v1", data))

	// The null separator keeps domain/data boundaries unambiguous.
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestRecordDigestStableAcrossJSONRoundTrip(t *testing.T) {
	rec := testRecord()
	want, err := RecordDigest(rec)
	require.NoError(t, err)

	canonical := MustMarshalCanonical(rec)
	assert.NotContains(t, string(canonical), "\n")

	got, err := RecordDigest(rec.Clone())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
