package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumPrefix tags artifact checksums and archive handles.
const ChecksumPrefix = "blake3:"

// DomainRecord separates record digests from any other SHA-256 use.
// The version suffix allows a future algorithm migration.
const DomainRecord = "evolve/record/v1"

// Checksum returns the content hash of an artifact.
// Identical bytes always produce the same checksum, so a checksum doubles
// as the archive handle for those bytes.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// ValidChecksum reports whether s has the form blake3:<64 hex>.
func ValidChecksum(s string) bool {
	hexPart, ok := strings.CutPrefix(s, ChecksumPrefix)
	if !ok || len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordDigest computes the chain digest of a record.
// The record's own Digest field is excluded; PrevDigest is included, which
// links every record to its predecessor.
func RecordDigest(rec EvolutionRecord) (string, error) {
	rec.Digest = ""
	canonical, err := MarshalCanonical(rec)
	if err != nil {
		return "", fmt.Errorf("RecordDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// MustRecordDigest is like RecordDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRecordDigest(rec EvolutionRecord) string {
	d, err := RecordDigest(rec)
	if err != nil {
		panic(err)
	}
	return d
}
