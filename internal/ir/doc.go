// Package ir provides the domain types shared by every evolve package.
//
// This package contains type definitions, canonical serialization and
// hashing only. All other internal packages import ir; ir imports nothing
// internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Record digests are computed over canonical JSON (RFC 8785)
//   - Artifact checksums and archive handles share one function, so a
//     checksum is always a valid archive handle
package ir
