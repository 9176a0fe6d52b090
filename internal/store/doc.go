// Package store provides the SQLite-backed component registry and trigger
// index used by the evolve CLI.
//
// The store is an index, not a source of truth: every row can be rebuilt
// from the history files, and the engine re-indexes after each commit.
//
// # Tables
//
//   - components: current metadata, list-valued columns as canonical JSON
//   - component_dependencies: declared edges, indexed in reverse for
//     FindDependents
//   - triggers: globally unique trigger identifiers and their owner
//
// # Deterministic Query Results
//
// Every query that returns several rows orders by id COLLATE BINARY so
// results are identical across runs.
//
// # Schema Version
//
// The schema version lives in PRAGMA user_version. Open stamps a fresh
// file and refuses one stamped by a newer binary with ErrSchemaTooNew;
// since the registry is derived data, such a file can be deleted and
// rebuilt with reconcile.
package store
