// Package engine implements the evolution and rollback engine.
//
// The engine manages versioned, reversible state transitions of components:
// creating and validating them, adding and removing a capability, bundling
// a domain, splitting a component into children, retiring it and rolling
// any of those back.
//
// TRANSACTIONS:
//
// Every mutating operation follows the same shape:
//  1. Validate the request (no lock taken, no side effects).
//  2. Acquire the per-component locks in sorted id order.
//  3. Read the current state from the history head and check
//     preconditions against it.
//  4. Stage artifact writes in an in-memory overlay. New and superseded
//     bytes go to the content-addressed archive, which is the only durable
//     write before commit.
//  5. Append every record in one atomic history batch. This is the point
//     of no return.
//  6. Apply the overlay to the live workspace, re-index the registry and
//     release triggers that are no longer owned.
//
// A failure before step 5 discards the overlay and releases any trigger
// reserved during the attempt. A failure after step 5 leaves a committed
// history that Reconcile brings the workspace and registry back in line
// with.
//
// STATE:
//
// The history head of a component is the source of truth for its state.
// Each record carries a snapshot of the component and the checksum of
// every ref it owns, so rollback verification never depends on the
// registry or on replay arithmetic alone.
package engine
