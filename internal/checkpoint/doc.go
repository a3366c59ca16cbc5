// Package checkpoint persists workflow state snapshots and their metadata.
//
// A checkpoint is an immutable snapshot of one thread's workflow state taken
// at a transition point. Checkpoints reference their parent by id, forming a
// forest; branching a thread creates a new root-level chain whose first
// checkpoint points back into the original thread.
//
// Store is the persistence contract (memory and Postgres backends). Service
// adds ID assignment, hashing, parent validation, an LRU read cache keyed by
// checkpoint id, tracing and metrics. Writes always go to the store; the
// cache is filled on write and read, never consulted for writes.
package checkpoint
