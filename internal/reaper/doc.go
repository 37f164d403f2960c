// Package reaper removes soft-deleted registries in bounded steps.
//
// Soft deletion only marks a registry Deleted and appends it to the
// pending worklist. At the end of every round the reaper takes the oldest
// pending registry and removes a bounded slice of its storage: all chunks
// on the first step, then at most BatchSize access grants per step. The
// continuation cursor is persisted between rounds, so an interrupted
// registry resumes where it stopped.
package reaper
