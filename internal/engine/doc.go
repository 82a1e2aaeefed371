// Package engine implements the offline-first synchronization core:
//
//   - Syncer: per-record upload + idempotent natural-key upsert
//   - Coordinator: one-sync-pass-at-a-time drain of the pending set
//   - Scheduler: adaptive timer plus event triggers feeding the coordinator
//   - Puller: reconciliation of remote state (other devices, admin edits,
//     tombstones) into the local store
//   - Verifier: audit that locally-synced records truly exist remotely,
//     with explicit orphan repair
//   - Presence: cross-device can-clock-in/out derivation
//
// Correctness under interleaving comes from the idempotent remote upsert
// keyed by (cedula, date, timestamp), not from preventing races. The only
// lock is the coordinator's process-wide pass guard.
package engine
