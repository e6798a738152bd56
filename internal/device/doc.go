// Package device is the durable registry of managed systems.
//
// Each system is a Record keyed by a stable identity (a UUID) and also
// reachable through its display name. The Registry holds every record in
// memory and writes through to SQLite before acknowledging a change, so a
// restarted process observes exactly the last completed Put.
//
// # Key Types
//
//   - Record: identity, backend addressing, believed power state, pending
//     transition and passthrough boot/NIC attributes
//   - Registry: cached, concurrency-safe access with alias resolution
//   - SQLiteRepository: persistence on the systems table
//   - HistoryRepository: append-only log of committed power changes
//
// The registry does not serialise read-modify-write on one record. Callers
// that need that (the reconciliation engine) hold their own per-record lock.
package device
