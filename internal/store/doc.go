// Package store is the storage collaborator behind the orchestration engine.
//
// It persists four things the engine hands off and never keeps itself:
//   - Durable records: one row per operation the remote acknowledged
//   - Review inbox: conflict cases escalated for human review
//   - Device counters: the local vector-clock entry, never lowered
//   - Alerts: SLA breaches and dispatch failures
//
// # Idempotency
//
// Every write is keyed by a stable ID (operation ID, case ID, alert ID) and
// uses ON CONFLICT DO NOTHING, so a retried batch or a re-raised alert never
// produces a second row. Device counters upsert with a max so a stale write
// cannot move a counter backwards.
//
// # Deterministic Query Results
//
// Every list query orders by a timestamp and then by ID, so two reads of the
// same data return the same sequence.
//
// # Backends
//
//   - sqlite3 (default): WAL mode, synchronous=NORMAL, busy_timeout=5000,
//     foreign_keys=ON, schema version tracked with PRAGMA user_version
//   - postgres: the same tables via lib/pq with $n placeholders
package store
