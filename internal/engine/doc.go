// Package engine implements the sync orchestration engine.
//
// The engine classifies submitted clinical operations, schedules them under
// a per-tier resource budget, and dispatches them to collaborators.
//
// ARCHITECTURE:
//
// Two paths leave SubmitOperation:
//   - CRISIS_EMERGENCY operations run on the EmergencyLane in the caller's
//     goroutine. They never touch the queue or the shared budget pool and
//     consume only the tier's emergency reserve. The lane returns within the
//     crisis deadline whether or not the collaborator acknowledged.
//   - Everything else enters the PriorityQueue. At each decision point the
//     Optimizer composes batches from the eligible entries, the BudgetPool
//     admits them, and workers dispatch them.
//
// The Monitor observes every dispatch, raises alerts on sustained breaches
// and feeds adjustments back into the Optimizer.
//
// Thread-safety model:
//   - SubmitOperation, Cancel, Status, UpdateDeviceState: safe from any goroutine
//   - Step: one decision point, serialized internally
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - An operation's priority class never changes after intake; the queue
//     tracks a separate effective class for starvation promotion
//   - Promotion never reaches CRISIS_EMERGENCY
//   - The emergency reserve is never admitted through the BudgetPool
//   - Within a class, order is therapeutic continuity first, then FIFO by
//     logical sequence
package engine
