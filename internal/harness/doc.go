// Package harness replays scripted scenarios against the sync engine.
//
// A scenario drives a fresh engine with a manual clock, a scripted
// dispatcher and an in-memory SQLite store, records a trace of what the
// engine decided, and checks assertions against the trace and the store.
//
// # Scenario Format
//
//	name: crisis_under_load
//	description: "Crisis bypasses a saturated pool"
//	tier: trial
//	dispatcher:
//	  - delay: 40ms
//	steps:
//	  - submit: { entity: mood_checkin, fields: { mood: 3 } }
//	    repeat: 50
//	  - occupy: 0.9
//	  - submit: { entity: crisis_event, crisis: true }
//	  - status: true
//	assertions:
//	  - type: crisis_within
//	    within: 200ms
//
// Each step sets exactly one action: submit, advance, step, status,
// occupy, cancel, network, tier or handoff.
//
// # Assertion Types
//
//   - trace_contains: an event of a type matches a where clause (subset)
//   - trace_count: exactly N events match
//   - dispatch_order: operations were dispatched in this relative order
//   - durable: the stored durable records, in ack order
//   - alert_count: N stored alerts carry a code
//   - review_count: N cases reached the review inbox
//   - crisis_within: every crisis submit acked within a bound
//
// # Deterministic Testing
//
// Times are offsets from testutil.Epoch and IDs come from sequences
// ("op-1", "alert-1", "case-1"), so every run of a scenario produces the
// same trace. Golden files under testdata/golden hold the canonical JSON
// of each run.
package harness
