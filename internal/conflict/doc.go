// Package conflict resolves divergent versions of the same clinical record.
//
// A Case moves through DETECTED → HIERARCHY_EVALUATED → MERGED | ESCALATED.
// The hierarchy level is derived from the record kind, and each level has one
// merge rule. Merges are deterministic: replicas are ordered by canonical
// bytes before any rule runs, so the result does not depend on arrival order,
// and re-applying a merged record to its inputs reproduces it byte for byte.
//
// Escalated cases are pushed to an Inbox for human review. The package owns
// no storage; internal/store provides a durable Inbox.
package conflict
