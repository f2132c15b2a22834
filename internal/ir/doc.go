// Package ir provides the value representation for clinical payloads.
//
// Payloads travel through the orchestration engine as opaque field trees. The
// engine never interprets them beyond the handful of fields the conflict rules
// need, but it must be able to compare two payloads byte for byte: merges of
// crisis plans and assessments are required to be idempotent, and the only way
// to prove that is a canonical encoding.
//
// Key constraints:
//   - NO float types (scores, counters and timestamps are int64 or strings)
//   - Object keys are ordered by UTF-16 code units (RFC 8785)
//   - Strings are NFC normalized at the serialization boundary
//   - ir imports nothing internal
package ir
