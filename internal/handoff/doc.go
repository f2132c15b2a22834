// Package handoff moves an active therapeutic session from one device to
// another.
//
// A handoff walks REQUESTED, STATE_SERIALIZED, TRANSFERRED, RECONSTRUCTED and
// CONFIRMED, or stops at FAILED. The target's capabilities are checked
// before anything leaves the source, the transfer runs under the handoff
// deadline, and the target must report the digest of the state it rebuilt.
// Ownership moves only on CONFIRMED; on failure the source keeps the session
// and its state is untouched.
package handoff
