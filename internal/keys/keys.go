package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

// Lease returns the per-task lease key. The task id is hash-tagged so all
// operations on one lease land on one cluster slot.
func Lease(taskID string) string { return "cotab:{" + taskID + "}:lease" }

// LeasePattern is the SCAN pattern matching every lease key.
const LeasePattern = "cotab:{*}:lease"

// Events returns the pub/sub channel for a session scope.
func Events(scope string) string { return "cotab:{" + scope + "}:events" }

// Relay returns the capped-list relay key for a session scope, used when
// pub/sub is unavailable.
func Relay(scope string) string { return "cotab:{" + scope + "}:relay" }
