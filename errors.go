package cotab

import "errors"

// ErrTaskLimit is returned when starting a task would exceed a concurrency ceiling.
var ErrTaskLimit = errors.New("cotab: task limit reached")

// ErrDuplicateTask is returned when a chat task is started for a conversation
// that already has an active one.
var ErrDuplicateTask = errors.New("cotab: conversation already has an active task")

// ErrAlreadyPolling is returned when Start is called for a task id that is
// already registered with the polling engine.
var ErrAlreadyPolling = errors.New("cotab: task already being polled")

// ErrPollTimeout is returned when a poll loop exceeds its max duration.
var ErrPollTimeout = errors.New("cotab: poll timed out")

// ErrPollExpired is returned when the consecutive-failure budget is exhausted.
// The task is assumed to no longer exist server-side and is not retried.
var ErrPollExpired = errors.New("cotab: poll failure budget exceeded, task likely expired")

// ErrNotConnected is returned by operations that require a live push connection.
var ErrNotConnected = errors.New("cotab: not connected")

// ErrSessionClosed is returned when an operation is attempted on a closed session.
var ErrSessionClosed = errors.New("cotab: session closed")

// ErrUnknownKind is returned when a task kind string cannot be parsed.
var ErrUnknownKind = errors.New("cotab: unknown task kind")
