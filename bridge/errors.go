package bridge

import "errors"

var (
	// ErrTimeout is returned when no reply arrived within the request timeout
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrCancelled is returned when the caller's context ended before resolution
	ErrCancelled = errors.New("bridge: request cancelled")

	// ErrClosed is returned for requests that were pending when the bridge closed
	ErrClosed = errors.New("bridge: closed")

	// ErrTooManyPending is returned when the pending request limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")

	// ErrDuplicateID is returned when a generated correlation ID is already pending
	ErrDuplicateID = errors.New("bridge: duplicate correlation id")

	// ErrMalformedReply is returned for inbound messages without a usable correlation ID
	ErrMalformedReply = errors.New("bridge: malformed reply")

	// ErrPublishFailed wraps transport errors raised while publishing a request
	ErrPublishFailed = errors.New("bridge: failed to publish request")
)
