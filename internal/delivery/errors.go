package delivery

import "errors"

var (
	// ErrNotRetryable is returned by Retry for messages that are not in
	// sendingFailed or sendingTimedOut.
	ErrNotRetryable = errors.New("message is not retryable")
	// ErrInvalidTarget is returned when a send names neither or both of a
	// recipient and a group.
	ErrInvalidTarget = errors.New("message needs exactly one of recipient and group")
	// ErrInvalidText is returned when message text or file metadata is not
	// valid UTF-8 and so could never be encoded for the network.
	ErrInvalidText = errors.New("message content is not valid UTF-8")
	ErrNotFound    = errors.New("message not found")
)
