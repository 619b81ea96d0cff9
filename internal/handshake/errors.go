package handshake

import "errors"

var (
	// ErrInvalidOperation is returned for requests that can never succeed,
	// such as adding yourself.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrAlreadyRequested is returned by Add for a contact that is already
	// in a handshake or trusted.
	ErrAlreadyRequested = errors.New("contact already requested")
	// ErrInvalidState is returned when the contact's status does not allow
	// the operation.
	ErrInvalidState = errors.New("invalid contact state")
	// ErrHasPendingTransfer is returned by Delete while file transfers still
	// reference the contact.
	ErrHasPendingTransfer = errors.New("contact has pending file transfers")
	ErrNotFound           = errors.New("contact not found")
	// ErrMissingIdentity is returned when no marshaled identity is known for
	// a contact and a transport call needs one.
	ErrMissingIdentity = errors.New("contact identity unknown")
)
