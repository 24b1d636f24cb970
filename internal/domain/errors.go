package domain

import "errors"

var (
	// ErrInvalidIdentity is returned when a participant id is missing or blank.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrDuplicateMessage marks an external message id that was already persisted.
	ErrDuplicateMessage = errors.New("duplicate message")

	ErrResponderTimeout     = errors.New("responder timeout")
	ErrResponderUnavailable = errors.New("responder unavailable")

	// ErrMalformedStepConfig is returned when a funnel step config cannot be decoded.
	ErrMalformedStepConfig = errors.New("malformed step config")

	// ErrConcurrentEnrollmentConflict is returned when a compare-and-swap on an
	// enrollment loses against another writer.
	ErrConcurrentEnrollmentConflict = errors.New("concurrent enrollment conflict")

	// ErrConnectionRegistryFull is returned when a user reached the session limit.
	ErrConnectionRegistryFull = errors.New("connection registry full")

	ErrEnrollmentExists = errors.New("active enrollment already exists")
	ErrInactiveAccount  = errors.New("account or workspace inactive")
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
)
