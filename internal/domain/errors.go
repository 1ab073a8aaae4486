package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrServiceNotFound is returned for services absent from the catalog.
	ErrServiceNotFound = errors.New("service not found")
	// ErrNoToken is returned when an owner has no stored token for a service.
	ErrNoToken = errors.New("no token for service")
	// ErrIncompatiblePair is returned when an action/reaction pair is denied.
	ErrIncompatiblePair = errors.New("action and reaction are not compatible")
	// ErrInvalidTransition is returned when an execution status update would
	// violate the monotonic lifecycle.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)
