// Package domain contains the hardware inventory model and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested module, port or record is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a record that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when the peer or the caller refuses an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted is returned when a port limit or a queue is exhausted.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrOperationFailed is returned when an operation fails.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrUnsupported is returned for unknown control opcodes and unsupported hardware.
	ErrUnsupported = errors.New("operation not supported")

	// ErrNotReady is returned when the engine has not reached the state an operation needs.
	ErrNotReady = errors.New("not ready")
)
