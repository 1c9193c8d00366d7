// Package errs contains sentinel errors shared by the hub's layers so that
// transports can map failures to stable client-facing codes.
package errs

import "errors"

var (
	// ErrValidation indicates a request was rejected before any side effect
	// because required fields were missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrBlocked indicates a block relationship forbids the interaction.
	ErrBlocked = errors.New("blocked")

	// ErrPersistence indicates a durable-store write failed.
	ErrPersistence = errors.New("persistence failed")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")
)
