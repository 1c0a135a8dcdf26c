package domain

import "errors"

var (
	// ErrNotFound is returned for operations referencing an unknown request.
	ErrNotFound = errors.New("request not found")

	// ErrInvalidTransition is returned when a stage operation is attempted on
	// a request that already reached a terminal status.
	ErrInvalidTransition = errors.New("invalid transition: request is terminal")

	// ErrDuplicate is returned only when strict creation is requested and the
	// correlation id already exists. The default submission path is idempotent
	// and returns the existing request instead.
	ErrDuplicate = errors.New("duplicate correlation id")
)
