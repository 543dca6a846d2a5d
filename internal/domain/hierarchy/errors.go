package hierarchy

import "errors"

var (
	// ErrEntityNotFound is returned when the entity doesn't exist
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidHierarchy is returned when a parent assignment would create a
	// cycle or a cross-tenant link; rejected before any write
	ErrInvalidHierarchy = errors.New("invalid hierarchy")

	ErrInternal = errors.New("internal error")
)
