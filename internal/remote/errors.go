package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the server reports the entity does not exist.
// Callers decide whether that is an error (reads) or a no-op (deletes).
var ErrNotFound = errors.New("entity not found")

// TransportError wraps a network-level failure: connection refused, timeout,
// or a 5xx response. These are the only retryable failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DuplicateError is returned when a create hits an entity that already
// exists, typically a retried request whose first response was lost. Entity
// carries the canonical server entity when the server echoed it.
type DuplicateError struct {
	Entity *Entity
}

func (e *DuplicateError) Error() string {
	return "entity already exists"
}

func IsDuplicate(err error) (*DuplicateError, bool) {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ConflictError means the server-side entity changed incompatibly or was
// deleted; resubmitting the same operation cannot succeed.
type ConflictError struct {
	StatusCode int
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict (%d): %s", e.StatusCode, e.Message)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ValidationError means the server rejected the payload shape. Identical
// payloads fail identically, so these are never retried.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failure (%d): %s", e.StatusCode, e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
