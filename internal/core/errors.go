package core

import (
	"errors"
	"fmt"
)

var (
	ErrParse           = errors.New("unrecognised frequency")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidRatio    = errors.New("ratio must be between 0 and 1")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrStore           = errors.New("record store failure")
)

// ParseError reports a frequency descriptor that matched no known form.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognised frequency %q", e.Input)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ValidationError identifies the offending field of a rejected input.
type ValidationError struct {
	Field  string
	Reason string
	// Cause narrows the sentinel, e.g. ErrInvalidRatio.
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrValidation, e.Cause}
	}
	return []error{ErrValidation}
}

// AuthorizationError identifies the actor that lacks rights over a resource.
type AuthorizationError struct {
	Actor    string
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not authorized for %s", e.Actor, e.Resource)
}

func (e *AuthorizationError) Unwrap() error { return ErrNotAuthorized }

// StateError reports an operation attempted on a proposal that cannot take it.
type StateError struct {
	ProposalID string
	Status     ProposalStatus
	Reason     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("proposal %s (%s): %s", e.ProposalID, e.Status, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// StoreError wraps a backing store failure. Transient is set when a retry
// may succeed (connection loss, timeouts, busy database).
type StoreError struct {
	Op        string
	Table     string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store %s %s (%s): %v", e.Op, e.Table, kind, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// IsTransient reports whether err carries a transient store failure.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Table, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
