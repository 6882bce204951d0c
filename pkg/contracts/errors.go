package contracts

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. Every typed error below reports Is()
// against exactly one of these.
var (
	ErrInvalidState   = errors.New("invalid state")
	ErrValidation     = errors.New("validation failed")
	ErrGuardViolation = errors.New("guard violation")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
)

// InvalidStateError reports a transition that is not legal from the entity's
// current state.
type InvalidStateError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
	Detail    string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s %q: cannot %s from state %s", e.Entity, e.ID, e.Requested, e.Current)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ValidationError reports malformed or incomplete input. Field names the
// offending input so callers can point at it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// GuardViolationError reports an unmet season-level precondition.
type GuardViolationError struct {
	Guard  string
	Reason string
}

func (e *GuardViolationError) Error() string { return e.Reason }

func (e *GuardViolationError) Is(target error) bool { return target == ErrGuardViolation }

// NotFoundError reports a missing budget, version, request, placeholder or
// season record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ForbiddenError reports an actor whose role lacks the capability for an
// operation, or an operation the current state forbids outright.
type ForbiddenError struct {
	ActorID    string
	Role       string
	Capability string
	Reason     string
}

func (e *ForbiddenError) Error() string {
	if e.Reason != "" {
		return "forbidden: " + e.Reason
	}
	return fmt.Sprintf("forbidden: role %s (actor %q) lacks capability %s", e.Role, e.ActorID, e.Capability)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }
