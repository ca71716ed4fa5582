/*
errors.go - Centralized error types for the booking lifecycle engine

PURPOSE:
  All error kinds in one place. Callers match with errors.Is against the
  sentinels and use errors.As to read the structured details.

ERROR CATEGORIES:
  1. Lifecycle errors - InvalidStatusTransition, HoldExpired, DoubleBooking
  2. Approval errors  - InvestorConsentRequired, BuilderLimitExceeded, Unauthorized
  3. Input errors     - Validation
  4. Store errors     - NotFound, ConcurrentModification, Transient

RETRIES:
  Only store-level conflicts (ErrTransient, ErrConcurrentModification) are
  retried by the engine. Business errors are returned as-is.

SEE ALSO:
  - engine.go: runTx retry classification
  - store/sqlite, store/postgres: driver error translation
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStatusTransition is returned when the requested event is not
	// allowed from the entity's current status.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrHoldExpired is returned when the hold TTL elapsed before the
	// operation. The unit has already been reverted to available.
	ErrHoldExpired = errors.New("hold expired")

	// ErrDoubleBooking is returned when the unit already has an active booking.
	ErrDoubleBooking = errors.New("unit already has an active booking")

	// ErrInvestorConsentRequired is returned when a required investor has not
	// approved the current booking attempt.
	ErrInvestorConsentRequired = errors.New("investor consent required")

	// ErrBuilderLimitExceeded is returned when a builder or project capacity
	// constraint is violated.
	ErrBuilderLimitExceeded = errors.New("builder limit exceeded")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized is returned when the actor lacks the needed permission.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTransient is returned by stores for failures that may succeed on
	// retry (serialization failures, deadlocks, busy database).
	ErrTransient = errors.New("transient store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected lifecycle event.
type TransitionError struct {
	Entity string // "inventory", "booking", "transfer"
	ID     string
	From   string
	Event  string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s from status %q", e.Event, e.Entity, e.ID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// HoldExpiredError identifies the hold that lapsed.
type HoldExpiredError struct {
	InventoryID InventoryID
	HoldID      HoldID
	ExpiredAt   time.Time
}

func (e *HoldExpiredError) Error() string {
	return fmt.Sprintf("hold %s on %s expired at %s", e.HoldID, e.InventoryID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *HoldExpiredError) Unwrap() error {
	return ErrHoldExpired
}

// DoubleBookingError names the booking that already occupies the unit.
// ExistingBookingID is empty when the conflict was raised by the store's
// uniqueness constraint.
type DoubleBookingError struct {
	InventoryID       InventoryID
	ExistingBookingID BookingID
}

func (e *DoubleBookingError) Error() string {
	if e.ExistingBookingID == "" {
		return fmt.Sprintf("unit %s already has an active booking", e.InventoryID)
	}
	return fmt.Sprintf("unit %s already has active booking %s", e.InventoryID, e.ExistingBookingID)
}

func (e *DoubleBookingError) Unwrap() error {
	return ErrDoubleBooking
}

// ConsentRequiredError lists investors whose consent is missing.
type ConsentRequiredError struct {
	InventoryID InventoryID
	HoldID      HoldID
	Missing     []InvestorID
}

func (e *ConsentRequiredError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("unit %s needs consent from: %s", e.InventoryID, strings.Join(ids, ", "))
}

func (e *ConsentRequiredError) Unwrap() error {
	return ErrInvestorConsentRequired
}

// BuilderLimitError carries the violated capacity.
type BuilderLimitError struct {
	BuilderID BuilderID
	ProjectID ProjectID
	Reason    string
	Limit     int
	Current   int
}

func (e *BuilderLimitError) Error() string {
	return fmt.Sprintf("%s (limit %d, current %d)", e.Reason, e.Limit, e.Current)
}

func (e *BuilderLimitError) Unwrap() error {
	return ErrBuilderLimitExceeded
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnauthorizedError names the missing permission.
type UnauthorizedError struct {
	ActorID    ActorID
	Role       Role
	Permission Permission
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s (%s) may not %s", e.ActorID, e.Role, e.Permission)
}

func (e *UnauthorizedError) Unwrap() error {
	return ErrUnauthorized
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request rather than
// the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrDoubleBooking) ||
		errors.Is(err, ErrInvestorConsentRequired) ||
		errors.Is(err, ErrBuilderLimitExceeded) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
