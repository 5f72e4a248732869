package domain

import (
	"errors"
	"fmt"
)

// Engine-level sentinel errors. Infrastructure and repository code returns
// these; handlers convert them to AppErrors at the boundary.
var (
	// ErrAggregateNotFound is returned when loading an aggregate with no events.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when the expected version doesn't
	// match the aggregate's current version at append time.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate was modified by another process")

	// ErrDuplicateEvent is returned when an (aggregate, version) pair already
	// exists even though the optimistic version check passed.
	ErrDuplicateEvent = errors.New("duplicate event: aggregate version already persisted")

	// ErrUniqueConstraintViolation is returned when a unique constraint claim
	// conflicts with an existing claim.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrEventStoreClosed is returned when operating on a closed event store.
	ErrEventStoreClosed = errors.New("event store is closed")
)

// UniqueConstraintError provides details about which constraint was violated.
type UniqueConstraintError struct {
	IndexName string
	Value     string
	OwnerID   string
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violation: %s=%q already claimed by aggregate %s",
		e.IndexName, e.Value, e.OwnerID)
}

// Is makes errors.Is(err, ErrUniqueConstraintViolation) work for wrapped
// constraint errors.
func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

// ErrorKind classifies application errors for transport mapping and for the
// ack/nack decision in event consumers.
type ErrorKind string

const (
	// KindDomain marks business rule violations. They are facts about the
	// request, never transient: consumers log and ack them.
	KindDomain ErrorKind = "domain"

	// KindConcurrency marks optimistic concurrency failures. Retryable by
	// re-running the full load-decide-append cycle.
	KindConcurrency ErrorKind = "concurrency"

	// KindInfrastructure marks failures of storage, transport or process.
	// Retryable with backoff; consumers nack them for redelivery.
	KindInfrastructure ErrorKind = "infrastructure"
)

// Application error codes.
const (
	// Books.
	CodeBookNotFound       = "BOOK_NOT_FOUND"
	CodeBookAlreadyExists  = "BOOK_ALREADY_EXISTS"
	CodeBookAlreadyDeleted = "BOOK_ALREADY_DELETED"

	// Reservations.
	CodeReservationNotFound          = "RESERVATION_NOT_FOUND"
	CodeReservationDuplicate         = "RESERVATION_DUPLICATE_RESERVATION"
	CodeReservationCannotBeReturned  = "RESERVATION_CANNOT_BE_RETURNED"
	CodeReservationCannotBeCancelled = "RESERVATION_CANNOT_BE_CANCELLED"
	CodeReservationCannotBeConfirmed = "RESERVATION_CANNOT_BE_CONFIRMED"
	CodeReservationCannotBeRejected  = "RESERVATION_CANNOT_BE_REJECTED"
	CodeReservationAlreadyDeleted    = "RESERVATION_ALREADY_DELETED"

	// Wallets.
	CodeWalletNotFound          = "WALLET_NOT_FOUND"
	CodeWalletAlreadyExists     = "WALLET_ALREADY_EXISTS"
	CodeWalletInsufficientFunds = "WALLET_INSUFFICIENT_FUNDS"
	CodeWalletAlreadyDeleted    = "WALLET_ALREADY_DELETED"

	// Shared.
	CodeValidationError = "VALIDATION_ERROR"

	// Concurrency.
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeDuplicateEvent      = "DUPLICATE_EVENT"

	// Infrastructure.
	CodeEventSaveFailed   = "EVENT_SAVE_FAILED"
	CodeEventLookupFailed = "EVENT_LOOKUP_FAILED"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodePaymentProcessing = "PAYMENT_PROCESSING_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError is the application-level error carried across service boundaries.
type AppError struct {
	// Code is a stable machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details carries additional structured context.
	Details map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind reports the error's classification based on its code.
func (e *AppError) Kind() ErrorKind {
	return KindOfCode(e.Code)
}

// WithDetail returns a copy of the error with one detail added.
func (e *AppError) WithDetail(key, value string) *AppError {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &AppError{Code: e.Code, Message: e.Message, Details: details}
}

// NewAppError creates an application error.
func NewAppError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewAppErrorf creates an application error with a formatted message.
func NewAppErrorf(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOfCode classifies an error code.
func KindOfCode(code string) ErrorKind {
	switch code {
	case CodeConcurrencyConflict, CodeDuplicateEvent:
		return KindConcurrency
	case CodeEventSaveFailed, CodeEventLookupFailed, CodeDatabaseError,
		CodePaymentProcessing, CodeInternal:
		return KindInfrastructure
	default:
		return KindDomain
	}
}

// AsAppError extracts an *AppError from an error chain, wrapping engine
// sentinels in their canonical codes and everything else as INTERNAL_ERROR.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var app *AppError
	if errors.As(err, &app) {
		return app
	}

	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		return NewAppError(CodeConcurrencyConflict, err.Error())
	case errors.Is(err, ErrDuplicateEvent):
		return NewAppError(CodeDuplicateEvent, err.Error())
	default:
		return NewAppError(CodeInternal, err.Error())
	}
}

// IsRetryable reports whether re-running the full command cycle could
// succeed: concurrency conflicts and duplicate-event races qualify.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDuplicateEvent) {
		return true
	}
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind() == KindConcurrency
	}
	return false
}

// WrapInfra tags an infrastructure failure with a stable code. Errors that
// already carry an application code, and retryable conflicts, pass through
// unchanged so classification and bounded retry keep working.
func WrapInfra(code, op string, err error) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) || IsRetryable(err) {
		return err
	}
	return NewAppErrorf(code, "%s: %v", op, err)
}
