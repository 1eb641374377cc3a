package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindDuplicateOrder      Kind = "DUPLICATE_ORDER"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindInvalidState        Kind = "INVALID_STATE"
	KindAmountExceeded      Kind = "AMOUNT_EXCEEDED"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindKeyConflict         Kind = "KEY_CONFLICT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// Error represents an application error
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotFound            = New(KindNotFound, "Not found", nil)
	ErrDuplicateOrder      = New(KindDuplicateOrder, "Payment for order already exists", nil)
	ErrInvalidTransition   = New(KindInvalidTransition, "Invalid status transition", nil)
	ErrInvalidState        = New(KindInvalidState, "Invalid payment state", nil)
	ErrAmountExceeded      = New(KindAmountExceeded, "Refund amount cannot exceed payment amount", nil)
	ErrValidation          = New(KindValidation, "Validation error", nil)
	ErrKeyConflict         = New(KindKeyConflict, "Idempotency key already recorded", nil)
	ErrUpstreamUnavailable = New(KindUpstreamUnavailable, "Upstream service unavailable", nil)
	ErrInternal            = New(KindInternal, "Internal server error", nil)
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateOrder, KindInvalidTransition, KindInvalidState, KindAmountExceeded:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindKeyConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to a client. Internal errors are never detailed.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return ErrInternal.Message
}
