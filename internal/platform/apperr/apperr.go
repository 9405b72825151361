// Package apperr defines the structured error taxonomy returned by every core
// operation and its HTTP rendering.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names a failure condition a caller can branch on.
type Kind string

const (
	UnitUnavailable      Kind = "UnitUnavailable"
	IncidentAlreadyBound Kind = "IncidentAlreadyBound"
	InvalidTransition    Kind = "InvalidTransition"
	BedNotAvailable      Kind = "BedNotAvailable"
	AlreadyVerified      Kind = "AlreadyVerified"
	NotVerified          Kind = "NotVerified"
	AlreadyConsumed      Kind = "AlreadyConsumed"
	ValidationFailed     Kind = "ValidationFailed"
	AlreadyAdmitted      Kind = "AlreadyAdmitted"
	AlreadyExists        Kind = "AlreadyExists"
	NotFound             Kind = "NotFound"
	Conflict             Kind = "Conflict"
	Unauthorized         Kind = "Unauthorized"
	Forbidden            Kind = "Forbidden"
	PartiallyApplied     Kind = "PartiallyApplied"
	RateLimited          Kind = "RateLimited"
	Internal             Kind = "Internal"
)

// Category groups kinds by how a caller should react to them.
type Category string

const (
	CategoryPrecondition Category = "precondition"
	CategoryInvariant    Category = "invariant"
	CategoryValidation   Category = "validation"
	CategoryPartial      Category = "partial"
	CategoryConflict     Category = "conflict"
	CategoryNotFound     Category = "not_found"
	CategoryAuth         Category = "auth"
	CategoryThrottled    Category = "throttled"
	CategoryInternal     Category = "internal"
)

type kindInfo struct {
	category  Category
	status    int
	retryable bool
}

var kinds = map[Kind]kindInfo{
	UnitUnavailable:      {CategoryPrecondition, http.StatusConflict, true},
	IncidentAlreadyBound: {CategoryPrecondition, http.StatusConflict, true},
	InvalidTransition:    {CategoryPrecondition, http.StatusConflict, true},
	BedNotAvailable:      {CategoryPrecondition, http.StatusConflict, true},
	NotVerified:          {CategoryPrecondition, http.StatusConflict, true},
	AlreadyVerified:      {CategoryInvariant, http.StatusConflict, false},
	AlreadyConsumed:      {CategoryInvariant, http.StatusConflict, false},
	AlreadyAdmitted:      {CategoryInvariant, http.StatusConflict, false},
	AlreadyExists:        {CategoryInvariant, http.StatusConflict, false},
	ValidationFailed:     {CategoryValidation, http.StatusUnprocessableEntity, false},
	PartiallyApplied:     {CategoryPartial, http.StatusInternalServerError, false},
	Conflict:             {CategoryConflict, http.StatusPreconditionFailed, true},
	NotFound:             {CategoryNotFound, http.StatusNotFound, false},
	Unauthorized:         {CategoryAuth, http.StatusUnauthorized, false},
	Forbidden:            {CategoryAuth, http.StatusForbidden, false},
	RateLimited:          {CategoryThrottled, http.StatusTooManyRequests, true},
	Internal:             {CategoryInternal, http.StatusInternalServerError, false},
}

// Error is the error value produced by the core. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, apperr.New(k, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may re-query and retry.
func (e *Error) Retryable() bool { return kinds[e.Kind].retryable }

// Category returns the category of the error's kind.
func (e *Error) Category() Category {
	if info, ok := kinds[e.Kind]; ok {
		return info.category
	}
	return CategoryInternal
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	if info, ok := kinds[e.Kind]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to cause.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Validation(format string, args ...any) *Error {
	return New(ValidationFailed, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

func Transition(format string, args ...any) *Error {
	return New(InvalidTransition, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the caller may re-query and try again.
func Retryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
