// Package apperr defines the error-kind taxonomy shared by the
// ingestion pipeline, the search engine, and the HTTP boundary.
//
// Components return plain wrapped errors built on the sentinels in
// this package (the teacher repo's errors.New + fmt.Errorf("%w: ...")
// idiom); only the HTTP layer inspects Kind to pick a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and client messaging.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindNotFound
	KindConflict
	KindPayloadTooLarge
	KindUnsupportedMediaType
	KindRateLimited
	KindDependency
)

// Sentinel causes wrapped by component-level errors.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrRateLimited          = errors.New("rate limited")
	ErrDependency           = errors.New("dependency unavailable")
)

// Error is a classified, user-facing error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified Error.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Wrap classifies a plain error by matching it against the sentinels,
// defaulting to KindInternal when nothing matches.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return New(KindInvalidInput, "invalid_input", err.Error(), err)
	case errors.Is(err, ErrUnauthorized):
		return New(KindUnauthorized, "unauthorized", err.Error(), err)
	case errors.Is(err, ErrNotFound):
		return New(KindNotFound, "not_found", err.Error(), err)
	case errors.Is(err, ErrConflict):
		return New(KindConflict, "conflict", err.Error(), err)
	case errors.Is(err, ErrPayloadTooLarge):
		return New(KindPayloadTooLarge, "payload_too_large", err.Error(), err)
	case errors.Is(err, ErrUnsupportedMediaType):
		return New(KindUnsupportedMediaType, "unsupported_media_type", err.Error(), err)
	case errors.Is(err, ErrRateLimited):
		return New(KindRateLimited, "rate_limited", err.Error(), err)
	case errors.Is(err, ErrDependency):
		return New(KindDependency, "dependency", err.Error(), err)
	default:
		return New(KindInternal, "internal", "internal error", err)
	}
}

// HTTPStatus returns the status code for the error's kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
