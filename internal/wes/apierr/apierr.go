// Package apierr enumerates the Run Manager's error kinds (spec §7) and
// renders them as the wire-level ErrorResponse every 4xx/5xx carries.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds from spec §7.
type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden      Kind = "FORBIDDEN"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindUnsupported    Kind = "UNSUPPORTED"
	KindStorageIO      Kind = "STORAGE_IO"
	KindStorageFull    Kind = "STORAGE_FULL"
	KindInternal       Kind = "INTERNAL"
	KindUpstream       Kind = "UPSTREAM"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:  http.StatusBadRequest,
	KindUnauthenticated: http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindUnsupported:     http.StatusBadRequest,
	KindStorageIO:       http.StatusInternalServerError,
	KindStorageFull:     http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
	KindUpstream:        http.StatusBadGateway,
}

// Error is the internal representation of a request-ending failure.
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

// HTTPStatus returns the status code this error kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Response is the wire-level ErrorResponse body (spec §6.1).
type Response struct {
	Msg        string `json:"msg"`
	StatusCode int    `json:"status_code"`
}

// ToResponse renders any error as an ErrorResponse, defaulting unrecognized
// errors to INTERNAL.
func ToResponse(err error) (Response, int) {
	if e, ok := As(err); ok {
		return Response{Msg: e.Message, StatusCode: e.HTTPStatus()}, e.HTTPStatus()
	}
	return Response{Msg: err.Error(), StatusCode: http.StatusInternalServerError}, http.StatusInternalServerError
}
