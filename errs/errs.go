// Package errs classifies failures so HTTP handlers can map them to status codes.
package errs

import (
	"errors"
	"net/http"
)

type Kind uint8

const (
	KindInternal Kind = iota
	// KindValidation is a malformed request (bad shape, missing names, too many link types). Not retried.
	KindValidation
	// KindUnauthorized means the caller could not be identified or its credential was refused.
	KindUnauthorized
	// KindForbidden means the caller is known but holds no matching capability.
	KindForbidden
	KindNotFound
	// KindTransport is a failed cross-host call. Left to the caller to retry.
	KindTransport
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func Validation(msg string) error   { return &Error{KindValidation, msg} }
func Unauthorized(msg string) error { return &Error{KindUnauthorized, msg} }
func Forbidden(msg string) error    { return &Error{KindForbidden, msg} }
func NotFound(msg string) error     { return &Error{KindNotFound, msg} }
func Transport(msg string) error    { return &Error{KindTransport, msg} }
func Internal(msg string) error     { return &Error{KindInternal, msg} }

// KindOf returns KindInternal for errors that were not created by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
