// Package apperr defines the error taxonomy shared by the session, storage,
// cache and outbound-client layers. Every layer wraps failures in *Error so
// callers can branch on Kind without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRepository Kind = "repository"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindExtraction Kind = "extraction"
	KindGeneration Kind = "generation"
	KindNetwork    Kind = "network"
)

// Error is the concrete error type. Op names the failing operation
// (e.g. "authrequest.GetByID"), Detail is safe to show to a user.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Err may be nil.
func E(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func Auth(op, detail string, err error) *Error { return E(KindAuth, op, detail, err) }
func Repository(op string, err error) *Error { return E(KindRepository, op, "", err) }
func NotFound(op, detail string) *Error { return E(KindNotFound, op, detail, nil) }
func Validation(op, detail string, err error) *Error { return E(KindValidation, op, detail, err) }
func Conflict(op, detail string) *Error { return E(KindConflict, op, detail, nil) }
func Extraction(op, detail string, err error) *Error { return E(KindExtraction, op, detail, err) }
func Generation(op, detail string, err error) *Error { return E(KindGeneration, op, detail, err) }
func Network(op string, err error) *Error { return E(KindNetwork, op, "", err) }

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps an error to the status code an HTTP handler should answer
// with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindExtraction, KindGeneration, KindRepository:
		return http.StatusBadGateway
	case KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether a read may be retried. Only transport and
// store-availability failures qualify.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindRepository, KindNetwork:
		return true
	default:
		return false
	}
}
