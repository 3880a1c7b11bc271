// Package apperr defines the error taxonomy shared by every hostd component.
//
// Errors carry a Kind that callers branch on and a Message that is safe to
// hand to clients. Wrapped causes and command output stay server side.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindExternalService   Kind = "external_service"
	KindCommandExecution  Kind = "command_execution"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindPermission        Kind = "permission"
	KindInternal          Kind = "internal"
)

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Populated for KindCommandExecution and KindTimeout raised by the runner.
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, apperr.NotFoundErr) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrExternalService   = &Error{Kind: KindExternalService}
	ErrCommandExecution  = &Error{Kind: KindCommandExecution}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrPermission        = &Error{Kind: KindPermission}
)

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

func Exhausted(op, format string, args ...any) *Error {
	return New(KindResourceExhausted, op, format, args...)
}

func Permission(op, format string, args ...any) *Error {
	return New(KindPermission, op, format, args...)
}

// External reports a failing dependency such as the docker daemon or git remote.
func External(op, message string, err error) *Error {
	return &Error{Kind: KindExternalService, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// PublicMessage returns the client-safe message for err. Internal failures
// are reduced to a generic message.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return "internal error"
	}
	switch {
	case e.Message != "":
		return e.Message
	case e.Kind == KindCommandExecution:
		return fmt.Sprintf("command exited with code %d", e.ExitCode)
	default:
		return strings.ReplaceAll(string(e.Kind), "_", " ")
	}
}

// HTTPStatus maps a kind to the response status used by the HTTP API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermission:
		return http.StatusForbidden
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindExternalService, KindCommandExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
