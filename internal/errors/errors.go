// Package errors declares the coded root errors used across the escrow core.
//
// Every error returned by the core wraps exactly one root declared here, so
// callers can branch on the kind (validation, authorization, configuration,
// submission) without parsing messages. The HTTP layer maps roots to status
// codes with HTTPStatus.
package errors

import (
	"fmt"
	"net/http"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned when a required setting is missing or blank.
	ErrConfiguration = Register(2, "configuration_error", http.StatusInternalServerError)

	// ErrInvalidAddress is returned when a recipient address is empty or malformed
	// and no fallback could replace it.
	ErrInvalidAddress = Register(3, "invalid_address", http.StatusBadRequest)

	// ErrOutOfRange is returned when a value cannot be represented in the ledger
	// field it is destined for (destination tag, time locks).
	ErrOutOfRange = Register(4, "out_of_range", http.StatusBadRequest)

	// ErrAuthorization is returned when a cancel is requested by anyone other
	// than the custodial wallet.
	ErrAuthorization = Register(5, "authorization_error", http.StatusForbidden)

	// ErrKeyDerivation is returned when the custodial secret cannot be turned
	// into a signing key.
	ErrKeyDerivation = Register(6, "key_derivation_error", http.StatusInternalServerError)

	// ErrSubmission is returned when the ledger rejects a transaction, fails to
	// finalize it, or a field expected after autofill is missing.
	ErrSubmission = Register(7, "submission_error", http.StatusBadGateway)

	// ErrInvalidAmount is returned for amounts that do not convert to at least
	// one drop.
	ErrInvalidAmount = Register(8, "invalid_amount", http.StatusBadRequest)

	// ErrInvalidRequest is returned for payloads that cannot be decoded.
	ErrInvalidRequest = Register(9, "invalid_request", http.StatusBadRequest)

	// ErrUnauthenticated is returned when a signed request fails verification.
	ErrUnauthenticated = Register(10, "unauthenticated", http.StatusUnauthorized)

	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different request body.
	ErrIdempotencyMismatch = Register(11, "idempotency_key_reused", http.StatusUnprocessableEntity)
)

// Register returns a root error with a unique code. Reusing a code panics.
// Call it only during program initialization.
func Register(code uint32, kind string, status int) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.kind))
	}
	err := &Error{code: code, kind: kind, status: status}
	usedCodes[code] = err
	return err
}

// Code 1 is reserved for errors that do not wrap a registered root.
var usedCodes = map[uint32]*Error{
	1: nil,
}

// Error is a root error. Runtime errors wrap a root with Wrap or New.
type Error struct {
	code   uint32
	kind   string
	status int
}

func (e *Error) Error() string {
	return e.kind
}

// Code returns the registered numeric code.
func (e *Error) Code() uint32 {
	return e.code
}

// Kind returns the stable, machine readable kind tag.
func (e *Error) Kind() string {
	return e.kind
}

// HTTPStatus returns the status code the transport should answer with.
func (e *Error) HTTPStatus() int {
	return e.status
}

// New returns an error rooted in e with the given description.
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is New with formatting.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is reports whether err is rooted in e, following Cause and Unwrap chains.
func (e *Error) Is(err error) bool {
	// reflect catches typed nil errors
	if e == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for err != nil {
		if err == e {
			return true
		}
		err = parent(err)
	}
	return false
}

// Wrap annotates err with description. A stack trace is attached at the
// innermost wrap. Wrapping nil returns nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	if !hasStack(err) {
		err = errors.WithStack(err)
	}
	return &wrappedError{parent: err, msg: description}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// KindOf returns the registered root of err, or nil when err does not wrap one.
func KindOf(err error) *Error {
	for err != nil {
		if root, ok := err.(*Error); ok {
			return root
		}
		err = parent(err)
	}
	return nil
}

// HTTPStatus maps err to a status code. Unregistered errors are server errors.
func HTTPStatus(err error) int {
	if root := KindOf(err); root != nil {
		return root.status
	}
	return http.StatusInternalServerError
}

// IsValidation reports whether err is something the client can fix by
// changing the request.
func IsValidation(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Message returns the outermost description without the root kind suffix.
func Message(err error) string {
	if w, ok := err.(*wrappedError); ok {
		return w.msg
	}
	return err.Error()
}

type causer interface {
	Cause() error
}

type unwrapper interface {
	Unwrap() error
}

func parent(err error) error {
	switch e := err.(type) {
	case causer:
		return e.Cause()
	case unwrapper:
		return e.Unwrap()
	default:
		return nil
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func hasStack(err error) bool {
	for err != nil {
		if _, ok := err.(stackTracer); ok {
			return true
		}
		err = parent(err)
	}
	return false
}
