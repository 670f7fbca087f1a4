// Package status defines the error taxonomy shared by every layer of the
// client: a small set of codes numbered like gRPC status codes and an error
// type carrying one of them.
//
// Errors can be inspected with CodeOf or errors.As:
//
//	if status.CodeOf(err) == status.Unavailable {
//	    // the client is offline
//	}
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies an error.
type Code int

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is an error with a Code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error with the same code. This lets
// callers write errors.Is(err, status.New(status.Aborted, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf returns an error with the given code and a formatted message.
// A %w verb in format is honored for unwrapping.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), cause: errors.Unwrap(wrapped)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the code from err. Nil maps to OK, errors without a code
// map to Unknown, and context errors map to Cancelled or DeadlineExceeded.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Unknown
}

// FromError converts err into a *Error, keeping the original as the cause.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(CodeOf(err), err)
}

// IsPermanentError reports whether an RPC failing with code will keep
// failing if retried unchanged.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		return false
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted,
		Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied,
		FailedPrecondition, Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return true
	}
}

// IsPermanentWriteError reports whether a write failing with code should be
// rejected rather than retried. Aborted writes are retried.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != Aborted
}

// IsRetryableTransactionError reports whether a transaction attempt that
// failed with err may be run again.
func IsRetryableTransactionError(err error) bool {
	code := CodeOf(err)
	return code == Aborted || code == FailedPrecondition ||
		code == AlreadyExists || !IsPermanentError(code)
}
