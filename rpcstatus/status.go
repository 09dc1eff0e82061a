// Package rpcstatus defines the tablet engine's RPC return-code vocabulary
// (spec §6/§7) and a small error type that carries one of those codes
// through the stack without forcing every caller to type-switch on
// sentinel values.
package rpcstatus

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code is one of the tablet RPC surface's exit conditions.
type Code int

const (
	// OK indicates the operation completed normally.
	OK Code = iota
	// TryAgain indicates a conflict or transaction-retry condition; the
	// caller may retry within its deadline.
	TryAgain
	// Expired indicates a transaction or status-tablet record expired
	// (heartbeat timeout or stale read horizon).
	Expired
	// TimedOut indicates an RPC or safe_time wait exceeded its deadline.
	TimedOut
	// NotFound indicates a referenced tablet, transaction, or record
	// is not present.
	NotFound
	// AlreadyPresent indicates a create or schema-version advance lost
	// a race with a concurrent writer of the same resource.
	AlreadyPresent
	// IllegalState indicates API misuse (e.g. committing twice).
	IllegalState
	// Corruption indicates a key or value failed to decode.
	Corruption
	// ServiceUnavailable indicates a queue overflow or other transient
	// resource exhaustion; callers retry with backoff.
	ServiceUnavailable
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case TryAgain:
		return "TryAgain"
	case Expired:
		return "Expired"
	case TimedOut:
		return "TimedOut"
	case NotFound:
		return "NotFound"
	case AlreadyPresent:
		return "AlreadyPresent"
	case IllegalState:
		return "IllegalState"
	case Corruption:
		return "Corruption"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error wraps a Code and an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given code and a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to cause, preserving cause for errors.Unwrap/Is/As.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of extracts the Code carried by err, or OK if err is nil, or
// IllegalState if err is non-nil but not one of our *Error values
// (a programmer error: every fallible operation in this module should
// return a classified error).
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return IllegalState
}

// Retryable reports whether the caller may reissue the request that
// produced err without additional intervention.
func Retryable(err error) bool {
	switch Of(err) {
	case TryAgain, TimedOut, ServiceUnavailable:
		return true
	default:
		return false
	}
}

// GRPCCode maps a Code onto the nearest grpc/codes.Code, for use at a
// transport edge. The transport itself is out of this module's scope;
// this mapping exists so a real server can wire one in without
// reinventing the table.
func GRPCCode(c Code) codes.Code {
	switch c {
	case OK:
		return codes.OK
	case TryAgain:
		return codes.Aborted
	case Expired:
		return codes.DeadlineExceeded
	case TimedOut:
		return codes.DeadlineExceeded
	case NotFound:
		return codes.NotFound
	case AlreadyPresent:
		return codes.AlreadyExists
	case IllegalState:
		return codes.FailedPrecondition
	case Corruption:
		return codes.DataLoss
	case ServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
