// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-aio.

package api

import (
	"errors"
	"fmt"
)

// Resource-lifecycle and operation errors. Match with errors.Is.
var (
	// ErrExhausted reports a pool at capacity when the caller opted not to wait
	// or the bounded waiter queue is full.
	ErrExhausted = errors.New("context pool exhausted")
	// ErrDoubleRelease is a programming error: a context released twice or by a stale handle.
	ErrDoubleRelease = errors.New("context released twice")
	// ErrSubmissionFailed means the OS rejected an operation before queuing it.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrCompletionError means a queued operation completed with a failure status.
	ErrCompletionError = errors.New("operation completed with error")
	// ErrUnresolvableCompletion is an internal consistency violation: a completion
	// token that maps to no in-flight context.
	ErrUnresolvableCompletion = errors.New("unresolvable completion")

	ErrInvalidArgument    = errors.New("invalid argument")
	ErrContextNotPrepared = errors.New("context is not being prepared")
	ErrPoolClosed         = errors.New("context pool is closed")
	ErrPoolBusy           = errors.New("context pool has contexts in flight")
	ErrPortClosed         = errors.New("completion port is closed")
	ErrWaitTimeout        = errors.New("completion wait timeout")
	ErrCanceled           = errors.New("operation canceled")
	ErrSocketClosed       = errors.New("socket is closed")
	ErrSocketOp           = errors.New("socket operation failed")
	ErrNotSupported       = errors.New("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeSubmission
	ErrCodeCompletion
	ErrCodeNotSupported
	ErrCodeSocket
	ErrCodeInternal
)

// Error represents a structured error with code, operation and context.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error code, so callers can
// test a structured error against ErrSubmissionFailed and friends.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return target == ErrInvalidArgument
	case ErrCodeResourceExhausted:
		return target == ErrExhausted
	case ErrCodeSubmission:
		return target == ErrSubmissionFailed
	case ErrCodeCompletion:
		return target == ErrCompletionError
	case ErrCodeNotSupported:
		return target == ErrNotSupported
	case ErrCodeSocket:
		return target == ErrSocketOp
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// SubmissionFailed wraps a synchronous OS rejection of op.
func SubmissionFailed(op OpKind, cause error) error {
	return &Error{Code: ErrCodeSubmission, Op: op.String(), Message: "submission failed", Err: cause}
}

// CompletionFailed wraps a failure status delivered with a completion.
func CompletionFailed(op OpKind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: ErrCodeCompletion, Op: op.String(), Message: "completed with error", Err: cause}
}

// SocketOpFailed wraps a failing synchronous socket-layer call (create, bind, resolve...).
func SocketOpFailed(call string, cause error) error {
	return &Error{Code: ErrCodeSocket, Op: call, Message: "socket call failed", Err: cause}
}
