// Package bherrors defines the structured error type shared by every
// layer of the runtime -- the instruction queue, the GPU engine, and
// the cluster engine all report failures as *Error so that a caller
// can branch on ErrorCode.Fatal() without caring which layer raised it.
//
// It lives in its own leaf package (rather than the root bhcore
// package, as the teacher's errors.go does for its single-package
// repo) so that gpu/*, cluster/*, and root bhcore can all depend on it
// without an import cycle.
package bherrors

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of error kinds the core represents.
type ErrorCode string

const (
	ErrCodeOutOfMemory       ErrorCode = "out of memory"
	ErrCodeNoGPUPlatform     ErrorCode = "no GPU platform"
	ErrCodeKernelBuildFailed ErrorCode = "kernel build failed"
	ErrCodeUnsupportedOpcode ErrorCode = "unsupported opcode"
	ErrCodeUnsupportedUserFn ErrorCode = "unsupported user function"
	ErrCodeShapeMismatch     ErrorCode = "shape mismatch"
	ErrCodeRWConflict        ErrorCode = "read/write conflict"
	ErrCodeWriteConflict     ErrorCode = "write conflict"
	ErrCodeUnknownMessage    ErrorCode = "unknown message"
	ErrCodeCollectiveFailed  ErrorCode = "collective failed"
	ErrCodeGenericDevice     ErrorCode = "generic device error"
)

// Fatal reports whether an error of this code terminates the process
// (or, in the cluster case, aborts the world) per the propagation
// policy, rather than being locally recovered by flushing and
// retrying the instruction that triggered it.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrCodeOutOfMemory, ErrCodeNoGPUPlatform, ErrCodeCollectiveFailed, ErrCodeUnknownMessage:
		return true
	default:
		return false
	}
}

// Recoverable reports whether the scheduler should flush the active
// batch and retry the instruction that triggered this error, rather
// than surface it to the caller.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrCodeRWConflict, ErrCodeWriteConflict, ErrCodeShapeMismatch:
		return true
	default:
		return false
	}
}

// Error is the structured error every layer of the runtime returns.
type Error struct {
	Op    string    // operation that failed, e.g. "batch.Add", "datamgr.Lock"
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable detail
	Inner error     // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Inner != nil {
			return fmt.Sprintf("bhcore: %s: %s: %v", e.Op, msg, e.Inner)
		}
		return fmt.Sprintf("bhcore: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("bhcore: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against another *Error by code, so
// callers can write `errors.Is(err, &bherrors.Error{Code: ErrCodeWriteConflict})`.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New builds an *Error with no wrapped cause.
func New(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap builds an *Error carrying inner as its cause.
func Wrap(op string, code ErrorCode, inner error) *Error {
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// Code extracts the ErrorCode from err if it is (or wraps) a *Error,
// returning ErrCodeGenericDevice otherwise.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeGenericDevice
}
