package storage

import (
	"errors"
	"fmt"
)

// StorageError represents a domain error from driver operations.
//
// These are arbitration and validation errors (request rejected, region
// missing, channel busy, etc.) as opposed to infrastructure errors from
// the underlying medium.
//
// Protocol adapters translate StorageError codes to wire status codes.
type StorageError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return e.Message
}

// ErrorCode represents the category of a driver error.
type ErrorCode int

const (
	// ErrOutOfBounds indicates an access outside the caller's span:
	// past the end of an application region, outside the kernel span,
	// or directory traffic escaping the userspace span.
	ErrOutOfBounds ErrorCode = iota

	// ErrNotReady indicates the operation needs state that does not
	// exist yet: the volume has not finished opening, or the
	// application has no region assigned.
	ErrNotReady

	// ErrBusy indicates the media channel is occupied and the
	// operation does not queue (directory management fails fast).
	ErrBusy

	// ErrQueueFull indicates the caller's single pending slot is
	// already occupied.
	ErrQueueFull

	// ErrBufferUnavailable indicates a zero-length caller buffer or an
	// internal transfer buffer that is still on loan.
	ErrBufferUnavailable

	// ErrUnsupported indicates the operation is not available to the
	// caller: unknown procedure, or region allocation requested by an
	// ephemeral identity.
	ErrUnsupported

	// ErrFail indicates an unrecoverable condition: reserved identity,
	// missing frontier, or a medium I/O failure.
	ErrFail
)

// String returns the canonical name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrOutOfBounds:
		return "out of bounds"
	case ErrNotReady:
		return "not ready"
	case ErrBusy:
		return "busy"
	case ErrQueueFull:
		return "queue full"
	case ErrBufferUnavailable:
		return "buffer unavailable"
	case ErrUnsupported:
		return "unsupported"
	case ErrFail:
		return "fail"
	default:
		return "unknown"
	}
}

func newError(code ErrorCode, format string, args ...any) *StorageError {
	return &StorageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a StorageError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var derr *StorageError
	return errors.As(err, &derr) && derr.Code == code
}

// CodeOf extracts the error category from err. Non-driver errors
// (medium failures and the like) report ErrFail.
func CodeOf(err error) ErrorCode {
	var derr *StorageError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ErrFail
}
