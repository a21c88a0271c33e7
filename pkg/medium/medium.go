package medium

import (
	"context"
	"errors"
)

// ============================================================================
// Medium Interface
// ============================================================================

// Medium is a flat, byte-addressable nonvolatile device.
//
// This interface abstracts the physical backing of a volume (flat file,
// memory-mapped file, key-value store, remote object, memory) and gives
// the driver a single device-like surface: a fixed size and whole-range
// positional I/O.
//
// A Medium knows nothing about regions, headers, or ownership. Span
// geometry and access control live entirely in the driver; the medium
// must honor any in-range request.
//
// I/O contract:
//   - ReadAt and WriteAt transfer exactly len(p) bytes or fail. There
//     are no short transfers.
//   - Requests extending past Size() fail with ErrOutOfRange before
//     any byte moves.
//   - Operations on a closed medium fail with ErrClosed.
//
// Durability:
// WriteAt makes data visible to subsequent reads but implementations
// may buffer. Sync flushes buffered writes to stable storage; Close
// implies a final Sync.
//
// Thread Safety:
// Implementations must be safe for concurrent use. The driver issues at
// most one operation at a time per volume, but volumes may share a
// medium-level resource (one Badger database, one S3 client) across
// goroutines.
type Medium interface {
	// Size returns the capacity of the medium in bytes. The value is
	// fixed for the lifetime of the medium.
	Size() uint64

	// ReadAt fills p with the bytes stored at [addr, addr+len(p)).
	ReadAt(ctx context.Context, p []byte, addr uint64) error

	// WriteAt stores p at [addr, addr+len(p)).
	WriteAt(ctx context.Context, p []byte, addr uint64) error

	// Sync flushes buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases the medium. Further operations fail with
	// ErrClosed. Close is idempotent.
	Close(ctx context.Context) error
}

var (
	// ErrOutOfRange reports a transfer extending past the end of the
	// medium.
	ErrOutOfRange = errors.New("medium: access out of range")

	// ErrClosed reports an operation on a closed medium.
	ErrClosed = errors.New("medium: closed")
)

// CheckRange validates that a transfer of length n at addr stays inside
// a medium of the given size. Shared by implementations so every
// backend rejects the same requests.
func CheckRange(size, addr uint64, n int) error {
	if n < 0 {
		return ErrOutOfRange
	}
	if addr > size || uint64(n) > size-addr {
		return ErrOutOfRange
	}
	return nil
}
