// Package memory provides an in-memory Medium.
//
// This implementation keeps the whole volume image in a byte slab. It
// is designed for:
//   - Testing and development
//   - Volatile volumes that do not need to survive a restart
//
// Characteristics:
//   - Fast: all operations are memory-speed
//   - Volatile: data lost on restart
//   - Thread-safe: protected by RWMutex
package memory

import (
	"context"
	"sync"

	"github.com/nvmux/nvmux/pkg/medium"
)

// Medium is the in-memory implementation of medium.Medium.
type Medium struct {
	// mu protects data and closed
	mu sync.RWMutex

	// data is the volume image, zero-filled at creation
	data []byte

	closed bool
}

// New creates a zero-filled in-memory medium of the given size.
func New(size uint64) *Medium {
	return &Medium{data: make([]byte, size)}
}

// Size returns the capacity in bytes.
func (m *Medium) Size() uint64 {
	return uint64(len(m.data))
}

// ReadAt fills p from the image at addr.
func (m *Medium) ReadAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(uint64(len(m.data)), addr, len(p)); err != nil {
		return err
	}
	copy(p, m.data[addr:addr+uint64(len(p))])
	return nil
}

// WriteAt stores p into the image at addr.
func (m *Medium) WriteAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(uint64(len(m.data)), addr, len(p)); err != nil {
		return err
	}
	copy(m.data[addr:addr+uint64(len(p))], p)
	return nil
}

// Sync is a no-op: writes are immediately durable for the lifetime of
// the process.
func (m *Medium) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	return nil
}

// Close releases the image. Close is idempotent.
func (m *Medium) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
