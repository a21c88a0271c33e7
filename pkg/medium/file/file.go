// Package file provides a Medium backed by a preallocated flat file.
//
// The file is created (or opened) at a fixed size and addressed with
// positional reads and writes; Sync maps to fsync. This is the default
// backend for persistent volumes on a local disk.
package file

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/nvmux/nvmux/pkg/medium"
)

// Medium is the flat-file implementation of medium.Medium.
type Medium struct {
	mu     sync.RWMutex
	f      *os.File
	size   uint64
	closed bool
}

// Open opens (creating and preallocating if necessary) the volume image
// at path with the given size.
//
// An existing image must be at least size bytes; a shorter one is grown
// with zeros. The image is never shrunk.
func Open(path string, size uint64) (*Medium, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open volume image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat volume image %s: %w", path, err)
	}
	if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("preallocate volume image %s to %d bytes: %w", path, size, err)
		}
	}

	return &Medium{f: f, size: size}, nil
}

// Size returns the capacity in bytes.
func (m *Medium) Size() uint64 {
	return m.size
}

// ReadAt fills p from the file at addr.
func (m *Medium) ReadAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(m.size, addr, len(p)); err != nil {
		return err
	}
	if _, err := m.f.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("read %d bytes at %d: %w", len(p), addr, err)
	}
	return nil
}

// WriteAt stores p into the file at addr.
func (m *Medium) WriteAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(m.size, addr, len(p)); err != nil {
		return err
	}
	if _, err := m.f.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("write %d bytes at %d: %w", len(p), addr, err)
	}
	return nil
}

// Sync flushes buffered writes to stable storage.
func (m *Medium) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync volume image: %w", err)
	}
	return nil
}

// Close syncs and releases the file. Close is idempotent.
func (m *Medium) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.f.Sync(); err != nil {
		_ = m.f.Close()
		return fmt.Errorf("sync volume image on close: %w", err)
	}
	if err := m.f.Close(); err != nil {
		return fmt.Errorf("close volume image: %w", err)
	}
	return nil
}
