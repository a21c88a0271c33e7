// Package badger provides a Medium stored as fixed-size sectors in a
// BadgerDB key-value store.
//
// Storage Model:
// The volume image is chunked into sectors; each sector is one value
// under a prefixed key:
//
//	Data Type   Prefix   Key Format            Value
//	=================================================
//	Sector      "s:"     s:<index, 8-byte BE>  sector bytes
//
// Sectors that have never been written are absent from the database and
// read back as zeros, so a fresh volume is zero-filled without
// occupying space. Partial-sector writes are read-modify-write inside
// one transaction.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/medium"
)

// DefaultSectorSize is used when Options does not set one.
const DefaultSectorSize = 4096

const sectorPrefix = "s:"

// Options configures a BadgerDB-backed medium.
type Options struct {
	// Dir is the database directory (ignored when InMemory is set)
	Dir string

	// Size is the volume capacity in bytes
	Size uint64

	// SectorSize is the chunk size; zero selects DefaultSectorSize
	SectorSize int

	// InMemory runs Badger without disk persistence (tests)
	InMemory bool
}

// Medium is the BadgerDB implementation of medium.Medium.
type Medium struct {
	db         *badger.DB
	size       uint64
	sectorSize int

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a BadgerDB-backed volume.
func Open(opts Options) (*Medium, error) {
	if opts.Size == 0 {
		return nil, fmt.Errorf("badger medium: size must be positive")
	}
	sectorSize := opts.SectorSize
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithInMemory(opts.InMemory)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger medium at %s: %w", opts.Dir, err)
	}
	logger.Debug("badger medium open: dir=%s size=%d sector=%d", opts.Dir, opts.Size, sectorSize)

	return &Medium{db: db, size: opts.Size, sectorSize: sectorSize}, nil
}

func sectorKey(index uint64) []byte {
	key := make([]byte, len(sectorPrefix)+8)
	copy(key, sectorPrefix)
	binary.BigEndian.PutUint64(key[len(sectorPrefix):], index)
	return key
}

// Size returns the capacity in bytes.
func (m *Medium) Size() uint64 {
	return m.size
}

// ReadAt fills p from the sectors covering [addr, addr+len(p)).
// Unwritten sectors read as zeros.
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
	if len(p) == 0 {
		return nil
	}

	return m.db.View(func(txn *badger.Txn) error {
		return m.walkSectors(addr, len(p), func(index uint64, sectorOff, n, bufOff int) error {
			item, err := txn.Get(sectorKey(index))
			if err == badger.ErrKeyNotFound {
				// Never written: zeros.
				zero(p[bufOff : bufOff+n])
				return nil
			}
			if err != nil {
				return fmt.Errorf("read sector %d: %w", index, err)
			}
			return item.Value(func(val []byte) error {
				copy(p[bufOff:bufOff+n], val[sectorOff:sectorOff+n])
				return nil
			})
		})
	})
}

// WriteAt stores p into the sectors covering [addr, addr+len(p)).
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
	if len(p) == 0 {
		return nil
	}

	return m.db.Update(func(txn *badger.Txn) error {
		return m.walkSectors(addr, len(p), func(index uint64, sectorOff, n, bufOff int) error {
			sector := make([]byte, m.sectorSize)

			// Partial-sector writes keep the bytes around the hole.
			if sectorOff != 0 || n != m.sectorSize {
				item, err := txn.Get(sectorKey(index))
				if err != nil && err != badger.ErrKeyNotFound {
					return fmt.Errorf("read sector %d for partial write: %w", index, err)
				}
				if err == nil {
					if err := item.Value(func(val []byte) error {
						copy(sector, val)
						return nil
					}); err != nil {
						return fmt.Errorf("read sector %d for partial write: %w", index, err)
					}
				}
			}

			copy(sector[sectorOff:sectorOff+n], p[bufOff:bufOff+n])
			if err := txn.Set(sectorKey(index), sector); err != nil {
				return fmt.Errorf("write sector %d: %w", index, err)
			}
			return nil
		})
	})
}

// walkSectors visits every sector touched by a transfer of n bytes at
// addr, handing the visitor the sector index, the offset inside the
// sector, the byte count inside that sector, and the offset into the
// transfer buffer.
func (m *Medium) walkSectors(addr uint64, n int, visit func(index uint64, sectorOff, count, bufOff int) error) error {
	sectorSize := uint64(m.sectorSize)
	remaining := n
	bufOff := 0
	pos := addr
	for remaining > 0 {
		index := pos / sectorSize
		sectorOff := int(pos % sectorSize)
		count := m.sectorSize - sectorOff
		if count > remaining {
			count = remaining
		}
		if err := visit(index, sectorOff, count, bufOff); err != nil {
			return err
		}
		pos += uint64(count)
		bufOff += count
		remaining -= count
	}
	return nil
}

// Sync flushes the write-ahead log to disk.
func (m *Medium) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if m.db.Opts().InMemory {
		return nil
	}
	if err := m.db.Sync(); err != nil {
		return fmt.Errorf("sync badger medium: %w", err)
	}
	return nil
}

// Close releases the database. Close is idempotent.
func (m *Medium) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("close badger medium: %w", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
