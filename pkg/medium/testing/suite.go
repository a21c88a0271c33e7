// Package testing provides a conformance suite for Medium
// implementations. It tests the interface contract, not implementation
// details, making it reusable across backends (memory, file, mmap,
// badger, s3).
//
// Usage:
//
//	func TestMyMedium(t *testing.T) {
//	    suite := &testing.Suite{
//	        New: func(t *testing.T, size uint64) medium.Medium {
//	            return mymedium.New(size)
//	        },
//	    }
//	    suite.Run(t)
//	}
package testing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmux/nvmux/pkg/medium"
)

// Suite exercises the Medium contract against one backend.
type Suite struct {
	// New creates a fresh medium of the given size for each test. Fresh
	// media must read back as zeros.
	New func(t *testing.T, size uint64) medium.Medium
}

// Run executes all conformance tests.
func (s *Suite) Run(t *testing.T) {
	t.Run("Size", s.testSize)
	t.Run("FreshReadsZero", s.testFreshReadsZero)
	t.Run("RoundTrip", s.testRoundTrip)
	t.Run("PartialOverwrite", s.testPartialOverwrite)
	t.Run("Boundaries", s.testBoundaries)
	t.Run("OutOfRange", s.testOutOfRange)
	t.Run("Sync", s.testSync)
	t.Run("Closed", s.testClosed)
}

func ctx() context.Context {
	return context.Background()
}

func (s *Suite) testSize(t *testing.T) {
	m := s.New(t, 4096)
	defer m.Close(ctx())

	assert.Equal(t, uint64(4096), m.Size())
}

func (s *Suite) testFreshReadsZero(t *testing.T) {
	m := s.New(t, 4096)
	defer m.Close(ctx())

	buf := bytes.Repeat([]byte{0xAA}, 128)
	require.NoError(t, m.ReadAt(ctx(), buf, 100))
	assert.Equal(t, make([]byte, 128), buf)
}

func (s *Suite) testRoundTrip(t *testing.T) {
	m := s.New(t, 4096)
	defer m.Close(ctx())

	payload := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, m.WriteAt(ctx(), payload, 512))

	got := make([]byte, len(payload))
	require.NoError(t, m.ReadAt(ctx(), got, 512))
	assert.Equal(t, payload, got)

	// Neighbouring bytes stay untouched.
	edge := make([]byte, 1)
	require.NoError(t, m.ReadAt(ctx(), edge, 511))
	assert.Equal(t, []byte{0}, edge)
	require.NoError(t, m.ReadAt(ctx(), edge, 512+uint64(len(payload))))
	assert.Equal(t, []byte{0}, edge)
}

func (s *Suite) testPartialOverwrite(t *testing.T) {
	m := s.New(t, 8192)
	defer m.Close(ctx())

	require.NoError(t, m.WriteAt(ctx(), bytes.Repeat([]byte{0x11}, 100), 0))
	require.NoError(t, m.WriteAt(ctx(), bytes.Repeat([]byte{0x22}, 10), 45))

	got := make([]byte, 100)
	require.NoError(t, m.ReadAt(ctx(), got, 0))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 45), got[:45])
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 10), got[45:55])
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 45), got[55:])
}

func (s *Suite) testBoundaries(t *testing.T) {
	m := s.New(t, 1024)
	defer m.Close(ctx())

	// Transfers touching the last byte succeed.
	one := []byte{0x7F}
	require.NoError(t, m.WriteAt(ctx(), one, 1023))
	got := make([]byte, 1)
	require.NoError(t, m.ReadAt(ctx(), got, 1023))
	assert.Equal(t, one, got)

	// Zero-length transfers at the end succeed.
	assert.NoError(t, m.ReadAt(ctx(), nil, 1024))
	assert.NoError(t, m.WriteAt(ctx(), nil, 1024))
}

func (s *Suite) testOutOfRange(t *testing.T) {
	m := s.New(t, 1024)
	defer m.Close(ctx())

	buf := make([]byte, 2)
	assert.ErrorIs(t, m.ReadAt(ctx(), buf, 1023), medium.ErrOutOfRange)
	assert.ErrorIs(t, m.WriteAt(ctx(), buf, 1023), medium.ErrOutOfRange)
	assert.ErrorIs(t, m.ReadAt(ctx(), buf, 1024), medium.ErrOutOfRange)
	assert.ErrorIs(t, m.ReadAt(ctx(), buf, ^uint64(0)), medium.ErrOutOfRange)
}

func (s *Suite) testSync(t *testing.T) {
	m := s.New(t, 1024)
	defer m.Close(ctx())

	require.NoError(t, m.WriteAt(ctx(), []byte("durable"), 0))
	require.NoError(t, m.Sync(ctx()))

	got := make([]byte, 7)
	require.NoError(t, m.ReadAt(ctx(), got, 0))
	assert.Equal(t, []byte("durable"), got)
}

func (s *Suite) testClosed(t *testing.T) {
	m := s.New(t, 1024)
	require.NoError(t, m.Close(ctx()))

	buf := make([]byte, 4)
	assert.ErrorIs(t, m.ReadAt(ctx(), buf, 0), medium.ErrClosed)
	assert.ErrorIs(t, m.WriteAt(ctx(), buf, 0), medium.ErrClosed)
	assert.ErrorIs(t, m.Sync(ctx()), medium.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, m.Close(ctx()))
}
