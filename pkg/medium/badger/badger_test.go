package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmux/nvmux/pkg/medium"
	mediumtesting "github.com/nvmux/nvmux/pkg/medium/testing"
)

func TestBadgerMediumConformance(t *testing.T) {
	suite := &mediumtesting.Suite{
		New: func(t *testing.T, size uint64) medium.Medium {
			m, err := Open(Options{Dir: t.TempDir(), Size: size, SectorSize: 64})
			require.NoError(t, err)
			return m
		},
	}
	suite.Run(t)
}

// Transfers that straddle sector boundaries exercise the
// read-modify-write path.
func TestBadgerMediumCrossSectorTransfer(t *testing.T) {
	ctx := context.Background()
	m, err := Open(Options{Dir: t.TempDir(), Size: 1024, SectorSize: 16})
	require.NoError(t, err)
	defer m.Close(ctx)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.WriteAt(ctx, payload, 7))

	got := make([]byte, 100)
	require.NoError(t, m.ReadAt(ctx, got, 7))
	assert.Equal(t, payload, got)

	// Bytes around the transfer stay zero.
	edge := make([]byte, 7)
	require.NoError(t, m.ReadAt(ctx, edge, 0))
	assert.Equal(t, make([]byte, 7), edge)
}

func TestBadgerMediumReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Open(Options{Dir: dir, Size: 1024})
	require.NoError(t, err)
	require.NoError(t, m.WriteAt(ctx, []byte("persisted"), 42))
	require.NoError(t, m.Close(ctx))

	m, err = Open(Options{Dir: dir, Size: 1024})
	require.NoError(t, err)
	defer m.Close(ctx)

	got := make([]byte, 9)
	require.NoError(t, m.ReadAt(ctx, got, 42))
	assert.Equal(t, []byte("persisted"), got)
}
