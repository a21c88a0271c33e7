package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmux/nvmux/pkg/medium/memory"
)

func volumeConfig(name string) *VolumeConfig {
	return &VolumeConfig{
		Name:          name,
		Medium:        memory.New(8192),
		UserStart:     0,
		UserLength:    4096,
		KernelStart:   4096,
		KernelLength:  4096,
		AppRegionSize: 256,
	}
}

func TestAddAndGetVolume(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	require.NoError(t, reg.AddVolume(ctx, volumeConfig("main")))

	vol, err := reg.GetVolume("main")
	require.NoError(t, err)
	assert.Equal(t, "main", vol.Name)
	assert.NotNil(t, vol.Driver)
	assert.NotNil(t, vol.Hub)
	assert.True(t, vol.Driver.Stats().Ready, "driver must be opened by AddVolume")

	_, err = reg.GetVolume("missing")
	assert.Error(t, err)
}

func TestDuplicateVolumeRejected(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	require.NoError(t, reg.AddVolume(ctx, volumeConfig("main")))
	assert.Error(t, reg.AddVolume(ctx, volumeConfig("main")))
	assert.Equal(t, 1, reg.CountVolumes())
}

func TestAddVolumeValidation(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	cfg := volumeConfig("")
	assert.Error(t, reg.AddVolume(ctx, cfg))

	cfg = volumeConfig("nomedium")
	cfg.Medium = nil
	assert.Error(t, reg.AddVolume(ctx, cfg))

	// Geometry errors from the driver surface through AddVolume.
	cfg = volumeConfig("badspan")
	cfg.UserLength = 1 << 30
	assert.Error(t, reg.AddVolume(ctx, cfg))
	assert.False(t, reg.VolumeExists("badspan"))
}

func TestListAndClose(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	require.NoError(t, reg.AddVolume(ctx, volumeConfig("a")))
	require.NoError(t, reg.AddVolume(ctx, volumeConfig("b")))
	assert.ElementsMatch(t, []string{"a", "b"}, reg.ListVolumes())

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, 0, reg.CountVolumes())
}

// ============================================================================
// Hub
// ============================================================================

type fakeSink struct {
	reads  chan int
	writes chan int
	inits  chan error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		reads:  make(chan int, 4),
		writes: make(chan int, 4),
		inits:  make(chan error, 4),
	}
}

func (s *fakeSink) ReadDone(n int, err error)  { s.reads <- n }
func (s *fakeSink) WriteDone(n int, err error) { s.writes <- n }
func (s *fakeSink) InitDone(err error)         { s.inits <- err }

type fakeKernelSink struct {
	reads chan int
}

func (s *fakeKernelSink) KernelReadDone(buf []byte, n int, err error)  { s.reads <- n }
func (s *fakeKernelSink) KernelWriteDone(buf []byte, n int, err error) {}

func TestHubRoutesToBoundSink(t *testing.T) {
	hub := NewHub()
	a := newFakeSink()
	b := newFakeSink()
	require.NoError(t, hub.Bind(1, a))
	require.NoError(t, hub.Bind(2, b))

	hub.ReadDone(1, 10, nil)
	hub.WriteDone(2, 20, nil)
	hub.InitDone(1, nil)

	assert.Equal(t, 10, <-a.reads)
	assert.Equal(t, 20, <-b.writes)
	assert.NoError(t, <-a.inits)
	assert.Empty(t, b.reads)
}

func TestHubDuplicateBindRejected(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Bind(1, newFakeSink()))
	assert.Error(t, hub.Bind(1, newFakeSink()))
}

func TestHubUnbindOnlyEvictsOwnSink(t *testing.T) {
	hub := NewHub()
	old := newFakeSink()
	require.NoError(t, hub.Bind(1, old))
	hub.Unbind(1, old)

	fresh := newFakeSink()
	require.NoError(t, hub.Bind(1, fresh))

	// A stale unbind from the old session must not evict the new one.
	hub.Unbind(1, old)
	hub.ReadDone(1, 5, nil)
	assert.Equal(t, 5, <-fresh.reads)
}

func TestHubDropsUnattachedCompletions(t *testing.T) {
	hub := NewHub()
	// Must not panic or block.
	hub.ReadDone(9, 1, nil)
	hub.WriteDone(9, 1, nil)
	hub.InitDone(9, nil)
	hub.Kernel().ReadDone(nil, 0, nil)
}

func TestHubKernelSink(t *testing.T) {
	hub := NewHub()
	sink := &fakeKernelSink{reads: make(chan int, 1)}
	require.NoError(t, hub.BindKernel(sink))
	assert.Error(t, hub.BindKernel(sink), "second kernel bind must fail")

	hub.Kernel().ReadDone(make([]byte, 8), 8, nil)
	assert.Equal(t, 8, <-sink.reads)

	hub.UnbindKernel(sink)
	require.NoError(t, hub.BindKernel(sink))
}
