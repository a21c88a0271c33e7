package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/nvmux/nvmux/internal/protocol/wire"
	"github.com/nvmux/nvmux/pkg/client"
	"github.com/nvmux/nvmux/pkg/medium/memory"
	"github.com/nvmux/nvmux/pkg/registry"
	"github.com/nvmux/nvmux/pkg/storage"
)

// startTestServer runs a wire adapter over a loopback listener with one
// memory-backed volume named "main".
func startTestServer(t *testing.T, config WireConfig) (*WireAdapter, string) {
	t.Helper()

	reg := registry.NewRegistry()
	require.NoError(t, reg.AddVolume(context.Background(), &registry.VolumeConfig{
		Name:          "main",
		Medium:        memory.New(8192),
		UserStart:     0,
		UserLength:    4096,
		KernelStart:   4096,
		KernelLength:  4096,
		AppRegionSize: 256,
	}))

	config.Listen = "127.0.0.1:0"
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 2 * time.Second
	}
	adapter := New(config, nil)
	adapter.SetRegistry(reg)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- adapter.Serve(ctx)
	}()

	// Wait for the listener to bind.
	deadline := time.Now().Add(2 * time.Second)
	for adapter.Port() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("adapter never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-serverDone:
		case <-time.After(5 * time.Second):
			t.Error("adapter did not shut down")
		}
	})

	addr := adapter.listener.Addr().String()
	return adapter, addr
}

func dialTestClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitNote blocks for the next notification of the given kind,
// failing on anything else.
func waitNote(t *testing.T, c *client.Client, kind uint32) client.Notification {
	t.Helper()
	select {
	case n, ok := <-c.Notifications():
		require.True(t, ok, "notification channel closed")
		require.Equal(t, kind, n.Kind, "unexpected notification kind")
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification kind %d", kind)
		return client.Notification{}
	}
}

func TestAttachInitializeAndRoundTrip(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{})
	c := dialTestClient(t, addr)
	ctx := context.Background()

	session, err := c.Attach(ctx, "main", 1, "")
	require.NoError(t, err)
	assert.NotEmpty(t, session)

	require.NoError(t, c.Probe(ctx))

	require.NoError(t, c.Initialize(ctx))
	n := waitNote(t, c, proto.NoteInitDone)
	require.NoError(t, n.Err)

	size, err := c.RegionSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), size)

	payload := []byte("over the wire")
	require.NoError(t, c.Write(ctx, 10, payload))
	n = waitNote(t, c, proto.NoteWriteDone)
	require.NoError(t, n.Err)
	assert.Equal(t, uint32(len(payload)), n.Value)

	require.NoError(t, c.Read(ctx, 10, uint64(len(payload))))
	n = waitNote(t, c, proto.NoteReadDone)
	require.NoError(t, n.Err)
	assert.Equal(t, payload, n.Data)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", stats.Volume)
	assert.True(t, stats.Ready)
	assert.Equal(t, uint64(1), stats.Allocations)

	require.NoError(t, c.Detach(ctx))
}

func TestAttachValidation(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{})
	ctx := context.Background()

	c := dialTestClient(t, addr)
	_, err := c.Attach(ctx, "missing", 1, "")
	assert.True(t, storage.IsCode(err, storage.ErrFail), "unknown volume: %v", err)

	_, err = c.Attach(ctx, "main", 0, "")
	assert.True(t, storage.IsCode(err, storage.ErrFail), "app 0: %v", err)

	// Calls before attach are rejected.
	err = c.Probe(ctx)
	assert.True(t, storage.IsCode(err, storage.ErrNotReady), "probe before attach: %v", err)
}

func TestDuplicateAttachIsBusy(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{})
	ctx := context.Background()

	first := dialTestClient(t, addr)
	_, err := first.Attach(ctx, "main", 7, "")
	require.NoError(t, err)

	second := dialTestClient(t, addr)
	_, err = second.Attach(ctx, "main", 7, "")
	assert.True(t, storage.IsCode(err, storage.ErrBusy), "duplicate attach: %v", err)

	// A different identity attaches fine.
	_, err = second.Attach(ctx, "main", 8, "")
	require.NoError(t, err)

	// Detaching frees the identity for a new session.
	require.NoError(t, first.Detach(ctx))
	third := dialTestClient(t, addr)
	_, err = third.Attach(ctx, "main", 7, "")
	assert.NoError(t, err)
}

func TestKernelProceduresNeedPrivilege(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{AdminToken: "secret"})
	ctx := context.Background()

	plain := dialTestClient(t, addr)
	_, err := plain.Attach(ctx, "main", 1, "")
	require.NoError(t, err)

	err = plain.KernelRead(ctx, 4096, 16)
	assert.True(t, storage.IsCode(err, storage.ErrUnsupported), "kernel read without token: %v", err)

	wrong := dialTestClient(t, addr)
	_, err = wrong.Attach(ctx, "main", 2, "nope")
	assert.True(t, storage.IsCode(err, storage.ErrFail), "bad token: %v", err)

	admin := dialTestClient(t, addr)
	_, err = admin.Attach(ctx, "main", 3, "secret")
	require.NoError(t, err)

	payload := []byte("kernel payload")
	require.NoError(t, admin.KernelWrite(ctx, 4200, payload))
	n := waitNote(t, admin, proto.NoteKernelWriteDone)
	require.NoError(t, n.Err)

	require.NoError(t, admin.KernelRead(ctx, 4200, uint64(len(payload))))
	n = waitNote(t, admin, proto.NoteKernelReadDone)
	require.NoError(t, n.Err)
	assert.Equal(t, payload, n.Data)
}

func TestRegistryIdentityMode(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{
		IdentityMode: IdentityRegistry,
		FixedApps:    []uint32{1},
	})
	ctx := context.Background()

	fixed := dialTestClient(t, addr)
	_, err := fixed.Attach(ctx, "main", 1, "")
	require.NoError(t, err)
	require.NoError(t, fixed.Initialize(ctx))
	n := waitNote(t, fixed, proto.NoteInitDone)
	require.NoError(t, n.Err)

	// Unregistered ids attach with an ephemeral identity that cannot
	// hold a durable region.
	ephemeral := dialTestClient(t, addr)
	_, err = ephemeral.Attach(ctx, "main", 42, "")
	require.NoError(t, err)
	err = ephemeral.Initialize(ctx)
	assert.True(t, storage.IsCode(err, storage.ErrUnsupported), "ephemeral initialize: %v", err)
}

func TestReadErrorsReportedOnReply(t *testing.T) {
	_, addr := startTestServer(t, WireConfig{})
	ctx := context.Background()

	c := dialTestClient(t, addr)
	_, err := c.Attach(ctx, "main", 1, "")
	require.NoError(t, err)

	// Read before a region exists.
	err = c.Read(ctx, 0, 16)
	assert.True(t, storage.IsCode(err, storage.ErrNotReady), "read with no region: %v", err)

	require.NoError(t, c.Initialize(ctx))
	n := waitNote(t, c, proto.NoteInitDone)
	require.NoError(t, n.Err)

	// Read past the region boundary.
	err = c.Read(ctx, 0, 257)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds), "oversized read: %v", err)
}

func TestGracefulShutdownDrainsConnections(t *testing.T) {
	adapter, addr := startTestServer(t, WireConfig{ShutdownTimeout: 2 * time.Second})
	ctx := context.Background()

	c := dialTestClient(t, addr)
	_, err := c.Attach(ctx, "main", 1, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return adapter.GetActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, c.Close())
	assert.NoError(t, adapter.Stop(stopCtx))
}
