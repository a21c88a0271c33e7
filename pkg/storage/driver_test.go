package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmux/nvmux/internal/format"
	"github.com/nvmux/nvmux/pkg/medium"
	"github.com/nvmux/nvmux/pkg/medium/memory"
	"github.com/nvmux/nvmux/pkg/storage"
)

// ============================================================================
// Test doubles
// ============================================================================

// mediaOp records one medium call: kind, address, length.
type mediaOp struct {
	write bool
	addr  uint64
	n     int
}

// recordingMedium wraps a memory medium and logs every call, so tests
// can assert exactly what touched the media.
type recordingMedium struct {
	*memory.Medium

	mu  sync.Mutex
	ops []mediaOp
}

func newRecordingMedium(size uint64) *recordingMedium {
	return &recordingMedium{Medium: memory.New(size)}
}

func (r *recordingMedium) ReadAt(ctx context.Context, p []byte, addr uint64) error {
	r.mu.Lock()
	r.ops = append(r.ops, mediaOp{write: false, addr: addr, n: len(p)})
	r.mu.Unlock()
	return r.Medium.ReadAt(ctx, p, addr)
}

func (r *recordingMedium) WriteAt(ctx context.Context, p []byte, addr uint64) error {
	r.mu.Lock()
	r.ops = append(r.ops, mediaOp{write: true, addr: addr, n: len(p)})
	r.mu.Unlock()
	return r.Medium.WriteAt(ctx, p, addr)
}

func (r *recordingMedium) opLog() []mediaOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mediaOp(nil), r.ops...)
}

// gatedCall is one medium call held at the gate until the test releases
// it.
type gatedCall struct {
	write   bool
	addr    uint64
	release chan error
}

// gatedMedium wraps a memory medium and, once gating is enabled, parks
// every call until the test releases it. This steps the driver's async
// machine deterministically.
type gatedMedium struct {
	*memory.Medium

	gating atomic.Bool
	calls  chan *gatedCall
}

func newGatedMedium(size uint64) *gatedMedium {
	return &gatedMedium{Medium: memory.New(size), calls: make(chan *gatedCall, 16)}
}

func (g *gatedMedium) hold(write bool, addr uint64) error {
	if !g.gating.Load() {
		return nil
	}
	c := &gatedCall{write: write, addr: addr, release: make(chan error)}
	g.calls <- c
	return <-c.release
}

func (g *gatedMedium) ReadAt(ctx context.Context, p []byte, addr uint64) error {
	if err := g.hold(false, addr); err != nil {
		return err
	}
	return g.Medium.ReadAt(ctx, p, addr)
}

func (g *gatedMedium) WriteAt(ctx context.Context, p []byte, addr uint64) error {
	if err := g.hold(true, addr); err != nil {
		return err
	}
	return g.Medium.WriteAt(ctx, p, addr)
}

// next waits for the next gated call.
func (g *gatedMedium) next(t *testing.T) *gatedCall {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a medium call")
		return nil
	}
}

// event is one notifier upcall.
type event struct {
	kind string // "read", "write", "init"
	app  uint32
	n    int
	err  error
}

// recNotifier records upcalls on a channel.
type recNotifier struct {
	events chan event
}

func newRecNotifier() *recNotifier {
	return &recNotifier{events: make(chan event, 32)}
}

func (r *recNotifier) ReadDone(app uint32, n int, err error) {
	r.events <- event{kind: "read", app: app, n: n, err: err}
}

func (r *recNotifier) WriteDone(app uint32, n int, err error) {
	r.events <- event{kind: "write", app: app, n: n, err: err}
}

func (r *recNotifier) InitDone(app uint32, err error) {
	r.events <- event{kind: "init", app: app, err: err}
}

func (r *recNotifier) wait(t *testing.T, kind string, app uint32) event {
	t.Helper()
	select {
	case ev := <-r.events:
		require.Equal(t, kind, ev.kind, "unexpected upcall kind")
		require.Equal(t, app, ev.app, "unexpected upcall app")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s upcall for app %d", kind, app)
		return event{}
	}
}

// holdNotifier records ReadDone transfer lengths in delivery order and
// can hold the next ReadDone open until released. Holding an upcall
// open exposes any path where a later completion's upcall could
// overtake an earlier one.
type holdNotifier struct {
	inits    chan uint32
	reads    chan int
	holdNext atomic.Bool
	entered  chan struct{}
	release  chan struct{}

	mu    sync.Mutex
	order []int
}

func newHoldNotifier() *holdNotifier {
	return &holdNotifier{
		inits:   make(chan uint32, 1),
		reads:   make(chan int, 4),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *holdNotifier) ReadDone(app uint32, n int, err error) {
	if h.holdNext.CompareAndSwap(true, false) {
		h.entered <- struct{}{}
		<-h.release
	}
	h.mu.Lock()
	h.order = append(h.order, n)
	h.mu.Unlock()
	h.reads <- n
}

func (h *holdNotifier) WriteDone(app uint32, n int, err error) {}

func (h *holdNotifier) InitDone(app uint32, err error) { h.inits <- app }

func (h *holdNotifier) readOrder() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.order...)
}

// recKernel records kernel completions.
type recKernel struct {
	events chan event
}

func newRecKernel() *recKernel {
	return &recKernel{events: make(chan event, 8)}
}

func (r *recKernel) ReadDone(buf []byte, n int, err error) {
	r.events <- event{kind: "read", n: n, err: err}
}

func (r *recKernel) WriteDone(buf []byte, n int, err error) {
	r.events <- event{kind: "write", n: n, err: err}
}

func (r *recKernel) wait(t *testing.T, kind string) event {
	t.Helper()
	select {
	case ev := <-r.events:
		require.Equal(t, kind, ev.kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for kernel %s completion", kind)
		return event{}
	}
}

// ============================================================================
// Fixtures
// ============================================================================

const (
	testUserStart    = 0
	testUserLength   = 2048
	testKernelStart  = 2048
	testKernelLength = 2048
	testRegionSize   = 128
)

func testConfig(m medium.Medium, n storage.Notifier, k storage.KernelClient) storage.Config {
	return storage.Config{
		Volume:        "test",
		Medium:        m,
		UserStart:     testUserStart,
		UserLength:    testUserLength,
		KernelStart:   testKernelStart,
		KernelLength:  testKernelLength,
		AppRegionSize: testRegionSize,
		Notifier:      n,
		Kernel:        k,
	}
}

func startDriver(t *testing.T, m medium.Medium, n storage.Notifier, k storage.KernelClient) *storage.Driver {
	t.Helper()
	d, err := storage.New(testConfig(m, n, k))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	return d
}

func app(id uint32) storage.Identity {
	return storage.Identity{ID: id, Fixed: true}
}

// initApp runs the initialize protocol to completion for one app.
func initApp(t *testing.T, d *storage.Driver, n *recNotifier, id uint32) {
	t.Helper()
	require.NoError(t, d.Initialize(app(id)))
	ev := n.wait(t, "init", id)
	require.NoError(t, ev.err)
}

// ============================================================================
// Volume open
// ============================================================================

func TestColdStartFormatsChain(t *testing.T) {
	m := newRecordingMedium(4096)
	n := newRecNotifier()
	startDriver(t, m, n, nil)

	ops := m.opLog()
	require.Len(t, ops, 3)
	assert.Equal(t, mediaOp{write: false, addr: testUserStart, n: format.MagicSize}, ops[0])
	assert.Equal(t, mediaOp{write: true, addr: testUserStart, n: format.MagicSize}, ops[1])
	assert.Equal(t, mediaOp{write: true, addr: testUserStart + format.MagicSize, n: format.HeaderSize}, ops[2])

	// The chain is now valid with zero allocated regions.
	buf := make([]byte, format.MagicSize)
	require.NoError(t, m.Medium.ReadAt(context.Background(), buf, testUserStart))
	assert.Equal(t, format.MagicValue, format.ReadMagic(buf))

	hdr := make([]byte, format.HeaderSize)
	require.NoError(t, m.Medium.ReadAt(context.Background(), hdr, format.FirstHeaderAddr(testUserStart)))
	assert.True(t, format.ReadHeader(hdr).IsSentinel())
}

func TestWarmStartTouchesNothing(t *testing.T) {
	m := newRecordingMedium(4096)
	n := newRecNotifier()
	startDriver(t, m, n, nil)
	firstBoot := len(m.opLog())

	d, err := storage.New(testConfig(m, n, nil))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	ops := m.opLog()[firstBoot:]
	require.Len(t, ops, 1, "warm start must only read the magic marker")
	assert.False(t, ops[0].write)
}

func TestOperationsBeforeStartAreNotReady(t *testing.T) {
	d, err := storage.New(testConfig(memory.New(4096), newRecNotifier(), nil))
	require.NoError(t, err)

	buf := make([]byte, 16)
	assert.True(t, storage.IsCode(d.Read(app(1), buf, 0, 16), storage.ErrNotReady))
	assert.True(t, storage.IsCode(d.Initialize(app(1)), storage.ErrNotReady))
}

// ============================================================================
// Allocation and discovery
// ============================================================================

func TestAllocationPlacement(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)

	initApp(t, d, n, 1)
	initApp(t, d, n, 2)

	ctx := context.Background()
	hdr := make([]byte, format.HeaderSize)

	// First header sits immediately after the magic marker.
	first := format.FirstHeaderAddr(testUserStart)
	require.NoError(t, m.ReadAt(ctx, hdr, first))
	assert.Equal(t, format.Header{Owner: 1, Length: testRegionSize}, format.ReadHeader(hdr))

	// The second header sits at the previous frontier.
	second := format.NextHeaderAddr(first, testRegionSize)
	require.NoError(t, m.ReadAt(ctx, hdr, second))
	assert.Equal(t, format.Header{Owner: 2, Length: testRegionSize}, format.ReadHeader(hdr))

	// The chain is terminated by exactly one sentinel at the frontier.
	frontier := format.NextHeaderAddr(second, testRegionSize)
	require.NoError(t, m.ReadAt(ctx, hdr, frontier))
	assert.True(t, format.ReadHeader(hdr).IsSentinel())

	stats := d.Stats()
	assert.Equal(t, frontier, stats.Frontier)
	assert.Equal(t, 2, stats.Regions)
	assert.Equal(t, uint64(2), stats.Allocations)
}

func TestRegionsAreDisjoint(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)

	for id := uint32(1); id <= 4; id++ {
		initApp(t, d, n, id)
	}

	// Writing one app's whole region never shows up in another's.
	full := make([]byte, testRegionSize)
	for i := range full {
		full[i] = 0xEE
	}
	require.NoError(t, d.Write(app(2), full, 0, testRegionSize))
	n.wait(t, "write", 2)

	zero := make([]byte, testRegionSize)
	for _, other := range []uint32{1, 3, 4} {
		got := make([]byte, testRegionSize)
		require.NoError(t, d.Read(app(other), got, 0, testRegionSize))
		ev := n.wait(t, "read", other)
		require.NoError(t, ev.err)
		assert.Equal(t, zero, got, "app %d sees app 2's bytes", other)
	}
}

func TestIdempotentInitialize(t *testing.T) {
	m := newRecordingMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)

	initApp(t, d, n, 7)
	size1, err := d.RegionSize(app(7))
	require.NoError(t, err)

	before := len(m.opLog())
	initApp(t, d, n, 7)
	size2, err := d.RegionSize(app(7))
	require.NoError(t, err)

	assert.Equal(t, size1, size2)
	assert.Equal(t, before, len(m.opLog()), "re-initialize must not touch the media")
	assert.Equal(t, uint64(1), d.Stats().Allocations)
}

func TestDiscoveryAcrossRestart(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)

	initApp(t, d, n, 9)
	payload := []byte("reboot-stable bytes")
	require.NoError(t, d.Write(app(9), payload, 32, uint64(len(payload))))
	n.wait(t, "write", 9)

	// Second boot on the same medium: the region is rediscovered from
	// the header chain, not re-allocated.
	d2, err := storage.New(testConfig(m, n, nil))
	require.NoError(t, err)
	require.NoError(t, d2.Start(context.Background()))

	initApp(t, d2, n, 9)
	assert.Equal(t, uint64(0), d2.Stats().Allocations)

	got := make([]byte, len(payload))
	require.NoError(t, d2.Read(app(9), got, 32, uint64(len(payload))))
	ev := n.wait(t, "read", 9)
	require.NoError(t, ev.err)
	assert.Equal(t, payload, got)
}

func TestEphemeralIdentityCannotAllocate(t *testing.T) {
	d := startDriver(t, memory.New(4096), newRecNotifier(), nil)

	err := d.Initialize(storage.Identity{ID: 5, Fixed: false})
	assert.True(t, storage.IsCode(err, storage.ErrUnsupported))
}

func TestSentinelIdentityRejected(t *testing.T) {
	d := startDriver(t, memory.New(4096), newRecNotifier(), nil)

	assert.True(t, storage.IsCode(d.Initialize(storage.Identity{ID: 0, Fixed: true}), storage.ErrFail))
	assert.True(t, storage.IsCode(d.Probe(storage.Identity{ID: 0, Fixed: true}), storage.ErrFail))
}

func TestAllocationExhaustsUserSpan(t *testing.T) {
	// Room for the magic marker, one region, and the trailing sentinel
	// only: 4 + 12 + 128 + 12.
	m := memory.New(4096)
	n := newRecNotifier()
	cfg := testConfig(m, n, nil)
	cfg.UserLength = format.MagicSize + format.HeaderSize + testRegionSize + format.HeaderSize
	cfg.KernelStart = 2048
	d, err := storage.New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	initApp(t, d, n, 1)

	require.NoError(t, d.Initialize(app(2)))
	ev := n.wait(t, "init", 2)
	assert.True(t, storage.IsCode(ev.err, storage.ErrOutOfBounds))

	// The failed app can still be told its region does not exist.
	_, err = d.RegionSize(app(2))
	assert.True(t, storage.IsCode(err, storage.ErrNotReady))
}

func TestCorruptChainSurfacesOutOfBounds(t *testing.T) {
	ctx := context.Background()
	m := memory.New(4096)

	// Hand-craft a chain whose first header declares a region running
	// past the userspace span.
	buf := make([]byte, format.MagicSize)
	format.PutMagic(buf)
	require.NoError(t, m.WriteAt(ctx, buf, testUserStart))
	hdr := make([]byte, format.HeaderSize)
	format.PutHeader(hdr, format.Header{Owner: 3, Length: testUserLength * 2})
	require.NoError(t, m.WriteAt(ctx, hdr, format.FirstHeaderAddr(testUserStart)))

	n := newRecNotifier()
	d := startDriver(t, m, n, nil)

	require.NoError(t, d.Initialize(app(1)))
	ev := n.wait(t, "init", 1)
	assert.True(t, storage.IsCode(ev.err, storage.ErrOutOfBounds))
}

// ============================================================================
// Bounds and transfers
// ============================================================================

func TestBoundsBoundary(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)
	initApp(t, d, n, 1)

	buf := make([]byte, testRegionSize)

	// offset+length == region length succeeds.
	require.NoError(t, d.Read(app(1), buf, 0, testRegionSize))
	n.wait(t, "read", 1)
	require.NoError(t, d.Read(app(1), buf, testRegionSize-1, 1))
	n.wait(t, "read", 1)

	// One byte past the end fails.
	err := d.Read(app(1), buf, 0, testRegionSize+1)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds))
	err = d.Read(app(1), buf, 1, testRegionSize)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds))
	err = d.Write(app(1), buf, testRegionSize, 1)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds))
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	d := startDriver(t, m, n, nil)
	initApp(t, d, n, 1)

	payload := []byte("round trip payload")
	require.NoError(t, d.Write(app(1), payload, 17, uint64(len(payload))))
	ev := n.wait(t, "write", 1)
	require.NoError(t, ev.err)
	assert.Equal(t, len(payload), ev.n)

	got := make([]byte, len(payload))
	require.NoError(t, d.Read(app(1), got, 17, uint64(len(payload))))
	ev = n.wait(t, "read", 1)
	require.NoError(t, ev.err)
	assert.Equal(t, len(payload), ev.n)
	assert.Equal(t, payload, got)
}

func TestTransferClamping(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	cfg := testConfig(m, n, nil)
	cfg.TransferBufferSize = 8
	d, err := storage.New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	initApp(t, d, n, 1)

	// Transfer buffer bounds a single transfer.
	buf := make([]byte, 64)
	require.NoError(t, d.Write(app(1), buf, 0, 64))
	ev := n.wait(t, "write", 1)
	assert.Equal(t, 8, ev.n)

	// A short caller buffer bounds it too.
	small := make([]byte, 3)
	require.NoError(t, d.Read(app(1), small, 0, 64))
	ev = n.wait(t, "read", 1)
	assert.Equal(t, 3, ev.n)

	// An empty caller buffer never reaches the queue.
	err = d.Read(app(1), nil, 0, 4)
	assert.True(t, storage.IsCode(err, storage.ErrBufferUnavailable))
}

func TestReadWithoutRegionIsNotReady(t *testing.T) {
	d := startDriver(t, memory.New(4096), newRecNotifier(), nil)

	buf := make([]byte, 8)
	assert.True(t, storage.IsCode(d.Read(app(1), buf, 0, 8), storage.ErrNotReady))
	_, err := d.RegionSize(app(1))
	assert.True(t, storage.IsCode(err, storage.ErrNotReady))
}

// ============================================================================
// Arbitration
// ============================================================================

func TestContentionParksAndAutoDispatches(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, g, n, nil)
	initApp(t, d, n, 1)
	initApp(t, d, n, 2)
	g.gating.Store(true)

	// App 2's write occupies the channel.
	require.NoError(t, d.Write(app(2), []byte("busy"), 0, 4))
	inFlight := g.next(t)
	require.True(t, inFlight.write)

	// App 1's read is admitted as pending, not started.
	buf := make([]byte, 4)
	require.NoError(t, d.Read(app(1), buf, 0, 4))
	select {
	case <-g.calls:
		t.Fatal("parked read must not start while the channel is busy")
	case <-time.After(50 * time.Millisecond):
	}

	// Completing the write dispatches the read with no further action.
	inFlight.release <- nil
	n.wait(t, "write", 2)

	parked := g.next(t)
	assert.False(t, parked.write)
	parked.release <- nil
	ev := n.wait(t, "read", 1)
	require.NoError(t, ev.err)
}

func TestUpcallOrderSurvivesDrainDispatch(t *testing.T) {
	g := newGatedMedium(4096)
	h := newHoldNotifier()
	d, err := storage.New(testConfig(g, h, nil))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Initialize(app(1)))
	select {
	case <-h.inits:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for init upcall")
	}
	g.gating.Store(true)

	// A 1-byte read occupies the channel; a 2-byte read for the same app
	// parks behind it. The drain dispatches the parked read before the
	// first read's upcall has fired, so the two upcalls race unless the
	// driver orders delivery.
	bufA := make([]byte, 1)
	require.NoError(t, d.Read(app(1), bufA, 0, 1))
	inFlight := g.next(t)

	bufB := make([]byte, 2)
	require.NoError(t, d.Read(app(1), bufB, 1, 2))

	// Hold the first read's upcall open while the drained read runs to
	// completion behind it.
	h.holdNext.Store(true)
	inFlight.release <- nil
	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first read upcall")
	}

	drained := g.next(t)
	assert.False(t, drained.write)
	drained.release <- nil

	// The drained read's upcall must queue behind the held one, not
	// overtake it.
	select {
	case n := <-h.reads:
		t.Fatalf("upcall for the %d-byte read delivered while the earlier upcall was still open", n)
	case <-time.After(100 * time.Millisecond):
	}

	close(h.release)
	for i := 0; i < 2; i++ {
		select {
		case <-h.reads:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for read upcalls")
		}
	}
	assert.Equal(t, []int{1, 2}, h.readOrder(), "upcalls out of completion order")
}

func TestSecondRequestWhilePendingIsQueueFull(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, g, n, nil)
	initApp(t, d, n, 1)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(1), []byte("one"), 0, 3))
	inFlight := g.next(t)

	buf := make([]byte, 3)
	require.NoError(t, d.Read(app(1), buf, 0, 3)) // depth-1 slot
	err := d.Read(app(1), buf, 0, 3)
	assert.True(t, storage.IsCode(err, storage.ErrQueueFull))

	inFlight.release <- nil
	n.wait(t, "write", 1)
	g.next(t).release <- nil
	n.wait(t, "read", 1)
}

func TestInitializeWhileBusyFailsFast(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, g, n, nil)
	initApp(t, d, n, 1)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(1), []byte("held"), 0, 4))
	inFlight := g.next(t)

	// Directory management never queues.
	err := d.Initialize(app(2))
	assert.True(t, storage.IsCode(err, storage.ErrBusy))

	inFlight.release <- nil
	n.wait(t, "write", 1)
}

func TestQueuedWriteKeepsPrivateCopy(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, g, n, nil)
	initApp(t, d, n, 1)
	initApp(t, d, n, 2)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(2), []byte("hold"), 0, 4))
	inFlight := g.next(t)

	// Park a write, then clobber the caller's buffer before dispatch.
	payload := []byte("keep")
	require.NoError(t, d.Write(app(1), payload, 0, 4))
	copy(payload, "XXXX")

	inFlight.release <- nil
	n.wait(t, "write", 2)
	g.next(t).release <- nil
	n.wait(t, "write", 1)
	g.gating.Store(false)

	got := make([]byte, 4)
	require.NoError(t, d.Read(app(1), got, 0, 4))
	ev := n.wait(t, "read", 1)
	require.NoError(t, ev.err)
	assert.Equal(t, []byte("keep"), got)
}

func TestDrainPrefersKernel(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	k := newRecKernel()
	d := startDriver(t, g, n, k)
	initApp(t, d, n, 1)
	initApp(t, d, n, 2)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(1), []byte("busy"), 0, 4))
	inFlight := g.next(t)

	// Park an application read first, then a kernel read.
	buf := make([]byte, 4)
	require.NoError(t, d.Read(app(2), buf, 0, 4))
	kbuf := make([]byte, 4)
	require.NoError(t, d.KernelRead(kbuf, testKernelStart, 4))

	inFlight.release <- nil
	n.wait(t, "write", 1)

	// The kernel goes first despite arriving second.
	first := g.next(t)
	assert.GreaterOrEqual(t, first.addr, uint64(testKernelStart))
	first.release <- nil
	k.wait(t, "read")

	second := g.next(t)
	assert.Less(t, second.addr, uint64(testKernelStart))
	second.release <- nil
	n.wait(t, "read", 2)
}

func TestMediumFailureReachesNotifierAndFreesChannel(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	d := startDriver(t, g, n, nil)
	initApp(t, d, n, 1)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(1), []byte("doomed"), 0, 6))
	g.next(t).release <- medium.ErrOutOfRange

	ev := n.wait(t, "write", 1)
	assert.Error(t, ev.err)
	assert.Equal(t, 0, ev.n)
	g.gating.Store(false)

	// The owner slot was cleared: the channel accepts new work.
	buf := make([]byte, 4)
	require.NoError(t, d.Read(app(1), buf, 0, 4))
	ev = n.wait(t, "read", 1)
	require.NoError(t, ev.err)
}

// ============================================================================
// Kernel tier
// ============================================================================

func TestKernelRoundTripAndBounds(t *testing.T) {
	m := memory.New(4096)
	n := newRecNotifier()
	k := newRecKernel()
	d := startDriver(t, m, n, k)

	payload := []byte("kernel bytes")
	require.NoError(t, d.KernelWrite(payload, testKernelStart+100, uint64(len(payload))))
	ev := k.wait(t, "write")
	require.NoError(t, ev.err)

	got := make([]byte, len(payload))
	require.NoError(t, d.KernelRead(got, testKernelStart+100, uint64(len(payload))))
	ev = k.wait(t, "read")
	require.NoError(t, ev.err)
	assert.Equal(t, payload, got)

	// Exact edges of the kernel span.
	one := make([]byte, 1)
	require.NoError(t, d.KernelRead(one, testKernelStart, 1))
	k.wait(t, "read")
	require.NoError(t, d.KernelRead(one, testKernelStart+testKernelLength-1, 1))
	k.wait(t, "read")

	err := d.KernelRead(one, testKernelStart+testKernelLength, 1)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds))
	err = d.KernelRead(one, testKernelStart-1, 1)
	assert.True(t, storage.IsCode(err, storage.ErrOutOfBounds))
}

func TestKernelWithoutClientIsUnsupported(t *testing.T) {
	d := startDriver(t, memory.New(4096), newRecNotifier(), nil)

	buf := make([]byte, 4)
	assert.True(t, storage.IsCode(d.KernelRead(buf, testKernelStart, 4), storage.ErrUnsupported))
}

func TestKernelQueueDepthOne(t *testing.T) {
	g := newGatedMedium(4096)
	n := newRecNotifier()
	k := newRecKernel()
	d := startDriver(t, g, n, k)
	initApp(t, d, n, 1)
	g.gating.Store(true)

	require.NoError(t, d.Write(app(1), []byte("busy"), 0, 4))
	inFlight := g.next(t)

	buf := make([]byte, 4)
	require.NoError(t, d.KernelRead(buf, testKernelStart, 4))
	err := d.KernelRead(buf, testKernelStart, 4)
	assert.True(t, storage.IsCode(err, storage.ErrQueueFull))

	inFlight.release <- nil
	n.wait(t, "write", 1)
	g.next(t).release <- nil
	k.wait(t, "read")
}
