// Package storage implements the volume driver: it multiplexes one flat
// nonvolatile medium among many isolated applications and a privileged
// kernel client.
//
// The userspace span of the medium carries a self-describing directory:
// a magic marker followed by a chain of region headers, each naming an
// owner and the length of the region body that follows, terminated by a
// zeroed sentinel header. Applications discover-or-create their region
// with Initialize and then read and write strictly inside it using
// region-relative offsets. The kernel client addresses its own span
// with absolute addresses and bypasses the directory.
//
// Exactly one medium operation is in flight per driver at any instant.
// Requests that arrive while the channel is busy park in a depth-1 slot
// per application (plus one for the kernel); directory management never
// queues and fails fast with Busy instead. Every admitted operation
// produces exactly one completion notification.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/nvmux/nvmux/internal/format"
	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/medium"
	"github.com/nvmux/nvmux/pkg/metrics"
)

// DefaultTransferBufferSize is the application transfer buffer size
// used when the configuration does not set one.
const DefaultTransferBufferSize = 512

// Notifier receives the asynchronous completion upcalls for application
// operations. Notifications fire outside the driver lock, so an
// implementation may immediately re-enter the driver. Upcalls are
// delivered one at a time, in completion order: the upcall for an
// operation always precedes the upcall for any operation drained by its
// completion.
//
// For reads the driver has already copied the returned bytes into the
// caller's buffer when ReadDone fires.
type Notifier interface {
	// ReadDone reports a finished application read: n bytes were copied
	// into the caller's buffer. On error n is 0.
	ReadDone(app uint32, n int, err error)

	// WriteDone reports a finished application write of n bytes.
	WriteDone(app uint32, n int, err error)

	// InitDone reports the outcome of an Initialize request. A nil
	// error means the application's region is assigned.
	InitDone(app uint32, err error)
}

// KernelClient receives completions for kernel-direct operations. The
// loaned buffer is always returned with the callback.
type KernelClient interface {
	ReadDone(buf []byte, n int, err error)
	WriteDone(buf []byte, n int, err error)
}

// Config assembles a Driver.
type Config struct {
	// Volume is the volume name, used for logging and metrics labels
	Volume string

	// Medium is the backing device
	Medium medium.Medium

	// UserStart and UserLength delimit the userspace span holding the
	// directory and all application regions
	UserStart  uint64
	UserLength uint64

	// KernelStart and KernelLength delimit the kernel-direct span
	KernelStart  uint64
	KernelLength uint64

	// AppRegionSize is the fixed region size handed to each application
	AppRegionSize uint64

	// TransferBufferSize bounds a single application transfer.
	// Zero selects DefaultTransferBufferSize.
	TransferBufferSize int

	// Notifier receives application completion upcalls (required)
	Notifier Notifier

	// Kernel receives kernel-direct completions. Nil disables the
	// kernel tier: kernel operations fail with Unsupported.
	Kernel KernelClient

	// Metrics is the optional metrics sink; nil selects a no-op sink
	Metrics metrics.StorageMetrics
}

// opKind distinguishes the two medium operations.
type opKind int

const (
	opRead opKind = iota
	opWrite
)

// pendingRequest is an application's parked read or write, fully
// validated at admission. Write payloads are copied into the slot so
// the caller's buffer may be reused immediately.
type pendingRequest struct {
	kind   opKind
	offset uint64 // region-relative
	length int    // clamped transfer length
	caller []byte // read destination, owned by the caller until the upcall
	data   []byte // private copy of the write payload
}

// pendingKernel is the kernel's parked operation.
type pendingKernel struct {
	kind   opKind
	addr   uint64
	length int
	buf    []byte
}

// appInflight records what the dispatcher needs to finish the current
// application operation.
type appInflight struct {
	kind   opKind
	caller []byte
	length int
}

// kernelInflight records the in-flight kernel operation.
type kernelInflight struct {
	kind   opKind
	buf    []byte
	length int
}

// Stats is a point-in-time snapshot of one driver's counters.
type Stats struct {
	Volume        string
	Ready         bool
	Apps          int
	Regions       int
	FrontierKnown bool
	Frontier      uint64
	OpsCompleted  uint64
	OpsQueued     uint64
	OpsRejected   uint64
	BytesRead     uint64
	BytesWritten  uint64
	Allocations   uint64
}

// Driver multiplexes one medium among applications and the kernel.
// All methods are safe for concurrent use; internally every admission
// decision is made synchronously against the single current-owner slot.
type Driver struct {
	volume       string
	medium       medium.Medium
	userStart    uint64
	userLength   uint64
	kernelStart  uint64
	kernelLength uint64
	regionSize   uint64

	notifier Notifier
	kernel   KernelClient
	metrics  metrics.StorageMetrics

	mu  sync.Mutex
	ctx context.Context

	started bool
	ready   bool

	// owner is the current-owner slot: the sole mutual-exclusion
	// primitive for the medium channel
	owner owner

	apps *appTable

	// transfer stages application payloads; header carries directory
	// records and the magic marker
	transfer *bufferSlot
	header   *bufferSlot

	kernelPending *pendingKernel
	pendingCount  int

	appCur    appInflight
	kernelCur kernelInflight

	// cursor is the walk position; frontier is the current sentinel
	// address once a traversal has reached it
	cursor        uint64
	frontier      uint64
	frontierKnown bool

	// allocFor is the app whose allocation is mid-protocol
	allocFor *appState

	startDone chan error

	// noteMu guards the upcall delivery queue. Completions enqueue
	// while still holding d.mu, so queue order is completion order even
	// though the drain issues the next medium operation before the
	// current operation's upcall has fired.
	noteMu      sync.Mutex
	noteQueue   []func()
	notePumping bool

	issuedAt time.Time
	opName   string

	opsCompleted uint64
	opsQueued    uint64
	opsRejected  uint64
	bytesRead    uint64
	bytesWritten uint64
	allocations  uint64
}

// New builds a Driver from cfg. The driver is idle until Start runs the
// volume-open protocol.
func New(cfg Config) (*Driver, error) {
	if cfg.Medium == nil {
		return nil, newError(ErrFail, "storage: medium is required")
	}
	if cfg.Notifier == nil {
		return nil, newError(ErrFail, "storage: notifier is required")
	}
	size := cfg.Medium.Size()
	if err := validateSpan("userspace", size, cfg.UserStart, cfg.UserLength); err != nil {
		return nil, err
	}
	if cfg.KernelLength > 0 {
		if err := validateSpan("kernel", size, cfg.KernelStart, cfg.KernelLength); err != nil {
			return nil, err
		}
		if overlaps(cfg.UserStart, cfg.UserLength, cfg.KernelStart, cfg.KernelLength) {
			return nil, newError(ErrFail, "storage: userspace and kernel spans overlap")
		}
	}
	if cfg.UserLength < format.MagicSize+format.HeaderSize {
		return nil, newError(ErrFail,
			"storage: userspace span of %d bytes cannot hold magic marker and sentinel",
			cfg.UserLength)
	}
	if cfg.AppRegionSize == 0 {
		return nil, newError(ErrFail, "storage: app region size must be positive")
	}

	bufSize := cfg.TransferBufferSize
	if bufSize <= 0 {
		bufSize = DefaultTransferBufferSize
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NoopStorageMetrics()
	}

	return &Driver{
		volume:       cfg.Volume,
		medium:       cfg.Medium,
		userStart:    cfg.UserStart,
		userLength:   cfg.UserLength,
		kernelStart:  cfg.KernelStart,
		kernelLength: cfg.KernelLength,
		regionSize:   cfg.AppRegionSize,
		notifier:     cfg.Notifier,
		kernel:       cfg.Kernel,
		metrics:      m,
		ctx:          context.Background(),
		apps:         newAppTable(),
		transfer:     newBufferSlot(bufSize),
		header:       newBufferSlot(format.MagicSize + format.HeaderSize),
	}, nil
}

func validateSpan(name string, mediumSize, start, length uint64) error {
	if length == 0 {
		return newError(ErrFail, "storage: %s span is empty", name)
	}
	if start > mediumSize || length > mediumSize-start {
		return newError(ErrFail,
			"storage: %s span [%d, %d+%d) exceeds medium of %d bytes",
			name, start, start, length, mediumSize)
	}
	return nil
}

func overlaps(aStart, aLen, bStart, bLen uint64) bool {
	return aStart < bStart+bLen && bStart < aStart+aLen
}

// Start runs the volume-open protocol and blocks until the driver is
// ready or the medium fails.
//
// Open reads the magic marker at the start of the userspace span. A
// match means the directory chain was formatted by a previous run and
// the driver is immediately ready. A mismatch is a cold start: the
// marker is written, the first sentinel header is zeroed right after
// it, and the chain is valid with zero allocated regions.
//
// All client operations before Start completes fail with NotReady.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return newError(ErrFail, "storage: driver already started")
	}
	d.started = true
	d.ctx = ctx
	d.startDone = make(chan error, 1)

	buf, ok := d.header.loan()
	if !ok {
		d.mu.Unlock()
		return newError(ErrBufferUnavailable, "storage: header buffer on loan at open")
	}
	d.owner = owner{class: ownerHeader, step: stepMagicCheck}
	d.issue(opRead, buf[:format.MagicSize], d.userStart, "open")
	d.mu.Unlock()

	err := <-d.startDone
	if err != nil {
		logger.Error("volume %q open failed: %v", d.volume, err)
		return err
	}
	logger.Info("volume %q ready (user span %d+%d, kernel span %d+%d, region size %d)",
		d.volume, d.userStart, d.userLength, d.kernelStart, d.kernelLength, d.regionSize)
	return nil
}

// Probe reports whether the driver exists and the identity is usable.
// It never touches the medium.
func (d *Driver) Probe(ident Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident.ID == format.SentinelOwner {
		return newError(ErrFail, "storage: identity 0 is the sentinel owner")
	}
	d.apps.enter(ident)
	return nil
}

// RegionSize returns the length of the application's assigned region.
// It fails with NotReady if no region has been assigned; it never
// touches the medium.
func (d *Driver) RegionSize(ident Identity) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident.ID == format.SentinelOwner {
		return 0, newError(ErrFail, "storage: identity 0 is the sentinel owner")
	}
	a := d.apps.enter(ident)
	if a.region == nil {
		return 0, newError(ErrNotReady, "storage: app %d has no region assigned", ident.ID)
	}
	return a.region.Length, nil
}

// Read starts an application read of length bytes at the given
// region-relative offset into buf. A nil return means the request was
// admitted (dispatched or parked); the bytes arrive with the ReadDone
// upcall. The caller must not touch buf until then.
func (d *Driver) Read(ident Identity, buf []byte, offset, length uint64) error {
	return d.submit(ident, opRead, buf, offset, length)
}

// Write starts an application write of length bytes from buf at the
// given region-relative offset. A nil return means the request was
// admitted; completion arrives with the WriteDone upcall. The payload
// is copied at admission, so buf may be reused once Write returns.
func (d *Driver) Write(ident Identity, buf []byte, offset, length uint64) error {
	return d.submit(ident, opWrite, buf, offset, length)
}

// KernelRead starts a kernel-direct read at an absolute medium address
// inside the kernel span. Completion arrives at the registered
// KernelClient with the same buffer.
func (d *Driver) KernelRead(buf []byte, addr, length uint64) error {
	return d.kernelSubmit(opRead, buf, addr, length)
}

// KernelWrite starts a kernel-direct write at an absolute medium
// address inside the kernel span.
func (d *Driver) KernelWrite(buf []byte, addr, length uint64) error {
	return d.kernelSubmit(opWrite, buf, addr, length)
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Volume:        d.volume,
		Ready:         d.ready,
		Apps:          len(d.apps.order),
		Regions:       d.apps.regions(),
		FrontierKnown: d.frontierKnown,
		Frontier:      d.frontier,
		OpsCompleted:  d.opsCompleted,
		OpsQueued:     d.opsQueued,
		OpsRejected:   d.opsRejected,
		BytesRead:     d.bytesRead,
		BytesWritten:  d.bytesWritten,
		Allocations:   d.allocations,
	}
}

// issue hands one operation to the medium. The completion path runs on
// the spawned goroutine; the owner slot must already identify the
// caller. d.mu must be held.
func (d *Driver) issue(kind opKind, buf []byte, addr uint64, name string) {
	d.issuedAt = time.Now()
	d.opName = name
	ctx := d.ctx
	go func() {
		var err error
		if kind == opRead {
			err = d.medium.ReadAt(ctx, buf, addr)
		} else {
			err = d.medium.WriteAt(ctx, buf, addr)
		}
		d.complete(err)
	}()
}

// complete is the single completion entry point: it routes on the
// current-owner slot, queues the collected notifications while still
// holding the lock, and delivers them outside it (a notifier may
// re-enter the driver).
func (d *Driver) complete(opErr error) {
	d.mu.Lock()
	duration := time.Since(d.issuedAt)
	name := d.opName

	var notes []func()
	switch d.owner.class {
	case ownerKernel:
		notes = d.completeKernelLocked(opErr)
	case ownerApp:
		notes = d.completeAppLocked(opErr)
	case ownerHeader:
		notes = d.stepHeaderLocked(opErr)
	default:
		logger.Error("volume %q: completion with no owner", d.volume)
	}
	d.metrics.RecordOp(name, duration, opErr)
	d.enqueueNotesLocked(notes)
	d.mu.Unlock()

	d.pumpNotes()
}

// enqueueNotesLocked appends upcalls to the delivery queue. d.mu must
// be held: the drain may already have issued the next medium operation,
// but that operation's completion cannot enqueue its own upcalls until
// d.mu is released, so queue order matches completion order.
func (d *Driver) enqueueNotesLocked(notes []func()) {
	if len(notes) == 0 {
		return
	}
	d.noteMu.Lock()
	d.noteQueue = append(d.noteQueue, notes...)
	d.noteMu.Unlock()
}

// pumpNotes delivers queued upcalls one at a time, in queue order. The
// first goroutine to arrive pumps until the queue is empty; later
// completions leave their upcalls to the active pump. Upcalls run
// without either lock held, so a notifier may re-enter the driver.
func (d *Driver) pumpNotes() {
	d.noteMu.Lock()
	if d.notePumping {
		d.noteMu.Unlock()
		return
	}
	d.notePumping = true
	for len(d.noteQueue) > 0 {
		fn := d.noteQueue[0]
		d.noteQueue = d.noteQueue[1:]
		d.noteMu.Unlock()
		fn()
		d.noteMu.Lock()
	}
	d.notePumping = false
	d.noteMu.Unlock()
}

// clampLen bounds a transfer to the caller's buffer and the staging
// buffer.
func clampLen(requested uint64, bufLen, stageLen int) int {
	n := bufLen
	if stageLen < n {
		n = stageLen
	}
	if requested < uint64(n) {
		n = int(requested)
	}
	return n
}
