package storage

import (
	"github.com/nvmux/nvmux/internal/format"
	"github.com/nvmux/nvmux/internal/logger"
)

// Directory machine: the magic check on volume open, the header-chain
// traversal that rediscovers regions after a reboot, and the allocation
// protocol that appends a header plus a fresh sentinel at the frontier.
//
// The protocol is a chain of single medium operations. The continuation
// lives in the owner slot's headerStep rather than on the call stack,
// so arbitrarily long chains cost constant stack. Directory work never
// queues: a request that finds the channel busy fails fast with Busy.

// Initialize requests a durable region for the application. A nil
// return means the request was accepted (or was already satisfied); the
// outcome arrives with the InitDone upcall.
//
// Re-initializing an already-assigned application is idempotent: it
// completes immediately with success and no media traffic.
//
// Identities that are not fixed across reboots cannot hold durable
// regions, because ownership must be re-derivable purely from on-media
// bytes after a restart; they are rejected with Unsupported.
func (d *Driver) Initialize(ident Identity) error {
	d.mu.Lock()
	if ident.ID == format.SentinelOwner {
		d.mu.Unlock()
		return newError(ErrFail, "storage: identity 0 is the sentinel owner")
	}
	a := d.apps.enter(ident)
	if !d.ready {
		d.mu.Unlock()
		return newError(ErrNotReady, "storage: volume not open")
	}
	if !a.fixed {
		d.opsRejected++
		d.metrics.RecordRejected("initialize", ErrUnsupported.String())
		d.mu.Unlock()
		return newError(ErrUnsupported,
			"storage: app %d has an ephemeral identity and cannot hold a durable region", a.id)
	}
	a.hasRequested = true

	if a.region != nil {
		id := a.id
		// Through the delivery queue so the upcall cannot overtake a
		// completion that is already queued for this app.
		d.enqueueNotesLocked([]func(){func() { d.notifier.InitDone(id, nil) }})
		d.mu.Unlock()
		d.pumpNotes()
		return nil
	}

	a.waiting = true
	if d.owner.class != ownerNone {
		// Directory work never queues. The app stays marked waiting, so
		// a traversal already in flight may still satisfy it; otherwise
		// the caller retries.
		d.opsRejected++
		d.metrics.RecordRejected("initialize", ErrBusy.String())
		d.mu.Unlock()
		return newError(ErrBusy, "storage: medium channel busy, retry initialize")
	}

	err := d.startWalkLocked()
	d.mu.Unlock()
	return err
}

// startWalkLocked begins a traversal at the first header.
func (d *Driver) startWalkLocked() error {
	buf, ok := d.header.loan()
	if !ok {
		return newError(ErrBufferUnavailable, "storage: header buffer on loan")
	}
	d.owner = owner{class: ownerHeader, step: stepWalk}
	d.cursor = format.FirstHeaderAddr(d.userStart)
	d.issue(opRead, buf[:format.HeaderSize], d.cursor, "initialize")
	return nil
}

// stepHeaderLocked resumes the directory machine at the recorded step.
func (d *Driver) stepHeaderLocked(opErr error) []func() {
	switch d.owner.step {
	case stepMagicCheck:
		return d.stepMagicCheckLocked(opErr)
	case stepMagicWrite:
		return d.stepMagicWriteLocked(opErr)
	case stepFormatSentinel:
		return d.stepFormatSentinelLocked(opErr)
	case stepWalk:
		return d.stepWalkLocked(opErr)
	case stepHeaderWrite:
		return d.stepHeaderWriteLocked(opErr)
	case stepSentinelWrite:
		return d.stepSentinelWriteLocked(opErr)
	default:
		logger.Error("volume %q: unknown header step %d", d.volume, d.owner.step)
		return d.failWaitingLocked(newError(ErrFail, "storage: unknown header step"))
	}
}

// Volume open. A matching magic marker means a previous run formatted
// the chain; anything else is a cold start that writes the marker and
// zeroes the first sentinel.

func (d *Driver) stepMagicCheckLocked(opErr error) []func() {
	if opErr != nil {
		return d.finishStartLocked(newError(ErrFail, "storage: magic read failed: %v", opErr))
	}
	if format.ReadMagic(d.header.buf) == format.MagicValue {
		logger.Debug("volume %q: magic marker present, chain intact", d.volume)
		return d.finishStartLocked(nil)
	}
	logger.Info("volume %q: magic marker missing, formatting chain", d.volume)
	format.PutMagic(d.header.buf)
	d.owner.step = stepMagicWrite
	d.issue(opWrite, d.header.buf[:format.MagicSize], d.userStart, "open")
	return nil
}

func (d *Driver) stepMagicWriteLocked(opErr error) []func() {
	if opErr != nil {
		return d.finishStartLocked(newError(ErrFail, "storage: magic write failed: %v", opErr))
	}
	zeroHeader(d.header.buf)
	d.owner.step = stepFormatSentinel
	d.issue(opWrite, d.header.buf[:format.HeaderSize], format.FirstHeaderAddr(d.userStart), "open")
	return nil
}

func (d *Driver) stepFormatSentinelLocked(opErr error) []func() {
	if opErr != nil {
		return d.finishStartLocked(newError(ErrFail, "storage: sentinel write failed: %v", opErr))
	}
	// A freshly formatted chain puts the frontier right after the magic
	// marker; no traversal is needed to find it.
	d.frontier = format.FirstHeaderAddr(d.userStart)
	d.frontierKnown = true
	return d.finishStartLocked(nil)
}

func (d *Driver) finishStartLocked(err error) []func() {
	d.header.reclaim()
	d.owner = owner{}
	if err == nil {
		d.ready = true
	}
	d.startDone <- err
	return nil
}

// Traversal. Each completion decodes one header: a sentinel ends the
// walk at the frontier and hands off to allocation; any other header
// may satisfy a waiting app before the walk follows the chain.

func (d *Driver) stepWalkLocked(opErr error) []func() {
	if opErr != nil {
		return d.failWaitingLocked(newError(ErrFail, "storage: header read failed: %v", opErr))
	}
	hdr := format.ReadHeader(d.header.buf)

	if hdr.IsSentinel() {
		d.frontier = d.cursor
		d.frontierKnown = true
		return d.allocateNextLocked(nil)
	}

	// A region running past the userspace span means the chain is
	// corrupt. Fail the waiting apps instead of walking into garbage.
	if hdr.Length > d.userLength {
		logger.Error("volume %q: corrupt chain, header at %d declares %d-byte region",
			d.volume, d.cursor, hdr.Length)
		return d.failWaitingLocked(newError(ErrOutOfBounds,
			"storage: header at %d declares a region larger than the userspace span", d.cursor))
	}
	next := format.NextHeaderAddr(d.cursor, hdr.Length)
	if err := checkSpan(d.userStart, d.userLength, next, format.HeaderSize); err != nil {
		logger.Error("volume %q: corrupt chain, header at %d declares %d-byte region",
			d.volume, d.cursor, hdr.Length)
		return d.failWaitingLocked(err)
	}

	var notes []func()
	if a, ok := d.apps.lookup(hdr.Owner); ok && a.waiting && a.region == nil {
		region := Region{Offset: format.RegionOffset(d.cursor), Length: hdr.Length}
		a.region = &region
		a.waiting = false
		id := a.id
		notes = append(notes, func() { d.notifier.InitDone(id, nil) })
		logger.Debug("volume %q: app %d rediscovered region at %d+%d",
			d.volume, id, region.Offset, region.Length)
	}

	if !d.apps.anyWaiting() {
		d.finishHeaderLocked()
		return notes
	}

	d.cursor = next
	d.issue(opRead, d.header.buf[:format.HeaderSize], d.cursor, "initialize")
	return notes
}

// Allocation. The new header is written at the frontier first; the
// zeroed sentinel that follows it is what publishes the allocation, so
// success is only reported after both writes complete.

func (d *Driver) allocateNextLocked(notes []func()) []func() {
	userEnd := d.userStart + d.userLength
	for {
		a := d.apps.firstWaiting()
		if a == nil {
			d.finishHeaderLocked()
			return notes
		}

		// Room for the header, the region body, and the new sentinel.
		need := format.HeaderSize + d.regionSize + format.HeaderSize
		if d.frontier > userEnd || need > userEnd-d.frontier {
			a.waiting = false
			id := a.id
			err := newError(ErrOutOfBounds,
				"storage: no room for a %d-byte region at frontier %d", d.regionSize, d.frontier)
			d.metrics.RecordAllocation(err)
			notes = append(notes, func() { d.notifier.InitDone(id, err) })
			continue
		}

		d.allocFor = a
		format.PutHeader(d.header.buf, format.Header{Owner: a.id, Length: d.regionSize})
		d.owner.step = stepHeaderWrite
		d.issue(opWrite, d.header.buf[:format.HeaderSize], d.frontier, "allocate")
		return notes
	}
}

func (d *Driver) stepHeaderWriteLocked(opErr error) []func() {
	a := d.allocFor
	if opErr != nil {
		d.allocFor = nil
		a.waiting = false
		id := a.id
		err := newError(ErrFail, "storage: header write failed: %v", opErr)
		d.metrics.RecordAllocation(err)
		note := func() { d.notifier.InitDone(id, err) }
		return d.allocateNextLocked([]func(){note})
	}

	region := Region{Offset: format.RegionOffset(d.frontier), Length: d.regionSize}
	a.region = &region
	d.frontier = format.NextHeaderAddr(d.frontier, d.regionSize)
	d.allocations++
	d.metrics.RecordAllocation(nil)
	logger.Info("volume %q: allocated region at %d+%d for app %d, frontier now %d",
		d.volume, region.Offset, region.Length, a.id, d.frontier)

	zeroHeader(d.header.buf)
	d.owner.step = stepSentinelWrite
	d.issue(opWrite, d.header.buf[:format.HeaderSize], d.frontier, "allocate")
	return nil
}

func (d *Driver) stepSentinelWriteLocked(opErr error) []func() {
	a := d.allocFor
	d.allocFor = nil
	a.waiting = false
	id := a.id

	var err error
	if opErr != nil {
		err = newError(ErrFail, "storage: sentinel write failed: %v", opErr)
	}
	note := func() { d.notifier.InitDone(id, err) }
	return d.allocateNextLocked([]func(){note})
}

// failWaitingLocked surfaces a mid-protocol failure to every app still
// waiting on this traversal, then releases the channel.
func (d *Driver) failWaitingLocked(err error) []func() {
	var notes []func()
	for _, a := range d.apps.order {
		if a.waiting && a.region == nil {
			a.waiting = false
			id := a.id
			notes = append(notes, func() { d.notifier.InitDone(id, err) })
		}
	}
	d.finishHeaderLocked()
	return notes
}

// finishHeaderLocked releases the header buffer and the channel, then
// drains parked requests.
func (d *Driver) finishHeaderLocked() {
	d.header.reclaim()
	d.owner = owner{}
	d.opsCompleted++
	d.drainLocked()
}

func zeroHeader(b []byte) {
	for i := 0; i < format.HeaderSize; i++ {
		b[i] = 0
	}
}
