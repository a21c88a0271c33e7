package storage

import (
	"github.com/nvmux/nvmux/internal/logger"
)

// Request arbitration: admission, the depth-1 pending slots, and the
// completion-time drain.
//
// Admission order for application reads and writes: identity and region
// checks first, then bounds against the assigned region, then buffer
// availability, and only then the busy/queue decision. A parked request
// was fully validated at admission and is never re-validated at drain
// time.

func opName(kind opKind) string {
	if kind == opRead {
		return "read"
	}
	return "write"
}

func kernelOpName(kind opKind) string {
	if kind == opRead {
		return "kernel_read"
	}
	return "kernel_write"
}

// submit admits one application read or write.
func (d *Driver) submit(ident Identity, kind opKind, buf []byte, offset, length uint64) error {
	name := opName(kind)

	d.mu.Lock()
	if ident.ID == 0 {
		d.mu.Unlock()
		return newError(ErrFail, "storage: identity 0 is the sentinel owner")
	}
	a := d.apps.enter(ident)

	if err := d.admitAppLocked(a, kind, buf, offset, length, name); err != nil {
		d.opsRejected++
		d.metrics.RecordRejected(name, CodeOf(err).String())
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) admitAppLocked(a *appState, kind opKind, buf []byte, offset, length uint64, name string) error {
	if !d.ready {
		return newError(ErrNotReady, "storage: volume not open")
	}
	if a.region == nil {
		return newError(ErrNotReady, "storage: app %d has no region assigned", a.id)
	}
	if err := checkRegionAccess(*a.region, offset, length); err != nil {
		return err
	}
	if len(buf) == 0 || d.transfer.size() == 0 {
		return newError(ErrBufferUnavailable, "storage: no buffer for transfer")
	}
	n := clampLen(length, len(buf), d.transfer.size())

	req := &pendingRequest{kind: kind, offset: offset, length: n, caller: buf}

	if d.owner.class == ownerNone {
		return d.dispatchAppLocked(a, req)
	}

	// Channel busy: park in the app's depth-1 slot.
	if a.pending != nil {
		return newError(ErrQueueFull, "storage: app %d already has a pending request", a.id)
	}
	if kind == opWrite {
		// The caller may reuse its buffer as soon as we return, so a
		// parked write keeps a private copy of the payload.
		req.data = make([]byte, n)
		copy(req.data, buf[:n])
	}
	a.pending = req
	d.pendingCount++
	d.opsQueued++
	d.metrics.RecordQueued(name)
	d.metrics.SetPending(d.pendingCount)
	return nil
}

// dispatchAppLocked starts an application operation on the free
// channel. The physical address is computed here, exactly once, for
// both the immediate and the drained path.
func (d *Driver) dispatchAppLocked(a *appState, req *pendingRequest) error {
	stage, ok := d.transfer.loan()
	if !ok {
		return newError(ErrBufferUnavailable, "storage: transfer buffer on loan")
	}
	d.owner = owner{class: ownerApp, app: a.id}
	d.appCur = appInflight{kind: req.kind, caller: req.caller, length: req.length}

	phys := a.region.Offset + req.offset
	if req.kind == opWrite {
		src := req.data
		if src == nil {
			src = req.caller
		}
		copy(stage[:req.length], src[:req.length])
		d.issue(opWrite, stage[:req.length], phys, opName(req.kind))
	} else {
		d.issue(opRead, stage[:req.length], phys, opName(req.kind))
	}
	return nil
}

// completeAppLocked finishes the in-flight application operation:
// copies read bytes out, reclaims the transfer buffer, clears the
// owner slot, and drains the next parked request.
func (d *Driver) completeAppLocked(opErr error) []func() {
	id := d.owner.app
	cur := d.appCur
	n := cur.length
	if opErr != nil {
		n = 0
	}

	if opErr == nil {
		if cur.kind == opRead {
			copy(cur.caller[:cur.length], d.transfer.buf[:cur.length])
			d.bytesRead += uint64(n)
			d.metrics.RecordBytes("read", n)
		} else {
			d.bytesWritten += uint64(n)
			d.metrics.RecordBytes("write", n)
		}
	}

	d.transfer.reclaim()
	d.owner = owner{}
	d.opsCompleted++

	var note func()
	if cur.kind == opRead {
		note = func() { d.notifier.ReadDone(id, n, opErr) }
	} else {
		note = func() { d.notifier.WriteDone(id, n, opErr) }
	}

	d.drainLocked()
	return []func(){note}
}

// kernelSubmit admits one kernel-direct operation.
func (d *Driver) kernelSubmit(kind opKind, buf []byte, addr, length uint64) error {
	name := kernelOpName(kind)

	d.mu.Lock()
	if err := d.admitKernelLocked(kind, buf, addr, length); err != nil {
		d.opsRejected++
		d.metrics.RecordRejected(name, CodeOf(err).String())
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) admitKernelLocked(kind opKind, buf []byte, addr, length uint64) error {
	if d.kernel == nil {
		return newError(ErrUnsupported, "storage: no kernel client registered")
	}
	if !d.ready {
		return newError(ErrNotReady, "storage: volume not open")
	}
	if d.kernelLength == 0 {
		return newError(ErrOutOfBounds, "storage: volume has no kernel span")
	}
	if err := checkSpan(d.kernelStart, d.kernelLength, addr, length); err != nil {
		return err
	}
	if len(buf) == 0 {
		return newError(ErrBufferUnavailable, "storage: empty kernel buffer")
	}
	n := clampLen(length, len(buf), len(buf))

	if d.owner.class == ownerNone {
		d.owner = owner{class: ownerKernel}
		d.kernelCur = kernelInflight{kind: kind, buf: buf, length: n}
		d.issue(kind, buf[:n], addr, kernelOpName(kind))
		return nil
	}

	if d.kernelPending != nil {
		return newError(ErrQueueFull, "storage: kernel already has a pending request")
	}
	d.kernelPending = &pendingKernel{kind: kind, addr: addr, length: n, buf: buf}
	d.pendingCount++
	d.opsQueued++
	d.metrics.RecordQueued(kernelOpName(kind))
	d.metrics.SetPending(d.pendingCount)
	return nil
}

// completeKernelLocked forwards the completion, buffer included, to the
// kernel client and drains.
func (d *Driver) completeKernelLocked(opErr error) []func() {
	cur := d.kernelCur
	n := cur.length
	if opErr != nil {
		n = 0
	}
	if opErr == nil {
		if cur.kind == opRead {
			d.bytesRead += uint64(n)
			d.metrics.RecordBytes("read", n)
		} else {
			d.bytesWritten += uint64(n)
			d.metrics.RecordBytes("write", n)
		}
	}

	d.owner = owner{}
	d.opsCompleted++

	kernel := d.kernel
	var note func()
	if cur.kind == opRead {
		note = func() { kernel.ReadDone(cur.buf, n, opErr) }
	} else {
		note = func() { kernel.WriteDone(cur.buf, n, opErr) }
	}

	d.drainLocked()
	return []func(){note}
}

// drainLocked starts the next parked request, kernel first, then
// applications in first-touch order. One dispatch per completion; the
// dispatched operation's own completion continues the drain.
func (d *Driver) drainLocked() {
	if d.kernelPending != nil {
		p := d.kernelPending
		d.kernelPending = nil
		d.pendingCount--
		d.metrics.SetPending(d.pendingCount)
		d.owner = owner{class: ownerKernel}
		d.kernelCur = kernelInflight{kind: p.kind, buf: p.buf, length: p.length}
		d.issue(p.kind, p.buf[:p.length], p.addr, kernelOpName(p.kind))
		return
	}

	if a := d.apps.firstPending(); a != nil {
		req := a.pending
		a.pending = nil
		d.pendingCount--
		d.metrics.SetPending(d.pendingCount)
		// The channel and the transfer buffer are both free here, so
		// dispatch cannot fail; if that invariant is ever broken the
		// app must still get its one completion upcall.
		if err := d.dispatchAppLocked(a, req); err != nil {
			logger.Error("volume %q: drain dispatch for app %d failed: %v", d.volume, a.id, err)
			d.opsRejected++
			d.metrics.RecordRejected(opName(req.kind), CodeOf(err).String())
			id := a.id
			if req.kind == opRead {
				d.enqueueNotesLocked([]func(){func() { d.notifier.ReadDone(id, 0, err) }})
			} else {
				d.enqueueNotesLocked([]func(){func() { d.notifier.WriteDone(id, 0, err) }})
			}
		}
	}
}
