// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"

	"github.com/go-kit/log/level"
)

// OpenDeviceHandle returns a new logical handle on the device, physically
// opening it if no handle is outstanding. Concurrent callers on a closed
// device share a single physical open; the host backend never sees
// overlapping opens or closes for one device.
func (b *Bridge) OpenDeviceHandle(ctx context.Context, deviceId uint32) (uint32, error) {
	b.mu.Lock()
	for {
		rec, ok := b.reg.byId(deviceId)
		if !ok {
			b.mu.Unlock()
			return 0, ErrUnknownDevice
		}

		switch rec.state {
		case stateOpen:
			handle := b.allocateHandleLocked(rec)
			b.mu.Unlock()
			return handle, nil

		case stateOpening:
			// Someone else's open is in flight; share its outcome.
			op := rec.pendingOpen
			b.mu.Unlock()
			if err := op.wait(); err != nil {
				return 0, &HostOperationError{Op: "open", Err: err}
			}
			b.mu.Lock()
			// The device may have been closed again in the meantime;
			// re-evaluate from scratch.

		case stateClosing:
			// An open must not race a close on the same device. Wait for
			// the close; if it failed the device is parked fail-closed and
			// every open keeps re-surfacing that failure until a
			// re-enumeration replaces the record.
			op := rec.pendingClose
			b.mu.Unlock()
			if err := op.wait(); err != nil {
				return 0, &HostOperationError{Op: "close", Err: err}
			}
			b.mu.Lock()

		case stateClosed:
			op := newPendingOp()
			rec.pendingOpen = op
			rec.state = stateOpening
			b.mu.Unlock()

			b.physicalOpensTotal.Inc()
			err := b.host.Open(ctx, rec.ref)

			b.mu.Lock()
			rec.pendingOpen = nil
			if err != nil {
				// A failed open leaves the device closed so a later call
				// may retry.
				rec.state = stateClosed
				b.mu.Unlock()
				op.complete(err)
				_ = level.Warn(b.logger).Log("msg", "physical open failed", "device", deviceId, "err", err)
				return 0, &HostOperationError{Op: "open", Err: err}
			}
			rec.state = stateOpen
			// The handle is recorded before any waiter resumes, so a
			// concurrent close cannot observe an open device with an empty
			// handle set.
			handle := b.allocateHandleLocked(rec)
			b.updateGaugesLocked()
			b.mu.Unlock()
			op.complete(nil)
			_ = level.Debug(b.logger).Log("msg", "device opened", "device", deviceId)
			return handle, nil
		}
	}
}

// CloseDeviceHandle invalidates a logical handle, physically closing the
// device when the last handle goes away. A failed physical close parks the
// device: the pending-close marker stays set and keeps the failure visible
// to subsequent opens.
func (b *Bridge) CloseDeviceHandle(ctx context.Context, deviceId, handle uint32) error {
	b.mu.Lock()
	rec, ok := b.reg.byId(deviceId)
	if !ok {
		b.mu.Unlock()
		return ErrUnknownDevice
	}
	if _, ok := rec.handles[handle]; !ok {
		b.mu.Unlock()
		return ErrUnknownHandle
	}
	// Removed before anything can block, so a concurrent open observes the
	// reduced set before the underlying close begins.
	delete(rec.handles, handle)
	if len(rec.handles) > 0 {
		b.updateGaugesLocked()
		b.mu.Unlock()
		return nil
	}

	op := newPendingOp()
	rec.pendingClose = op
	rec.state = stateClosing
	b.updateGaugesLocked()
	b.mu.Unlock()

	b.physicalClosesTotal.Inc()
	err := b.host.Close(ctx, rec.ref)

	b.mu.Lock()
	if err != nil {
		// Fail-closed: the marker stays set so subsequent opens re-surface
		// this failure instead of racing a device the host still considers
		// busy. Only re-enumeration replaces the record.
		b.mu.Unlock()
		op.complete(err)
		_ = level.Warn(b.logger).Log("msg", "physical close failed; device parked until re-enumeration", "device", deviceId, "err", err)
		return &HostOperationError{Op: "close", Err: err}
	}
	rec.pendingClose = nil
	rec.state = stateClosed
	b.updateGaugesLocked()
	b.mu.Unlock()
	op.complete(nil)
	_ = level.Debug(b.logger).Log("msg", "device closed", "device", deviceId)
	return nil
}

// allocateHandleLocked issues the next handle and records it on the device.
// Handles are never reused, even after closure. Caller holds b.mu.
func (b *Bridge) allocateHandleLocked(rec *deviceRecord) uint32 {
	handle := b.nextHandle
	b.nextHandle++
	rec.handles[handle] = struct{}{}
	b.updateGaugesLocked()
	return handle
}
