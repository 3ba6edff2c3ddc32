// SPDX-License-Identifier: GPL-2.0-only

package bridge

import "github.com/dandrader/usb-bridge/hostapi"

type deviceState int

const (
	stateClosed deviceState = iota
	stateOpening
	stateOpen
	stateClosing
)

// pendingOp is the single in-flight open or close on a device. All
// concurrent callers wait on done and then read err; err stays readable
// after completion so a failed close keeps re-surfacing its error.
type pendingOp struct {
	done chan struct{}
	err  error
}

func newPendingOp() *pendingOp {
	return &pendingOp{done: make(chan struct{})}
}

func (p *pendingOp) complete(err error) {
	p.err = err
	close(p.done)
}

func (p *pendingOp) wait() error {
	<-p.done
	return p.err
}

// deviceRecord is the registry's state for one device. Everything in it is
// guarded by the owning Bridge's mutex; only the pendingOp channels are
// touched outside it.
type deviceRecord struct {
	id  uint32
	ref hostapi.DeviceRef

	handles map[uint32]struct{}
	state   deviceState
	// pendingOpen is set exactly while state == stateOpening. pendingClose
	// is set while state == stateClosing and intentionally survives a close
	// failure.
	pendingOpen  *pendingOp
	pendingClose *pendingOp
}

// registry maps stable device identifiers to device records. It has no lock
// of its own; the owning Bridge serializes access.
type registry struct {
	byKey  map[string]*deviceRecord
	byIdM  map[uint32]*deviceRecord
	order  []uint32
	nextId uint32
}

func newRegistry() *registry {
	return &registry{
		byKey:  map[string]*deviceRecord{},
		byIdM:  map[uint32]*deviceRecord{},
		nextId: 1,
	}
}

// reconcile replaces the snapshot with one built strictly from refs. A
// device whose key was already known keeps its record, identifier and
// handle set; new devices get fresh identifiers from the monotonic counter.
// Records absent from refs are dropped; their open handles become
// unresolvable, which is surfaced only on next use.
func (r *registry) reconcile(refs []hostapi.DeviceRef) []*deviceRecord {
	newByKey := make(map[string]*deviceRecord, len(refs))
	newById := make(map[uint32]*deviceRecord, len(refs))
	order := make([]uint32, 0, len(refs))
	records := make([]*deviceRecord, 0, len(refs))
	for _, ref := range refs {
		if _, dup := newByKey[ref.Key()]; dup {
			continue
		}
		rec, ok := r.byKey[ref.Key()]
		if ok {
			rec.ref = ref
		} else {
			rec = &deviceRecord{
				id:      r.nextId,
				ref:     ref,
				handles: map[uint32]struct{}{},
				state:   stateClosed,
			}
			r.nextId++
		}
		newByKey[ref.Key()] = rec
		newById[rec.id] = rec
		order = append(order, rec.id)
		records = append(records, rec)
	}
	r.byKey = newByKey
	r.byIdM = newById
	r.order = order
	return records
}

func (r *registry) byId(id uint32) (*deviceRecord, bool) {
	rec, ok := r.byIdM[id]
	return rec, ok
}

// snapshot returns the records in enumeration order.
func (r *registry) snapshot() []*deviceRecord {
	records := make([]*deviceRecord, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.byIdM[id])
	}
	return records
}
