package bridge

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/dandrader/usb-bridge/hostapi"
)

type fakeRef struct {
	key  string
	info hostapi.DeviceInfo
}

func (r *fakeRef) Key() string              { return r.key }
func (r *fakeRef) Info() hostapi.DeviceInfo { return r.info }

// fakeHost is a scriptable in-memory backend. Open can be gated to force
// concurrent callers to overlap inside the coordinator.
type fakeHost struct {
	mu sync.Mutex

	refs    []hostapi.DeviceRef
	configs map[string][]hostapi.ConfigurationInfo

	opens    int
	closes   int
	openErr  error
	closeErr error
	openGate chan struct{}

	claimed  []uint8
	released []uint8
	resets   int

	controlIn   func(setup hostapi.ControlSetup, length uint16) (hostapi.TransferResult, error)
	controlOut  func(setup hostapi.ControlSetup, data []byte) (hostapi.TransferResult, error)
	transferIn  func(endpoint uint8, length uint32) (hostapi.TransferResult, error)
	transferOut func(endpoint uint8, data []byte) (hostapi.TransferResult, error)
}

func (f *fakeHost) Enumerate(context.Context) ([]hostapi.DeviceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hostapi.DeviceRef(nil), f.refs...), nil
}

func (f *fakeHost) Open(context.Context, hostapi.DeviceRef) error {
	f.mu.Lock()
	gate := f.openGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	return nil
}

func (f *fakeHost) Close(context.Context, hostapi.DeviceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closes++
	return nil
}

func (f *fakeHost) Configurations(_ context.Context, ref hostapi.DeviceRef) ([]hostapi.ConfigurationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	configs, ok := f.configs[ref.Key()]
	if !ok {
		return nil, errors.Newf("no configurations scripted for %s", ref.Key())
	}
	return configs, nil
}

func (f *fakeHost) ClaimInterface(_ context.Context, _ hostapi.DeviceRef, number uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, number)
	return nil
}

func (f *fakeHost) ReleaseInterface(_ context.Context, _ hostapi.DeviceRef, number uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, number)
	return nil
}

func (f *fakeHost) Reset(context.Context, hostapi.DeviceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeHost) ControlTransferIn(_ context.Context, _ hostapi.DeviceRef, setup hostapi.ControlSetup, length uint16) (hostapi.TransferResult, error) {
	if f.controlIn == nil {
		return hostapi.TransferResult{Status: hostapi.StatusError}, nil
	}
	return f.controlIn(setup, length)
}

func (f *fakeHost) ControlTransferOut(_ context.Context, _ hostapi.DeviceRef, setup hostapi.ControlSetup, data []byte) (hostapi.TransferResult, error) {
	if f.controlOut == nil {
		return hostapi.TransferResult{Status: hostapi.StatusError}, nil
	}
	return f.controlOut(setup, data)
}

func (f *fakeHost) BulkOrInterruptTransferIn(_ context.Context, _ hostapi.DeviceRef, endpoint uint8, length uint32) (hostapi.TransferResult, error) {
	if f.transferIn == nil {
		return hostapi.TransferResult{Status: hostapi.StatusError}, nil
	}
	return f.transferIn(endpoint, length)
}

func (f *fakeHost) BulkOrInterruptTransferOut(_ context.Context, _ hostapi.DeviceRef, endpoint uint8, data []byte) (hostapi.TransferResult, error) {
	if f.transferOut == nil {
		return hostapi.TransferResult{Status: hostapi.StatusError}, nil
	}
	return f.transferOut(endpoint, data)
}

func (f *fakeHost) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func (f *fakeHost) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeHost) setCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}
