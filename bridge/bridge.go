// SPDX-License-Identifier: GPL-2.0-only

// Package bridge implements a libusb-shaped request surface on top of an
// asynchronous host USB backend. It keeps the identifier-to-device mapping
// stable across enumerations, multiplexes many logical handles onto a
// single physical open/close pair per device, and recovers class- and
// vendor-specific descriptor data the backend does not expose directly.
package bridge

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dandrader/usb-bridge/hostapi"
)

// DeviceFilter selects devices by vendor/product ID. Zero fields match
// anything.
type DeviceFilter struct {
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
}

func (f DeviceFilter) Matches(info hostapi.DeviceInfo) bool {
	return (f.Vendor == 0 || f.Vendor == info.VendorId) &&
		(f.Product == 0 || f.Product == info.ProductId)
}

// Bridge is the device registry and handle coordinator. All bookkeeping is
// guarded by mu and never spans a host call; host calls are made with mu
// released, so logically independent requests interleave freely while the
// per-device pending-operation markers serialize the physical open/close
// pair.
type Bridge struct {
	host    hostapi.HostAPI
	filters []DeviceFilter
	logger  log.Logger

	mu         sync.Mutex
	reg        *registry
	nextHandle uint32

	// metrics
	devicesGauge        prometheus.Gauge
	openDevicesGauge    prometheus.Gauge
	handlesGauge        prometheus.Gauge
	physicalOpensTotal  prometheus.Counter
	physicalClosesTotal prometheus.Counter
	transfersTotal      prometheus.Counter
	extractionFailures  prometheus.Counter
}

// New builds a Bridge over the given backend. Identifier and handle
// counters are owned by the instance, so independent bridges are fully
// isolated.
func New(host hostapi.HostAPI, filters []DeviceFilter, logger log.Logger, reg prometheus.Registerer) *Bridge {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Bridge{
		host:       host,
		filters:    filters,
		logger:     logger,
		reg:        newRegistry(),
		nextHandle: 1,
		devicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usb_bridge_devices",
			Help: "The number of devices in the current enumeration snapshot.",
		}),
		openDevicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usb_bridge_open_devices",
			Help: "The number of devices currently physically open.",
		}),
		handlesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usb_bridge_handles",
			Help: "The number of outstanding logical device handles.",
		}),
		physicalOpensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_physical_opens_total",
			Help: "The total number of physical device opens issued to the host backend.",
		}),
		physicalClosesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_physical_closes_total",
			Help: "The total number of physical device closes issued to the host backend.",
		}),
		transfersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_transfers_total",
			Help: "The total number of transfers routed to the host backend.",
		}),
		extractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_descriptor_extraction_failures_total",
			Help: "The number of descriptor extra-data extractions that were abandoned.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			b.devicesGauge, b.openDevicesGauge, b.handlesGauge,
			b.physicalOpensTotal, b.physicalClosesTotal,
			b.transfersTotal, b.extractionFailures,
		)
	}
	return b
}

// Refresh reconciles the registry against a fresh enumeration snapshot.
// Devices present in consecutive snapshots keep their identifier and their
// open handles; devices that disappeared are dropped.
func (b *Bridge) Refresh(ctx context.Context) error {
	refs, err := b.host.Enumerate(ctx)
	if err != nil {
		return errors.Wrap(err, "enumeration failed")
	}
	if len(b.filters) > 0 {
		kept := refs[:0]
		for _, ref := range refs {
			for _, f := range b.filters {
				if f.Matches(ref.Info()) {
					kept = append(kept, ref)
					break
				}
			}
		}
		refs = kept
	}

	b.mu.Lock()
	records := b.reg.reconcile(refs)
	b.updateGaugesLocked()
	b.mu.Unlock()

	_ = level.Debug(b.logger).Log("msg", "reconciled device snapshot", "devices", len(records))
	return nil
}

// ListDevices returns the devices of the current snapshot in enumeration
// order.
func (b *Bridge) ListDevices() []DeviceDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.reg.snapshot()
	devices := make([]DeviceDescriptor, 0, len(records))
	for _, rec := range records {
		info := rec.ref.Info()
		devices = append(devices, DeviceDescriptor{
			DeviceId:  rec.id,
			VendorId:  info.VendorId,
			ProductId: info.ProductId,
			Version:   info.Version,
		})
	}
	return devices
}

// GetConfigurations returns the configuration trees of a device, enriched
// with extra descriptor data where it could be recovered. The device is
// opened for the duration through the same coordinator path as caller
// handles, so the no-concurrent-open/close constraint holds.
func (b *Bridge) GetConfigurations(ctx context.Context, deviceId uint32) ([]ConfigurationDescriptor, error) {
	handle, err := b.OpenDeviceHandle(ctx, deviceId)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := b.CloseDeviceHandle(ctx, deviceId, handle); err != nil {
			_ = level.Warn(b.logger).Log("msg", "failed to release device after configuration fetch", "device", deviceId, "err", err)
		}
	}()

	b.mu.Lock()
	rec, ok := b.reg.byId(deviceId)
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownDevice
	}
	ref := rec.ref
	b.mu.Unlock()

	infos, err := b.host.Configurations(ctx, ref)
	if err != nil {
		return nil, &HostOperationError{Op: "getConfigurations", Err: err}
	}
	configs := make([]ConfigurationDescriptor, 0, len(infos))
	for _, info := range infos {
		configs = append(configs, buildConfiguration(info))
	}
	for i := range configs {
		b.extractExtraData(ctx, ref, &configs[i])
	}
	return configs, nil
}

// ClaimInterface claims an interface on behalf of an open handle.
func (b *Bridge) ClaimInterface(ctx context.Context, deviceId, handle uint32, number uint8) error {
	ref, err := b.refForHandle(deviceId, handle)
	if err != nil {
		return err
	}
	if err := b.host.ClaimInterface(ctx, ref, number); err != nil {
		return &HostOperationError{Op: "claimInterface", Err: err}
	}
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (b *Bridge) ReleaseInterface(ctx context.Context, deviceId, handle uint32, number uint8) error {
	ref, err := b.refForHandle(deviceId, handle)
	if err != nil {
		return err
	}
	if err := b.host.ReleaseInterface(ctx, ref, number); err != nil {
		return &HostOperationError{Op: "releaseInterface", Err: err}
	}
	return nil
}

// ResetDevice performs a port reset of the device.
func (b *Bridge) ResetDevice(ctx context.Context, deviceId, handle uint32) error {
	ref, err := b.refForHandle(deviceId, handle)
	if err != nil {
		return err
	}
	if err := b.host.Reset(ctx, ref); err != nil {
		return &HostOperationError{Op: "reset", Err: err}
	}
	return nil
}

// ControlTransfer performs a control transfer on an open handle. There is
// no partial success: either the whole transfer succeeded or a typed error
// is returned.
func (b *Bridge) ControlTransfer(ctx context.Context, deviceId, handle uint32, req ControlRequest) (*TransferResponse, error) {
	ref, err := b.refForHandle(deviceId, handle)
	if err != nil {
		return nil, err
	}
	b.transfersTotal.Inc()
	switch req.Direction {
	case hostapi.DirectionIn:
		res, err := b.host.ControlTransferIn(ctx, ref, req.setup(), req.Length)
		if err != nil || res.Status != hostapi.StatusOK {
			return nil, hostOpError("controlTransfer", res, err)
		}
		return &TransferResponse{Data: res.Data}, nil
	case hostapi.DirectionOut:
		res, err := b.host.ControlTransferOut(ctx, ref, req.setup(), req.Data)
		if err != nil || res.Status != hostapi.StatusOK {
			return nil, hostOpError("controlTransfer", res, err)
		}
		return &TransferResponse{}, nil
	}
	return nil, errors.Newf("unknown transfer direction %q", req.Direction)
}

// BulkTransfer performs a bulk transfer; the direction comes from the
// endpoint address direction bit.
func (b *Bridge) BulkTransfer(ctx context.Context, deviceId, handle uint32, req TransferRequest) (*TransferResponse, error) {
	return b.bulkOrInterruptTransfer(ctx, deviceId, handle, req, "bulkTransfer")
}

// InterruptTransfer performs an interrupt transfer; the host backend treats
// bulk and interrupt endpoints uniformly.
func (b *Bridge) InterruptTransfer(ctx context.Context, deviceId, handle uint32, req TransferRequest) (*TransferResponse, error) {
	return b.bulkOrInterruptTransfer(ctx, deviceId, handle, req, "interruptTransfer")
}

func (b *Bridge) bulkOrInterruptTransfer(ctx context.Context, deviceId, handle uint32, req TransferRequest, op string) (*TransferResponse, error) {
	ref, err := b.refForHandle(deviceId, handle)
	if err != nil {
		return nil, err
	}
	b.transfersTotal.Inc()
	if req.Endpoint&0x80 != 0 {
		res, err := b.host.BulkOrInterruptTransferIn(ctx, ref, req.Endpoint, req.Length)
		if err != nil || res.Status != hostapi.StatusOK {
			return nil, hostOpError(op, res, err)
		}
		return &TransferResponse{Data: res.Data}, nil
	}
	res, err := b.host.BulkOrInterruptTransferOut(ctx, ref, req.Endpoint, req.Data)
	if err != nil || res.Status != hostapi.StatusOK {
		return nil, hostOpError(op, res, err)
	}
	return &TransferResponse{}, nil
}

// refForHandle resolves a deviceId+handle pair, reporting ErrUnknownDevice
// or ErrUnknownHandle synchronously.
func (b *Bridge) refForHandle(deviceId, handle uint32) (hostapi.DeviceRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.reg.byId(deviceId)
	if !ok {
		return nil, ErrUnknownDevice
	}
	if _, ok := rec.handles[handle]; !ok {
		return nil, ErrUnknownHandle
	}
	return rec.ref, nil
}

// updateGaugesLocked refreshes the snapshot gauges. Caller holds b.mu.
func (b *Bridge) updateGaugesLocked() {
	records := b.reg.snapshot()
	open := 0
	handles := 0
	for _, rec := range records {
		if rec.state == stateOpen {
			open++
		}
		handles += len(rec.handles)
	}
	b.devicesGauge.Set(float64(len(records)))
	b.openDevicesGauge.Set(float64(open))
	b.handlesGauge.Set(float64(handles))
}
