// SPDX-License-Identifier: GPL-2.0-only

package hostapi

import (
	"context"
	baseerrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
)

// LocalHost is a HostAPI backend over the machine's own USB stack via
// libusb (gousb). Device identity is the bus/address location, which stays
// put for as long as a device remains plugged in.
type LocalHost struct {
	usb    *gousb.Context
	logger log.Logger

	mu   sync.Mutex
	open map[string]*localOpenDevice
}

type localRef struct {
	bus     int
	address int
	desc    *gousb.DeviceDesc
}

func (r *localRef) Key() string {
	return fmt.Sprintf("%03d:%03d", r.bus, r.address)
}

func (r *localRef) Info() DeviceInfo {
	return DeviceInfo{
		VendorId:  uint16(r.desc.Vendor),
		ProductId: uint16(r.desc.Product),
		Version:   uint16(r.desc.Device),
	}
}

type localOpenDevice struct {
	dev    *gousb.Device
	config *gousb.Config
	ifaces map[uint8]*gousb.Interface
}

// NewLocalHost initializes a libusb context. Callers own the returned host
// and must Shutdown it.
func NewLocalHost(logger log.Logger) *LocalHost {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LocalHost{
		usb:    gousb.NewContext(),
		logger: logger,
		open:   map[string]*localOpenDevice{},
	}
}

// Shutdown releases every open device and tears down the libusb context.
func (h *LocalHost) Shutdown() error {
	h.mu.Lock()
	for key, od := range h.open {
		od.release()
		delete(h.open, key)
	}
	h.mu.Unlock()
	return h.usb.Close()
}

func (h *LocalHost) Enumerate(_ context.Context) ([]DeviceRef, error) {
	var refs []DeviceRef
	// An opener that always declines collects descriptors without opening
	// anything.
	_, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		refs = append(refs, &localRef{bus: desc.Bus, address: desc.Address, desc: desc})
		return false
	})
	if err != nil {
		return nil, errors.Wrap(err, "libusb enumeration failed")
	}
	return refs, nil
}

func (h *LocalHost) Open(_ context.Context, ref DeviceRef) error {
	lr, err := h.localRef(ref)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.open[lr.Key()]; ok {
		return errors.Newf("device %s is already open", lr.Key())
	}
	devs, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == lr.bus && desc.Address == lr.address
	})
	if err != nil && len(devs) == 0 {
		return errors.Wrapf(err, "failed to open device %s", lr.Key())
	}
	if len(devs) == 0 {
		return errors.Newf("device %s no longer present", lr.Key())
	}
	dev := devs[0]
	// A location can match at most one device; anything beyond the first is
	// a stale duplicate.
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	if err := dev.SetAutoDetach(true); err != nil {
		_ = level.Debug(h.logger).Log("msg", "auto-detach not supported", "device", lr.Key(), "err", err)
	}
	h.open[lr.Key()] = &localOpenDevice{dev: dev, ifaces: map[uint8]*gousb.Interface{}}
	return nil
}

func (h *LocalHost) Close(_ context.Context, ref DeviceRef) error {
	h.mu.Lock()
	od, ok := h.open[ref.Key()]
	if ok {
		delete(h.open, ref.Key())
	}
	h.mu.Unlock()
	if !ok {
		return errors.Newf("device %s is not open", ref.Key())
	}
	od.release()
	return od.dev.Close()
}

func (od *localOpenDevice) release() {
	for num, iface := range od.ifaces {
		iface.Close()
		delete(od.ifaces, num)
	}
	if od.config != nil {
		_ = od.config.Close()
		od.config = nil
	}
}

func (h *LocalHost) Configurations(_ context.Context, ref DeviceRef) ([]ConfigurationInfo, error) {
	lr, err := h.localRef(ref)
	if err != nil {
		return nil, err
	}
	values := make([]int, 0, len(lr.desc.Configs))
	for v := range lr.desc.Configs {
		values = append(values, v)
	}
	sort.Ints(values)
	configs := make([]ConfigurationInfo, 0, len(values))
	for _, v := range values {
		configs = append(configs, configurationInfo(lr.desc.Configs[v]))
	}
	return configs, nil
}

func configurationInfo(cfg gousb.ConfigDesc) ConfigurationInfo {
	info := ConfigurationInfo{ConfigurationValue: uint8(cfg.Number)}
	for _, ifd := range cfg.Interfaces {
		ifaceInfo := InterfaceInfo{InterfaceNumber: uint8(ifd.Number)}
		for _, alt := range ifd.AltSettings {
			altInfo := AlternateInfo{
				AlternateSetting:  uint8(alt.Alternate),
				InterfaceClass:    uint8(alt.Class),
				InterfaceSubclass: uint8(alt.SubClass),
				InterfaceProtocol: uint8(alt.Protocol),
			}
			addrs := make([]int, 0, len(alt.Endpoints))
			for addr := range alt.Endpoints {
				addrs = append(addrs, int(addr))
			}
			sort.Ints(addrs)
			for _, addr := range addrs {
				ep := alt.Endpoints[gousb.EndpointAddress(addr)]
				altInfo.Endpoints = append(altInfo.Endpoints, EndpointInfo{
					EndpointAddress: uint8(ep.Address),
					Type:            endpointType(ep.TransferType),
					MaxPacketSize:   uint16(ep.MaxPacketSize),
				})
			}
			ifaceInfo.Alternates = append(ifaceInfo.Alternates, altInfo)
		}
		info.Interfaces = append(info.Interfaces, ifaceInfo)
	}
	return info
}

func endpointType(t gousb.TransferType) EndpointType {
	switch t {
	case gousb.TransferTypeControl:
		return EndpointControl
	case gousb.TransferTypeIsochronous:
		return EndpointIsochronous
	case gousb.TransferTypeBulk:
		return EndpointBulk
	case gousb.TransferTypeInterrupt:
		return EndpointInterrupt
	}
	return ""
}

func (h *LocalHost) ClaimInterface(_ context.Context, ref DeviceRef, number uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	od, ok := h.open[ref.Key()]
	if !ok {
		return errors.Newf("device %s is not open", ref.Key())
	}
	if _, claimed := od.ifaces[number]; claimed {
		return nil
	}
	if od.config == nil {
		num, err := od.dev.ActiveConfigNum()
		if err != nil {
			return errors.Wrap(err, "failed to read active configuration")
		}
		cfg, err := od.dev.Config(num)
		if err != nil {
			return errors.Wrapf(err, "failed to select configuration %d", num)
		}
		od.config = cfg
	}
	iface, err := od.config.Interface(int(number), 0)
	if err != nil {
		return errors.Wrapf(err, "failed to claim interface %d", number)
	}
	od.ifaces[number] = iface
	return nil
}

func (h *LocalHost) ReleaseInterface(_ context.Context, ref DeviceRef, number uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	od, ok := h.open[ref.Key()]
	if !ok {
		return errors.Newf("device %s is not open", ref.Key())
	}
	iface, claimed := od.ifaces[number]
	if !claimed {
		return errors.Newf("interface %d is not claimed", number)
	}
	iface.Close()
	delete(od.ifaces, number)
	return nil
}

func (h *LocalHost) Reset(_ context.Context, ref DeviceRef) error {
	h.mu.Lock()
	od, ok := h.open[ref.Key()]
	if ok {
		od.release()
	}
	h.mu.Unlock()
	if !ok {
		return errors.Newf("device %s is not open", ref.Key())
	}
	return od.dev.Reset()
}

func (h *LocalHost) ControlTransferIn(_ context.Context, ref DeviceRef, setup ControlSetup, length uint16) (TransferResult, error) {
	od, err := h.openDevice(ref)
	if err != nil {
		return TransferResult{}, err
	}
	rt, err := setup.BmRequestType(DirectionIn)
	if err != nil {
		return TransferResult{}, err
	}
	buf := make([]byte, length)
	n, err := od.dev.Control(rt, setup.Request, setup.Value, setup.Index, buf)
	if err != nil {
		return TransferResult{Status: transferStatus(err)}, nil
	}
	return TransferResult{Status: StatusOK, Data: buf[:n]}, nil
}

func (h *LocalHost) ControlTransferOut(_ context.Context, ref DeviceRef, setup ControlSetup, data []byte) (TransferResult, error) {
	od, err := h.openDevice(ref)
	if err != nil {
		return TransferResult{}, err
	}
	rt, err := setup.BmRequestType(DirectionOut)
	if err != nil {
		return TransferResult{}, err
	}
	if _, err := od.dev.Control(rt, setup.Request, setup.Value, setup.Index, data); err != nil {
		return TransferResult{Status: transferStatus(err)}, nil
	}
	return TransferResult{Status: StatusOK}, nil
}

func (h *LocalHost) BulkOrInterruptTransferIn(ctx context.Context, ref DeviceRef, endpoint uint8, length uint32) (TransferResult, error) {
	iface, err := h.claimedFor(ref, endpoint)
	if err != nil {
		return TransferResult{}, err
	}
	ep, err := iface.InEndpoint(int(endpoint & 0x0f))
	if err != nil {
		return TransferResult{}, errors.Wrapf(err, "no IN endpoint 0x%02x", endpoint)
	}
	buf := make([]byte, length)
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		return TransferResult{Status: transferStatus(err)}, nil
	}
	return TransferResult{Status: StatusOK, Data: buf[:n]}, nil
}

func (h *LocalHost) BulkOrInterruptTransferOut(ctx context.Context, ref DeviceRef, endpoint uint8, data []byte) (TransferResult, error) {
	iface, err := h.claimedFor(ref, endpoint)
	if err != nil {
		return TransferResult{}, err
	}
	ep, err := iface.OutEndpoint(int(endpoint & 0x0f))
	if err != nil {
		return TransferResult{}, errors.Wrapf(err, "no OUT endpoint 0x%02x", endpoint)
	}
	if _, err := ep.WriteContext(ctx, data); err != nil {
		return TransferResult{Status: transferStatus(err)}, nil
	}
	return TransferResult{Status: StatusOK}, nil
}

// claimedFor finds the claimed interface that owns the given endpoint
// address.
func (h *LocalHost) claimedFor(ref DeviceRef, endpoint uint8) (*gousb.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	od, ok := h.open[ref.Key()]
	if !ok {
		return nil, errors.Newf("device %s is not open", ref.Key())
	}
	for _, iface := range od.ifaces {
		for addr := range iface.Setting.Endpoints {
			if uint8(addr) == endpoint {
				return iface, nil
			}
		}
	}
	return nil, errors.Newf("endpoint 0x%02x is not on a claimed interface", endpoint)
}

func (h *LocalHost) openDevice(ref DeviceRef) (*localOpenDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	od, ok := h.open[ref.Key()]
	if !ok {
		return nil, errors.Newf("device %s is not open", ref.Key())
	}
	return od, nil
}

func (h *LocalHost) localRef(ref DeviceRef) (*localRef, error) {
	lr, ok := ref.(*localRef)
	if !ok {
		return nil, errors.Newf("device %s does not belong to this backend", ref.Key())
	}
	return lr, nil
}

func transferStatus(err error) TransferStatus {
	var usbErr gousb.Error
	if baseerrors.As(err, &usbErr) {
		switch usbErr {
		case gousb.ErrorPipe:
			return StatusStall
		case gousb.ErrorTimeout:
			return StatusTimeout
		case gousb.ErrorOverflow:
			return StatusBabble
		case gousb.ErrorNoDevice:
			return StatusDisconnect
		}
	}
	return StatusError
}
