// Package usbip implements a hostapi.HostAPI backend speaking the USB/IP
// wire protocol: device enumeration via OP_REQ_DEVLIST, opening via
// OP_REQ_IMPORT, and transfers as USBIP_CMD_SUBMIT URBs on the imported
// connection.
package usbip

import (
	"context"
	"fmt"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dandrader/usb-bridge/hostapi"
)

// Backend serves devices exported by one or more USB/IP targets.
type Backend struct {
	targets []Target
	dialer  Dialer
	logger  log.Logger

	mu    sync.Mutex
	conns map[string]*deviceConn
}

func NewBackend(targets []Target, dialer Dialer, logger log.Logger) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{
		targets: targets,
		dialer:  dialer,
		logger:  logger,
		conns:   map[string]*deviceConn{},
	}
}

type deviceRef struct {
	target            Target
	busId             string
	info              hostapi.DeviceInfo
	numConfigurations uint8
}

func (r *deviceRef) Key() string {
	return fmt.Sprintf("%s/%s", r.target, r.busId)
}

func (r *deviceRef) Info() hostapi.DeviceInfo {
	return r.info
}

// Enumerate lists the exported devices of every target. Unreachable
// targets are skipped, matching the behavior of a device registry that
// tolerates flaky exporters.
func (b *Backend) Enumerate(ctx context.Context) ([]hostapi.DeviceRef, error) {
	refs := make([]hostapi.DeviceRef, 0)
	for _, target := range b.targets {
		conn, err := b.dialer.Dial(ctx, target)
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "skipping unreachable target", "target", target, "err", err)
			continue
		}
		devices, err := listRequest(ctx, conn)
		_ = conn.Close()
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "devlist failed", "target", target, "err", err)
			continue
		}
		for _, dev := range devices {
			refs = append(refs, &deviceRef{
				target: target,
				busId:  dev.busIdString(),
				info: hostapi.DeviceInfo{
					VendorId:  dev.Vendor,
					ProductId: dev.Product,
					Version:   dev.BCDDevice,
				},
				numConfigurations: dev.NumConfigurations,
			})
		}
	}
	return refs, nil
}

func (b *Backend) Open(ctx context.Context, ref hostapi.DeviceRef) error {
	ur, err := b.usbipRef(ref)
	if err != nil {
		return err
	}
	b.mu.Lock()
	_, alreadyOpen := b.conns[ref.Key()]
	b.mu.Unlock()
	if alreadyOpen {
		return errors.Newf("device %s is already imported", ref.Key())
	}
	dc, err := b.importConn(ctx, ur)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conns[ref.Key()] = dc
	b.mu.Unlock()
	return nil
}

func (b *Backend) importConn(ctx context.Context, ur *deviceRef) (*deviceConn, error) {
	conn, err := b.dialer.Dial(ctx, ur.target)
	if err != nil {
		return nil, err
	}
	desc, err := importDevice(ctx, conn, ur.busId)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "failed to import %s", ur.Key())
	}
	return newDeviceConn(conn, desc), nil
}

func (b *Backend) Close(_ context.Context, ref hostapi.DeviceRef) error {
	b.mu.Lock()
	dc, ok := b.conns[ref.Key()]
	if ok {
		delete(b.conns, ref.Key())
	}
	b.mu.Unlock()
	if !ok {
		return errors.Newf("device %s is not imported", ref.Key())
	}
	// Dropping the connection releases the device on the exporting host.
	dc.close()
	return nil
}

func (b *Backend) Configurations(ctx context.Context, ref hostapi.DeviceRef) ([]hostapi.ConfigurationInfo, error) {
	ur, err := b.usbipRef(ref)
	if err != nil {
		return nil, err
	}
	dc, err := b.connFor(ref)
	if err != nil {
		return nil, err
	}
	configs := make([]hostapi.ConfigurationInfo, 0, ur.numConfigurations)
	for index := uint8(0); index < ur.numConfigurations; index++ {
		blob, err := b.fetchConfigDescriptor(ctx, dc, index)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to fetch configuration %d of %s", index, ref.Key())
		}
		info, err := parseConfiguration(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse configuration %d of %s", index, ref.Key())
		}
		configs = append(configs, info)
	}
	return configs, nil
}

// fetchConfigDescriptor performs the usual two-stage GET_DESCRIPTOR
// exchange for a configuration index.
func (b *Backend) fetchConfigDescriptor(ctx context.Context, dc *deviceConn, index uint8) ([]byte, error) {
	const getDescriptor = 0x06
	value := uint16(descTypeConfiguration)<<8 | uint16(index)

	fetch := func(length uint16) ([]byte, error) {
		setup := controlSetupBytes(0x80, getDescriptor, value, 0, length)
		data, status, err := dc.submit(ctx, urbDirIn, 0, setup, nil, uint32(length))
		if err != nil {
			return nil, err
		}
		if status != 0 {
			return nil, errors.Newf("GET_DESCRIPTOR completed with status %d", status)
		}
		return data, nil
	}

	header, err := fetch(configDescriptorLength)
	if err != nil {
		return nil, err
	}
	if len(header) < 4 {
		return nil, errors.New("configuration descriptor header too short")
	}
	totalLength := uint16(header[2]) | uint16(header[3])<<8
	return fetch(totalLength)
}

// ClaimInterface is bookkeeping-free for USB/IP: the exporting host keeps
// imported interfaces bound to its usbip-host driver for the lifetime of
// the import.
func (b *Backend) ClaimInterface(_ context.Context, ref hostapi.DeviceRef, _ uint8) error {
	_, err := b.connFor(ref)
	return err
}

func (b *Backend) ReleaseInterface(_ context.Context, ref hostapi.DeviceRef, _ uint8) error {
	_, err := b.connFor(ref)
	return err
}

// Reset tears down the import connection and re-imports the device, which
// makes the exporting host re-bind it from scratch.
func (b *Backend) Reset(ctx context.Context, ref hostapi.DeviceRef) error {
	ur, err := b.usbipRef(ref)
	if err != nil {
		return err
	}
	b.mu.Lock()
	dc, ok := b.conns[ref.Key()]
	b.mu.Unlock()
	if !ok {
		return errors.Newf("device %s is not imported", ref.Key())
	}
	dc.close()
	fresh, err := b.importConn(ctx, ur)
	if err != nil {
		b.mu.Lock()
		delete(b.conns, ref.Key())
		b.mu.Unlock()
		return errors.Wrap(err, "device lost during reset")
	}
	b.mu.Lock()
	b.conns[ref.Key()] = fresh
	b.mu.Unlock()
	return nil
}

func (b *Backend) ControlTransferIn(ctx context.Context, ref hostapi.DeviceRef, setup hostapi.ControlSetup, length uint16) (hostapi.TransferResult, error) {
	dc, err := b.connFor(ref)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	bm, err := setup.BmRequestType(hostapi.DirectionIn)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	data, status, err := dc.submit(ctx, urbDirIn, 0, controlSetupBytes(bm, setup.Request, setup.Value, setup.Index, length), nil, uint32(length))
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	return hostapi.TransferResult{Status: transferStatus(status), Data: data}, nil
}

func (b *Backend) ControlTransferOut(ctx context.Context, ref hostapi.DeviceRef, setup hostapi.ControlSetup, data []byte) (hostapi.TransferResult, error) {
	dc, err := b.connFor(ref)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	bm, err := setup.BmRequestType(hostapi.DirectionOut)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	_, status, err := dc.submit(ctx, urbDirOut, 0, controlSetupBytes(bm, setup.Request, setup.Value, setup.Index, uint16(len(data))), data, 0)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	return hostapi.TransferResult{Status: transferStatus(status)}, nil
}

func (b *Backend) BulkOrInterruptTransferIn(ctx context.Context, ref hostapi.DeviceRef, endpoint uint8, length uint32) (hostapi.TransferResult, error) {
	dc, err := b.connFor(ref)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	data, status, err := dc.submit(ctx, urbDirIn, endpoint, [8]byte{}, nil, length)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	return hostapi.TransferResult{Status: transferStatus(status), Data: data}, nil
}

func (b *Backend) BulkOrInterruptTransferOut(ctx context.Context, ref hostapi.DeviceRef, endpoint uint8, data []byte) (hostapi.TransferResult, error) {
	dc, err := b.connFor(ref)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	_, status, err := dc.submit(ctx, urbDirOut, endpoint, [8]byte{}, data, 0)
	if err != nil {
		return hostapi.TransferResult{}, err
	}
	return hostapi.TransferResult{Status: transferStatus(status)}, nil
}

func (b *Backend) connFor(ref hostapi.DeviceRef) (*deviceConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dc, ok := b.conns[ref.Key()]
	if !ok {
		return nil, errors.Newf("device %s is not imported", ref.Key())
	}
	return dc, nil
}

func (b *Backend) usbipRef(ref hostapi.DeviceRef) (*deviceRef, error) {
	ur, ok := ref.(*deviceRef)
	if !ok {
		return nil, errors.Newf("device %s does not belong to this backend", ref.Key())
	}
	return ur, nil
}
