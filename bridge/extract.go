// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"encoding/binary"

	"github.com/go-kit/log/level"

	"github.com/dandrader/usb-bridge/hostapi"
)

const (
	requestGetDescriptor = 0x06

	descTypeConfiguration = 0x02
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05

	configDescriptorLength    = 9
	interfaceDescriptorLength = 9
	endpointDescriptorLength  = 7
)

// extractExtraData fetches the raw concatenated descriptor blob for one
// configuration and walks it, attaching class- and vendor-specific
// descriptor bytes to the matching node. It is never fatal: any fetch or
// parse problem leaves the tree exactly as it was.
func (b *Bridge) extractExtraData(ctx context.Context, ref hostapi.DeviceRef, cfg *ConfigurationDescriptor) {
	blob, ok := b.fetchRawDescriptors(ctx, ref, cfg.ConfigurationValue)
	if !ok {
		b.extractionFailures.Inc()
		return
	}
	walkRawDescriptors(blob, cfg)
}

// fetchRawDescriptors issues the two-stage GET_DESCRIPTOR exchange: a
// 9-byte header fetch to learn wTotalLength, then the full fetch. Both must
// succeed exactly for the blob to be usable.
func (b *Bridge) fetchRawDescriptors(ctx context.Context, ref hostapi.DeviceRef, configurationValue uint8) ([]byte, bool) {
	setup := hostapi.ControlSetup{
		RequestType: hostapi.RequestStandard,
		Recipient:   hostapi.RecipientDevice,
		Request:     requestGetDescriptor,
		Value:       descTypeConfiguration<<8 | uint16(configurationValue-1),
		Index:       0,
	}
	res, err := b.host.ControlTransferIn(ctx, ref, setup, configDescriptorLength)
	if err != nil || res.Status != hostapi.StatusOK || len(res.Data) != configDescriptorLength {
		_ = level.Debug(b.logger).Log("msg", "configuration descriptor header fetch failed", "device", ref.Key(), "err", err)
		return nil, false
	}
	totalLength := binary.LittleEndian.Uint16(res.Data[2:4])
	if totalLength < configDescriptorLength {
		return nil, false
	}
	res, err = b.host.ControlTransferIn(ctx, ref, setup, totalLength)
	if err != nil || res.Status != hostapi.StatusOK || len(res.Data) != int(totalLength) {
		_ = level.Debug(b.logger).Log("msg", "full configuration descriptor fetch failed", "device", ref.Key(), "err", err)
		return nil, false
	}
	return res.Data, true
}

// walkRawDescriptors walks the blob as a sequence of length-prefixed
// records, tracking the interface and endpoint most recently seen so that
// unrecognized records attach to the most specific current node. The
// hierarchy reconstruction relies on interface and endpoint records
// preceding the extra records that belong to them, which is how devices
// linearize their descriptor tables.
func walkRawDescriptors(blob []byte, cfg *ConfigurationDescriptor) {
	var curIface *InterfaceDescriptor
	var curEndpoint *EndpointDescriptor

	for offset := 0; offset < len(blob); {
		length := int(blob[offset])
		if length < 2 {
			// A zero- or one-byte record cannot advance the walk; bail out
			// rather than loop forever.
			return
		}
		if offset+length > len(blob) {
			// Truncated trailer; end of usable data.
			return
		}
		record := blob[offset : offset+length]
		switch record[1] {
		case descTypeConfiguration:
			// The root node is already in place; nothing to do.
		case descTypeInterface:
			if length < interfaceDescriptorLength {
				break
			}
			curEndpoint = nil
			curIface = nil
			number := record[2]
			for i := range cfg.Interfaces {
				if cfg.Interfaces[i].InterfaceNumber == number {
					curIface = &cfg.Interfaces[i]
					break
				}
			}
		case descTypeEndpoint:
			if length < endpointDescriptorLength {
				break
			}
			if curIface == nil {
				break
			}
			curEndpoint = nil
			address := record[2]
			for i := range curIface.Endpoints {
				if curIface.Endpoints[i].EndpointAddress == address {
					curEndpoint = &curIface.Endpoints[i]
					break
				}
			}
		default:
			// Anything else is class- or vendor-specific extra data; it
			// belongs to the most specific node seen so far.
			switch {
			case curEndpoint != nil:
				curEndpoint.ExtraData = append(curEndpoint.ExtraData, record...)
			case curIface != nil:
				curIface.ExtraData = append(curIface.ExtraData, record...)
			default:
				cfg.ExtraData = append(cfg.ExtraData, record...)
			}
		}
		offset += length
	}
}
