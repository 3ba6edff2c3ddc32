package usbip

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"github.com/dandrader/usb-bridge/hostapi"
)

const (
	descTypeConfiguration = 0x02
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05

	configDescriptorLength    = 9
	interfaceDescriptorLength = 9
	endpointDescriptorLength  = 7
)

var endpointTypes = [4]hostapi.EndpointType{
	hostapi.EndpointControl,
	hostapi.EndpointIsochronous,
	hostapi.EndpointBulk,
	hostapi.EndpointInterrupt,
}

// parseConfiguration rebuilds the standard configuration tree from a raw
// configuration descriptor blob, every alternate setting included. The
// bridge applies its own retention rules on top of this.
func parseConfiguration(blob []byte) (hostapi.ConfigurationInfo, error) {
	var info hostapi.ConfigurationInfo
	if len(blob) < configDescriptorLength || blob[1] != descTypeConfiguration {
		return info, errors.New("blob does not start with a configuration descriptor")
	}
	info.ConfigurationValue = blob[5]

	var curAlt *hostapi.AlternateInfo
	for offset := 0; offset < len(blob); {
		length := int(blob[offset])
		if length < 2 {
			return info, errors.Newf("malformed descriptor record at offset %d", offset)
		}
		if offset+length > len(blob) {
			// Truncated trailer; keep what was parsed so far.
			return info, nil
		}
		record := blob[offset : offset+length]
		switch record[1] {
		case descTypeInterface:
			if length < interfaceDescriptorLength {
				break
			}
			number := record[2]
			var iface *hostapi.InterfaceInfo
			for i := range info.Interfaces {
				if info.Interfaces[i].InterfaceNumber == number {
					iface = &info.Interfaces[i]
					break
				}
			}
			if iface == nil {
				info.Interfaces = append(info.Interfaces, hostapi.InterfaceInfo{InterfaceNumber: number})
				iface = &info.Interfaces[len(info.Interfaces)-1]
			}
			iface.Alternates = append(iface.Alternates, hostapi.AlternateInfo{
				AlternateSetting:  record[3],
				InterfaceClass:    record[5],
				InterfaceSubclass: record[6],
				InterfaceProtocol: record[7],
			})
			curAlt = &iface.Alternates[len(iface.Alternates)-1]
		case descTypeEndpoint:
			if length < endpointDescriptorLength || curAlt == nil {
				break
			}
			curAlt.Endpoints = append(curAlt.Endpoints, hostapi.EndpointInfo{
				EndpointAddress: record[2],
				Type:            endpointTypes[record[3]&0x03],
				MaxPacketSize:   binary.LittleEndian.Uint16(record[4:6]),
			})
		}
		offset += length
	}
	return info, nil
}
