// SPDX-License-Identifier: GPL-2.0-only

// Package hostapi declares the contract between the bridge and a host USB
// backend. Backends are inherently asynchronous and fallible; every call
// blocks the caller until the host resolves it. A backend must tolerate at
// most one open and at most one close in flight per device; serializing
// those calls is the bridge's job, not the backend's.
package hostapi

import (
	"context"

	"github.com/efficientgo/core/errors"
)

// TransferStatus is the host-reported outcome of a single host operation.
// Only StatusOK is success.
type TransferStatus string

const (
	StatusOK         TransferStatus = "ok"
	StatusError      TransferStatus = "error"
	StatusStall      TransferStatus = "stall"
	StatusTimeout    TransferStatus = "timeout"
	StatusBabble     TransferStatus = "babble"
	StatusDisconnect TransferStatus = "disconnect"
)

// TransferResult carries the status of a completed transfer and, for IN
// transfers, the received payload.
type TransferResult struct {
	Status TransferStatus
	Data   []byte
}

// RequestType selects the type bits of a control request.
type RequestType string

const (
	RequestStandard RequestType = "standard"
	RequestClass    RequestType = "class"
	RequestVendor   RequestType = "vendor"
)

// Recipient selects the recipient bits of a control request.
type Recipient string

const (
	RecipientDevice    Recipient = "device"
	RecipientInterface Recipient = "interface"
	RecipientEndpoint  Recipient = "endpoint"
	RecipientOther     Recipient = "other"
)

// Direction of a transfer, seen from the host.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// EndpointType is the transfer type of an endpoint. Endpoints reporting
// anything else are not addressable through the bridge.
type EndpointType string

const (
	EndpointControl     EndpointType = "control"
	EndpointIsochronous EndpointType = "isochronous"
	EndpointBulk        EndpointType = "bulk"
	EndpointInterrupt   EndpointType = "interrupt"
)

// ControlSetup is the setup stage of a control transfer, minus the
// direction bit and length, which the individual calls supply.
type ControlSetup struct {
	RequestType RequestType
	Recipient   Recipient
	Request     uint8
	Value       uint16
	Index       uint16
}

// BmRequestType assembles the bmRequestType byte for the setup packet.
func (s ControlSetup) BmRequestType(dir Direction) (uint8, error) {
	var b uint8
	switch dir {
	case DirectionIn:
		b = 0x80
	case DirectionOut:
		b = 0x00
	default:
		return 0, errors.Newf("unknown direction %q", dir)
	}
	switch s.RequestType {
	case RequestStandard:
	case RequestClass:
		b |= 1 << 5
	case RequestVendor:
		b |= 2 << 5
	default:
		return 0, errors.Newf("unknown request type %q", s.RequestType)
	}
	switch s.Recipient {
	case RecipientDevice:
	case RecipientInterface:
		b |= 1
	case RecipientEndpoint:
		b |= 2
	case RecipientOther:
		b |= 3
	default:
		return 0, errors.Newf("unknown recipient %q", s.Recipient)
	}
	return b, nil
}

// DeviceInfo describes a device at enumeration time.
type DeviceInfo struct {
	VendorId  uint16 `json:"vendorId"`
	ProductId uint16 `json:"productId"`
	// Version is the bcdDevice field of the device descriptor.
	Version uint16 `json:"version"`
}

// ConfigurationInfo, InterfaceInfo, AlternateInfo and EndpointInfo together
// form the standard configuration tree a backend exposes for a device.
// Backends report every alternate setting; the bridge decides what to keep.
type ConfigurationInfo struct {
	ConfigurationValue uint8
	Interfaces         []InterfaceInfo
}

type InterfaceInfo struct {
	InterfaceNumber uint8
	Alternates      []AlternateInfo
}

type AlternateInfo struct {
	AlternateSetting  uint8
	InterfaceClass    uint8
	InterfaceSubclass uint8
	InterfaceProtocol uint8
	Endpoints         []EndpointInfo
}

type EndpointInfo struct {
	EndpointAddress uint8
	Type            EndpointType
	MaxPacketSize   uint16
}

// DeviceRef is an opaque reference to a host device. Key is a stable
// identity string (typically a bus location) that survives repeated
// enumerations for as long as the physical device stays connected.
type DeviceRef interface {
	Key() string
	Info() DeviceInfo
}

// HostAPI is the backend contract. Open and Close apply to the whole device;
// there is no handle concept at this level. Configurations and the transfer
// calls require the device to be open.
type HostAPI interface {
	Enumerate(ctx context.Context) ([]DeviceRef, error)
	Open(ctx context.Context, ref DeviceRef) error
	Close(ctx context.Context, ref DeviceRef) error
	Configurations(ctx context.Context, ref DeviceRef) ([]ConfigurationInfo, error)
	ClaimInterface(ctx context.Context, ref DeviceRef, number uint8) error
	ReleaseInterface(ctx context.Context, ref DeviceRef, number uint8) error
	Reset(ctx context.Context, ref DeviceRef) error
	ControlTransferIn(ctx context.Context, ref DeviceRef, setup ControlSetup, length uint16) (TransferResult, error)
	ControlTransferOut(ctx context.Context, ref DeviceRef, setup ControlSetup, data []byte) (TransferResult, error)
	BulkOrInterruptTransferIn(ctx context.Context, ref DeviceRef, endpoint uint8, length uint32) (TransferResult, error)
	BulkOrInterruptTransferOut(ctx context.Context, ref DeviceRef, endpoint uint8, data []byte) (TransferResult, error)
}
