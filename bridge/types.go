// SPDX-License-Identifier: GPL-2.0-only

package bridge

import "github.com/dandrader/usb-bridge/hostapi"

// DeviceDescriptor is the caller-visible description of an enumerated
// device.
type DeviceDescriptor struct {
	DeviceId  uint32 `json:"deviceId"`
	VendorId  uint16 `json:"vendorId"`
	ProductId uint16 `json:"productId"`
	Version   uint16 `json:"version"`
}

// ConfigurationDescriptor is one node tree per device configuration. Only
// the first alternate setting per interface is retained, and only endpoints
// of a recognized transfer type. ExtraData holds the raw class- and
// vendor-specific descriptor bytes recovered for the node, in traversal
// order.
type ConfigurationDescriptor struct {
	ConfigurationValue uint8                 `json:"configurationValue"`
	Interfaces         []InterfaceDescriptor `json:"interfaces"`
	ExtraData          []byte                `json:"extraData,omitempty"`
}

type InterfaceDescriptor struct {
	InterfaceNumber   uint8                `json:"interfaceNumber"`
	InterfaceClass    uint8                `json:"interfaceClass"`
	InterfaceSubclass uint8                `json:"interfaceSubclass"`
	InterfaceProtocol uint8                `json:"interfaceProtocol"`
	Endpoints         []EndpointDescriptor `json:"endpoints"`
	ExtraData         []byte               `json:"extraData,omitempty"`
}

type EndpointDescriptor struct {
	EndpointAddress uint8                `json:"endpointAddress"`
	Type            hostapi.EndpointType `json:"type"`
	MaxPacketSize   uint16               `json:"maxPacketSize"`
	ExtraData       []byte               `json:"extraData,omitempty"`
}

// ControlRequest describes one control transfer on an open handle. For IN
// requests Length is the number of bytes requested; for OUT requests Data is
// the payload.
type ControlRequest struct {
	Direction   hostapi.Direction   `json:"direction"`
	RequestType hostapi.RequestType `json:"requestType"`
	Recipient   hostapi.Recipient   `json:"recipient"`
	Request     uint8               `json:"request"`
	Value       uint16              `json:"value"`
	Index       uint16              `json:"index"`
	Length      uint16              `json:"length,omitempty"`
	Data        []byte              `json:"data,omitempty"`
}

// TransferRequest describes one bulk or interrupt transfer. The direction
// is taken from the endpoint address direction bit.
type TransferRequest struct {
	Endpoint uint8  `json:"endpoint"`
	Length   uint32 `json:"length,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// TransferResponse carries the received bytes of an IN transfer. For OUT
// transfers Data is absent.
type TransferResponse struct {
	Data []byte `json:"receivedData,omitempty"`
}

func (c ControlRequest) setup() hostapi.ControlSetup {
	return hostapi.ControlSetup{
		RequestType: c.RequestType,
		Recipient:   c.Recipient,
		Request:     c.Request,
		Value:       c.Value,
		Index:       c.Index,
	}
}

// buildConfiguration applies the node retention rules to a host-reported
// configuration: first alternate only, zero-alternate interfaces dropped,
// unrecognized endpoint types dropped.
func buildConfiguration(info hostapi.ConfigurationInfo) ConfigurationDescriptor {
	cfg := ConfigurationDescriptor{ConfigurationValue: info.ConfigurationValue}
	for _, iface := range info.Interfaces {
		if len(iface.Alternates) == 0 {
			continue
		}
		alt := iface.Alternates[0]
		ifd := InterfaceDescriptor{
			InterfaceNumber:   iface.InterfaceNumber,
			InterfaceClass:    alt.InterfaceClass,
			InterfaceSubclass: alt.InterfaceSubclass,
			InterfaceProtocol: alt.InterfaceProtocol,
		}
		for _, ep := range alt.Endpoints {
			switch ep.Type {
			case hostapi.EndpointControl, hostapi.EndpointIsochronous, hostapi.EndpointBulk, hostapi.EndpointInterrupt:
			default:
				continue
			}
			ifd.Endpoints = append(ifd.Endpoints, EndpointDescriptor{
				EndpointAddress: ep.EndpointAddress,
				Type:            ep.Type,
				MaxPacketSize:   ep.MaxPacketSize,
			})
		}
		cfg.Interfaces = append(cfg.Interfaces, ifd)
	}
	return cfg
}
