package usbip

import (
	"fmt"

	"github.com/dandrader/usb-bridge/hostapi"
)

// Target is one USB/IP export host.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

const protocolVersion = 0x0111

// Operation codes of the control phase.
const (
	opReqDevlist = 0x8005
	opRepDevlist = 0x0005
	opReqImport  = 0x8003
	opRepImport  = 0x0003
)

// Commands of the URB phase.
const (
	urbCmdSubmit = 0x00000001
	urbRetSubmit = 0x00000003
)

const (
	urbDirOut = 0
	urbDirIn  = 1
)

// opHeader is the common header of control-phase messages.
type opHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// deviceDescription is the usbip_usb_device struct of the wire protocol.
type deviceDescription struct {
	Path               [256]byte
	BusId              [32]byte
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	Vendor             uint16
	Product            uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// interfaceDescription is the per-interface trailer of a devlist entry.
type interfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

// urbHeader is the usbip_header_basic struct shared by every URB-phase
// message.
type urbHeader struct {
	Command   uint32
	SeqNum    uint32
	DevId     uint32
	Direction uint32
	Endpoint  uint32
}

// cmdSubmitBody follows the header in a USBIP_CMD_SUBMIT message.
type cmdSubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

// retSubmitBody follows the header in a USBIP_RET_SUBMIT message.
type retSubmitBody struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	_               [8]byte
}

// URB completion codes are negative errnos from the exporting host.
const (
	urbStatusPipe     = -32
	urbStatusOverflow = -75
	urbStatusNoDevice = -19
	urbStatusShutdown = -108
	urbStatusTimeout  = -110
)

func transferStatus(status int32) hostapi.TransferStatus {
	switch status {
	case 0:
		return hostapi.StatusOK
	case urbStatusPipe:
		return hostapi.StatusStall
	case urbStatusOverflow:
		return hostapi.StatusBabble
	case urbStatusNoDevice, urbStatusShutdown:
		return hostapi.StatusDisconnect
	case urbStatusTimeout:
		return hostapi.StatusTimeout
	}
	return hostapi.StatusError
}
