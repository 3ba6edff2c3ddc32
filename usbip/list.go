package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/efficientgo/core/errors"
)

type devlistResponseHeader struct {
	opHeader
	NumDevices uint32
}

// listRequest performs an OP_REQ_DEVLIST exchange on a fresh control
// connection and returns the exported devices.
func listRequest(ctx context.Context, conn net.Conn) ([]deviceDescription, error) {
	if err := applyDeadline(ctx, conn); err != nil {
		return nil, err
	}

	err := binary.Write(
		conn, binary.BigEndian,
		opHeader{protocolVersion, opReqDevlist, 0},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write devlist command")
	}

	hdr := devlistResponseHeader{}
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read response to devlist command")
	}
	if hdr.Status != 0 {
		return nil, errors.New("devlist command returned error")
	}

	devices := make([]deviceDescription, hdr.NumDevices)
	for devIx := 0; devIx < int(hdr.NumDevices); devIx++ {
		if err := binary.Read(conn, binary.BigEndian, &devices[devIx]); err != nil {
			return nil, errors.Wrap(err, "failed to read devices in devlist response")
		}
		// The per-interface sections carry only class triples for the
		// active configuration; skip over them.
		var trailer interfaceDescription
		for i := 0; i < int(devices[devIx].NumInterfaces); i++ {
			if err := binary.Read(conn, binary.BigEndian, &trailer); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil, errors.New("devlist entry ended early")
				}
				return nil, errors.Wrap(err, "devlist entry ended early")
			}
		}
	}

	return devices, nil
}

func (d deviceDescription) busIdString() string {
	if i := bytes.IndexByte(d.BusId[:], 0); i >= 0 {
		return string(d.BusId[:i])
	}
	return string(d.BusId[:])
}
