package usbip

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/efficientgo/core/errors"
)

type importRequest struct {
	opHeader
	BusId [32]byte
}

type importResponse struct {
	opHeader
	deviceDescription
}

// importDevice performs an OP_REQ_IMPORT exchange. On success the same
// connection switches to URB traffic and must not be reused for control
// operations.
func importDevice(ctx context.Context, conn net.Conn, busId string) (*deviceDescription, error) {
	var busIdBin [32]byte
	copy(busIdBin[:], busId)

	if err := applyDeadline(ctx, conn); err != nil {
		return nil, err
	}

	err := binary.Write(
		conn, binary.BigEndian,
		importRequest{
			opHeader{protocolVersion, opReqImport, 0},
			busIdBin,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	resp := importResponse{}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if resp.Status != 0 {
		return nil, errors.Newf("import of %s refused by target", busId)
	}
	if resp.BusId != busIdBin {
		return nil, errors.New("import command returned unexpected busId")
	}

	return &resp.deviceDescription, nil
}
