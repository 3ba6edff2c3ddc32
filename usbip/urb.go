package usbip

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
)

// deviceConn is an imported device's URB connection. URBs are submitted
// strictly one at a time; the mutex pairs each USBIP_CMD_SUBMIT with its
// USBIP_RET_SUBMIT.
type deviceConn struct {
	mu     sync.Mutex
	conn   net.Conn
	devid  uint32
	seqNum uint32
}

func newDeviceConn(conn net.Conn, desc *deviceDescription) *deviceConn {
	return &deviceConn{
		conn:  conn,
		devid: desc.BusNum<<16 | desc.DevNum,
	}
}

func (c *deviceConn) close() {
	_ = c.conn.Close()
}

// submit sends one URB and waits for its completion. direction and
// endpoint describe the data stage; setup is all zeros for non-control
// transfers. Exactly one of out (OUT payload) and inLen (IN request size)
// is meaningful.
func (c *deviceConn) submit(ctx context.Context, direction uint32, endpoint uint8, setup [8]byte, out []byte, inLen uint32) ([]byte, int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// URBs are awaited to completion; only an explicit context deadline
	// bounds them.
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, 0, err
		}
	} else if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, 0, err
	}

	c.seqNum++
	bufLen := inLen
	if direction == urbDirOut {
		bufLen = uint32(len(out))
	}
	hdr := urbHeader{
		Command:   urbCmdSubmit,
		SeqNum:    c.seqNum,
		DevId:     c.devid,
		Direction: direction,
		Endpoint:  uint32(endpoint & 0x0f),
	}
	body := cmdSubmitBody{
		TransferBufferLength: bufLen,
		Setup:                setup,
	}
	if err := binary.Write(c.conn, binary.BigEndian, hdr); err != nil {
		return nil, 0, errors.Wrap(err, "failed to write URB header")
	}
	if err := binary.Write(c.conn, binary.BigEndian, body); err != nil {
		return nil, 0, errors.Wrap(err, "failed to write URB submit body")
	}
	if direction == urbDirOut && len(out) > 0 {
		if _, err := c.conn.Write(out); err != nil {
			return nil, 0, errors.Wrap(err, "failed to write URB payload")
		}
	}

	var replyHdr urbHeader
	if err := binary.Read(c.conn, binary.BigEndian, &replyHdr); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read URB reply header")
	}
	if replyHdr.Command != urbRetSubmit {
		return nil, 0, errors.Newf("unexpected URB reply command %#x", replyHdr.Command)
	}
	if replyHdr.SeqNum != hdr.SeqNum {
		return nil, 0, errors.Newf("URB reply out of sequence: got %d, want %d", replyHdr.SeqNum, hdr.SeqNum)
	}
	var replyBody retSubmitBody
	if err := binary.Read(c.conn, binary.BigEndian, &replyBody); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read URB reply body")
	}

	var data []byte
	if direction == urbDirIn && replyBody.ActualLength > 0 {
		if replyBody.ActualLength > inLen {
			return nil, 0, errors.Newf("URB reply longer than requested: %d > %d", replyBody.ActualLength, inLen)
		}
		data = make([]byte, replyBody.ActualLength)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			return nil, 0, errors.Wrap(err, "failed to read URB reply payload")
		}
	}
	return data, replyBody.Status, nil
}

// controlSetupBytes packs the 8-byte setup stage. Unlike the surrounding
// protocol the setup packet is little-endian, as it travels to the device
// verbatim.
func controlSetupBytes(bmRequestType, bRequest uint8, wValue, wIndex, wLength uint16) [8]byte {
	var b [8]byte
	b[0] = bmRequestType
	b[1] = bRequest
	binary.LittleEndian.PutUint16(b[2:4], wValue)
	binary.LittleEndian.PutUint16(b[4:6], wIndex)
	binary.LittleEndian.PutUint16(b[6:8], wLength)
	return b
}
