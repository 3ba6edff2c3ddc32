package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/efficientgo/core/errors"

	"github.com/dandrader/usb-bridge/hostapi"
)

// pipeDialer hands out in-memory connections served by a per-target
// function.
type pipeDialer struct {
	serve map[string]func(t *testing.T, conn net.Conn)
	t     *testing.T
}

func (d pipeDialer) Dial(_ context.Context, target Target) (net.Conn, error) {
	serve, ok := d.serve[target.String()]
	if !ok {
		return nil, errors.Newf("target %s is down", target)
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		serve(d.t, server)
	}()
	return client, nil
}

func exportedDevice(busId string, busNum, devNum uint32, vendor, product uint16) deviceDescription {
	dev := deviceDescription{
		BusNum:            busNum,
		DevNum:            devNum,
		Speed:             3,
		Vendor:            vendor,
		Product:           product,
		BCDDevice:         0x0110,
		NumConfigurations: 1,
		NumInterfaces:     1,
	}
	copy(dev.BusId[:], busId)
	return dev
}

// serveDevlist answers one OP_REQ_DEVLIST and closes.
func serveDevlist(devices ...deviceDescription) func(t *testing.T, conn net.Conn) {
	return func(t *testing.T, conn net.Conn) {
		var req opHeader
		if err := binary.Read(conn, binary.BigEndian, &req); err != nil {
			t.Errorf("devlist server: %v", err)
			return
		}
		if req.Code != opReqDevlist {
			t.Errorf("devlist server: got code %#x; want %#x", req.Code, opReqDevlist)
			return
		}
		_ = binary.Write(conn, binary.BigEndian, devlistResponseHeader{
			opHeader{protocolVersion, opRepDevlist, 0},
			uint32(len(devices)),
		})
		for _, dev := range devices {
			_ = binary.Write(conn, binary.BigEndian, dev)
			for i := uint8(0); i < dev.NumInterfaces; i++ {
				_ = binary.Write(conn, binary.BigEndian, interfaceDescription{InterfaceClass: 0x0b})
			}
		}
	}
}

// urbResponder scripts the URB phase after a successful import: it receives
// each submitted URB and decides status and IN payload.
type urbResponder func(hdr urbHeader, body cmdSubmitBody, payload []byte) (int32, []byte)

// serveImport answers one OP_REQ_IMPORT for the given device, then serves
// URBs until the connection drops.
func serveImport(dev deviceDescription, respond urbResponder) func(t *testing.T, conn net.Conn) {
	return func(t *testing.T, conn net.Conn) {
		var req importRequest
		if err := binary.Read(conn, binary.BigEndian, &req); err != nil {
			t.Errorf("import server: %v", err)
			return
		}
		if req.Code != opReqImport {
			t.Errorf("import server: got code %#x; want %#x", req.Code, opReqImport)
			return
		}
		_ = binary.Write(conn, binary.BigEndian, importResponse{
			opHeader{protocolVersion, opRepImport, 0},
			dev,
		})

		for {
			var hdr urbHeader
			if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
				return
			}
			var body cmdSubmitBody
			if err := binary.Read(conn, binary.BigEndian, &body); err != nil {
				t.Errorf("urb server: %v", err)
				return
			}
			var payload []byte
			if hdr.Direction == urbDirOut && body.TransferBufferLength > 0 {
				payload = make([]byte, body.TransferBufferLength)
				if _, err := io.ReadFull(conn, payload); err != nil {
					t.Errorf("urb server: %v", err)
					return
				}
			}
			status, data := respond(hdr, body, payload)
			_ = binary.Write(conn, binary.BigEndian, urbHeader{
				Command: urbRetSubmit,
				SeqNum:  hdr.SeqNum,
				DevId:   hdr.DevId,
			})
			_ = binary.Write(conn, binary.BigEndian, retSubmitBody{
				Status:       status,
				ActualLength: uint32(len(data)),
			})
			if len(data) > 0 {
				_, _ = conn.Write(data)
			}
		}
	}
}

func TestEnumerate(t *testing.T) {
	targets := []Target{{Host: "exporter", Port: 3240}}
	dialer := pipeDialer{t: t, serve: map[string]func(*testing.T, net.Conn){
		"exporter:3240": serveDevlist(
			exportedDevice("1-1", 1, 2, 0xdead, 0xbeef),
			exportedDevice("1-2", 1, 3, 0xcafe, 0x0001),
		),
	}}
	b := NewBackend(targets, dialer, nil)

	refs, err := b.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d devices; want 2", len(refs))
	}
	if got := refs[0].Key(); got != "exporter:3240/1-1" {
		t.Errorf("key: got %q; want exporter:3240/1-1", got)
	}
	want := hostapi.DeviceInfo{VendorId: 0xdead, ProductId: 0xbeef, Version: 0x0110}
	if got := refs[0].Info(); got != want {
		t.Errorf("info: got %+v; want %+v", got, want)
	}
}

func TestEnumerateSkipsUnreachableTargets(t *testing.T) {
	targets := []Target{
		{Host: "down", Port: 3240},
		{Host: "up", Port: 3240},
	}
	dialer := pipeDialer{t: t, serve: map[string]func(*testing.T, net.Conn){
		"up:3240": serveDevlist(exportedDevice("2-1", 2, 5, 1, 2)),
	}}
	b := NewBackend(targets, dialer, nil)

	refs, err := b.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Key() != "up:3240/2-1" {
		t.Errorf("got %d devices; want the one from the reachable target", len(refs))
	}
}

func TestControlTransferRoundTrip(t *testing.T) {
	dev := exportedDevice("1-1", 1, 2, 0xdead, 0xbeef)
	wantDevId := uint32(1)<<16 | 2
	payload := []byte{0x0a, 0x0b, 0x0c}

	respond := func(hdr urbHeader, body cmdSubmitBody, _ []byte) (int32, []byte) {
		if hdr.DevId != wantDevId {
			t.Errorf("devid: got %#x; want %#x", hdr.DevId, wantDevId)
		}
		if hdr.Direction != urbDirIn || hdr.Endpoint != 0 {
			t.Errorf("got direction %d endpoint %d; want IN on endpoint 0", hdr.Direction, hdr.Endpoint)
		}
		// The setup packet is little-endian even though the protocol around
		// it is big-endian.
		wantSetup := [8]byte{0xc0, 0x42, 0x02, 0x01, 0x03, 0x00, 0x03, 0x00}
		if body.Setup != wantSetup {
			t.Errorf("setup: got %x; want %x", body.Setup, wantSetup)
		}
		return 0, payload
	}
	dialer := pipeDialer{t: t, serve: map[string]func(*testing.T, net.Conn){
		"exporter:3240": serveImport(dev, respond),
	}}
	b := NewBackend([]Target{{Host: "exporter", Port: 3240}}, dialer, nil)
	ctx := context.Background()

	ref := &deviceRef{target: Target{Host: "exporter", Port: 3240}, busId: "1-1"}
	if err := b.Open(ctx, ref); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := b.Close(ctx, ref); err != nil {
			t.Error(err)
		}
	}()

	res, err := b.ControlTransferIn(ctx, ref, hostapi.ControlSetup{
		RequestType: hostapi.RequestVendor,
		Recipient:   hostapi.RecipientDevice,
		Request:     0x42,
		Value:       0x0102,
		Index:       0x0003,
	}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != hostapi.StatusOK {
		t.Errorf("status: got %q; want ok", res.Status)
	}
	if !bytes.Equal(res.Data, payload) {
		t.Errorf("data: got %x; want %x", res.Data, payload)
	}
}

func TestBulkTransferOutAndStatusMapping(t *testing.T) {
	dev := exportedDevice("1-1", 1, 2, 0xdead, 0xbeef)
	var gotPayload []byte
	var gotEndpoint uint32
	nextStatus := int32(0)

	respond := func(hdr urbHeader, _ cmdSubmitBody, payload []byte) (int32, []byte) {
		gotPayload = payload
		gotEndpoint = hdr.Endpoint
		return nextStatus, nil
	}
	dialer := pipeDialer{t: t, serve: map[string]func(*testing.T, net.Conn){
		"exporter:3240": serveImport(dev, respond),
	}}
	b := NewBackend([]Target{{Host: "exporter", Port: 3240}}, dialer, nil)
	ctx := context.Background()

	ref := &deviceRef{target: Target{Host: "exporter", Port: 3240}, busId: "1-1"}
	if err := b.Open(ctx, ref); err != nil {
		t.Fatal(err)
	}

	res, err := b.BulkOrInterruptTransferOut(ctx, ref, 0x02, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != hostapi.StatusOK {
		t.Errorf("status: got %q; want ok", res.Status)
	}
	if !bytes.Equal(gotPayload, []byte{1, 2, 3, 4}) {
		t.Errorf("payload: got %x; want 01020304", gotPayload)
	}
	if gotEndpoint != 2 {
		t.Errorf("endpoint: got %d; want 2", gotEndpoint)
	}

	// A stalled endpoint comes back as a pipe error from the exporter.
	nextStatus = urbStatusPipe
	res, err = b.BulkOrInterruptTransferIn(ctx, ref, 0x81, 8)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != hostapi.StatusStall {
		t.Errorf("status: got %q; want stall", res.Status)
	}
}

func TestTransferStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		status int32
		want   hostapi.TransferStatus
	}{
		{0, hostapi.StatusOK},
		{urbStatusPipe, hostapi.StatusStall},
		{urbStatusOverflow, hostapi.StatusBabble},
		{urbStatusNoDevice, hostapi.StatusDisconnect},
		{urbStatusShutdown, hostapi.StatusDisconnect},
		{urbStatusTimeout, hostapi.StatusTimeout},
		{-1, hostapi.StatusError},
	} {
		if got := transferStatus(tc.status); got != tc.want {
			t.Errorf("status %d: got %q; want %q", tc.status, got, tc.want)
		}
	}
}

func TestImportBusIdMismatch(t *testing.T) {
	wrong := exportedDevice("1-9", 1, 2, 0xdead, 0xbeef)
	dialer := pipeDialer{t: t, serve: map[string]func(*testing.T, net.Conn){
		"exporter:3240": serveImport(wrong, nil),
	}}
	b := NewBackend([]Target{{Host: "exporter", Port: 3240}}, dialer, nil)

	ref := &deviceRef{target: Target{Host: "exporter", Port: 3240}, busId: "1-1"}
	if err := b.Open(context.Background(), ref); err == nil {
		t.Error("import with mismatched busId succeeded")
	}
}

func TestControlSetupBytes(t *testing.T) {
	got := controlSetupBytes(0x80, 0x06, 0x0200, 0x0409, 0x00ff)
	want := [8]byte{0x80, 0x06, 0x00, 0x02, 0x09, 0x04, 0xff, 0x00}
	if got != want {
		t.Errorf("setup: got %x; want %x", got, want)
	}
}
