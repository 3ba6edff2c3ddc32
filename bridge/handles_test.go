package bridge

import (
	"context"
	baseerrors "errors"
	"sync"
	"testing"

	"github.com/efficientgo/core/errors"

	"github.com/dandrader/usb-bridge/hostapi"
)

func refreshOne(t *testing.T, b *Bridge) {
	t.Helper()
	if err := b.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func singleDeviceHost() *fakeHost {
	return &fakeHost{refs: []hostapi.DeviceRef{&fakeRef{key: "a"}}}
}

func TestHandlesShareOnePhysicalOpen(t *testing.T) {
	host := singleDeviceHost()
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	h1, err := b.OpenDeviceHandle(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := b.OpenDeviceHandle(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Errorf("handles not distinct: both %d", h1)
	}
	if opens, _ := host.counts(); opens != 1 {
		t.Errorf("physical opens: got %d; want 1", opens)
	}

	// Closing one of two handles must not touch the device.
	if err := b.CloseDeviceHandle(ctx, 1, h1); err != nil {
		t.Fatal(err)
	}
	if _, closes := host.counts(); closes != 0 {
		t.Errorf("physical closes after non-last handle: got %d; want 0", closes)
	}
	if err := b.CloseDeviceHandle(ctx, 1, h2); err != nil {
		t.Fatal(err)
	}
	if opens, closes := host.counts(); opens != 1 || closes != 1 {
		t.Errorf("physical opens/closes: got %d/%d; want 1/1", opens, closes)
	}
}

func TestConcurrentOpensShareOnePhysicalOpen(t *testing.T) {
	const callers = 16

	host := singleDeviceHost()
	gate := make(chan struct{})
	host.openGate = gate
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = map[uint32]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := b.OpenDeviceHandle(ctx, 1)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			mu.Lock()
			handles[h] = struct{}{}
			mu.Unlock()
		}()
	}
	close(gate)
	wg.Wait()

	if len(handles) != callers {
		t.Errorf("distinct handles: got %d; want %d", len(handles), callers)
	}
	if opens, _ := host.counts(); opens != 1 {
		t.Errorf("physical opens: got %d; want 1", opens)
	}

	for h := range handles {
		if err := b.CloseDeviceHandle(ctx, 1, h); err != nil {
			t.Fatal(err)
		}
	}
	if opens, closes := host.counts(); opens != closes {
		t.Errorf("physical opens/closes unbalanced: %d/%d", opens, closes)
	}
}

func TestOpenUnknownDeviceAndHandle(t *testing.T) {
	host := singleDeviceHost()
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	if _, err := b.OpenDeviceHandle(ctx, 42); err != ErrUnknownDevice {
		t.Errorf("open unknown device: got %v; want %v", err, ErrUnknownDevice)
	}
	if err := b.CloseDeviceHandle(ctx, 1, 42); err != ErrUnknownHandle {
		t.Errorf("close unknown handle: got %v; want %v", err, ErrUnknownHandle)
	}

	h, err := b.OpenDeviceHandle(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CloseDeviceHandle(ctx, 1, h); err != nil {
		t.Fatal(err)
	}
	// Handles are single-use.
	if err := b.CloseDeviceHandle(ctx, 1, h); err != ErrUnknownHandle {
		t.Errorf("double close: got %v; want %v", err, ErrUnknownHandle)
	}
}

func TestFailedOpenAllowsRetry(t *testing.T) {
	host := singleDeviceHost()
	host.openErr = errors.New("device busy")
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	_, err := b.OpenDeviceHandle(ctx, 1)
	var hostErr *HostOperationError
	if !baseerrors.As(err, &hostErr) || hostErr.Op != "open" {
		t.Fatalf("failed open: got %v; want open HostOperationError", err)
	}

	host.setOpenErr(nil)
	h, err := b.OpenDeviceHandle(ctx, 1)
	if err != nil {
		t.Fatalf("retry after failed open: %v", err)
	}
	if err := b.CloseDeviceHandle(ctx, 1, h); err != nil {
		t.Fatal(err)
	}
}

func TestFailedCloseParksDevice(t *testing.T) {
	host := singleDeviceHost()
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	h, err := b.OpenDeviceHandle(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	host.setCloseErr(errors.New("transport gone"))
	err = b.CloseDeviceHandle(ctx, 1, h)
	var hostErr *HostOperationError
	if !baseerrors.As(err, &hostErr) || hostErr.Op != "close" {
		t.Fatalf("failed close: got %v; want close HostOperationError", err)
	}

	// The device is parked: even though the host would now succeed, opens
	// keep reporting the close failure. Only a re-enumeration dropping the
	// record clears it.
	host.setCloseErr(nil)
	opensBefore, _ := host.counts()
	_, err = b.OpenDeviceHandle(ctx, 1)
	if !baseerrors.As(err, &hostErr) || hostErr.Op != "close" {
		t.Errorf("open of parked device: got %v; want close HostOperationError", err)
	}
	if opensAfter, _ := host.counts(); opensAfter != opensBefore {
		t.Errorf("open of parked device reached the host: %d opens", opensAfter)
	}

	// The device drops off the bus and comes back: the fresh record starts
	// closed and opens normally.
	host.mu.Lock()
	host.refs = nil
	host.mu.Unlock()
	refreshOne(t, b)
	host.mu.Lock()
	host.refs = []hostapi.DeviceRef{&fakeRef{key: "a"}}
	host.mu.Unlock()
	refreshOne(t, b)
	if _, err := b.OpenDeviceHandle(ctx, 2); err != nil {
		t.Errorf("open after re-enumeration: %v", err)
	}
}

func TestHandlesAreNeverReused(t *testing.T) {
	host := singleDeviceHost()
	b := testBridge(host)
	refreshOne(t, b)
	ctx := context.Background()

	seen := map[uint32]struct{}{}
	for i := 0; i < 5; i++ {
		h, err := b.OpenDeviceHandle(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[h]; dup {
			t.Fatalf("handle %d reused", h)
		}
		seen[h] = struct{}{}
		if err := b.CloseDeviceHandle(ctx, 1, h); err != nil {
			t.Fatal(err)
		}
	}
	if opens, closes := host.counts(); opens != 5 || closes != 5 {
		t.Errorf("physical opens/closes: got %d/%d; want 5/5", opens, closes)
	}
}
