// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"fmt"

	"github.com/efficientgo/core/errors"
	"github.com/dandrader/usb-bridge/hostapi"
)

var (
	// ErrUnknownDevice means the device identifier is not present in the
	// current registry snapshot.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownHandle means the handle is not in the device's open set.
	ErrUnknownHandle = errors.New("unknown handle")
)

// HostOperationError reports a host backend call that did not succeed,
// either because the backend itself failed or because it reported a
// non-ok transfer status.
type HostOperationError struct {
	Op     string
	Status hostapi.TransferStatus
	Err    error
}

func (e *HostOperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("host %s failed with status %q", e.Op, e.Status)
}

func (e *HostOperationError) Unwrap() error {
	return e.Err
}

func hostOpError(op string, res hostapi.TransferResult, err error) *HostOperationError {
	if err != nil {
		return &HostOperationError{Op: op, Err: err}
	}
	return &HostOperationError{Op: op, Status: res.Status}
}
