package usbip

import (
	"context"
	"net"
	"time"

	"github.com/efficientgo/core/errors"
)

const controlPhaseTimeout = 5 * time.Second

// Dialer abstracts how a TCP connection to a target is established, so
// tests can substitute in-memory pipes.
type Dialer interface {
	Dial(ctx context.Context, t Target) (net.Conn, error)
}

// NetDialer dials targets over the network.
type NetDialer struct{}

func (NetDialer) Dial(ctx context.Context, t Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.String())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to USB/IP target at %s", t)
	}
	return conn, nil
}

// applyDeadline propagates a context deadline onto the connection; without
// one, control-phase exchanges fall back to a fixed timeout so a dead
// target cannot hang the caller forever.
func applyDeadline(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(deadline)
	}
	return conn.SetDeadline(time.Now().Add(controlPhaseTimeout))
}
