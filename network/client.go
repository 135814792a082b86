package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dial connects to address and runs the hello exchange. Cancelling ctx
// aborts both steps.
func Dial(ctx context.Context, address string, options Options) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("network: dial %s: %w", address, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	unblock := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	remote, err := greet(conn, opts.Identity, true)
	// A false return means the AfterFunc already fired and poked the
	// deadline, so the exchange cannot be trusted.
	if !unblock() && err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = conn.SetDeadline(time.Time{})
	}
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("network: hello with %s: %w", address, ctxErr)
		}
		return nil, fmt.Errorf("network: hello with %s: %w", address, err)
	}
	return newLink(conn, remote, opts), nil
}
