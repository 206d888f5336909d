package session

import (
	"context"

	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/transport"
)

// Connect starts a client session on link. The initial protocols are
// queued ahead of anything else, so sends queued by the caller after
// Connect returns are encoded with out.
func Connect(ctx context.Context, link transport.Link, in, out *protocol.Descriptor,
	l Listener, opts ...Option) (*Connection, error) {
	c := NewConnection(ctx, in.Flow(), opts...)
	if err := c.checkInbound(in, l); err != nil {
		c.cancel()
		_ = link.Close()
		return nil, err
	}
	if err := c.checkOutbound(out); err != nil {
		c.cancel()
		_ = link.Close()
		return nil, err
	}
	if err := c.RunOnceConnected(ctx, func(ctx context.Context) {
		if err := c.SwitchProtocols(ctx, in, out, l); err != nil {
			c.Disconnect(DisconnectionDetails{Reason: ReasonGeneric, Cause: err})
		}
	}); err != nil {
		return nil, err
	}
	if err := c.Bind(link); err != nil {
		return nil, err
	}
	return c, nil
}
