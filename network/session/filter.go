package session

import (
	"context"

	"github.com/linchenxuan/conduit/network/protocol"
)

// Delivery is one decoded packet on its way to the listener.
type Delivery struct {
	// Conn received the packet.
	Conn *Connection
	// Listener is the phase listener the packet is headed for.
	Listener Listener
	Packet   protocol.Packet
}

// HandleFunc is the end of a filter chain.
type HandleFunc func(ctx context.Context, d *Delivery) error

// Filter intercepts a delivery and decides whether to pass it on by
// calling next.
type Filter func(ctx context.Context, d *Delivery, next HandleFunc) error

// FilterChain runs filters in order before the final handler.
type FilterChain []Filter

// Handle runs d through the chain and hands it to f if every filter
// passes it on.
func (fc FilterChain) Handle(ctx context.Context, d *Delivery, f HandleFunc) error {
	if len(fc) == 0 {
		return f(ctx, d)
	}
	return fc[0](ctx, d, func(ctx context.Context, d *Delivery) error {
		return fc[1:].Handle(ctx, d, f)
	})
}

// rateLimitFilter drops or kicks according to the connection's limiter.
func (c *Connection) rateLimitFilter(ctx context.Context, d *Delivery, next HandleFunc) error {
	if c.limiter == nil {
		return next(ctx, d)
	}
	switch c.limiter.Check(d.Packet.Kind()) {
	case VerdictDrop:
		c.countDropped(d.Packet, "rate")
		return nil
	case VerdictKick:
		c.killForSpam(ctx)
		return nil
	}
	return next(ctx, d)
}

func shouldHandleFilter(ctx context.Context, d *Delivery, next HandleFunc) error {
	if !d.Listener.ShouldHandle(d.Packet) {
		return nil
	}
	return next(ctx, d)
}
