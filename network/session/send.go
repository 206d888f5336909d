package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/protocol"
)

// SendCallback observes the outcome of one Send. OnFailure may return a
// replacement packet to send instead.
type SendCallback struct {
	OnSuccess func()
	OnFailure func(err error) protocol.Packet
}

type sendOptions struct {
	flush    bool
	callback *SendCallback
}

// SendOption customizes one Send.
type SendOption func(*sendOptions)

// WithCallback reports the send's outcome to cb.
func WithCallback(cb SendCallback) SendOption {
	return func(o *sendOptions) { o.callback = &cb }
}

// WithoutFlush leaves the packet buffered until the next flush or tick.
func WithoutFlush() SendOption {
	return func(o *sendOptions) { o.flush = false }
}

// Send encodes pkt through the outbound pipeline and writes it to the
// link. Before the connection is ready the send is queued. Send does not
// wait for the write; use WithCallback to observe it.
func (c *Connection) Send(ctx context.Context, pkt protocol.Packet, opts ...SendOption) error {
	o := sendOptions{flush: true}
	for _, opt := range opts {
		opt(&o)
	}
	return c.whenReady(ctx, func(ctx context.Context) {
		c.doSend(ctx, pkt, o)
	})
}

// Flush writes any buffered frames.
func (c *Connection) Flush(ctx context.Context) error {
	return c.whenReady(ctx, c.flush)
}

func (c *Connection) doSend(ctx context.Context, pkt protocol.Packet, o sendOptions) {
	link := c.currentLink()
	if c.disconnectHandled || link == nil || link.Closed() {
		c.failSend(ctx, o, ErrConnectionClosed)
		return
	}

	err := c.writePacket(pkt)
	if err == nil {
		if o.flush {
			c.flush(ctx)
		}
		c.sentInstant++
		c.sentTotal.Add(1)
		metrics.IncrCounterWithDimGroup(metrics.NamePacketSentTotal, metrics.GroupConduit, 1,
			metrics.Dimension{metrics.DimPhase: string(c.Phase())})
		if o.callback != nil && o.callback.OnSuccess != nil {
			o.callback.OnSuccess()
		}
		return
	}

	var over *pipeline.OversizedPacketError
	if errors.As(err, &over) {
		if fb, ok := pkt.(protocol.LargePacketFallback); ok {
			if alt := fb.LargeFallback(); alt != nil {
				c.logger.Debug().Str("kind", string(pkt.Kind())).Int("size", over.Size).Msg("sending fallback for oversized packet")
				c.doSend(ctx, alt, o)
				return
			}
		}
		if protocol.IsSkippable(pkt) {
			c.countDropped(pkt, "oversized")
			c.failSend(ctx, o, err)
			return
		}
		err = pipeline.Fatal(pipeline.NameCodec, err)
	}
	c.failSend(ctx, o, err)
	c.handleFault(ctx, err)
}

func (c *Connection) failSend(ctx context.Context, o sendOptions, err error) {
	if o.callback == nil || o.callback.OnFailure == nil {
		return
	}
	fallback := o.callback.OnFailure(err)
	if fallback == nil || errors.Is(err, ErrConnectionClosed) {
		return
	}
	c.doSend(ctx, fallback, sendOptions{flush: o.flush})
}

// writePacket runs pkt through the outbound stages and buffers the
// resulting frames on the link. A frame over the framer's limit is
// reported as an *OversizedPacketError for pkt, the same as an encoding
// over MaxUncompressedSize.
func (c *Connection) writePacket(pkt protocol.Packet) error {
	list := c.outbound.Load()
	if _, ok := list.Get(pipeline.NameCodec); !ok {
		return pipeline.Fatal(pipeline.NameCodec, ErrNoOutboundCodec)
	}
	link := c.currentLink()
	framer := list.Framer()
	return list.Run(pipeline.Message{Packet: pkt}, func(m pipeline.Message) error {
		frame, err := framer.EncodeFrame(m.Frame)
		if err != nil {
			if errors.Is(err, pipeline.ErrFrameTooLarge) {
				return &pipeline.OversizedPacketError{Packet: pkt, Size: len(m.Frame), Max: frameLimit(framer)}
			}
			return err
		}
		return link.Write(frame)
	})
}

func frameLimit(f pipeline.Framer) int {
	if l, ok := f.(interface{ Limit() int }); ok {
		return l.Limit()
	}
	return pipeline.MaxFrameSize
}

func (c *Connection) flush(ctx context.Context) {
	link := c.currentLink()
	if link == nil {
		return
	}
	if err := link.Flush(); err != nil {
		if isEndOfStream(err) {
			c.handleDisconnection(ctx, false)
			return
		}
		c.handleFault(ctx, err)
	}
}

func (c *Connection) countDropped(pkt protocol.Packet, why string) {
	metrics.IncrCounterWithDimGroup(metrics.NamePacketDroppedTotal, metrics.GroupConduit, 1,
		metrics.Dimension{metrics.DimReason: why})
	c.logger.Debug().Str("kind", string(pkt.Kind())).Str("why", why).Msg("packet dropped")
}
