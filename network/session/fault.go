package session

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/transport"
)

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed)
}

// Disconnect ends the session with d. The first reason wins; later calls
// only make sure the link is closing. Before Bind the reason is kept and
// applied when the link arrives. Safe to call from any goroutine.
func (c *Connection) Disconnect(d DisconnectionDetails) {
	c.details.CompareAndSwap(nil, &d)
	link := c.currentLink()
	if link == nil {
		return
	}
	_ = link.Close()
	// wake the loop so the teardown does not wait for the next tick
	select {
	case c.mailbox <- func(ctx context.Context) { c.handleDisconnection(ctx, false) }:
	default:
	}
}

// DisconnectReason is Disconnect without a cause.
func (c *Connection) DisconnectReason(reason string) {
	c.Disconnect(DisconnectionDetails{Reason: reason})
}

// handleDisconnection finalizes a closed session exactly once: it tells
// the listener, drops queued actions, frees the stages and stops the loop.
// Unless forced it does nothing while the link is still open.
func (c *Connection) handleDisconnection(ctx context.Context, force bool) {
	if c.disconnectHandled {
		return
	}
	link := c.currentLink()
	if !force && (link == nil || !link.Closed()) {
		return
	}
	c.disconnectHandled = true
	c.readOnly, c.stopReading = true, true

	c.details.CompareAndSwap(nil, &DisconnectionDetails{Reason: ReasonEndOfStream})
	d := *c.details.Load()

	c.mu.Lock()
	c.terminated = true
	c.pending = nil
	c.mu.Unlock()

	if l := c.Listener(); l != nil {
		l.OnDisconnect(d)
	}
	c.inbound.Load().Release()
	c.outbound.Load().Release()

	if link != nil {
		metrics.IncrCounterWithDimGroup(metrics.NameSessionCloseTotal, metrics.GroupConduit, 1,
			metrics.Dimension{metrics.DimReason: d.Reason})
		metrics.UpdateGaugeWithGroup(metrics.NameSessionActive, metrics.GroupConduit, metrics.Value(_active.Add(-1)))
	}
	c.logger.Info().Str("reason", d.Reason).Err(d.Cause).Msg("session closed")
	c.cancel()
}

// handleFault applies the fault policy. Skippable faults are logged and
// the session goes on. The first fatal fault tries to tell the peer why
// before disconnecting; a fault while doing so disconnects immediately.
func (c *Connection) handleFault(ctx context.Context, err error) {
	if err == nil || c.disconnectHandled {
		return
	}
	if pipeline.IsSkippable(err) {
		metrics.IncrCounterWithDimGroup(metrics.NameFaultTotal, metrics.GroupConduit, 1,
			metrics.Dimension{metrics.DimFault: "skippable"})
		c.faultLog.Do(func() {
			c.logger.Warn().Err(err).Msg("skipped packet")
		})
		return
	}
	if transport.IsTimeout(err) {
		c.Disconnect(DisconnectionDetails{Reason: ReasonTimeout, Cause: err})
		c.handleDisconnection(ctx, false)
		return
	}
	if isEndOfStream(err) {
		c.Disconnect(DisconnectionDetails{Reason: ReasonEndOfStream, Cause: err})
		c.handleDisconnection(ctx, false)
		return
	}

	metrics.IncrCounterWithDimGroup(metrics.NameFaultTotal, metrics.GroupConduit, 1,
		metrics.Dimension{metrics.DimFault: "fatal"})
	details := DisconnectionDetails{Reason: ReasonGeneric, Cause: err}
	if l := c.Listener(); l != nil {
		details = l.CreateDisconnectionInfo(ReasonGeneric, err)
	}

	if c.faulted {
		c.logger.Error().Err(err).Msg("double fault, closing immediately")
		c.readOnly = true
		c.Disconnect(details)
		c.handleDisconnection(ctx, false)
		return
	}
	c.faulted = true
	c.logger.Warn().Err(err).Msg("session fault")
	c.readOnly = true
	c.details.CompareAndSwap(nil, &details)
	c.notifyPeer(ctx, details)
	c.Disconnect(details)
	c.handleDisconnection(ctx, false)
}

// notifyPeer sends the listener's disconnect packet, if it has one and
// the outbound protocol can carry it.
func (c *Connection) notifyPeer(ctx context.Context, details DisconnectionDetails) {
	n, ok := c.Listener().(DisconnectNotifier)
	if !ok {
		return
	}
	link := c.currentLink()
	if link == nil || link.Closed() {
		return
	}
	if _, ok := c.outbound.Load().Get(pipeline.NameCodec); !ok {
		return
	}
	pkt := n.DisconnectPacket(details)
	if pkt == nil {
		return
	}
	if err := c.writePacket(pkt); err != nil {
		c.handleFault(ctx, err)
		return
	}
	if err := link.Flush(); err != nil {
		c.logger.Debug().Err(err).Msg("flush disconnect notice")
	}
}

// killForSpam stops reading, sends the spam notice and disconnects.
func (c *Connection) killForSpam(ctx context.Context) {
	if c.stopReading {
		return
	}
	c.stopReading = true
	metrics.IncrCounterWithGroup(metrics.NameSpamKickTotal, metrics.GroupConduit, 1)
	c.logger.Warn().Stringer("remote", c.RemoteAddr()).Msg("rate limit exceeded, disconnecting")
	details := DisconnectionDetails{Reason: c.cfg.SpamNotice}
	c.faulted = true
	c.details.CompareAndSwap(nil, &details)
	c.notifyPeer(ctx, details)
	c.Disconnect(details)
	c.handleDisconnection(ctx, false)
}
