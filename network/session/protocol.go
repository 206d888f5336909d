package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/protocol"
)

func (c *Connection) checkInbound(desc *protocol.Descriptor, l Listener) error {
	if desc.Flow() != c.flow {
		return errors.Wrapf(ErrProtocolMismatch, "inbound %s on a %s connection", desc, c.flow)
	}
	if l == nil {
		return errors.Wrap(ErrProtocolMismatch, "nil listener")
	}
	if l.Flow() != c.flow || l.Phase() != desc.Phase() {
		return errors.Wrapf(ErrProtocolMismatch, "listener %s/%s for %s", l.Phase(), l.Flow(), desc)
	}
	return nil
}

func (c *Connection) checkOutbound(desc *protocol.Descriptor) error {
	if desc.Flow() != c.flow.Opposite() {
		return errors.Wrapf(ErrProtocolMismatch, "outbound %s on a %s connection", desc, c.flow)
	}
	return nil
}

// SetupInboundProtocol installs the decoder for desc and makes l the
// listener. It returns once the loop has applied the switch; packets
// after the one being handled decode with the new protocol.
func (c *Connection) SetupInboundProtocol(ctx context.Context, desc *protocol.Descriptor, l Listener) error {
	if err := c.checkInbound(desc, l); err != nil {
		return err
	}
	return c.call(ctx, func(context.Context) error {
		return c.applyInbound(desc, l)
	})
}

// SetupOutboundProtocol installs the encoder for desc.
func (c *Connection) SetupOutboundProtocol(ctx context.Context, desc *protocol.Descriptor) error {
	if err := c.checkOutbound(desc); err != nil {
		return err
	}
	return c.call(ctx, func(context.Context) error {
		return c.applyOutbound(desc)
	})
}

// SwitchProtocols replaces both directions and the listener in one step
// of the loop.
func (c *Connection) SwitchProtocols(ctx context.Context, in, out *protocol.Descriptor, l Listener) error {
	if err := c.checkInbound(in, l); err != nil {
		return err
	}
	if err := c.checkOutbound(out); err != nil {
		return err
	}
	return c.call(ctx, func(context.Context) error {
		if err := c.applyInbound(in, l); err != nil {
			return err
		}
		return c.applyOutbound(out)
	})
}

func (c *Connection) applyInbound(desc *protocol.Descriptor, l Listener) error {
	list, _ := c.inbound.Load().Replace(pipeline.NewPacketDecoder(desc))
	list, old := list.Without(pipeline.NameUnbundler)
	if old != nil {
		if u, ok := old.(*pipeline.Unbundler); ok && u.Open() {
			c.logger.Warn().Str("phase", string(desc.Phase())).Msg("protocol switch inside an open bundle")
		}
	}
	if info, ok := desc.Bundling(); ok {
		var err error
		if list, err = list.InsertAfter(pipeline.NameCodec, pipeline.NewUnbundler(info)); err != nil {
			return err
		}
	}
	c.inbound.Store(list)
	c.listener.Store(&l)
	metrics.IncrCounterWithDimGroup(metrics.NameProtocolSwitchTotal, metrics.GroupConduit, 1,
		metrics.Dimension{metrics.DimPhase: string(desc.Phase())})
	c.logger.Debug().Stringer("protocol", desc).Stringer("stages", list).Msg("inbound protocol set")
	return nil
}

func (c *Connection) applyOutbound(desc *protocol.Descriptor) error {
	list, _ := c.outbound.Load().Without(pipeline.NameBundler)
	list, _ = list.Replace(pipeline.NewPacketEncoder(desc))
	if info, ok := desc.Bundling(); ok {
		var err error
		if list, err = list.InsertBefore(pipeline.NameCodec, pipeline.NewBundler(info)); err != nil {
			return err
		}
	}
	c.outbound.Store(list)
	c.logger.Debug().Stringer("protocol", desc).Stringer("stages", list).Msg("outbound protocol set")
	return nil
}

// SetEncryptionKey enables the stream cipher in both directions. decrypt
// and encrypt are the secrets for inbound and outbound traffic. It can be
// called once.
func (c *Connection) SetEncryptionKey(ctx context.Context, decrypt, encrypt []byte) error {
	dec, err := pipeline.NewDecryptStage(decrypt)
	if err != nil {
		return err
	}
	enc, err := pipeline.NewEncryptStage(encrypt)
	if err != nil {
		return err
	}
	return c.call(ctx, func(context.Context) error {
		if c.encrypted.Load() {
			dec.Release()
			enc.Release()
			return ErrAlreadyEncrypted
		}
		in, err := c.inbound.Load().InsertAfter(pipeline.NameFramer, dec)
		if err != nil {
			return err
		}
		out, err := c.outbound.Load().InsertBefore(pipeline.NameFramer, enc)
		if err != nil {
			return err
		}
		c.inbound.Store(in)
		c.outbound.Store(out)
		c.encrypted.Store(true)
		return nil
	})
}

// SetupCompression compresses frames of at least threshold bytes. A
// negative threshold removes compression. Existing stages are
// reconfigured in place.
func (c *Connection) SetupCompression(ctx context.Context, threshold int, strict bool) error {
	return c.call(ctx, func(context.Context) error {
		in, out := c.inbound.Load(), c.outbound.Load()
		if threshold < 0 {
			in, dec := in.Without(pipeline.NameDecompress)
			out, comp := out.Without(pipeline.NameCompress)
			c.inbound.Store(in)
			c.outbound.Store(out)
			for _, s := range []pipeline.Stage{dec, comp} {
				if r, ok := s.(pipeline.Releaser); ok {
					r.Release()
				}
			}
			return nil
		}

		var err error
		if s, ok := in.Get(pipeline.NameDecompress); ok {
			s.(*pipeline.DecompressStage).SetThreshold(threshold, strict)
		} else {
			anchor := pipeline.NameFramer
			if _, ok := in.Get(pipeline.NameDecrypt); ok {
				anchor = pipeline.NameDecrypt
			}
			if in, err = in.InsertAfter(anchor, pipeline.NewDecompressStage(threshold, strict)); err != nil {
				return err
			}
		}
		if s, ok := out.Get(pipeline.NameCompress); ok {
			s.(*pipeline.CompressStage).SetThreshold(threshold, strict)
		} else {
			anchor := pipeline.NameFramer
			if _, ok := out.Get(pipeline.NameEncrypt); ok {
				anchor = pipeline.NameEncrypt
			}
			if out, err = out.InsertBefore(anchor, pipeline.NewCompressStage(threshold)); err != nil {
				return err
			}
		}
		c.inbound.Store(in)
		c.outbound.Store(out)
		return nil
	})
}
