package pipeline

import (
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/wire"
)

// Packet codec errors. All of them are fatal to the session.
var (
	ErrUnknownPacketID = errors.New("unknown packet id")
	ErrUnknownKind     = errors.New("packet kind not in protocol")
	ErrTrailingBytes   = errors.New("trailing bytes after packet")
)

// PacketCodec converts between frames and packets using one descriptor.
// The same type serves both directions; the list it sits in decides which
// way it is used.
type PacketCodec struct {
	desc *protocol.Descriptor
	dir  Direction
}

// NewPacketDecoder returns the inbound codec stage for desc.
func NewPacketDecoder(desc *protocol.Descriptor) *PacketCodec {
	return &PacketCodec{desc: desc, dir: Inbound}
}

// NewPacketEncoder returns the outbound codec stage for desc.
func NewPacketEncoder(desc *protocol.Descriptor) *PacketCodec {
	return &PacketCodec{desc: desc, dir: Outbound}
}

// Name returns NameCodec.
func (c *PacketCodec) Name() string                     { return NameCodec }
// Descriptor returns the protocol the codec encodes or decodes.
func (c *PacketCodec) Descriptor() *protocol.Descriptor { return c.desc }

// Process decodes frames on an inbound codec and encodes packets on an
// outbound one.
func (c *PacketCodec) Process(msg Message, emit Emit) error {
	if c.dir == Inbound {
		pkt, err := c.Decode(msg.Frame)
		if err != nil {
			return err
		}
		return emit(Message{Packet: pkt})
	}
	frame, err := c.Encode(msg.Packet)
	if err != nil {
		return err
	}
	return emit(Message{Frame: frame})
}

// Decode reads one packet. The whole frame must be consumed.
func (c *PacketCodec) Decode(frame []byte) (protocol.Packet, error) {
	buf := wire.NewPacketBuffer(frame)
	id, err := buf.ReadVarUint32()
	if err != nil {
		return nil, Fatal(NameCodec, errors.Wrap(err, "packet id"))
	}
	kind, decode, ok := c.desc.IDs().Lookup(id)
	if !ok {
		return nil, Fatal(NameCodec, errors.Wrapf(ErrUnknownPacketID, "id %d in %s", id, c.desc))
	}
	pkt, err := decode(buf)
	if err != nil {
		if errors.Is(err, protocol.ErrSkip) {
			return nil, Skip(NameCodec, errors.Wrapf(err, "decode %s", kind))
		}
		return nil, Fatal(NameCodec, errors.Wrapf(err, "decode %s", kind))
	}
	if buf.Len() > 0 {
		return nil, Fatal(NameCodec, errors.Wrapf(ErrTrailingBytes, "%d bytes after %s", buf.Len(), kind))
	}
	return pkt, nil
}

// Encode writes pkt's id and fields. An encoding larger than
// MaxUncompressedSize yields an *OversizedPacketError.
func (c *PacketCodec) Encode(pkt protocol.Packet) ([]byte, error) {
	id, ok := c.desc.IDs().ID(pkt.Kind())
	if !ok {
		return nil, Fatal(NameCodec, errors.Wrapf(ErrUnknownKind, "%s in %s", pkt.Kind(), c.desc))
	}
	buf := wire.NewPacketBuffer(nil)
	buf.WriteVarUint32(id)
	if err := pkt.Encode(buf); err != nil {
		err = errors.Wrapf(err, "encode %s", pkt.Kind())
		if protocol.IsSkippable(pkt) {
			return nil, Skip(NameCodec, err)
		}
		return nil, Fatal(NameCodec, err)
	}
	if buf.Len() > MaxUncompressedSize {
		return nil, &OversizedPacketError{Packet: pkt, Size: buf.Len(), Max: MaxUncompressedSize}
	}
	return buf.Bytes(), nil
}
