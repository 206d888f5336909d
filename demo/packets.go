// Package demo is a small chat protocol built on the session layer. It
// walks a client through handshake, an encrypted and compressed login, and
// a play phase with chat, movement and keepalives.
package demo

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/migration"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/wire"
)

// ProtocolVersion is the version a client announces in Hello.
const ProtocolVersion = 1

// MaxChatLength caps a chat message in bytes.
const MaxChatLength = 256

const maxNameLength = 16

// IntentLogin is the only intent the demo server accepts.
const IntentLogin uint8 = 2

var ErrChatTooLong = errors.New("chat message too long")

type Hello struct {
	Version uint32
	Intent  uint8
}

func (*Hello) Kind() protocol.Kind { return "handshake.hello" }
func (p *Hello) Encode(b *wire.PacketBuffer) error {
	b.WriteVarUint32(p.Version)
	b.WriteUint8(p.Intent)
	return nil
}

func decodeHello(b *wire.PacketBuffer) (protocol.Packet, error) {
	p := &Hello{}
	var err error
	if p.Version, err = b.ReadVarUint32(); err != nil {
		return nil, err
	}
	if p.Intent, err = b.ReadUint8(); err != nil {
		return nil, err
	}
	return p, nil
}

// Disconnect tells the peer why the session ends. Every phase carries it.
type Disconnect struct{ Reason string }

func (*Disconnect) Kind() protocol.Kind { return "disconnect" }
func (p *Disconnect) Encode(b *wire.PacketBuffer) error {
	b.WriteString(p.Reason)
	return nil
}

func decodeDisconnect(b *wire.PacketBuffer) (protocol.Packet, error) {
	s, err := b.ReadString(0)
	return &Disconnect{Reason: s}, err
}

// LoginStart carries the player name, the client's X25519 public key and
// its settings in whatever schema version the client was built with.
type LoginStart struct {
	Name      string
	PublicKey []byte
	Settings  migration.Snapshot
}

func (*LoginStart) Kind() protocol.Kind { return "login.start" }
func (p *LoginStart) Encode(b *wire.PacketBuffer) error {
	b.WriteString(p.Name)
	b.WriteBytes(p.PublicKey)
	return migration.WriteSnapshot(b, p.Settings)
}

func decodeLoginStart(b *wire.PacketBuffer) (protocol.Packet, error) {
	p := &LoginStart{}
	var err error
	if p.Name, err = b.ReadString(maxNameLength); err != nil {
		return nil, err
	}
	key, err := b.ReadBytes(64)
	if err != nil {
		return nil, err
	}
	p.PublicKey = append([]byte(nil), key...)
	if p.Settings, err = migration.ReadSnapshot(b); err != nil {
		return nil, err
	}
	return p, nil
}

type KeyExchange struct{ PublicKey []byte }

func (*KeyExchange) Kind() protocol.Kind { return "login.key" }
func (p *KeyExchange) Encode(b *wire.PacketBuffer) error {
	b.WriteBytes(p.PublicKey)
	return nil
}

func decodeKeyExchange(b *wire.PacketBuffer) (protocol.Packet, error) {
	key, err := b.ReadBytes(64)
	if err != nil {
		return nil, err
	}
	return &KeyExchange{PublicKey: append([]byte(nil), key...)}, nil
}

type SetCompression struct{ Threshold uint32 }

func (*SetCompression) Kind() protocol.Kind { return "login.compression" }
func (p *SetCompression) Encode(b *wire.PacketBuffer) error {
	b.WriteVarUint32(p.Threshold)
	return nil
}

func decodeSetCompression(b *wire.PacketBuffer) (protocol.Packet, error) {
	t, err := b.ReadVarUint32()
	return &SetCompression{Threshold: t}, err
}

type LoginSuccess struct {
	ID   uuid.UUID
	Name string
}

func (*LoginSuccess) Kind() protocol.Kind { return "login.success" }
func (p *LoginSuccess) Encode(b *wire.PacketBuffer) error {
	b.WriteRaw(p.ID[:])
	b.WriteString(p.Name)
	return nil
}

func decodeLoginSuccess(b *wire.PacketBuffer) (protocol.Packet, error) {
	raw, err := b.ReadRaw(16)
	if err != nil {
		return nil, err
	}
	p := &LoginSuccess{}
	copy(p.ID[:], raw)
	if p.Name, err = b.ReadString(maxNameLength); err != nil {
		return nil, err
	}
	return p, nil
}

// LoginAck moves both ends to the play phase.
type LoginAck struct{}

func (*LoginAck) Kind() protocol.Kind             { return "login.ack" }
func (*LoginAck) Encode(*wire.PacketBuffer) error { return nil }

type KeepAlive struct{ ID uint64 }

func (*KeepAlive) Kind() protocol.Kind { return "play.keepalive" }
func (p *KeepAlive) Encode(b *wire.PacketBuffer) error {
	b.WriteUint64(p.ID)
	return nil
}

func decodeKeepAlive(b *wire.PacketBuffer) (protocol.Packet, error) {
	id, err := b.ReadUint64()
	return &KeepAlive{ID: id}, err
}

// Chat is a text message. From is empty on the serverbound side.
type Chat struct {
	From string
	Text string
}

func (*Chat) Kind() protocol.Kind { return "play.chat" }

// Skippable lets an oversized chat be dropped instead of ending the
// session.
func (*Chat) Skippable() bool { return true }

func (p *Chat) Encode(b *wire.PacketBuffer) error {
	if len(p.Text) > MaxChatLength {
		return errors.Wrapf(ErrChatTooLong, "%d bytes", len(p.Text))
	}
	b.WriteString(p.From)
	b.WriteString(p.Text)
	return nil
}

func decodeChat(b *wire.PacketBuffer) (protocol.Packet, error) {
	p := &Chat{}
	var err error
	if p.From, err = b.ReadString(maxNameLength); err != nil {
		return nil, err
	}
	text, err := b.ReadBytes(wire.DefaultMaxStringLen)
	if err != nil {
		return nil, err
	}
	if len(text) > MaxChatLength {
		return nil, errors.Wrapf(protocol.ErrSkip, "chat of %d bytes", len(text))
	}
	p.Text = string(text)
	return p, nil
}

type Position struct{ X, Y, Z float64 }

func (*Position) Kind() protocol.Kind { return "play.movement.position" }
func (p *Position) Encode(b *wire.PacketBuffer) error {
	b.WriteFloat64(p.X)
	b.WriteFloat64(p.Y)
	b.WriteFloat64(p.Z)
	return nil
}

func decodePosition(b *wire.PacketBuffer) (protocol.Packet, error) {
	p := &Position{}
	for _, f := range []*float64{&p.X, &p.Y, &p.Z} {
		v, err := b.ReadFloat64()
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return p, nil
}

type Rotation struct{ Yaw, Pitch float64 }

func (*Rotation) Kind() protocol.Kind { return "play.movement.rotation" }
func (p *Rotation) Encode(b *wire.PacketBuffer) error {
	b.WriteFloat64(p.Yaw)
	b.WriteFloat64(p.Pitch)
	return nil
}

func decodeRotation(b *wire.PacketBuffer) (protocol.Packet, error) {
	p := &Rotation{}
	var err error
	if p.Yaw, err = b.ReadFloat64(); err != nil {
		return nil, err
	}
	if p.Pitch, err = b.ReadFloat64(); err != nil {
		return nil, err
	}
	return p, nil
}

// BundleDelimiter opens and closes a bundle on the wire.
type BundleDelimiter struct{}

func (*BundleDelimiter) Kind() protocol.Kind             { return "play.bundle_delimiter" }
func (*BundleDelimiter) Encode(*wire.PacketBuffer) error { return nil }

// Bundle is a group of clientbound packets the client applies together.
type Bundle struct{ Items []protocol.Packet }

func (*Bundle) Kind() protocol.Kind             { return "play.bundle" }
func (*Bundle) Encode(*wire.PacketBuffer) error { return errors.New("bundles are expanded before encoding") }
func (b *Bundle) Packets() []protocol.Packet    { return b.Items }
