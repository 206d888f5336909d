// Package protocol defines the vocabulary shared by both endpoints of a
// session: protocol phases, flow directions, packet kinds and the immutable
// descriptors that map packet kinds to wire ids for one phase and direction.
package protocol

import (
	"errors"
	"strings"

	"github.com/linchenxuan/conduit/network/wire"
)

// Phase names a stage of the session that governs which packets are legal.
type Phase string

const (
	PhaseHandshake     Phase = "handshake"
	PhaseLogin         Phase = "login"
	PhaseConfiguration Phase = "configuration"
	PhasePlay          Phase = "play"
)

// Flow is the direction a packet travels.
type Flow uint8

const (
	// Serverbound packets travel from client to server.
	Serverbound Flow = iota + 1
	// Clientbound packets travel from server to client.
	Clientbound
)

// Opposite returns the other direction.
func (f Flow) Opposite() Flow {
	if f == Serverbound {
		return Clientbound
	}
	return Serverbound
}

func (f Flow) String() string {
	switch f {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	}
	return "unknown"
}

// Kind identifies a packet type. Kinds are dotted paths whose prefixes form a
// hierarchy, e.g. "play.movement.position" is a child of "play.movement".
type Kind string

// Parent returns the enclosing kind, or false at the root.
func (k Kind) Parent() (Kind, bool) {
	i := strings.LastIndexByte(string(k), '.')
	if i <= 0 {
		return "", false
	}
	return k[:i], true
}

// Ancestry returns k followed by each of its ancestors, most specific first.
func (k Kind) Ancestry() []Kind {
	kinds := []Kind{k}
	for cur := k; ; {
		p, ok := cur.Parent()
		if !ok {
			return kinds
		}
		kinds = append(kinds, p)
		cur = p
	}
}

// ErrSkip marks a decode failure whose effect is limited to the one packet.
// Decoders wrap it to ask the pipeline to drop the packet and continue.
var ErrSkip = errors.New("protocol: packet skipped")

// Packet is a typed value exchanged over a session.
type Packet interface {
	Kind() Kind
	Encode(buf *wire.PacketBuffer) error
}

// Decoder reads one packet's fields after its id has been consumed.
type Decoder func(buf *wire.PacketBuffer) (Packet, error)

// Skippable is implemented by packets whose loss does not break the session.
type Skippable interface {
	Skippable() bool
}

// IsSkippable reports whether pkt may be dropped on an encode failure.
func IsSkippable(pkt Packet) bool {
	s, ok := pkt.(Skippable)
	return ok && s.Skippable()
}

// LargePacketFallback is implemented by packets that can be replaced by a
// smaller equivalent when their encoding exceeds the frame size limit.
type LargePacketFallback interface {
	LargeFallback() Packet
}

// Bundle groups packets that must be processed as one unit.
type Bundle interface {
	Packet
	Packets() []Packet
}
