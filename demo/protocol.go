package demo

import (
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/wire"
)

func empty(p protocol.Packet) protocol.Decoder {
	return func(*wire.PacketBuffer) (protocol.Packet, error) { return p, nil }
}

var bundling = protocol.BundleInfo{
	Delimiter:    "play.bundle_delimiter",
	NewDelimiter: func() protocol.Packet { return &BundleDelimiter{} },
	NewBundle:    func(p []protocol.Packet) protocol.Bundle { return &Bundle{Items: p} },
	MaxPackets:   64,
}

var catalog = mustCatalog()

func mustCatalog() *protocol.Catalog {
	c, err := protocol.NewCatalog(
		protocol.NewDescriptor(protocol.PhaseHandshake, protocol.Serverbound, protocol.NewIDSpace().
			Add("handshake.hello", decodeHello).
			MustBuild()),
		protocol.NewDescriptor(protocol.PhaseHandshake, protocol.Clientbound, protocol.NewIDSpace().
			Add("disconnect", decodeDisconnect).
			MustBuild()),
		protocol.NewDescriptor(protocol.PhaseLogin, protocol.Serverbound, protocol.NewIDSpace().
			Add("login.start", decodeLoginStart).
			Add("login.ack", empty(&LoginAck{})).
			MustBuild()),
		protocol.NewDescriptor(protocol.PhaseLogin, protocol.Clientbound, protocol.NewIDSpace().
			Add("disconnect", decodeDisconnect).
			Add("login.key", decodeKeyExchange).
			Add("login.compression", decodeSetCompression).
			Add("login.success", decodeLoginSuccess).
			MustBuild()),
		protocol.NewDescriptor(protocol.PhasePlay, protocol.Serverbound, protocol.NewIDSpace().
			Add("play.keepalive", decodeKeepAlive).
			Add("play.chat", decodeChat).
			Add("play.movement.position", decodePosition).
			Add("play.movement.rotation", decodeRotation).
			MustBuild()),
		protocol.NewDescriptor(protocol.PhasePlay, protocol.Clientbound, protocol.NewIDSpace().
			Add("disconnect", decodeDisconnect).
			Add("play.keepalive", decodeKeepAlive).
			Add("play.chat", decodeChat).
			Add("play.bundle_delimiter", empty(&BundleDelimiter{})).
			MustBuild(), protocol.WithBundling(bundling)),
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Catalog returns the demo protocol tables.
func Catalog() *protocol.Catalog { return catalog }

// Descriptor returns the demo descriptor for phase and flow. It panics on
// a phase the demo does not define.
func Descriptor(phase protocol.Phase, flow protocol.Flow) *protocol.Descriptor {
	d, ok := catalog.Get(phase, flow)
	if !ok {
		panic("demo protocol has no " + string(phase) + "/" + flow.String())
	}
	return d
}
