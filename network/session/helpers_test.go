package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/transport/local"
	"github.com/linchenxuan/conduit/network/wire"
)

type chat struct{ Text string }

func (*chat) Kind() protocol.Kind { return "play.chat" }
func (p *chat) Encode(b *wire.PacketBuffer) error {
	b.WriteString(p.Text)
	return nil
}

func decodeChat(b *wire.PacketBuffer) (protocol.Packet, error) {
	s, err := b.ReadString(0)
	if err != nil {
		return nil, err
	}
	if s == "skip-me" {
		return nil, errors.Wrap(protocol.ErrSkip, "chat")
	}
	return &chat{Text: s}, nil
}

type move struct{ X uint32 }

func (*move) Kind() protocol.Kind { return "play.movement.pos" }
func (p *move) Encode(b *wire.PacketBuffer) error {
	b.WriteVarUint32(p.X)
	return nil
}

func decodeMove(b *wire.PacketBuffer) (protocol.Packet, error) {
	x, err := b.ReadVarUint32()
	return &move{X: x}, err
}

type bye struct{ Reason string }

func (*bye) Kind() protocol.Kind { return "play.disconnect" }
func (p *bye) Encode(b *wire.PacketBuffer) error {
	b.WriteString(p.Reason)
	return nil
}

func decodeBye(b *wire.PacketBuffer) (protocol.Packet, error) {
	s, err := b.ReadString(0)
	return &bye{Reason: s}, err
}

// broken never encodes.
type broken struct{}

func (*broken) Kind() protocol.Kind             { return "play.broken" }
func (*broken) Encode(*wire.PacketBuffer) error { return errors.New("cannot encode") }

func decodeBroken(*wire.PacketBuffer) (protocol.Packet, error) { return &broken{}, nil }

// bigChat encodes past the packet size limit and falls back to a short chat.
type bigChat struct{}

func (*bigChat) Kind() protocol.Kind { return "play.chat" }
func (*bigChat) Encode(b *wire.PacketBuffer) error {
	b.WriteString(strings.Repeat("x", pipeline.MaxUncompressedSize+1))
	return nil
}
func (*bigChat) LargeFallback() protocol.Packet { return &chat{Text: "truncated"} }

// wideChat fits the packet size limit but not a single stream frame. With
// fallback set it offers a short chat instead; otherwise it is skippable.
type wideChat struct{ fallback bool }

func (*wideChat) Kind() protocol.Kind { return "play.chat" }
func (*wideChat) Encode(b *wire.PacketBuffer) error {
	b.WriteString(strings.Repeat("x", pipeline.MaxFrameSize+1))
	return nil
}
func (p *wideChat) Skippable() bool { return !p.fallback }
func (p *wideChat) LargeFallback() protocol.Packet {
	if p.fallback {
		return &chat{Text: "truncated"}
	}
	return nil
}

type finish struct{}

func (*finish) Kind() protocol.Kind             { return "login.finish" }
func (*finish) Encode(*wire.PacketBuffer) error { return nil }

var (
	playIn = protocol.NewDescriptor(protocol.PhasePlay, protocol.Serverbound, protocol.NewIDSpace().
		Add("play.chat", decodeChat).
		Add("play.movement.pos", decodeMove).
		MustBuild())
	playOut = protocol.NewDescriptor(protocol.PhasePlay, protocol.Clientbound, protocol.NewIDSpace().
		Add("play.chat", decodeChat).
		Add("play.disconnect", decodeBye).
		Add("play.broken", decodeBroken).
		MustBuild())
	loginIn = protocol.NewDescriptor(protocol.PhaseLogin, protocol.Serverbound, protocol.NewIDSpace().
		Add("login.finish", func(*wire.PacketBuffer) (protocol.Packet, error) { return &finish{}, nil }).
		MustBuild())
	loginOut = protocol.NewDescriptor(protocol.PhaseLogin, protocol.Clientbound, protocol.NewIDSpace().
		Add("play.disconnect", decodeBye).
		MustBuild())
)

type recorder struct {
	BaseListener
	mu          sync.Mutex
	packets     []protocol.Packet
	disconnects []DisconnectionDetails
	ticks       atomic.Int32
	handle      func(ctx context.Context, pkt protocol.Packet) (Result, error)
	notice      func(d DisconnectionDetails) protocol.Packet
}

func newRecorder(flow protocol.Flow, phase protocol.Phase) *recorder {
	return &recorder{BaseListener: NewBaseListener(flow, phase)}
}

func (r *recorder) Handle(ctx context.Context, pkt protocol.Packet) (Result, error) {
	r.mu.Lock()
	r.packets = append(r.packets, pkt)
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		return h(ctx, pkt)
	}
	return Done, nil
}

func (r *recorder) OnDisconnect(d DisconnectionDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, d)
}

func (r *recorder) DisconnectPacket(d DisconnectionDetails) protocol.Packet {
	if r.notice != nil {
		return r.notice(d)
	}
	return nil
}

func (r *recorder) Tick(context.Context) { r.ticks.Add(1) }

func (r *recorder) Packets() []protocol.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Packet(nil), r.packets...)
}

func (r *recorder) Disconnects() []DisconnectionDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisconnectionDetails(nil), r.disconnects...)
}

func (r *recorder) Texts() []string {
	var out []string
	for _, p := range r.Packets() {
		if c, ok := p.(*chat); ok {
			out = append(out, c.Text)
		}
	}
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	cfg.ReadTimeout = 0
	cfg.RateLimit.Enabled = false
	return cfg
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newServerConn binds a play-phase server connection to one end of a pipe
// and returns the other end.
func newServerConn(t *testing.T, cfg *Config, rec *recorder, opts ...Option) (*Connection, *local.Link) {
	t.Helper()
	ctx := testContext(t)
	a, b := local.Pipe()
	c := NewConnection(ctx, protocol.Serverbound, append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, c.SwitchProtocols(ctx, playIn, playOut, rec))
	require.NoError(t, c.Bind(a))
	t.Cleanup(func() { c.DisconnectReason(ReasonQuitting) })
	return c, b
}

// peerWrite encodes pkts with desc and flushes them as separate frames.
func peerWrite(t *testing.T, peer *local.Link, desc *protocol.Descriptor, pkts ...protocol.Packet) {
	t.Helper()
	enc := pipeline.NewPacketEncoder(desc)
	for _, p := range pkts {
		frame, err := enc.Encode(p)
		require.NoError(t, err)
		require.NoError(t, peer.Write(frame))
	}
	require.NoError(t, peer.Flush())
}

func peerRead(t *testing.T, peer *local.Link, desc *protocol.Descriptor) protocol.Packet {
	t.Helper()
	peer.SetReadTimeout(2 * time.Second)
	b, err := peer.Recv()
	require.NoError(t, err)
	pkt, err := pipeline.NewPacketDecoder(desc).Decode(b)
	require.NoError(t, err)
	return pkt
}

// streamRead reassembles one length-prefixed frame from peer and decodes
// it with desc.
func streamRead(t *testing.T, peer *local.Link, desc *protocol.Descriptor) protocol.Packet {
	t.Helper()
	peer.SetReadTimeout(2 * time.Second)
	framer := pipeline.NewFrameCodec(0)
	for {
		frame, ok, err := framer.Next()
		require.NoError(t, err)
		if ok {
			pkt, err := pipeline.NewPacketDecoder(desc).Decode(frame)
			require.NoError(t, err)
			return pkt
		}
		b, err := peer.Recv()
		require.NoError(t, err)
		framer.Feed(b)
		peer.Release(b)
	}
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}
