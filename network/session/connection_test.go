package session

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/transport/local"
)

func TestQueuedActionsRunInOrderOnBind(t *testing.T) {
	ctx := testContext(t)
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	require.NoError(t, c.SwitchProtocols(ctx, playIn, playOut, rec))
	assert.True(t, c.IsConnecting())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, c.RunOnceConnected(ctx, func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
		require.NoError(t, c.Send(ctx, &chat{Text: strconv.Itoa(i)}))
	}
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	a, b := local.Pipe()
	require.NoError(t, c.Bind(a))
	require.NoError(t, c.RunOnceConnected(ctx, func(context.Context) {
		mu.Lock()
		order = append(order, 100)
		mu.Unlock()
	}))
	assert.ErrorIs(t, c.Bind(a), ErrAlreadyBound)

	for i := 0; i < 10; i++ {
		pkt := peerRead(t, b, playOut)
		assert.Equal(t, strconv.Itoa(i), pkt.(*chat).Text)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 11
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 100}, order)
	assert.True(t, c.IsConnected())
	assert.True(t, c.IsLocal())
	assert.EqualValues(t, 10, c.SentPackets())
	assert.Equal(t, "local-b", c.RemoteAddr().String())
}

func TestReceiveAndReply(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	var c *Connection
	rec.handle = func(ctx context.Context, pkt protocol.Packet) (Result, error) {
		return Done, c.Send(ctx, &chat{Text: "echo " + pkt.(*chat).Text})
	}
	c, peer := newServerConn(t, testConfig(), rec)

	peerWrite(t, peer, playIn, &chat{Text: "hi"})
	pkt := peerRead(t, peer, playOut)
	assert.Equal(t, "echo hi", pkt.(*chat).Text)
	assert.Equal(t, []string{"hi"}, rec.Texts())
	assert.Equal(t, protocol.PhasePlay, c.Phase())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, _ := newServerConn(t, testConfig(), rec)

	c.DisconnectReason("first")
	c.DisconnectReason("second")
	waitClosed(t, c)

	ctx := testContext(t)
	assert.ErrorIs(t, c.Tick(ctx), ErrConnectionClosed)
	assert.ErrorIs(t, c.Send(ctx, &chat{Text: "late"}), ErrConnectionClosed)
	c.DisconnectReason("third")

	require.Len(t, rec.Disconnects(), 1)
	assert.Equal(t, "first", rec.Disconnects()[0].Reason)
	assert.Equal(t, "first", c.DisconnectionDetails().Reason)
	assert.False(t, c.IsConnected())
}

func TestPeerCloseEndsSession(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, testConfig(), rec)

	require.NoError(t, peer.Close())
	waitClosed(t, c)
	require.Len(t, rec.Disconnects(), 1)
	assert.Equal(t, ReasonEndOfStream, rec.Disconnects()[0].Reason)
}

func TestDisconnectBeforeBind(t *testing.T) {
	ctx := testContext(t)
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	require.NoError(t, c.SwitchProtocols(ctx, playIn, playOut, rec))

	ran := false
	require.NoError(t, c.RunOnceConnected(ctx, func(context.Context) { ran = true }))
	c.DisconnectReason("early")

	a, _ := local.Pipe()
	require.NoError(t, c.Bind(a))
	waitClosed(t, c)

	assert.False(t, ran)
	assert.True(t, a.Closed())
	require.Len(t, rec.Disconnects(), 1)
	assert.Equal(t, "early", rec.Disconnects()[0].Reason)
}

func TestReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 30 * time.Millisecond
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, _ := newServerConn(t, cfg, rec)

	waitClosed(t, c)
	require.Len(t, rec.Disconnects(), 1)
	assert.Equal(t, ReasonTimeout, rec.Disconnects()[0].Reason)
}

func TestRateLimitKicksAfterMaxRate(t *testing.T) {
	const maxRate = 5
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true, Interval: time.Second, MaxRate: maxRate}
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	rec.notice = func(d DisconnectionDetails) protocol.Packet { return &bye{Reason: d.Reason} }
	c, peer := newServerConn(t, cfg, rec, WithClock(clock.NewMock()))

	pkts := make([]protocol.Packet, 0, maxRate+5)
	for i := 0; i < maxRate+5; i++ {
		pkts = append(pkts, &chat{Text: strconv.Itoa(i)})
	}
	peerWrite(t, peer, playIn, pkts...)

	notice := peerRead(t, peer, playOut)
	assert.Equal(t, ReasonSpam, notice.(*bye).Reason)
	waitClosed(t, c)

	assert.Len(t, rec.Packets(), maxRate)
	require.Len(t, rec.Disconnects(), 1)
	assert.Equal(t, ReasonSpam, rec.Disconnects()[0].Reason)
}

func TestRateLimitAtMaxRatePasses(t *testing.T) {
	const maxRate = 5
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true, Interval: time.Second, MaxRate: maxRate}
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, cfg, rec, WithClock(clock.NewMock()))

	for i := 0; i < maxRate; i++ {
		peerWrite(t, peer, playIn, &chat{Text: strconv.Itoa(i)})
	}
	require.Eventually(t, func() bool { return len(rec.Packets()) == maxRate }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestFatalFaultNotifiesPeer(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	rec.notice = func(d DisconnectionDetails) protocol.Packet { return &bye{Reason: d.Reason} }
	c, peer := newServerConn(t, testConfig(), rec)

	// id 9 is not part of the play protocol
	require.NoError(t, peer.Write([]byte{9}))
	require.NoError(t, peer.Flush())

	notice := peerRead(t, peer, playOut)
	assert.Equal(t, ReasonGeneric, notice.(*bye).Reason)
	waitClosed(t, c)

	require.Len(t, rec.Disconnects(), 1)
	assert.ErrorIs(t, rec.Disconnects()[0].Cause, pipeline.ErrUnknownPacketID)
}

func TestDoubleFaultClosesImmediately(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	rec.notice = func(DisconnectionDetails) protocol.Packet { return &broken{} }
	c, peer := newServerConn(t, testConfig(), rec)

	require.NoError(t, peer.Write([]byte{9}))
	require.NoError(t, peer.Flush())
	waitClosed(t, c)

	peer.SetReadTimeout(time.Second)
	_, err := peer.Recv()
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, rec.Disconnects(), 1)
	assert.ErrorIs(t, rec.Disconnects()[0].Cause, pipeline.ErrUnknownPacketID)
}

func TestSkippableFaultKeepsSession(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, testConfig(), rec)

	peerWrite(t, peer, playIn, &chat{Text: "skip-me"}, &chat{Text: "ok"})
	require.Eventually(t, func() bool { return len(rec.Packets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok"}, rec.Texts())
	assert.True(t, c.IsConnected())
}

func TestHandleErrorsSteerConnection(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{ErrUnexpectedPacket, ReasonInvalidPacket},
		{ErrResourceExhausted, ReasonServerShutdown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.reason, func(t *testing.T) {
			rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
			rec.handle = func(context.Context, protocol.Packet) (Result, error) { return Done, tc.err }
			c, peer := newServerConn(t, testConfig(), rec)

			peerWrite(t, peer, playIn, &chat{Text: "x"})
			waitClosed(t, c)
			require.Len(t, rec.Disconnects(), 1)
			assert.Equal(t, tc.reason, rec.Disconnects()[0].Reason)
		})
	}
}

func TestTransportShutdownIsIgnored(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	rec.handle = func(_ context.Context, pkt protocol.Packet) (Result, error) {
		if pkt.(*chat).Text == "first" {
			return Pending, ErrTransportShutdown
		}
		return Pending, nil
	}
	c, peer := newServerConn(t, testConfig(), rec)

	peerWrite(t, peer, playIn, &chat{Text: "first"}, &chat{Text: "second"})
	require.Eventually(t, func() bool { return len(rec.Packets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestOversizedPacketFallback(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, testConfig(), rec)

	ok := make(chan struct{})
	require.NoError(t, c.Send(testContext(t), &bigChat{}, WithCallback(SendCallback{
		OnSuccess: func() { close(ok) },
	})))
	pkt := peerRead(t, peer, playOut)
	assert.Equal(t, "truncated", pkt.(*chat).Text)
	<-ok
}

func TestSendToBusyConnectionDoesNotBlock(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.MailboxSize = 1

	busyRec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	busy, busyPeer := newServerConn(t, cfg, busyRec)
	require.Eventually(t, busy.IsConnected, 2*time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	require.NoError(t, busy.RunOnceConnected(ctx, func(context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}))

	relayRec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	relayed := make(chan error, 1)
	relayRec.handle = func(ctx context.Context, pkt protocol.Packet) (Result, error) {
		var err error
		for i := 0; i < 3 && err == nil; i++ {
			err = busy.Send(ctx, &chat{Text: strconv.Itoa(i)})
		}
		relayed <- err
		return Done, nil
	}
	relay, relayPeer := newServerConn(t, cfg, relayRec)
	peerWrite(t, relayPeer, playIn, &chat{Text: "relay"})

	select {
	case err := <-relayed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relaying loop blocked on a busy connection")
	}
	tctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Tick(tctx))

	close(release)
	for i := 0; i < 3; i++ {
		assert.Equal(t, strconv.Itoa(i), peerRead(t, busyPeer, playOut).(*chat).Text)
	}
}

// newStreamConn binds a play-phase server connection to a link that needs
// length-prefixed framing.
func newStreamConn(t *testing.T, rec *recorder) (*Connection, *local.Link) {
	t.Helper()
	ctx := testContext(t)
	a, b := local.Pipe()
	c := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	require.NoError(t, c.SwitchProtocols(ctx, playIn, playOut, rec))
	require.NoError(t, c.Bind(streamLink{a}))
	t.Cleanup(func() { c.DisconnectReason(ReasonQuitting) })
	return c, b
}

func TestFrameLimitDropsSkippablePacket(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newStreamConn(t, rec)
	ctx := testContext(t)

	failed := make(chan error, 1)
	require.NoError(t, c.Send(ctx, &wideChat{}, WithCallback(SendCallback{
		OnFailure: func(err error) protocol.Packet {
			failed <- err
			return nil
		},
	})))
	var err error
	select {
	case err = <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("send failure not reported")
	}
	var over *pipeline.OversizedPacketError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, pipeline.MaxFrameSize, over.Max)
	assert.Greater(t, over.Size, pipeline.MaxFrameSize)

	require.NoError(t, c.Send(ctx, &chat{Text: "still here"}))
	assert.Equal(t, "still here", streamRead(t, peer, playOut).(*chat).Text)
	assert.Nil(t, c.DisconnectionDetails())
	assert.True(t, c.IsConnected())
}

func TestFrameLimitUsesLargeFallback(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newStreamConn(t, rec)

	require.NoError(t, c.Send(testContext(t), &wideChat{fallback: true}))
	assert.Equal(t, "truncated", streamRead(t, peer, playOut).(*chat).Text)
	assert.Nil(t, c.DisconnectionDetails())
}

func TestSendFailureCallbackFallback(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, _ := newServerConn(t, testConfig(), rec)

	failed := make(chan error, 1)
	require.NoError(t, c.Send(testContext(t), &move{X: 1}, WithCallback(SendCallback{
		OnFailure: func(err error) protocol.Packet {
			failed <- err
			return nil
		},
	})))
	// move is serverbound only, so the encoder cannot carry it
	assert.ErrorIs(t, <-failed, pipeline.ErrUnknownKind)
	waitClosed(t, c)
}

// streamLink hides the message boundaries of a pipe so the connection
// frames the byte stream itself.
type streamLink struct{ *local.Link }

func (streamLink) Local() bool { return false }

func TestProtocolSwitchAppliesToNextFrame(t *testing.T) {
	ctx := testContext(t)
	play := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	login := newRecorder(protocol.Serverbound, protocol.PhaseLogin)

	c := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	login.handle = func(ctx context.Context, pkt protocol.Packet) (Result, error) {
		return Done, c.SwitchProtocols(ctx, playIn, playOut, play)
	}
	require.NoError(t, c.SwitchProtocols(ctx, loginIn, loginOut, login))

	a, b := local.Pipe()
	require.NoError(t, c.Bind(streamLink{a}))

	// both frames use id 0, which means login.finish before the switch and
	// play.chat after it
	finishFrame, err := pipeline.NewPacketEncoder(loginIn).Encode(&finish{})
	require.NoError(t, err)
	chatFrame, err := pipeline.NewPacketEncoder(playIn).Encode(&chat{Text: "after"})
	require.NoError(t, err)
	framer := pipeline.NewFrameCodec(0)
	f1, err := framer.EncodeFrame(finishFrame)
	require.NoError(t, err)
	f2, err := framer.EncodeFrame(chatFrame)
	require.NoError(t, err)
	require.NoError(t, b.Write(append(f1, f2...)))
	require.NoError(t, b.Flush())

	require.Eventually(t, func() bool { return len(play.Packets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, login.Packets(), 1)
	assert.Equal(t, []string{"after"}, play.Texts())
	assert.Equal(t, protocol.PhasePlay, c.Phase())
}

func TestSetupRejectsMismatchedProtocols(t *testing.T) {
	ctx := testContext(t)
	c := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)

	assert.ErrorIs(t, c.SetupInboundProtocol(ctx, playOut, rec), ErrProtocolMismatch)
	assert.ErrorIs(t, c.SetupInboundProtocol(ctx, loginIn, rec), ErrProtocolMismatch)
	assert.ErrorIs(t, c.SetupOutboundProtocol(ctx, playIn), ErrProtocolMismatch)
	assert.ErrorIs(t, c.SwitchProtocols(ctx, playIn, playIn, rec), ErrProtocolMismatch)
	require.NoError(t, c.SetupInboundProtocol(ctx, playIn, rec))
	require.NoError(t, c.SetupOutboundProtocol(ctx, playOut))
	c.DisconnectReason(ReasonQuitting)
}

func TestEncryptedCompressedRoundTrip(t *testing.T) {
	ctx := testContext(t)
	a, b := local.Pipe()

	srvRec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	srv := NewConnection(ctx, protocol.Serverbound, WithConfig(testConfig()))
	require.NoError(t, srv.SwitchProtocols(ctx, playIn, playOut, srvRec))
	require.NoError(t, srv.Bind(a))
	defer srv.DisconnectReason(ReasonQuitting)

	cliRec := newRecorder(protocol.Clientbound, protocol.PhasePlay)
	cli, err := Connect(ctx, b, playOut, playIn, cliRec, WithConfig(testConfig()))
	require.NoError(t, err)

	up, down := []byte("client to server"), []byte("server to client")
	require.NoError(t, srv.SetEncryptionKey(ctx, up, down))
	require.NoError(t, cli.SetEncryptionKey(ctx, down, up))
	assert.ErrorIs(t, srv.SetEncryptionKey(ctx, up, down), ErrAlreadyEncrypted)
	require.NoError(t, srv.SetupCompression(ctx, 16, true))
	require.NoError(t, cli.SetupCompression(ctx, 16, true))
	assert.True(t, srv.IsEncrypted())

	assert.Equal(t, "inbound[framer,decrypt,decompress,codec]", srv.InboundStages().String())
	assert.Equal(t, "outbound[codec,compress,encrypt,framer]", srv.OutboundStages().String())

	long := "a message long enough to be compressed by the pipeline"
	require.NoError(t, cli.Send(ctx, &chat{Text: "short"}))
	require.NoError(t, cli.Send(ctx, &chat{Text: long}))
	require.Eventually(t, func() bool { return len(srvRec.Packets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"short", long}, srvRec.Texts())

	require.NoError(t, srv.Send(ctx, &chat{Text: long}))
	require.Eventually(t, func() bool { return len(cliRec.Packets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{long}, cliRec.Texts())

	// compression can be reconfigured and removed
	require.NoError(t, srv.SetupCompression(ctx, -1, false))
	assert.Equal(t, "inbound[framer,decrypt,codec]", srv.InboundStages().String())

	cli.DisconnectReason(ReasonQuitting)
	waitClosed(t, cli)
	waitClosed(t, srv)
	assert.Equal(t, ReasonEndOfStream, srvRec.Disconnects()[0].Reason)
}

func TestTickAveragesAndListenerHook(t *testing.T) {
	cfg := testConfig()
	cfg.AverageTicks = 2
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, cfg, rec)
	ctx := testContext(t)

	for i := 0; i < 8; i++ {
		peerWrite(t, peer, playIn, &move{X: uint32(i)})
	}
	require.Eventually(t, func() bool { return len(rec.Packets()) == 8 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Tick(ctx))
	require.NoError(t, c.Tick(ctx))
	assert.InDelta(t, 2.0, c.AverageReceivedPackets(), 1e-9)
	require.NoError(t, c.Tick(ctx))
	require.NoError(t, c.Tick(ctx))
	assert.InDelta(t, 1.5, c.AverageReceivedPackets(), 1e-9)
	assert.EqualValues(t, 8, c.ReceivedPackets())
	assert.EqualValues(t, 4, rec.ticks.Load())
}

func TestTickDetectsClosedLink(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	c, peer := newServerConn(t, testConfig(), rec)
	ctx := testContext(t)

	require.NoError(t, peer.Close())
	err := c.Tick(ctx)
	if err != nil {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	waitClosed(t, c)
	assert.Len(t, rec.Disconnects(), 1)
}

func TestCustomFilter(t *testing.T) {
	rec := newRecorder(protocol.Serverbound, protocol.PhasePlay)
	drop := func(ctx context.Context, d *Delivery, next HandleFunc) error {
		if c, ok := d.Packet.(*chat); ok && c.Text == "blocked" {
			return nil
		}
		return next(ctx, d)
	}
	_, peer := newServerConn(t, testConfig(), rec, WithFilters(drop))

	peerWrite(t, peer, playIn, &chat{Text: "blocked"}, &chat{Text: "allowed"})
	require.Eventually(t, func() bool { return len(rec.Packets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"allowed"}, rec.Texts())
}
