package demo

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/migration"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/session"
	"github.com/linchenxuan/conduit/network/transport"
)

// Client is the demo protocol's player side.
type Client struct {
	conn     *session.Connection
	name     string
	settings migration.Snapshot
	keys     keyPair

	ready     chan struct{}
	readyOnce sync.Once
	messages  chan *Chat

	mu     sync.Mutex
	id     uuid.UUID
	reason string
}

// Dial logs in over link. It returns once the session is set up; wait on
// Ready for the play phase.
func Dial(ctx context.Context, link transport.Link, name string, settings migration.Snapshot,
	opts ...session.Option) (*Client, error) {
	keys, err := newKeyPair()
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	cl := &Client{
		name:     name,
		settings: settings,
		keys:     keys,
		ready:    make(chan struct{}),
		messages: make(chan *Chat, 64),
	}
	hs := &clientListener{
		BaseListener: session.NewBaseListener(protocol.Clientbound, protocol.PhaseHandshake),
		client:       cl,
		router:       session.NewRouter(),
	}
	session.On(hs.router, cl.onDisconnect)
	c, err := session.Connect(ctx, link,
		Descriptor(protocol.PhaseHandshake, protocol.Clientbound),
		Descriptor(protocol.PhaseHandshake, protocol.Serverbound), hs, opts...)
	if err != nil {
		return nil, err
	}
	cl.conn = c
	// the server switches to login as soon as it reads Hello, so the login
	// start can follow without waiting
	err = c.RunOnceConnected(ctx, func(ctx context.Context) {
		if err := cl.start(ctx); err != nil {
			c.Disconnect(session.DisconnectionDetails{Reason: session.ReasonGeneric, Cause: err})
		}
	})
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (cl *Client) start(ctx context.Context) error {
	if err := cl.conn.Send(ctx, &Hello{Version: ProtocolVersion, Intent: IntentLogin}); err != nil {
		return err
	}
	if err := cl.conn.SwitchProtocols(ctx,
		Descriptor(protocol.PhaseLogin, protocol.Clientbound),
		Descriptor(protocol.PhaseLogin, protocol.Serverbound), cl.loginListener()); err != nil {
		return err
	}
	return cl.conn.Send(ctx, &LoginStart{Name: cl.name, PublicKey: cl.keys.public, Settings: cl.settings})
}

func (cl *Client) Conn() *session.Connection { return cl.conn }

// Ready is closed when the client reaches the play phase.
func (cl *Client) Ready() <-chan struct{} { return cl.ready }

// Messages delivers chat. Messages are dropped while the channel is full.
func (cl *Client) Messages() <-chan *Chat { return cl.messages }

// ID is the id the server assigned at login.
func (cl *Client) ID() uuid.UUID {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.id
}

// Reason is the disconnect reason the server sent, if any.
func (cl *Client) Reason() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.reason
}

func (cl *Client) Chat(ctx context.Context, text string) error {
	return cl.conn.Send(ctx, &Chat{Text: text})
}

func (cl *Client) Move(ctx context.Context, x, y, z float64) error {
	return cl.conn.Send(ctx, &Position{X: x, Y: y, Z: z})
}

func (cl *Client) Look(ctx context.Context, yaw, pitch float64) error {
	return cl.conn.Send(ctx, &Rotation{Yaw: yaw, Pitch: pitch})
}

// Close ends the session as a voluntary quit.
func (cl *Client) Close() {
	cl.conn.DisconnectReason(session.ReasonQuitting)
}

// WaitReady blocks until the play phase, the session ends or ctx is done.
func (cl *Client) WaitReady(ctx context.Context) error {
	select {
	case <-cl.ready:
		return nil
	case <-cl.conn.Done():
		if d := cl.conn.DisconnectionDetails(); d != nil {
			return errors.Wrap(session.ErrConnectionClosed, d.String())
		}
		return session.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type clientListener struct {
	session.BaseListener
	client *Client
	router *session.Router
}

func (l *clientListener) Handle(ctx context.Context, pkt protocol.Packet) (session.Result, error) {
	return l.router.Route(ctx, pkt)
}

func (cl *Client) onDisconnect(_ context.Context, p *Disconnect) (session.Result, error) {
	cl.mu.Lock()
	cl.reason = p.Reason
	cl.mu.Unlock()
	cl.conn.DisconnectReason(p.Reason)
	return session.Done, nil
}

func (cl *Client) loginListener() session.Listener {
	l := &clientListener{
		BaseListener: session.NewBaseListener(protocol.Clientbound, protocol.PhaseLogin),
		client:       cl,
		router:       session.NewRouter(),
	}
	session.On(l.router, cl.onDisconnect)
	session.On(l.router, cl.onKey)
	session.On(l.router, cl.onCompression)
	session.On(l.router, cl.onSuccess)
	return l
}

func (cl *Client) onKey(ctx context.Context, p *KeyExchange) (session.Result, error) {
	sb, cb, err := sessionSecrets(cl.keys.private, p.PublicKey, cl.keys.public, p.PublicKey)
	if err != nil {
		return session.Done, errors.Wrap(session.ErrUnexpectedPacket, err.Error())
	}
	return session.Done, cl.conn.SetEncryptionKey(ctx, cb, sb)
}

func (cl *Client) onCompression(ctx context.Context, p *SetCompression) (session.Result, error) {
	return session.Done, cl.conn.SetupCompression(ctx, int(p.Threshold), cl.conn.Config().CompressionStrict)
}

func (cl *Client) onSuccess(ctx context.Context, p *LoginSuccess) (session.Result, error) {
	cl.mu.Lock()
	cl.id = p.ID
	cl.mu.Unlock()
	if err := cl.conn.Send(ctx, &LoginAck{}); err != nil {
		return session.Done, err
	}
	if err := cl.conn.SwitchProtocols(ctx,
		Descriptor(protocol.PhasePlay, protocol.Clientbound),
		Descriptor(protocol.PhasePlay, protocol.Serverbound), cl.playListener()); err != nil {
		return session.Done, err
	}
	cl.readyOnce.Do(func() { close(cl.ready) })
	return session.Done, nil
}

func (cl *Client) playListener() session.Listener {
	l := &clientListener{
		BaseListener: session.NewBaseListener(protocol.Clientbound, protocol.PhasePlay),
		client:       cl,
		router:       session.NewRouter(),
	}
	session.On(l.router, cl.onDisconnect)
	session.On(l.router, cl.onKeepAlive)
	session.On(l.router, cl.onChat)
	session.On(l.router, func(ctx context.Context, b *Bundle) (session.Result, error) {
		for _, p := range b.Items {
			if _, err := l.router.Route(ctx, p); err != nil {
				return session.Done, err
			}
		}
		return session.Done, nil
	})
	return l
}

func (cl *Client) onKeepAlive(ctx context.Context, p *KeepAlive) (session.Result, error) {
	return session.Done, cl.conn.Send(ctx, &KeepAlive{ID: p.ID})
}

func (cl *Client) onChat(_ context.Context, p *Chat) (session.Result, error) {
	select {
	case cl.messages <- p:
	default:
		cl.conn.Logger().Debug().Str("from", p.From).Msg("chat dropped, reader too slow")
	}
	return session.Done, nil
}
