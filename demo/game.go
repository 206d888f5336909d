package demo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/migration"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/session"
)

// Disconnect reasons specific to the demo protocol.
const (
	ReasonOutdated    = "disconnect.outdated"
	ReasonInvalidName = "disconnect.invalidName"
	ReasonBadSettings = "disconnect.badSettings"
	ReasonDuplicate   = "disconnect.duplicateLogin"
)

// GameConfig tunes the demo server.
type GameConfig struct {
	Motd              string        `mapstructure:"motd"`
	KeepAliveInterval time.Duration `mapstructure:"keepAliveInterval"`
	KeepAliveTimeout  time.Duration `mapstructure:"keepAliveTimeout"`
}

func DefaultGameConfig() *GameConfig {
	return &GameConfig{
		Motd:              "welcome to conduit",
		KeepAliveInterval: 15 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
	}
}

func (c *GameConfig) GetName() string { return "game" }

func (c *GameConfig) Validate() error {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 2 * c.KeepAliveInterval
	}
	if c.KeepAliveTimeout < c.KeepAliveInterval {
		return errors.Errorf("keepAliveTimeout %s is shorter than keepAliveInterval %s",
			c.KeepAliveTimeout, c.KeepAliveInterval)
	}
	return nil
}

// Player is a logged in session.
type Player struct {
	ID       uuid.UUID
	Name     string
	Settings migration.Snapshot

	conn *session.Connection

	mu        sync.Mutex
	playing   bool
	pos       Position
	rot       Rotation
	moves     int
	latency   time.Duration
	keepAlive int
}

func (p *Player) Conn() *session.Connection { return p.conn }

// Position returns the last reported position.
func (p *Player) Position() Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *Player) Rotation() Rotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rot
}

// Moves counts the movement packets the player got through.
func (p *Player) Moves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moves
}

// KeepAlives counts answered keepalives.
func (p *Player) KeepAlives() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keepAlive
}

func (p *Player) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Playing reports whether the player reached the play phase.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Game is the demo server: it owns the listeners of every phase and the
// table of logged in players.
type Game struct {
	cfg      *GameConfig
	migrator *migration.Migrator
	registry *session.ListenerRegistry
	logger   *log.GameLogger

	mu      sync.RWMutex
	players map[uuid.UUID]*Player
	names   map[string]uuid.UUID
}

func NewGame(cfg *GameConfig) *Game {
	if cfg == nil {
		cfg = DefaultGameConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid game config, using defaults")
		c = *DefaultGameConfig()
	}
	return &Game{
		cfg:      &c,
		migrator: NewSettingsMigrator(),
		logger:   log.With("component", "game"),
		players:  map[uuid.UUID]*Player{},
		names:    map[string]uuid.UUID{},
	}
}

func (g *Game) Config() *GameConfig { return g.cfg }

// Register installs the game's serverbound listeners into reg.
func (g *Game) Register(reg *session.ListenerRegistry) error {
	if reg.Flow() != protocol.Serverbound {
		return errors.Wrap(session.ErrProtocolMismatch, "game listeners are serverbound")
	}
	g.registry = reg
	for phase, f := range map[protocol.Phase]session.ListenerFactory{
		protocol.PhaseHandshake: g.newHandshake,
		protocol.PhaseLogin:     g.newLogin,
		protocol.PhasePlay:      g.newPlay,
	} {
		if err := reg.Register(phase, f); err != nil {
			return err
		}
	}
	return nil
}

// Player returns the player on connection id.
func (g *Game) Player(id uuid.UUID) (*Player, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.players[id]
	return p, ok
}

// Players lists the logged in players sorted by name.
func (g *Game) Players() []*Player {
	g.mu.RLock()
	ps := make([]*Player, 0, len(g.players))
	for _, p := range g.players {
		ps = append(ps, p)
	}
	g.mu.RUnlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
	return ps
}

// Broadcast sends pkt to every player in the play phase.
func (g *Game) Broadcast(ctx context.Context, pkt protocol.Packet) {
	for _, p := range g.Players() {
		if !p.Playing() {
			continue
		}
		if err := p.conn.Send(ctx, pkt); err != nil {
			g.logger.Debug().Str("player", p.Name).Err(err).Msg("broadcast skipped")
		}
	}
}

func (g *Game) addPlayer(c *session.Connection, name string, settings migration.Snapshot) (*Player, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.names[name]; taken {
		return nil, false
	}
	p := &Player{ID: c.ID(), Name: name, Settings: settings, conn: c}
	g.players[p.ID] = p
	g.names[name] = p.ID
	return p, true
}

func (g *Game) removePlayer(id uuid.UUID) (*Player, bool) {
	g.mu.Lock()
	p, ok := g.players[id]
	if ok {
		delete(g.players, id)
		delete(g.names, p.Name)
	}
	g.mu.Unlock()
	if ok && p.Playing() {
		metrics.UpdateGaugeWithGroup(metrics.NamePlayersOnline, metrics.GroupDemo, metrics.Value(g.playing()))
	}
	return p, ok
}

func (g *Game) playing() int {
	n := 0
	for _, p := range g.Players() {
		if p.Playing() {
			n++
		}
	}
	return n
}

func (g *Game) switchTo(ctx context.Context, c *session.Connection, phase protocol.Phase) error {
	l, err := g.registry.Listener(phase, c)
	if err != nil {
		return err
	}
	return c.SwitchProtocols(ctx,
		Descriptor(phase, protocol.Serverbound),
		Descriptor(phase, protocol.Clientbound), l)
}

// refuse tells the client why and closes the session.
func refuse(ctx context.Context, c *session.Connection, reason string) {
	if err := c.Send(ctx, &Disconnect{Reason: reason}); err != nil {
		c.Logger().Debug().Err(err).Msg("send disconnect")
	}
	c.DisconnectReason(reason)
}

// notifier is embedded by every server listener so faults reach the client
// as a Disconnect packet.
type notifier struct{}

func (notifier) DisconnectPacket(d session.DisconnectionDetails) protocol.Packet {
	return &Disconnect{Reason: d.Reason}
}

type handshakeListener struct {
	session.BaseListener
	notifier
	game   *Game
	conn   *session.Connection
	router *session.Router
}

func (g *Game) newHandshake(c *session.Connection) session.Listener {
	l := &handshakeListener{
		BaseListener: session.NewBaseListener(protocol.Serverbound, protocol.PhaseHandshake),
		game:         g,
		conn:         c,
		router:       session.NewRouter(),
	}
	session.On(l.router, l.onHello)
	return l
}

func (l *handshakeListener) Handle(ctx context.Context, pkt protocol.Packet) (session.Result, error) {
	return l.router.Route(ctx, pkt)
}

func (l *handshakeListener) onHello(ctx context.Context, p *Hello) (session.Result, error) {
	if p.Intent != IntentLogin {
		return session.Done, errors.Wrapf(session.ErrUnexpectedPacket, "intent %d", p.Intent)
	}
	if p.Version != ProtocolVersion {
		refuse(ctx, l.conn, ReasonOutdated)
		return session.Done, nil
	}
	return session.Done, l.game.switchTo(ctx, l.conn, protocol.PhaseLogin)
}

type loginListener struct {
	session.BaseListener
	notifier
	game   *Game
	conn   *session.Connection
	router *session.Router
	player *Player
}

func (g *Game) newLogin(c *session.Connection) session.Listener {
	l := &loginListener{
		BaseListener: session.NewBaseListener(protocol.Serverbound, protocol.PhaseLogin),
		game:         g,
		conn:         c,
		router:       session.NewRouter(),
	}
	session.On(l.router, l.onStart)
	session.On(l.router, l.onAck)
	return l
}

func (l *loginListener) Handle(ctx context.Context, pkt protocol.Packet) (session.Result, error) {
	return l.router.Route(ctx, pkt)
}

func (l *loginListener) OnDisconnect(d session.DisconnectionDetails) {
	if l.player != nil {
		l.game.removePlayer(l.player.ID)
	}
}

func (l *loginListener) reject(ctx context.Context, reason string) (session.Result, error) {
	metrics.IncrCounterWithDimGroup(metrics.NameLoginTotal, metrics.GroupDemo, 1,
		metrics.Dimension{metrics.DimResult: reason})
	refuse(ctx, l.conn, reason)
	return session.Done, nil
}

func (l *loginListener) onStart(ctx context.Context, p *LoginStart) (session.Result, error) {
	if l.player != nil {
		return session.Done, errors.Wrap(session.ErrUnexpectedPacket, "second login start")
	}
	if p.Name == "" || len(p.Name) > maxNameLength {
		return l.reject(ctx, ReasonInvalidName)
	}
	settings, err := l.game.migrator.Migrate(p.Settings, SettingsVersion)
	if err != nil {
		l.conn.Logger().Info().Str("player", p.Name).Err(err).Msg("settings rejected")
		var fe *migration.FieldError
		if errors.As(err, &fe) {
			return l.reject(ctx, ReasonBadSettings+":"+fe.Path)
		}
		return l.reject(ctx, ReasonBadSettings)
	}
	player, ok := l.game.addPlayer(l.conn, p.Name, settings)
	if !ok {
		return l.reject(ctx, ReasonDuplicate)
	}
	l.player = player

	keys, err := newKeyPair()
	if err != nil {
		return session.Done, err
	}
	sb, cb, err := sessionSecrets(keys.private, p.PublicKey, p.PublicKey, keys.public)
	if err != nil {
		return session.Done, errors.Wrap(session.ErrUnexpectedPacket, err.Error())
	}
	// the key goes out in the clear, everything after it is encrypted
	if err := l.conn.Send(ctx, &KeyExchange{PublicKey: keys.public}); err != nil {
		return session.Done, err
	}
	if err := l.conn.SetEncryptionKey(ctx, sb, cb); err != nil {
		return session.Done, err
	}
	cfg := l.conn.Config()
	if cfg.CompressionThreshold >= 0 {
		if err := l.conn.Send(ctx, &SetCompression{Threshold: uint32(cfg.CompressionThreshold)}); err != nil {
			return session.Done, err
		}
		if err := l.conn.SetupCompression(ctx, cfg.CompressionThreshold, cfg.CompressionStrict); err != nil {
			return session.Done, err
		}
	}
	return session.Done, l.conn.Send(ctx, &LoginSuccess{ID: player.ID, Name: player.Name})
}

func (l *loginListener) onAck(ctx context.Context, _ *LoginAck) (session.Result, error) {
	if l.player == nil {
		return session.Done, errors.Wrap(session.ErrUnexpectedPacket, "ack before login")
	}
	if err := l.game.switchTo(ctx, l.conn, protocol.PhasePlay); err != nil {
		return session.Done, err
	}
	metrics.IncrCounterWithDimGroup(metrics.NameLoginTotal, metrics.GroupDemo, 1,
		metrics.Dimension{metrics.DimResult: "ok"})
	welcome := &Bundle{Items: []protocol.Packet{
		&Chat{From: "server", Text: l.game.cfg.Motd},
		&Chat{From: "server", Text: fmt.Sprintf("%d online", l.game.playing())},
	}}
	if err := l.conn.Send(ctx, welcome); err != nil {
		return session.Done, err
	}
	l.game.Broadcast(ctx, &Chat{From: "server", Text: l.player.Name + " joined"})
	return session.Done, nil
}

type playListener struct {
	session.BaseListener
	notifier
	game   *Game
	conn   *session.Connection
	router *session.Router
	player *Player

	pending uint64
	sentAt  time.Time
}

func (g *Game) newPlay(c *session.Connection) session.Listener {
	l := &playListener{
		BaseListener: session.NewBaseListener(protocol.Serverbound, protocol.PhasePlay),
		game:         g,
		conn:         c,
		router:       session.NewRouter(),
		sentAt:       time.Now(),
	}
	l.player, _ = g.Player(c.ID())
	session.On(l.router, l.onKeepAlive)
	session.On(l.router, l.onChat)
	session.On(l.router, l.onPosition)
	session.On(l.router, l.onRotation)
	if l.player != nil {
		l.player.mu.Lock()
		l.player.playing = true
		l.player.mu.Unlock()
		metrics.UpdateGaugeWithGroup(metrics.NamePlayersOnline, metrics.GroupDemo, metrics.Value(g.playing()))
	}
	return l
}

func (l *playListener) Handle(ctx context.Context, pkt protocol.Packet) (session.Result, error) {
	if l.player == nil {
		return session.Done, errors.Wrap(session.ErrUnexpectedPacket, "play without login")
	}
	return l.router.Route(ctx, pkt)
}

func (l *playListener) OnDisconnect(d session.DisconnectionDetails) {
	p, ok := l.game.removePlayer(l.conn.ID())
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.game.Broadcast(ctx, &Chat{From: "server", Text: p.Name + " left"})
}

// Tick sends a keepalive once per interval and drops a client that leaves
// one unanswered past the timeout.
func (l *playListener) Tick(ctx context.Context) {
	now := time.Now()
	if l.pending != 0 {
		if now.Sub(l.sentAt) > l.game.cfg.KeepAliveTimeout {
			l.conn.DisconnectReason(session.ReasonTimeout)
		}
		return
	}
	if now.Sub(l.sentAt) < l.game.cfg.KeepAliveInterval {
		return
	}
	l.pending = uint64(now.UnixNano())
	l.sentAt = now
	if err := l.conn.Send(ctx, &KeepAlive{ID: l.pending}); err != nil {
		l.conn.Logger().Debug().Err(err).Msg("keepalive not sent")
	}
}

func (l *playListener) onKeepAlive(_ context.Context, p *KeepAlive) (session.Result, error) {
	if l.pending == 0 || p.ID != l.pending {
		l.conn.Logger().Debug().Uint64("id", p.ID).Msg("stray keepalive")
		return session.Done, nil
	}
	l.pending = 0
	l.player.mu.Lock()
	l.player.latency = time.Since(l.sentAt)
	l.player.keepAlive++
	l.player.mu.Unlock()
	return session.Done, nil
}

func (l *playListener) onChat(ctx context.Context, p *Chat) (session.Result, error) {
	metrics.IncrCounterWithGroup(metrics.NameChatTotal, metrics.GroupDemo, 1)
	l.game.Broadcast(ctx, &Chat{From: l.player.Name, Text: p.Text})
	return session.Done, nil
}

func (l *playListener) onPosition(_ context.Context, p *Position) (session.Result, error) {
	l.player.mu.Lock()
	l.player.pos = *p
	l.player.moves++
	l.player.mu.Unlock()
	return session.Done, nil
}

func (l *playListener) onRotation(_ context.Context, p *Rotation) (session.Result, error) {
	l.player.mu.Lock()
	l.player.rot = *p
	l.player.moves++
	l.player.mu.Unlock()
	return session.Done, nil
}
