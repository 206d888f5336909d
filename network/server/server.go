// Package server accepts links from a transport and runs a session for
// each of them.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/linchenxuan/conduit/event"
	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/session"
	"github.com/linchenxuan/conduit/network/transport"
)

// Config holds the server settings.
type Config struct {
	// InitialPhase is the phase every new session starts in.
	InitialPhase    protocol.Phase `mapstructure:"initialPhase"`
	MaxConnections  int            `mapstructure:"maxConnections"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdownTimeout"`
}

func (c *Config) GetName() string { return "server" }

func (c *Config) Validate() error {
	if c.InitialPhase == "" {
		c.InitialPhase = protocol.PhaseHandshake
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("maxConnections %d must not be negative", c.MaxConnections)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

var ErrServerClosed = errors.New("server: closed")

// Option customizes a Server.
type Option func(*Server)

// WithSessionConfig sets the settings of every accepted session.
func WithSessionConfig(cfg *session.Config) Option {
	return func(s *Server) { s.sessCfg = cfg }
}

// WithPublisher publishes SessionOpened and SessionClosed events.
func WithPublisher(p *event.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithSessionOptions adds options applied to every accepted session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) { s.sessOpts = append(s.sessOpts, opts...) }
}

// Server owns the sessions created for accepted links, keyed by id.
type Server struct {
	cfg       *Config
	acceptor  transport.Acceptor
	catalog   *protocol.Catalog
	registry  *session.ListenerRegistry
	sessCfg   *session.Config
	sessOpts  []session.Option
	publisher *event.Publisher
	logger    *log.GameLogger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	lock  sync.RWMutex
	conns map[uuid.UUID]*session.Connection
}

// New builds a server that serves the serverbound listeners in registry
// with the descriptors in catalog.
func New(cfg *Config, acceptor transport.Acceptor, catalog *protocol.Catalog,
	registry *session.ListenerRegistry, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server config")
	}
	if registry.Flow() != protocol.Serverbound {
		return nil, errors.Wrap(session.ErrProtocolMismatch, "server registry must be serverbound")
	}
	for _, flow := range []protocol.Flow{protocol.Serverbound, protocol.Clientbound} {
		if _, ok := catalog.Get(cfg.InitialPhase, flow); !ok {
			return nil, fmt.Errorf("no %s descriptor for initial phase %s", flow, cfg.InitialPhase)
		}
	}
	s := &Server{
		cfg:      cfg,
		acceptor: acceptor,
		catalog:  catalog,
		registry: registry,
		logger:   log.With("component", "server"),
		conns:    make(map[uuid.UUID]*session.Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessCfg == nil {
		s.sessCfg = session.DefaultConfig()
	}
	return s, nil
}

// Catalog returns the protocol tables the server speaks.
func (s *Server) Catalog() *protocol.Catalog { return s.catalog }

// Start begins accepting. Sessions live until Shutdown or until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.acceptor.Start(s.ctx, s.accept); err != nil {
		s.cancel()
		return errors.Wrap(err, "start acceptor")
	}
	s.logger.Info().Stringer("addr", s.acceptor.Addr()).Str("phase", string(s.cfg.InitialPhase)).Msg("server started")
	return nil
}

// Len returns the number of live sessions.
func (s *Server) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.conns)
}

// Get returns the session with id.
func (s *Server) Get(id uuid.UUID) (*session.Connection, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns a snapshot of the live sessions.
func (s *Server) Connections() []*session.Connection {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]*session.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) accept(link transport.Link) {
	if err := s.open(link); err != nil {
		s.logger.Warn().Err(err).Stringer("remote", link.RemoteAddr()).Msg("reject link")
		_ = link.Close()
	}
}

func (s *Server) open(link transport.Link) error {
	opts := append([]session.Option{session.WithConfig(s.sessCfg), session.WithLogger(s.logger)}, s.sessOpts...)
	c := session.NewConnection(s.ctx, protocol.Serverbound, opts...)

	if err := s.add(c); err != nil {
		// binding a disconnected session tears it down with the link
		c.DisconnectReason(session.ReasonServerShutdown)
		_ = c.Bind(link)
		return err
	}

	phase := s.cfg.InitialPhase
	in, _ := s.catalog.Get(phase, protocol.Serverbound)
	out, _ := s.catalog.Get(phase, protocol.Clientbound)
	l, err := s.registry.Listener(phase, c)
	if err == nil {
		err = c.SwitchProtocols(s.ctx, in, out, l)
	}
	if err != nil {
		c.Disconnect(session.DisconnectionDetails{Reason: session.ReasonGeneric, Cause: err})
		_ = c.Bind(link)
		s.remove(c)
		return err
	}
	if err := c.Bind(link); err != nil {
		s.remove(c)
		return err
	}

	go s.watch(c)
	s.publish(event.SessionOpened, c)
	return nil
}

func (s *Server) add(c *session.Connection) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		metrics.IncrCounterWithDimGroup(metrics.NameAcceptTotal, metrics.GroupConduit, 1,
			metrics.Dimension{metrics.DimReason: "full"})
		return fmt.Errorf("connection limit of %d reached", s.cfg.MaxConnections)
	}
	s.conns[c.ID()] = c
	return nil
}

func (s *Server) remove(c *session.Connection) {
	s.lock.Lock()
	delete(s.conns, c.ID())
	s.lock.Unlock()
}

// watch drops c from the table once its loop has exited.
func (s *Server) watch(c *session.Connection) {
	<-c.Done()
	s.remove(c)
	s.publish(event.SessionClosed, c)
}

func (s *Server) publish(topic string, c *session.Connection) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(topic, c); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("publish session event")
	}
}

// Shutdown stops accepting, disconnects every session with
// ReasonServerShutdown and waits for them to finish, bounded by ctx and
// the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.acceptor.Stop()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.Connections() {
		c := c
		c.DisconnectReason(session.ReasonServerShutdown)
		g.Go(func() error {
			return c.Wait(gctx)
		})
	}
	err = multierr.Append(err, g.Wait())
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info().Err(err).Msg("server stopped")
	return err
}
