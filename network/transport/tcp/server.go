// Package tcp is the TCP transport: an accept loop producing links, and a
// dialer for clients.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/transport"
)

// Config holds the TCP transport settings.
type Config struct {
	Tag             string  `mapstructure:"tag"`
	Addr            string  `mapstructure:"addr"`
	AcceptRate      float64 `mapstructure:"acceptRate"`
	AcceptBurst     int     `mapstructure:"acceptBurst"`
	ChunkSize       int     `mapstructure:"chunkSize"`
	WriteBufferSize int     `mapstructure:"writeBufferSize"`
	Nagle           bool    `mapstructure:"nagle"`
}

func (c *Config) GetName() string { return "tcp" }

// Validate checks the settings needed to listen.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("acceptRate %v must not be negative", c.AcceptRate)
	}
	if c.ChunkSize < 0 || c.WriteBufferSize < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	return nil
}

// Server accepts TCP connections and hands them out as links. Accepting is
// throttled to AcceptRate connections per second; zero means unthrottled.
type Server struct {
	cfg      *Config
	limiter  *rate.Limiter
	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

var _ transport.Acceptor = (*Server)(nil)

// NewServer validates cfg and returns an idle server.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tcp config")
	}
	limit, burst := rate.Inf, cfg.AcceptBurst
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Server{cfg: cfg, limiter: rate.NewLimiter(limit, burst)}, nil
}

func (s *Server) FactoryName() string { return "tcp" }

func (s *Server) Start(ctx context.Context, handler transport.LinkHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("tcp server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	s.group.Go(func() error {
		return s.serve(ctx, ln, handler)
	})
	log.Info().Str("addr", ln.Addr().String()).Msg("tcp transport listening")
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener, handler transport.LinkHandler) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(!s.cfg.Nagle)
		}
		metrics.IncrCounterWithDimGroup(metrics.NameAcceptTotal, metrics.GroupConduit, 1,
			metrics.Dimension{metrics.DimTransport: "tcp"})
		handler(newLink(conn, s.cfg.ChunkSize, s.cfg.WriteBufferSize))
	}
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if werr := group.Wait(); werr != nil && !errors.Is(werr, net.ErrClosed) {
		err = multierr.Append(err, werr)
	}
	log.Info().Str("addr", s.cfg.Addr).Msg("tcp transport stopped")
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
