// Package conduit assembles a conduit server process: logging, plugins,
// metrics reporters, the event hub and the demo game behind a session
// server.
package conduit

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/config"
	"github.com/linchenxuan/conduit/demo"
	"github.com/linchenxuan/conduit/event"
	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/metrics/prometheus"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/server"
	"github.com/linchenxuan/conduit/network/session"
	"github.com/linchenxuan/conduit/network/transport"
	"github.com/linchenxuan/conduit/network/transport/tcp"
	"github.com/linchenxuan/conduit/plugin"
)

var ErrNoTransport = errors.New("conduit: no transport configured")

// Option customizes an App.
type Option func(*App)

// WithAcceptor serves on a instead of the configured transport plugin.
func WithAcceptor(a transport.Acceptor) Option {
	return func(app *App) { app.acceptor = a }
}

// App is a running conduit server.
type App struct {
	Logger        *log.GameLogger
	PluginManager *plugin.Manager
	Publisher     *event.Publisher
	Game          *demo.Game
	Server        *server.Server

	cfg      *config.Config
	acceptor transport.Acceptor
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}

	if err := log.Initialize(cfg.Log); err != nil {
		return nil, errors.Wrap(err, "logger")
	}
	app.Logger = log.Default()

	app.PluginManager = plugin.NewManager()
	app.PluginManager.RegisterFactory(&prometheus.Factory{})
	app.PluginManager.RegisterFactory(tcp.NewFactory())
	if err := app.PluginManager.SetupPlugins(cfg.Plugins); err != nil {
		return nil, err
	}
	if app.acceptor == nil {
		a, err := app.transport()
		if err != nil {
			app.PluginManager.DestroyPlugins()
			return nil, err
		}
		app.acceptor = a
	}

	app.Publisher = event.NewPublisher()
	_ = app.Publisher.RegisterSubscriber(event.ReloadConfig, app.onReload)
	_ = app.Publisher.RegisterSubscriber(event.SessionOpened, app.onSessionEvent("session opened"))
	_ = app.Publisher.RegisterSubscriber(event.SessionClosed, app.onSessionEvent("session closed"))

	app.Game = demo.NewGame(cfg.Game)
	reg := session.NewListenerRegistry(protocol.Serverbound)
	if err := app.Game.Register(reg); err != nil {
		app.PluginManager.DestroyPlugins()
		return nil, err
	}
	srv, err := server.New(cfg.Server, app.acceptor, demo.Catalog(), reg,
		server.WithSessionConfig(cfg.Session),
		server.WithPublisher(app.Publisher))
	if err != nil {
		app.PluginManager.DestroyPlugins()
		return nil, err
	}
	app.Server = srv
	app.Logger.Info().Msg("conduit initialized")
	return app, nil
}

// transport picks the tagged default transport, or the only one configured.
func (app *App) transport() (transport.Acceptor, error) {
	p, err := app.PluginManager.GetDefaultPlugin(plugin.Transport)
	if err != nil {
		names := app.PluginManager.Names(plugin.Transport)
		if len(names) != 1 {
			return nil, errors.Wrapf(ErrNoTransport, "%d transports, none tagged %q", len(names), plugin.DefaultInsName)
		}
		if p, err = app.PluginManager.GetPlugin(plugin.Transport, names[0]); err != nil {
			return nil, err
		}
	}
	a, ok := p.(transport.Acceptor)
	if !ok {
		return nil, errors.Wrapf(ErrNoTransport, "%s does not accept links", p.FactoryName())
	}
	return a, nil
}

func (app *App) Config() *config.Config { return app.cfg }

// Addr is where the server accepts links.
func (app *App) Addr() net.Addr { return app.acceptor.Addr() }

// Start begins accepting sessions.
func (app *App) Start(ctx context.Context) error {
	if err := app.Server.Start(ctx); err != nil {
		return err
	}
	app.Logger.Info().Stringer("addr", app.acceptor.Addr()).Msg("conduit serving")
	return nil
}

// Reload publishes cfg to the ReloadConfig subscribers. Only settings that
// can change at runtime, such as the log level, take effect.
func (app *App) Reload(cfg *config.Config) error {
	return app.Publisher.Publish(event.ReloadConfig, cfg)
}

func (app *App) onReload(param any) {
	cfg, ok := param.(*config.Config)
	if !ok || cfg.Log == nil {
		return
	}
	if cfg.Log.LogLevel != app.Logger.GetLevel() {
		app.Logger.Info().Stringer("from", app.Logger.GetLevel()).Stringer("to", cfg.Log.LogLevel).Msg("log level changed")
		app.Logger.SetLevel(cfg.Log.LogLevel)
	}
}

func (app *App) onSessionEvent(msg string) event.Subscriber {
	return func(param any) {
		c, ok := param.(*session.Connection)
		if !ok {
			return
		}
		ev := app.Logger.Debug().Stringer("session", c.ID()).Stringer("remote", c.RemoteAddr())
		if d := c.DisconnectionDetails(); d != nil {
			ev = ev.Str("reason", d.Reason)
		}
		ev.Msg(msg)
	}
}

// Stop shuts the server down, waiting for sessions up to ctx, and releases
// the plugins.
func (app *App) Stop(ctx context.Context) error {
	app.Logger.Info().Msg("conduit shutting down")
	err := app.Server.Shutdown(ctx)
	app.PluginManager.DestroyPlugins()
	return err
}
