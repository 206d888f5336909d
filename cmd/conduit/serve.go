package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linchenxuan/conduit"
	"github.com/linchenxuan/conduit/config"
)

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game server",
		Long: `Run the demo game server. Transports and metric reporters come from
the plugin section of the configuration file. SIGHUP reloads the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			app, err := conduit.New(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}

			term := make(chan os.Signal, 1)
			signal.Notify(term, os.Interrupt, syscall.SIGTERM)
			reload := make(chan os.Signal, 1)
			signal.Notify(reload, syscall.SIGHUP)
			for {
				select {
				case <-reload:
					next, err := config.LoadConfig(path)
					if err != nil {
						app.Logger.Error().Err(err).Str("path", path).Msg("reload failed")
						continue
					}
					if err := app.Reload(next); err != nil {
						app.Logger.Warn().Err(err).Msg("reload incomplete")
					}
				case <-term:
					stopCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
					err := app.Stop(stopCtx)
					stop()
					return err
				}
			}
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "conduit.yaml", "configuration file path, empty for defaults")
	return cmd
}
