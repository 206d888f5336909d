package main

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/linchenxuan/conduit/demo"
)

type floodResult struct {
	sent   atomic.Int64
	kicked atomic.Int64
}

func floodCmd() *cobra.Command {
	var (
		flags    clientFlags
		clients  int
		rate     int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "flood",
		Short: "Load a server with moving clients",
		Long: `Log in several clients and have each send movement packets at a fixed
rate. Useful to watch the server's rate limits and metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), duration+flags.timeout)
			defer cancel()

			var res floodResult
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < clients; i++ {
				name := fmt.Sprintf("%s%d", flags.name, i)
				g.Go(func() error {
					cl, err := flags.dial(gctx, name)
					if err != nil {
						return err
					}
					defer cl.Close()
					flood(gctx, cl, ratelimit.New(rate), duration, &res)
					return nil
				})
			}
			err := g.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d packets, %d of %d clients kicked\n",
				res.sent.Load(), res.kicked.Load(), clients)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&clients, "clients", 4, "number of clients")
	cmd.Flags().IntVar(&rate, "rate", 50, "movement packets per second per client")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to send")
	return cmd
}

func flood(ctx context.Context, cl *demo.Client, limiter ratelimit.Limiter, d time.Duration, res *floodResult) {
	deadline := time.Now().Add(d)
	for i := 0; time.Now().Before(deadline); i++ {
		limiter.Take()
		select {
		case <-ctx.Done():
			return
		case <-cl.Conn().Done():
			res.kicked.Add(1)
			return
		default:
		}
		a := float64(i) / 20
		if err := cl.Move(ctx, 10*math.Cos(a), 64, 10*math.Sin(a)); err != nil {
			return
		}
		res.sent.Add(1)
	}
}
