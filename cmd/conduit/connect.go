package main

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linchenxuan/conduit/demo"
	"github.com/linchenxuan/conduit/migration"
	"github.com/linchenxuan/conduit/network/session"
	"github.com/linchenxuan/conduit/network/transport/tcp"
)

type clientFlags struct {
	addr         string
	name         string
	viewDistance int
	timeout      time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "127.0.0.1:25565", "server address")
	cmd.Flags().StringVarP(&f.name, "name", "n", "player", "player name")
	cmd.Flags().IntVar(&f.viewDistance, "view-distance", 10, "view distance sent with the login")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "login timeout")
}

// dial logs name in and waits for the play phase.
func (f *clientFlags) dial(ctx context.Context, name string) (*demo.Client, error) {
	link, err := tcp.Dial(ctx, f.addr, nil)
	if err != nil {
		return nil, err
	}
	data, err := structpb.NewStruct(map[string]any{"viewDistance": f.viewDistance})
	if err != nil {
		return nil, err
	}
	cfg := session.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cl, err := demo.Dial(ctx, link, name, migration.Snapshot{Version: 0, Data: data}, session.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := cl.WaitReady(wctx); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

func connectCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Chat with a running server",
		Long:  `Log in, print incoming chat and send each line read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cl, err := flags.dial(ctx, flags.name)
			if err != nil {
				return err
			}
			defer cl.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logged in as %s (%s)\n", flags.name, cl.ID())

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()
			for {
				select {
				case m := <-cl.Messages():
					fmt.Fprintf(out, "<%s> %s\n", m.From, m.Text)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := cl.Chat(ctx, line); err != nil {
						return err
					}
				case <-cl.Conn().Done():
					if r := cl.Reason(); r != "" {
						return fmt.Errorf("disconnected: %s", r)
					}
					return fmt.Errorf("disconnected: %s", cl.Conn().DisconnectionDetails())
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	flags.register(cmd)
	return cmd
}
