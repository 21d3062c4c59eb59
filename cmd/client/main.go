package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/history"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/internal/session"
	"github.com/omochice/roomchat/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.LoadClient()
	var room string

	cmd := &cobra.Command{
		Use:   "chat-client",
		Short: "Interactive chat room client",
		Long: `Connects to a chat server and joins rooms.

Type /join <room> to enter a room, /quit to exit; any other line is sent
to the current room. Settings come from CHAT_* environment variables;
flags override them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if cfg.Username == "" {
				return errors.New("username is required, use --username or CHAT_USERNAME")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd, cfg, room)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "websocket server url")
	flags.StringVar(&cfg.APIURL, "api", cfg.APIURL, "history api base url (empty disables history)")
	flags.StringVar(&cfg.Username, "username", cfg.Username, "username for chat")
	flags.StringVar(&cfg.AccessToken, "token", cfg.AccessToken, "access token")
	flags.StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec (json, proto)")
	flags.StringVar(&cfg.Engine, "engine", cfg.Engine, "websocket engine (nhooyr, gobwas)")
	flags.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "time allowed to connect and join a room")
	flags.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "reconnect after the connection drops")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&room, "room", "", "room to join on start")
	return cmd
}

func run(cmd *cobra.Command, cfg config.Client, room string) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithIdentity(session.Identity{Username: cfg.Username, AccessToken: cfg.AccessToken}),
		session.WithJoinTimeout(cfg.JoinTimeout),
	}
	if cfg.APIURL != "" {
		opts = append(opts, session.WithHistory(history.New(cfg.APIURL, cfg.AccessToken)))
	}
	coord := session.New(transport, opts...)
	defer coord.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if room != "" {
		if err := coord.RequestRoom(ctx, room); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signed in as %s. Commands: /join <room>, /quit\n", cfg.Username)

	snapshots, cancel := coord.Subscribe()
	defer cancel()
	lines := readLines(cmd.InOrStdin())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		render(ctx, out, snapshots)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return prompt(ctx, out, coord, lines)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func newTransport(cfg config.Client, logger *zap.Logger) (*client.Transport, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}
	dialer, err := client.NewDialer(cfg.Engine, header, !codec.Binary())
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithDialer(dialer),
		client.WithCodec(codec),
		client.WithLogger(logger),
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithSendLimit(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}
	if cfg.Reconnect {
		opts = append(opts, client.WithBackoff(cfg.Backoff()))
	} else {
		opts = append(opts, client.WithoutReconnect())
	}
	return client.New(cfg.ServerURL, opts...), nil
}
