package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.LoadServer()

	cmd := &cobra.Command{
		Use:   "chat-server",
		Short: "Development chat room server",
		Long: `Serves the chat room protocol on /ws and room history on /messages.

Settings come from CHAT_* environment variables; flags override them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "address to listen on")
	flags.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "messages kept per room (0 keeps all)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console, json)")
	return cmd
}

func run(ctx context.Context, cfg config.Server) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.ListenAddr,
		server.WithLogger(logger),
		server.WithHistoryLimit(cfg.HistoryLimit),
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		srv.Stop()
		return err
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
		srv.Stop()
		return <-errChan
	}
}
