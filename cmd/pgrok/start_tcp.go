package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgrokio/pgrok/internal/config"
	"github.com/pgrokio/pgrok/internal/logging"
	"github.com/pgrokio/pgrok/pkg/tunnel"
)

var (
	tcpServerFlag string
	tcpLocalFlag  string
	tcpTokenFlag  string
)

var startTCPCmd = &cobra.Command{
	Use:          "start-tcp",
	Short:        "Expose a local TCP service through the relay",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("serverAddress") {
			cfg.ServerURL = tcpServerFlag
		}
		// The HTTP default (http://localhost:3000) makes no sense for a raw
		// TCP endpoint, so the flag default applies unless the env set one.
		if cmd.Flags().Changed("localAddress") || os.Getenv("PGROK_LOCALHOST") == "" {
			cfg.Localhost = tcpLocalFlag
		}
		if cmd.Flags().Changed("authToken") {
			cfg.AuthToken = tcpTokenFlag
		}
		logging.Setup(cfg.LogLevel)

		return runTCPClient(cmd.Context(), cfg)
	},
}

func init() {
	startTCPCmd.Flags().StringVar(&tcpServerFlag, "serverAddress", config.DefaultServerURL, "relay server url")
	startTCPCmd.Flags().StringVar(&tcpLocalFlag, "localAddress", "localhost:5432", "local tcp endpoint to forward to")
	startTCPCmd.Flags().StringVar(&tcpTokenFlag, "authToken", "", "shared token expected by the server")
}

func runTCPClient(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "pgrok tcp client starting",
		"version", config.Version,
		"server", cfg.ServerURL,
		"localhost", cfg.Localhost)

	client := tunnel.NewTCPClient(tunnel.TCPClientOptions{
		ServerURL: cfg.ServerURL,
		LocalAddr: cfg.Localhost,
		AuthToken: cfg.AuthToken,
	})

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "TCP client exited with error", "error", err)
		return err
	}
	slog.InfoContext(ctx, "pgrok tcp client stopped")
	return nil
}
