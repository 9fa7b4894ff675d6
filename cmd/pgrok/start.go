package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pgrokio/pgrok/internal/config"
	"github.com/pgrokio/pgrok/internal/logging"
	"github.com/pgrokio/pgrok/pkg/tunnel"
)

var (
	clientServerFlag    string
	clientIDFlag        string
	clientLocalFlag     string
	clientProxyPortFlag int
	clientTokenFlag     string
)

var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Expose a local HTTP service through the relay",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("serverAddress") {
			cfg.ServerURL = clientServerFlag
		}
		if cmd.Flags().Changed("tunnelId") {
			cfg.TunnelID = clientIDFlag
		}
		if cmd.Flags().Changed("localAddress") {
			cfg.Localhost = clientLocalFlag
		}
		if cmd.Flags().Changed("proxyPort") {
			cfg.ProxyPort = clientProxyPortFlag
		}
		if cmd.Flags().Changed("authToken") {
			cfg.AuthToken = clientTokenFlag
		}
		logging.Setup(cfg.LogLevel)

		return runClient(cmd.Context(), cfg)
	},
}

func init() {
	startCmd.Flags().StringVar(&clientServerFlag, "serverAddress", config.DefaultServerURL, "relay server url")
	startCmd.Flags().StringVar(&clientIDFlag, "tunnelId", "", "tunnel id to request (empty lets the server mint one)")
	startCmd.Flags().StringVar(&clientLocalFlag, "localAddress", config.DefaultLocalhost, "local service to forward to")
	startCmd.Flags().IntVar(&clientProxyPortFlag, "proxyPort", 0, "local dispatch proxy port (0 disables)")
	startCmd.Flags().StringVar(&clientTokenFlag, "authToken", "", "shared token expected by the server")
}

func runClient(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "pgrok client starting",
		"version", config.Version,
		"server", cfg.ServerURL,
		"tunnel_id", cfg.TunnelID,
		"localhost", cfg.Localhost)

	client := tunnel.NewClient(tunnel.ClientOptions{
		ServerURL: cfg.ServerURL,
		TunnelID:  cfg.TunnelID,
		LocalAddr: cfg.Localhost,
		AuthToken: cfg.AuthToken,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return client.Run(groupCtx)
	})

	if cfg.ProxyPort > 0 {
		proxy := tunnel.NewDispatchProxy(client, cfg.ProxyListenAddr())
		group.Go(func() error {
			return proxy.Serve(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "Client exited with error", "error", err)
		return err
	}
	slog.InfoContext(ctx, "pgrok client stopped")
	return nil
}
