package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pgrokio/pgrok/internal/config"
	"github.com/pgrokio/pgrok/internal/logging"
	"github.com/pgrokio/pgrok/pkg/scheduler"
	"github.com/pgrokio/pgrok/pkg/tunnel"
)

var (
	serverPortFlag     int
	serverTCPPortFlag  int
	serverSingleFlag   bool
	serverTokenFlag    string
	serverIdleFlag     time.Duration
	serverReaperSchedF string
)

var startServerCmd = &cobra.Command{
	Use:          "start-server",
	Short:        "Run the public relay server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = serverPortFlag
		}
		if cmd.Flags().Changed("tcpPort") {
			cfg.TCPPort = serverTCPPortFlag
		}
		if cmd.Flags().Changed("singleTunnel") {
			cfg.SingleTunnel = serverSingleFlag
		}
		if cmd.Flags().Changed("authToken") {
			cfg.AuthToken = serverTokenFlag
		}
		if cmd.Flags().Changed("idleTimeout") {
			cfg.IdleTimeout = serverIdleFlag
		}
		logging.Setup(cfg.LogLevel)

		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	startServerCmd.Flags().IntVar(&serverPortFlag, "port", config.DefaultPort, "public HTTP listen port")
	startServerCmd.Flags().IntVar(&serverTCPPortFlag, "tcpPort", 0, "public TCP relay port (0 disables)")
	startServerCmd.Flags().BoolVar(&serverSingleFlag, "singleTunnel", false, "serve exactly one tunnel without id prefixes")
	startServerCmd.Flags().StringVar(&serverTokenFlag, "authToken", "", "shared token required on tunnel connections")
	startServerCmd.Flags().DurationVar(&serverIdleFlag, "idleTimeout", config.DefaultIdleTimeout, "reap tunnels idle for this long")
	startServerCmd.Flags().StringVar(&serverReaperSchedF, "reaperSchedule", "", "cron expression for the idle reaper")
}

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "pgrok server starting",
		"version", config.Version,
		"addr", cfg.ListenAddr(),
		"single_tunnel", cfg.SingleTunnel,
		"tcp_port", cfg.TCPPort,
		"auth", cfg.AuthToken != "")

	metrics := tunnel.NewMetrics()
	server := tunnel.NewServer(tunnel.ServerOptions{
		SingleTunnel: cfg.SingleTunnel,
		AuthToken:    cfg.AuthToken,
		IdleTimeout:  cfg.IdleTimeout,
	}, metrics)
	if cfg.TCPPort > 0 {
		server.EnableTCP(cfg.TCPListenAddr())
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	js := scheduler.NewJobScheduler(ctx, []scheduler.Job{
		scheduler.NewIdleReaperJob(server, serverReaperSchedF),
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.InfoContext(groupCtx, "HTTP server listening", "addr", cfg.ListenAddr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if tcp := server.TCP(); tcp != nil {
		group.Go(func() error {
			return tcp.Serve(groupCtx)
		})
	}

	group.Go(func() error {
		if err := js.Start(); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		server.Shutdown()
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "Server exited with error", "error", err)
		return err
	}
	slog.InfoContext(ctx, "pgrok server stopped")
	return nil
}
