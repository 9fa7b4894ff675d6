package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgrokio/pgrok/internal/config"
)

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "pgrok",
	Short: "Expose local HTTP and TCP services through a public relay",
	Long: `pgrok relays public traffic to services running behind NAT or firewalls.
Run "pgrok start-server" on a public host, then "pgrok start" (HTTP) or
"pgrok start-tcp" (raw TCP) next to the service you want to expose.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgrok %s (%s) built %s with %s\n",
			config.Version, config.ShortRevision(), config.BuildTime, config.GoVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "logLevel", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(startServerCmd, startCmd, startTCPCmd, versionCmd)
}

// loadConfig merges the environment with whichever flags the user set; a
// flag that was explicitly passed wins over its environment variable.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("logLevel") || rootCmd.PersistentFlags().Changed("logLevel") {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, nil
}
