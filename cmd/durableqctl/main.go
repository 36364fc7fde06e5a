// Command durableqctl is a demo CLI host for the durableq library: it
// opens a Queue against a local data directory and exposes publish,
// checkout/ack/nack, dead-letter, and admin operations as subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/durableq/config"
	"github.com/oriys/durableq/internal/obslog"
)

var (
	configFile string
	dataDir    string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "durableqctl",
		Short: "durableqctl - embedded durable queue control CLI",
		Long:  "A command-line client for an embedded, in-process durable message queue.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML, optional)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Override the persistence directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Operational log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		publishCmd(),
		checkoutCmd(),
		ackCmd(),
		nackCmd(),
		peekCmd(),
		snapshotCmd(),
		metricsCmd(),
		dlqCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers configFile/dataDir/logLevel flags over DefaultConfig
// and environment overrides, the same precedence order the library's
// own config package documents.
func loadConfig() (*config.Config, error) {
	obslog.SetLevelFromString(logLevel)

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.PersistencePath = dataDir
		cfg.Persistence.StoragePath = dataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the durableqctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("durableqctl dev")
			return nil
		},
	}
}
