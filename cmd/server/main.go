package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/presence/internal/config"
	"github.com/manpreetbhatti/presence/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "presence",
		Short: "Live cursor presence server",
		Long: `Presence shares live cursor positions among the participants of a room.

The server aggregates cursor updates per room and broadcasts batched
changes at most every 50ms over websockets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		serveCmd(&flags),
		botCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig layers flags that were explicitly set over file and env.
func loadConfig(cmd *cobra.Command, flags *globalFlags, local map[string]string) (*config.Config, hclog.Logger, error) {
	overrides := make(map[string]any)
	if cmd.Flags().Changed("log-level") {
		overrides["log.level"] = flags.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		overrides["log.json"] = flags.logJSON
	}
	for flag, key := range local {
		if cmd.Flags().Changed(flag) {
			overrides[key] = cmd.Flags().Lookup(flag).Value.String()
		}
	}

	cfg, err := config.Load(flags.configPath, overrides)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, logger, nil
}
