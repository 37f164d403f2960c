package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metareg-io/metareg/internal/config"
	"github.com/metareg-io/metareg/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	configFile string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "metaregd",
		Short: "Registry and chunk lifecycle service",
		Long: `metaregd keeps a registry of content records and their chunks,
re-inspects chunks on a round-based schedule and reaps deleted registries.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override observability.logLevel")

	root.AddCommand(
		nodeCmd(),
		adminCmd(initAdminOpts),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "metaregd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		},
	}
}

// loadConfig loads the config file named by --config and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) *logging.Logger {
	return logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
}
