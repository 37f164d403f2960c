package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/metareg-io/metareg/internal/node"
)

const shutdownTimeout = 30 * time.Second

func nodeCmd() *cobra.Command {
	var (
		nodeID      string
		healthAddr  string
		metricsAddr string
		genesis     string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a metareg node",
		Long: `Start the round loop, the maintenance driver and the health and
metrics servers. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if nodeID != "" {
				cfg.Node.ID = nodeID
			}
			if healthAddr != "" {
				cfg.Node.HealthAddr = healthAddr
			}
			if metricsAddr != "" {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			if genesis != "" {
				cfg.Genesis.Path = genesis
			}

			logger := setupLogger(cfg)
			defer logger.Sync()

			n, err := node.New(node.Options{
				Config:  cfg,
				Logger:  logger,
				Version: version,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := n.Start(ctx); err != nil {
				logger.Errorf("failed to start node", map[string]any{"error": err.Error()})
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := n.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "participant id (default: node.id, then a random UUID)")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "override node.healthAddr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override observability.metricsAddr")
	cmd.Flags().StringVar(&genesis, "genesis", "", "override genesis.path")
	return cmd
}
