// File: cmd/serve.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/metos/internal/api"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/observability"
	"github.com/xkilldash9x/metos/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var apiOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the request interface and the self-modification cycle until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				if apiOnly {
					c.OrchestratorEnabled = false
				}
				return runServe(ctx, cfg.API(), c)
			})
		},
	}
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "Serve requests without running the orchestrator loop.")
	return cmd
}

// runServe runs the API server and, when enabled, the orchestrator until ctx
// is cancelled or one of them fails.
func runServe(ctx context.Context, apiCfg config.APIConfig, c *service.Components) error {
	logger := observability.GetLogger()
	server := api.NewServer(apiCfg, c.APIServices(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	if c.OrchestratorEnabled {
		g.Go(func() error {
			return c.Orchestrator.Run(gctx)
		})
	} else {
		logger.Info("Orchestrator loop disabled; serving requests only.")
	}

	logger.Info("metos is running.",
		zap.String("listen_addr", apiCfg.ListenAddr),
		zap.String("replica_id", c.ReplicaID))
	err := g.Wait()
	logger.Info("metos stopped.")
	return err
}
