// File: cmd/cycle.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/metos/internal/service"
)

func newCycleCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run a single analyze, publish and replicate cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				report := c.Orchestrator.RunCycle(ctx)
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if len(report.Failed()) > 0 {
					return fmt.Errorf("cycle %d finished with failed steps", report.Iteration)
				}
				return nil
			})
		},
	}
}
