// File: cmd/operations.go
package cmd

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newRunScriptCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "run-script <path>",
		Short: "Run a script with the configured interpreter and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				res, err := c.Scripts.Run(ctx, args[0])
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
				return err
			})
		},
	}
}

func newAnalyzeCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Ask the reasoning service for improvements based on recent logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				suggestion, err := c.Analyzer.Analyze(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), suggestion)
				return nil
			})
		},
	}
}

func newPatchCmd(factory service.ComponentFactory) *cobra.Command {
	var pattern, replacement string

	cmd := &cobra.Command{
		Use:   "patch <file>",
		Short: "Replace every literal occurrence of a string in a file of the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				applied, err := c.Patcher.Apply(ctx, args[0], pattern, replacement)
				if err != nil {
					return err
				}
				return printJSON(cmd, applied)
			})
		},
	}
	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "Literal text to replace.")
	cmd.Flags().StringVarP(&replacement, "replacement", "r", "", "Replacement text.")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func newPublishCmd(factory service.ComponentFactory) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Stage, commit and push the working tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return schemas.Errorf(schemas.KindInvalidArgument, "publish", "commit message must not be blank")
			}
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				rec := c.Publisher.Publish(context.WithoutCancel(ctx), message)
				if err := printJSON(cmd, rec); err != nil {
					return err
				}
				return rec.Err()
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message.")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newReplicateCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Fork, clone and configure a new replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				desc, err := c.Replicator.Replicate(context.WithoutCancel(ctx))
				if err != nil {
					return err
				}
				return printJSON(cmd, desc)
			})
		},
	}
}

func newWalletsCmd(factory service.ComponentFactory) *cobra.Command {
	var chains []string

	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "Generate one address per chain and append it to the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			requested := make([]schemas.Chain, 0, len(chains))
			for _, ch := range chains {
				requested = append(requested, schemas.Chain(strings.ToLower(strings.TrimSpace(ch))))
			}
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				results := c.Wallets.Provision(ctx, requested)
				out := make(map[schemas.Chain]string, len(results))
				var failed []string
				for chain, res := range results {
					if res.Err != nil {
						out[chain] = "error: " + res.Err.Error()
						failed = append(failed, string(chain))
						continue
					}
					out[chain] = res.Address
				}
				if err := printJSON(cmd, out); err != nil {
					return err
				}
				if len(failed) == len(results) && len(failed) > 0 {
					return fmt.Errorf("every chain failed: %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chain", nil, "Chains to provision (default: all supported).")
	return cmd
}

func newRestartCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Run the configured restart command after its delay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				return c.Restarter.Restart(ctx)
			})
		},
	}
}

func newLineageCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage",
		Short: "List the replicas created by this instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				replicas, err := c.Lineage.List(ctx)
				if err != nil {
					return err
				}
				if replicas == nil {
					replicas = []schemas.ReplicaDescriptor{}
				}
				return printJSON(cmd, replicas)
			})
		},
	}
}

func newLogsCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent operational log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				return schemas.Errorf(schemas.KindInvalidArgument, "logs", "--lines must be positive, got %d", lines)
			}
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				entries, err := c.Logs.Recent(lines)
				if err != nil {
					return err
				}
				for _, e := range entries {
					printEntry(cmd, e)
				}
				if !follow {
					return nil
				}
				err = c.Logs.Follow(ctx, false, func(e schemas.LogEntry) { printEntry(cmd, e) })
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent entries to print.")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing entries as they are appended.")
	return cmd
}

func printEntry(cmd *cobra.Command, e schemas.LogEntry) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s - %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Message)
}
