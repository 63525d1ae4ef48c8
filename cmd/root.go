// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/observability"
	"github.com/xkilldash9x/metos/internal/service"
)

type contextKey string

const configKey contextKey = "config"

// Execute builds the root command and runs it with ctx, which should be
// cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// NewRootCommand returns a fresh command tree wired to the real component
// factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "metos",
		Short:         "metos is a self-improving, self-replicating agent.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting metos", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, config.Interface(cfg)))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(newServeCmd(factory))
	cmd.AddCommand(newCycleCmd(factory))
	cmd.AddCommand(newRunScriptCmd(factory))
	cmd.AddCommand(newAnalyzeCmd(factory))
	cmd.AddCommand(newPatchCmd(factory))
	cmd.AddCommand(newPublishCmd(factory))
	cmd.AddCommand(newReplicateCmd(factory))
	cmd.AddCommand(newWalletsCmd(factory))
	cmd.AddCommand(newRestartCmd(factory))
	cmd.AddCommand(newLineageCmd(factory))
	cmd.AddCommand(newLogsCmd(factory))
	return cmd
}

// initializeConfig reads the config file, if any, and environment variables
// prefixed with METOS_.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("METOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// The env file sits in the working tree. Replicas get their identity
	// from it, so it is read before anything consults the environment.
	root, err := homedir.Expand(v.GetString("worktree.root"))
	if err != nil {
		return fmt.Errorf("error expanding worktree.root: %w", err)
	}
	if _, err := config.LoadEnvFile(filepath.Join(root, v.GetString("replication.env_file"))); err != nil {
		return err
	}
	return nil
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}

// withComponents builds the components for one command and always shuts them
// down afterwards.
func withComponents(cmd *cobra.Command, factory service.ComponentFactory, fn func(ctx context.Context, c *service.Components) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	components, err := factory.Create(ctx, cfg, observability.GetLogger())
	if err != nil {
		return err
	}
	defer components.Shutdown()
	return fn(ctx, components)
}
