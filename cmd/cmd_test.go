// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/observability"
	"github.com/xkilldash9x/metos/internal/service"
)

func TestMain(m *testing.M) {
	// The first Initialize wins; keep test output quiet and off disk.
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	os.Exit(m.Run())
}

// testEnv is an isolated directory holding a working tree and, beside it, the
// state the config points at.
type testEnv struct {
	dir        string
	tree       string
	configPath string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	for _, key := range []string{
		"GEMINI_API_KEY", "METOS_AGENT_LLM_API_KEY", "GITHUB_TOKEN", "METOS_GITHUB_TOKEN",
		"METOS_DATABASE_URL", "METOS_API_JWT_SECRET", "METOS_REPLICA", "METOS_CHILD_ID",
		"METOS_PARENT_ID", "METOS_GITHUB_OWNER", "METOS_GITHUB_REPO",
		"METOS_WORKTREE_REMOTE_URL", "METOS_REPLICATION_NAMESPACE",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	tree := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(tree, 0o755))
	mission := filepath.Join(dir, "mission.yaml")
	require.NoError(t, os.WriteFile(mission, []byte("mission:\n  objective: stay useful\n  replication_interval_seconds: 1\n"), 0o644))

	content := fmt.Sprintf(`
logger:
  level: fatal
  log_file: ""
mission:
  path: %[1]s/mission.yaml
logstore:
  path: %[1]s/logs/self_analysis.log
worktree:
  root: %[2]s
replication:
  clone_dir: %[1]s/replicas
lineage:
  type: file
  path: %[1]s/logs/lineage.jsonl
wallets:
  ledger_dir: %[1]s/wallets
orchestrator:
  enabled: false
  retry_backoff: 1ms
api:
  listen_addr: 127.0.0.1:0
%[3]s`, dir, tree, extra)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return testEnv{dir: dir, tree: tree, configPath: configPath}
}

// loadConfig runs the root command's config loading and returns the result.
func loadConfig(t *testing.T, env testEnv) config.Interface {
	t.Helper()
	root := newRootCmd(service.NewComponentFactory())
	var captured config.Interface
	root.AddCommand(&cobra.Command{
		Use: "show-config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			captured, err = getConfigFromContext(cmd.Context())
			return err
		},
	})
	root.SetArgs([]string{"--config", env.configPath, "show-config"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, captured)
	return captured
}

func executeCommand(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(service.NewComponentFactory())
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

// executeCommandNoPreRun is for testing argument and flag validation without
// triggering config loading.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(service.NewComponentFactory())
	root.PersistentPreRunE = nil
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommandNoPreRun(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "metos version "+Version)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "cycle", "run-script", "analyze", "patch", "publish", "replicate", "wallets", "restart", "lineage", "logs"} {
		assert.Contains(t, names, want)
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"run-script needs a path", []string{"run-script"}, "accepts 1 arg(s), received 0"},
		{"patch needs a pattern", []string{"patch", "main.go"}, `required flag(s) "pattern" not set`},
		{"publish needs a message", []string{"publish"}, `required flag(s) "message" not set`},
		{"lineage takes no args", []string{"lineage", "extra"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommandNoPreRun(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigLoading(t *testing.T) {
	t.Run("config file is stored in the context", func(t *testing.T) {
		env := newTestEnv(t, "")
		captured := loadConfig(t, env)
		assert.Equal(t, env.tree, captured.WorkTree().Root)
		assert.False(t, captured.Orchestrator().Enabled)
		assert.Equal(t, "127.0.0.1:0", captured.API().ListenAddr)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		env := newTestEnv(t, "")
		t.Setenv("METOS_WORKTREE_BRANCH", "develop")
		assert.Equal(t, "develop", loadConfig(t, env).WorkTree().Branch)
	})

	t.Run("env file in the tree configures a replica", func(t *testing.T) {
		env := newTestEnv(t, "")
		dotenv := "METOS_REPLICA=true\n" +
			"METOS_CHILD_ID=abc123abc123\n" +
			"METOS_GITHUB_OWNER=bot\n" +
			"METOS_GITHUB_REPO=agent-abc123abc123\n" +
			"METOS_WORKTREE_REMOTE_URL=https://github.example/bot/agent-abc123abc123.git\n" +
			"METOS_REPLICATION_NAMESPACE=metos-abc123abc123\n"
		require.NoError(t, os.WriteFile(filepath.Join(env.tree, ".env"), []byte(dotenv), 0o600))

		captured := loadConfig(t, env)
		assert.Equal(t, "bot", captured.GitHub().Owner)
		assert.Equal(t, "agent-abc123abc123", captured.GitHub().Repo)
		assert.Equal(t, "https://github.example/bot/agent-abc123abc123.git", captured.WorkTree().RemoteURL)
		assert.Equal(t, "metos-abc123abc123", captured.Replication().Namespace)

		id, replica := config.ReplicaIdentity(captured.WorkTree().Root)
		assert.True(t, replica)
		assert.Equal(t, "abc123abc123", id)
	})

	t.Run("process environment beats the env file", func(t *testing.T) {
		env := newTestEnv(t, "")
		t.Setenv("METOS_GITHUB_OWNER", "operator")
		require.NoError(t, os.WriteFile(filepath.Join(env.tree, ".env"), []byte("METOS_GITHUB_OWNER=bot\n"), 0o600))
		assert.Equal(t, "operator", loadConfig(t, env).GitHub().Owner)
	})

	t.Run("clone dir inside the tree is rejected", func(t *testing.T) {
		env := newTestEnv(t, "")
		t.Setenv("METOS_REPLICATION_CLONE_DIR", filepath.Join(env.tree, "replicas"))
		_, err := executeCommand(context.Background(), t, "--config", env.configPath, "lineage")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be outside worktree.root")
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		env := newTestEnv(t, "scripts:\n  extension: py\n")
		_, err := executeCommand(context.Background(), t, "--config", env.configPath, "lineage")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load or validate config")
	})

	t.Run("unreadable config file", func(t *testing.T) {
		_, err := executeCommand(context.Background(), t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "lineage")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})
}

func TestWalletsAndLogs(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	out, err := executeCommand(ctx, t, "--config", env.configPath, "wallets", "--chain", "ethereum", "--chain", "solana")
	require.NoError(t, err)
	assert.Contains(t, out, `"ethereum": "0x`)
	assert.Contains(t, out, `"solana"`)
	assert.FileExists(t, filepath.Join(env.dir, "wallets", "ethereum_wallets.txt"))
	assert.FileExists(t, filepath.Join(env.dir, "wallets", "solana_wallets.txt"))

	out, err = executeCommand(ctx, t, "--config", env.configPath, "logs", "-n", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "ethereum")
	assert.Contains(t, out, "solana")

	_, err = executeCommand(ctx, t, "--config", env.configPath, "logs", "-n", "0")
	require.Error(t, err)
	assert.True(t, schemas.IsKind(err, schemas.KindInvalidArgument))
}

func TestWallets_UnknownChain(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := executeCommand(context.Background(), t, "--config", env.configPath, "wallets", "--chain", "dogecoin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every chain failed")
}

func TestPatch(t *testing.T) {
	env := newTestEnv(t, "")
	target := filepath.Join(env.tree, "greeting.txt")
	require.NoError(t, os.WriteFile(target, []byte("hello world, world\n"), 0o644))

	out, err := executeCommand(context.Background(), t, "--config", env.configPath, "patch", "greeting.txt", "-p", "world", "-r", "metos")
	require.NoError(t, err)
	assert.Contains(t, out, "greeting.txt")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello metos, metos\n", string(got))
}

func TestOperationErrorsKeepTheirKind(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
		kind schemas.ErrorKind
	}{
		{"missing script", []string{"run-script", "missing.py"}, schemas.KindNotFound},
		{"analyze without logs", []string{"analyze"}, schemas.KindEmptyLogs},
		{"patch outside the tree", []string{"patch", "../escape.txt", "-p", "a"}, schemas.KindInvalidArgument},
		{"replicate without hosting credentials", []string{"replicate"}, schemas.KindDisabled},
		{"restart without a command", []string{"restart"}, schemas.KindDisabled},
		{"blank publish message", []string{"publish", "-m", "   "}, schemas.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			args := append([]string{"--config", env.configPath}, tt.args...)
			_, err := executeCommand(ctx, t, args...)
			require.Error(t, err)
			assert.True(t, schemas.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestCycle_ReportsFailedSteps(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := executeCommand(context.Background(), t, "--config", env.configPath, "cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle 1 finished with failed steps")
	assert.Contains(t, out, `"iteration": 1`)
	assert.Contains(t, out, `"step": "replicate"`)
}

func TestLineage_Empty(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := executeCommand(context.Background(), t, "--config", env.configPath, "lineage")
	require.NoError(t, err)
	assert.Contains(t, out, "[]")
}

func TestServe_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := executeCommand(ctx, t, "--config", env.configPath, "serve")
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
