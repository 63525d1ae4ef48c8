// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/analyzer"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/lineage"
	"github.com/xkilldash9x/metos/internal/llmclient"
	"github.com/xkilldash9x/metos/internal/logstore"
	"github.com/xkilldash9x/metos/internal/orchestrator"
	"github.com/xkilldash9x/metos/internal/patcher"
	"github.com/xkilldash9x/metos/internal/publish"
	"github.com/xkilldash9x/metos/internal/replication"
	"github.com/xkilldash9x/metos/internal/restart"
	"github.com/xkilldash9x/metos/internal/scriptrunner"
	"github.com/xkilldash9x/metos/internal/vcs"
	"github.com/xkilldash9x/metos/internal/wallet"
	"github.com/xkilldash9x/metos/internal/worktree"
)

// ComponentFactory defines an interface for creating the process components.
// This allows for dependency injection and mocking in tests.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the actual implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create loads the mission and wires every component. Anything created before
// a failure is shut down again before the error is returned.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Mission and identity
	mission, err := config.LoadMission(cfg.Mission().Path)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Mission = mission
	wt := cfg.WorkTree()
	root, err := filepath.Abs(wt.Root)
	if err != nil {
		initializationErr = fmt.Errorf("failed to resolve working tree root: %w", err)
		return nil, initializationErr
	}
	components.ReplicaID, components.IsReplica = config.ReplicaIdentity(root)
	logger.Debug("Mission loaded.",
		zap.String("replica_id", components.ReplicaID),
		zap.Bool("replica", components.IsReplica),
		zap.String("namespace", cfg.Replication().Namespace),
		zap.Int("interval_seconds", mission.ReplicationIntervalSeconds))

	// 2. Log store
	logs, err := logstore.New(cfg.LogStore().Path, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open log store: %w", err)
		return nil, initializationErr
	}
	components.Logs = logs

	// 3. Script runner
	components.Scripts = scriptrunner.New(cfg.Scripts(), logs, logger)

	// 4. Reasoning client and analyzer
	llm, err := initializeLLMClient(ctx, cfg.Agent(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.LLM = llm
	components.Analyzer = analyzer.New(llm, logs, mission, analyzer.Options{
		RecentLines:       cfg.LogStore().RecentLines,
		RequestsPerMinute: cfg.Agent().LLM.RequestsPerMinute,
	}, logs, logger)

	// 5. Working tree, patcher and publish gate
	guard := worktree.NewGuard(root)
	warnExposedState(guard, cfg, logger)
	components.Patcher = patcher.New(guard, logs, logger)

	local, err := vcs.NewLocalClient(vcs.Backend(wt.Backend), vcs.Options{
		Author: vcs.Identity{Name: wt.Git.AuthorName, Email: wt.Git.AuthorEmail},
		Token:  cfg.GitHub().Token,
	}, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	if wt.RemoteURL != "" {
		if err := vcs.SetRemoteURL(root, wt.Remote, wt.RemoteURL); err != nil {
			initializationErr = fmt.Errorf("failed to point remote %s at %s: %w", wt.Remote, wt.RemoteURL, err)
			return nil, initializationErr
		}
		logger.Info("Push remote configured.", zap.String("remote", wt.Remote), zap.String("url", wt.RemoteURL))
	}
	components.Publisher = publish.NewGate(guard, local, publish.Target{Remote: wt.Remote, Branch: wt.Branch}, logs, logger)

	// 6. Lineage store
	store, err := f.initializeLineage(ctx, cfg, components, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Lineage = store

	// 7. Replication
	replicator, err := initializeReplicator(cfg, local, store, logs, components.ReplicaID, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Replicator = replicator

	// 8. Wallets
	provisioner, err := initializeWallets(cfg.Wallets(), logs, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Wallets = provisioner

	// 9. Restart
	components.Restarter = restart.New(cfg.Restart(), logs, logger)

	// 10. Orchestrator
	oc := cfg.Orchestrator()
	orch, err := orchestrator.New(components.Analyzer, components.Publisher, components.Replicator, mission, orchestrator.Options{
		CommitMessage:  oc.CommitMessage,
		PublishRetries: oc.PublishRetries,
		RetryBackoff:   oc.RetryBackoff,
	}, logs, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	components.OrchestratorEnabled = oc.Enabled

	logger.Info("Components initialized.",
		zap.String("worktree", root),
		zap.String("lineage", cfg.Lineage().Type),
		zap.Bool("orchestrator", oc.Enabled))
	return components, nil
}

// warnExposedState flags state files that every publish would commit.
func warnExposedState(guard *worktree.Guard, cfg config.Interface, logger *zap.Logger) {
	paths := []worktree.StatePath{
		{Name: "logger.log_file", Path: cfg.Logger().LogFile},
		{Name: "logstore.path", Path: cfg.LogStore().Path},
		{Name: "wallets.ledger_dir", Path: cfg.Wallets().LedgerDir, Dir: true},
	}
	if cfg.Lineage().Type == "file" || cfg.Lineage().Type == "" {
		paths = append(paths, worktree.StatePath{Name: "lineage.path", Path: cfg.Lineage().Path})
	}
	exposed, err := guard.Exposed(paths...)
	if err != nil {
		logger.Warn("Could not check state paths against .gitignore.", zap.Error(err))
		return
	}
	for _, sp := range exposed {
		logger.Warn("State path is inside the working tree and not ignored; every publish will commit it.",
			zap.String("setting", sp.Name),
			zap.String("path", sp.Path))
	}
}

// initializeLLMClient creates the reasoning client. Missing credentials are
// not fatal: analysis then fails per call with UpstreamUnavailable.
func initializeLLMClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.LLM.APIKey == "" {
		logger.Warn("No reasoning API key configured; analysis will be unavailable (hint: GEMINI_API_KEY).")
		return unconfiguredLLM{reason: "no API key"}, nil
	}
	client, err := llmclient.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reasoning client: %w", err)
	}
	return client, nil
}

func (f *concreteFactory) initializeLineage(ctx context.Context, cfg config.Interface, components *Components, logger *zap.Logger) (schemas.LineageStore, error) {
	switch cfg.Lineage().Type {
	case "postgres":
		if cfg.Database().URL == "" {
			return nil, fmt.Errorf("database URL is not configured (hint: check METOS_DATABASE_URL)")
		}
		pool, err := pgxpool.New(ctx, cfg.Database().URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		// Register before Ping so the deferred Shutdown closes it on failure.
		components.DBPool = pool
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Debug("Database connection pool initialized.")
		store, err := lineage.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize lineage store: %w", err)
		}
		return store, nil
	case "file", "":
		store, err := lineage.NewFileStore(cfg.Lineage().Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize lineage store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported lineage store type: %s", cfg.Lineage().Type)
	}
}

// initializeReplicator returns a Manager, or a replicator that always reports
// Disabled when the hosting account is not configured.
func initializeReplicator(
	cfg config.Interface,
	local vcs.LocalClient,
	store schemas.LineageStore,
	logs logstore.Appender,
	parentID string,
	logger *zap.Logger,
) (orchestrator.Replicator, error) {
	gh := cfg.GitHub()
	var missing []string
	if gh.Token == "" {
		missing = append(missing, "github.token")
	}
	if gh.Owner == "" {
		missing = append(missing, "github.owner")
	}
	if gh.Repo == "" {
		missing = append(missing, "github.repo")
	}
	if len(missing) > 0 {
		reason := "missing " + strings.Join(missing, ", ")
		logger.Warn("Replication disabled.", zap.String("reason", reason))
		return disabledReplicator{reason: reason}, nil
	}

	rc := cfg.Replication()
	prefix := rc.NamespacePrefix
	if rc.Namespace != "" {
		prefix = rc.Namespace
	}
	hosting, err := vcs.NewGitHubClient(vcs.GitHubOptions{
		Token:        gh.Token,
		APIURL:       gh.APIURL,
		ReadyTimeout: rc.ForkReadyTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hosting client: %w", err)
	}
	return replication.New(hosting, local, store, logs, replication.Options{
		Source:              vcs.RepoRef{Owner: gh.Owner, Name: gh.Repo},
		CloneDir:            rc.CloneDir,
		EnvFile:             rc.EnvFile,
		NamespacePrefix:     prefix,
		Branch:              cfg.WorkTree().Branch,
		ParentID:            parentID,
		DeleteForkOnFailure: rc.DeleteForkOnFailure,
	}, logger), nil
}

// initializeWallets restricts the generators to the configured chains and
// attaches a keystore when recipients are configured.
func initializeWallets(cfg config.WalletsConfig, logs logstore.Appender, logger *zap.Logger) (*wallet.Provisioner, error) {
	all := wallet.DefaultGenerators()
	generators := all
	if len(cfg.Chains) > 0 {
		generators = make(map[schemas.Chain]wallet.Generator, len(cfg.Chains))
		for _, name := range cfg.Chains {
			chain := schemas.Chain(strings.ToLower(strings.TrimSpace(name)))
			gen, ok := all[chain]
			if !ok {
				return nil, fmt.Errorf("wallets.chains: unsupported chain %q", name)
			}
			generators[chain] = gen
		}
	}

	ledger, err := wallet.NewLedger(cfg.LedgerDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wallet ledger: %w", err)
	}

	var keystore *wallet.Keystore
	if len(cfg.KeystoreRecipients) > 0 {
		keystore, err = wallet.NewKeystore(filepath.Join(cfg.LedgerDir, "keys"), cfg.KeystoreRecipients)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize wallet keystore: %w", err)
		}
	} else {
		logger.Info("No keystore recipients configured; private keys will be discarded.")
	}
	return wallet.NewProvisioner(generators, ledger, keystore, logs, logger), nil
}
