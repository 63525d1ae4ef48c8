// File: internal/service/components.go
package service

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/analyzer"
	"github.com/xkilldash9x/metos/internal/api"
	"github.com/xkilldash9x/metos/internal/logstore"
	"github.com/xkilldash9x/metos/internal/orchestrator"
	"github.com/xkilldash9x/metos/internal/patcher"
	"github.com/xkilldash9x/metos/internal/publish"
	"github.com/xkilldash9x/metos/internal/restart"
	"github.com/xkilldash9x/metos/internal/scriptrunner"
	"github.com/xkilldash9x/metos/internal/wallet"
)

// Components holds every initialized service of one metos process and
// centralizes their lifecycle.
type Components struct {
	Mission   schemas.MissionConfig
	ReplicaID string
	IsReplica bool

	Logs         *logstore.Store
	Scripts      *scriptrunner.Runner
	LLM          schemas.LLMClient
	Analyzer     *analyzer.Analyzer
	Patcher      *patcher.Applier
	Publisher    *publish.Gate
	Replicator   orchestrator.Replicator
	Lineage      schemas.LineageStore
	Wallets      *wallet.Provisioner
	Restarter    *restart.Restarter
	Orchestrator *orchestrator.Orchestrator
	DBPool       *pgxpool.Pool

	// OrchestratorEnabled reports whether serve should run the cycle loop.
	OrchestratorEnabled bool

	logger *zap.Logger
}

// APIServices exposes the components to the request interface.
func (c *Components) APIServices() api.Services {
	svc := api.Services{
		Scripts:    c.Scripts,
		Analyzer:   c.Analyzer,
		Patcher:    c.Patcher,
		Publisher:  c.Publisher,
		Replicator: c.Replicator,
		Wallets:    c.Wallets,
		Restarter:  c.Restarter,
		Lineage:    c.Lineage,
		Logs:       c.Logs,
	}
	// Leave the interface nil rather than holding a nil pointer.
	if c.Orchestrator != nil && c.OrchestratorEnabled {
		svc.Status = c.Orchestrator
	}
	return svc
}

// Shutdown releases everything that holds a connection. It is safe to call on
// partially initialized components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Failed to close reasoning client.", zap.Error(err))
		}
		logger.Debug("Reasoning client closed.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Debug("Components shutdown sequence complete.")
}

// disabledReplicator stands in when no hosting credentials are configured.
type disabledReplicator struct {
	reason string
}

func (d disabledReplicator) Replicate(context.Context) (schemas.ReplicaDescriptor, error) {
	return schemas.ReplicaDescriptor{}, schemas.Errorf(schemas.KindDisabled, "replicate", "replication is disabled: %s", d.reason)
}

// unconfiguredLLM stands in when no reasoning credentials are configured, so
// analysis fails with UpstreamUnavailable instead of the process refusing to
// start.
type unconfiguredLLM struct {
	reason string
}

func (u unconfiguredLLM) Generate(context.Context, schemas.GenerationRequest) (string, error) {
	return "", schemas.Errorf(schemas.KindUpstreamUnavailable, "llm.generate", "reasoning service is not configured: %s", u.reason)
}

func (unconfiguredLLM) Close() error { return nil }
