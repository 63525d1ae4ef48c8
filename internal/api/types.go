// File: internal/api/types.go
package api

import (
	"context"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/orchestrator"
	"github.com/xkilldash9x/metos/internal/patcher"
	"github.com/xkilldash9x/metos/internal/scriptrunner"
	"github.com/xkilldash9x/metos/internal/wallet"
)

// Response is the envelope for every JSON reply.
type Response struct {
	Status string            `json:"status"` // "success", "accepted", "error"
	Data   interface{}       `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   schemas.ErrorKind `json:"kind,omitempty"`
}

// RunScriptRequest is the body of POST /api/v1/scripts/run.
type RunScriptRequest struct {
	Path string `json:"path"`
}

// PatchRequest is the body of POST /api/v1/patch.
type PatchRequest struct {
	Path        string `json:"path"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// PublishRequest is the body of POST /api/v1/publish.
type PublishRequest struct {
	Message string `json:"message"`
}

// WalletsRequest is the body of POST /api/v1/wallets. No chains means all.
type WalletsRequest struct {
	Chains []schemas.Chain `json:"chains"`
}

// WalletResult is one chain's entry in the wallets reply.
type WalletResult struct {
	Address string            `json:"address,omitempty"`
	Error   string            `json:"error,omitempty"`
	Kind    schemas.ErrorKind `json:"kind,omitempty"`
}

// StatusReply is the body of GET /api/v1/status.
type StatusReply struct {
	State      orchestrator.State        `json:"state"`
	LastReport *orchestrator.CycleReport `json:"last_report,omitempty"`
}

// -- Collaborators --

type ScriptRunner interface {
	Run(ctx context.Context, path string) (scriptrunner.Result, error)
}

type Analyzer interface {
	Analyze(ctx context.Context) (string, error)
}

type Patcher interface {
	Apply(ctx context.Context, filePath, pattern, replacement string) (patcher.Applied, error)
}

type Publisher interface {
	Publish(ctx context.Context, message string) schemas.PublishRecord
}

type Replicator interface {
	Replicate(ctx context.Context) (schemas.ReplicaDescriptor, error)
}

type WalletProvisioner interface {
	Provision(ctx context.Context, chains []schemas.Chain) map[schemas.Chain]wallet.Result
}

type Restarter interface {
	Trigger(ctx context.Context, done func(error)) error
}

type LogReader interface {
	Recent(n int) ([]schemas.LogEntry, error)
	Follow(ctx context.Context, fromStart bool, fn func(schemas.LogEntry)) error
}

type StatusReporter interface {
	State() orchestrator.State
	LastReport() (orchestrator.CycleReport, bool)
}

// Services are the core operations the request interface calls through to.
// Status may be nil when the orchestrator loop is disabled.
type Services struct {
	Scripts    ScriptRunner
	Analyzer   Analyzer
	Patcher    Patcher
	Publisher  Publisher
	Replicator Replicator
	Wallets    WalletProvisioner
	Restarter  Restarter
	Lineage    schemas.LineageStore
	Logs       LogReader
	Status     StatusReporter
}
