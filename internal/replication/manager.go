// File: internal/replication/manager.go
package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/logstore"
	"github.com/xkilldash9x/metos/internal/patcher"
	"github.com/xkilldash9x/metos/internal/publish"
	"github.com/xkilldash9x/metos/internal/vcs"
	"github.com/xkilldash9x/metos/internal/worktree"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options configures a Manager.
type Options struct {
	// Source is the hosted repository that children are forked from.
	Source vcs.RepoRef
	// CloneDir holds one directory per child, named after the child ID.
	CloneDir string
	// EnvFile is the name of the environment file written into each child.
	EnvFile string
	// NamespacePrefix prefixes each child's mission credentials namespace.
	NamespacePrefix string
	// Branch is pushed in the child's initial publish.
	Branch string
	// ParentID identifies this instance in the children it creates.
	ParentID string
	// DeleteForkOnFailure removes the server-side fork when a later step fails.
	DeleteForkOnFailure bool
}

// Manager creates replicas: fork, clone, configure, initial publish. Attempts
// share no state, so any number may run in parallel. None of them touch the
// parent's working tree.
type Manager struct {
	hosting vcs.HostingClient
	local   vcs.LocalClient
	store   schemas.LineageStore
	log     logstore.Appender
	logger  *zap.Logger
	opts    Options

	newID func() string
	now   func() time.Time
}

// New creates a Manager.
func New(hosting vcs.HostingClient, local vcs.LocalClient, store schemas.LineageStore, log logstore.Appender, opts Options, logger *zap.Logger) *Manager {
	if opts.EnvFile == "" {
		opts.EnvFile = ".env"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.ParentID == "" {
		opts.ParentID = "root"
	}
	return &Manager{
		hosting: hosting,
		local:   local,
		store:   store,
		log:     log,
		logger:  logger.Named("replication"),
		opts:    opts,
		newID:   NewChildID,
		now:     time.Now,
	}
}

// NewChildID returns a random 12 character hex token.
func NewChildID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// attempt tracks one replication as it moves through its steps.
type attempt struct {
	childID  string
	step     schemas.ReplicationStep
	fork     *vcs.ForkRef
	cloneDir string
	started  time.Time
}

// Replicate runs one full replication. The descriptor is recorded in the
// lineage store and returned only if every step succeeded; on failure the
// local clone is removed and nothing is recorded.
func (m *Manager) Replicate(ctx context.Context) (schemas.ReplicaDescriptor, error) {
	a := &attempt{childID: m.newID(), started: m.now().UTC()}
	logger := m.logger.With(zap.String("child_id", a.childID))
	logger.Info("Starting replication.", zap.String("source", m.opts.Source.String()))

	desc, err := m.run(ctx, a, logger)
	if err != nil {
		m.discard(a, logger)
		logger.Error("Replication failed.", zap.String("step", string(a.step)), zap.String("kind", string(schemas.KindOf(err))), zap.Error(err))
		m.append(logger, fmt.Sprintf("replication %s failed at %s (%s): %v", a.childID, a.step, schemas.KindOf(err), err))
		return schemas.ReplicaDescriptor{}, err
	}

	logger.Info("Replication committed.", zap.String("fork_url", desc.ForkURL), zap.String("clone", desc.CloneLocation))
	m.append(logger, fmt.Sprintf("replication %s committed: fork %s cloned to %s", desc.ChildID, desc.ForkURL, desc.CloneLocation))
	return desc, nil
}

func (m *Manager) run(ctx context.Context, a *attempt, logger *zap.Logger) (schemas.ReplicaDescriptor, error) {
	fail := func(kind schemas.ErrorKind, err error) error {
		return &schemas.Error{Kind: kind, Op: "replicate", Step: string(a.step), Err: err}
	}

	// Forking
	a.step = schemas.ReplicationForking
	fork, err := m.hosting.CreateFork(ctx, m.opts.Source, m.forkName(a.childID))
	if fork.Owner != "" && fork.Name != "" {
		a.fork = &fork
	}
	if err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindForkFailed, err)
	}
	if fork.CloneURL == "" {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindForkFailed, errors.New("fork has no clone url"))
	}
	logger.Debug("Fork created.", zap.String("fork", fork.Owner+"/"+fork.Name))

	// Cloning
	a.step = schemas.ReplicationCloning
	dest, err := filepath.Abs(filepath.Join(m.opts.CloneDir, a.childID))
	if err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindCloneFailed, err)
	}
	if _, err := os.Stat(dest); err == nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindCloneFailed, fmt.Errorf("clone directory %s already exists", dest))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindCloneFailed, err)
	}
	a.cloneDir = dest
	if err := m.local.Clone(ctx, fork.CloneURL, dest); err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindCloneFailed, err)
	}

	desc := schemas.ReplicaDescriptor{
		ChildID:       a.childID,
		ForkURL:       fork.CloneURL,
		CloneLocation: dest,
		ParentID:      m.opts.ParentID,
		CreatedAt:     a.started,
	}

	// Configuring
	a.step = schemas.ReplicationConfiguring
	if err := m.configure(dest, desc, fork); err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindConfigureFailed, err)
	}

	// Publishing, through a gate scoped to the child. Its guard is private so
	// the parent's tree lock is never taken.
	a.step = schemas.ReplicationPublishing
	gate := publish.NewGate(worktree.NewGuard(dest), m.local, publish.Target{Remote: "origin", Branch: m.opts.Branch}, m.log, m.logger)
	rec := gate.Publish(ctx, fmt.Sprintf("replica %s: initial state", a.childID))
	if !rec.Succeeded() {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindInitialPublishFailed, rec.Err())
	}

	// Committed
	a.step = schemas.ReplicationCommitted
	if err := m.store.Record(ctx, desc); err != nil {
		return schemas.ReplicaDescriptor{}, fail(schemas.KindIOError, fmt.Errorf("recording lineage: %w", err))
	}
	return desc, nil
}

func (m *Manager) forkName(childID string) string {
	return m.opts.Source.Name + "-" + childID
}

// configure writes the child's identity. It only touches files under dir.
func (m *Manager) configure(dir string, desc schemas.ReplicaDescriptor, fork vcs.ForkRef) error {
	namespace := desc.ChildID
	if m.opts.NamespacePrefix != "" {
		namespace = m.opts.NamespacePrefix + "-" + desc.ChildID
	}

	env := map[string]string{
		"METOS_REPLICA":               "true",
		"METOS_PARENT_ID":             desc.ParentID,
		"METOS_CHILD_ID":              desc.ChildID,
		"METOS_REPLICATION_NAMESPACE": namespace,
		"METOS_WORKTREE_REMOTE_URL":   fork.CloneURL,
		"METOS_GITHUB_OWNER":          fork.Owner,
		"METOS_GITHUB_REPO":           fork.Name,
	}
	envPath := filepath.Join(dir, m.opts.EnvFile)
	existing, err := os.ReadFile(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", m.opts.EnvFile, err)
	}
	if err := patcher.WriteFileAtomic(envPath, []byte(mergeEnv(string(existing), env)), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", m.opts.EnvFile, err)
	}

	lineage := struct {
		ChildID   string    `yaml:"child_id"`
		ParentID  string    `yaml:"parent_id"`
		ForkURL   string    `yaml:"fork_url"`
		Namespace string    `yaml:"namespace"`
		CreatedAt time.Time `yaml:"created_at"`
		Replica   bool      `yaml:"replica"`
	}{desc.ChildID, desc.ParentID, desc.ForkURL, namespace, desc.CreatedAt, true}
	out, err := yaml.Marshal(&lineage)
	if err != nil {
		return fmt.Errorf("encode lineage: %w", err)
	}
	lineagePath := filepath.Join(dir, config.LineageFile)
	if err := os.MkdirAll(filepath.Dir(lineagePath), 0o755); err != nil {
		return err
	}
	if err := patcher.WriteFileAtomic(lineagePath, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", config.LineageFile, err)
	}
	return nil
}

// mergeEnv overrides keys in an existing KEY=VALUE file and appends the rest
// in sorted order. Comments and unrelated keys are kept.
func mergeEnv(existing string, values map[string]string) string {
	seen := make(map[string]bool, len(values))
	var b strings.Builder
	for _, line := range strings.Split(existing, "\n") {
		if line == "" {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		if v, override := values[key]; ok && override {
			fmt.Fprintf(&b, "%s=%s\n", key, v)
			seen[key] = true
			continue
		}
		b.WriteString(line + "\n")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}
	return b.String()
}

// discard removes everything this attempt created locally and, if
// configured, the fork.
func (m *Manager) discard(a *attempt, logger *zap.Logger) {
	if a.cloneDir != "" {
		if err := os.RemoveAll(a.cloneDir); err != nil {
			logger.Error("Failed to remove replica clone.", zap.String("dir", a.cloneDir), zap.Error(err))
		}
	}
	if a.fork != nil && m.opts.DeleteForkOnFailure {
		// The caller's context may already be done; deletion gets its own budget.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.hosting.DeleteFork(ctx, *a.fork); err != nil {
			logger.Error("Failed to delete fork of failed replica.", zap.String("fork", a.fork.Owner+"/"+a.fork.Name), zap.Error(err))
		}
	}
}

func (m *Manager) append(logger *zap.Logger, msg string) {
	if err := m.log.Append(msg); err != nil {
		logger.Warn("Failed to append log entry.", zap.Error(err))
	}
}
