// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Mission() MissionFileConfig
	Agent() AgentConfig
	LogStore() LogStoreConfig
	Scripts() ScriptsConfig
	WorkTree() WorkTreeConfig
	GitHub() GitHubConfig
	Replication() ReplicationConfig
	Lineage() LineageConfig
	Database() DatabaseConfig
	Wallets() WalletsConfig
	Orchestrator() OrchestratorConfig
	API() APIConfig
	Restart() RestartConfig
}

// Config holds the entire application configuration. Consumers should go
// through the Interface getters; the exported fields exist for viper and tests.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	MissionCfg      MissionFileConfig  `mapstructure:"mission" yaml:"mission"`
	AgentCfg        AgentConfig        `mapstructure:"agent" yaml:"agent"`
	LogStoreCfg     LogStoreConfig     `mapstructure:"logstore" yaml:"logstore"`
	ScriptsCfg      ScriptsConfig      `mapstructure:"scripts" yaml:"scripts"`
	WorkTreeCfg     WorkTreeConfig     `mapstructure:"worktree" yaml:"worktree"`
	GitHubCfg       GitHubConfig       `mapstructure:"github" yaml:"github"`
	ReplicationCfg  ReplicationConfig  `mapstructure:"replication" yaml:"replication"`
	LineageCfg      LineageConfig      `mapstructure:"lineage" yaml:"lineage"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	WalletsCfg      WalletsConfig      `mapstructure:"wallets" yaml:"wallets"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	APICfg          APIConfig          `mapstructure:"api" yaml:"api"`
	RestartCfg      RestartConfig      `mapstructure:"restart" yaml:"restart"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Mission() MissionFileConfig       { return c.MissionCfg }
func (c *Config) Agent() AgentConfig               { return c.AgentCfg }
func (c *Config) LogStore() LogStoreConfig         { return c.LogStoreCfg }
func (c *Config) Scripts() ScriptsConfig           { return c.ScriptsCfg }
func (c *Config) WorkTree() WorkTreeConfig         { return c.WorkTreeCfg }
func (c *Config) GitHub() GitHubConfig             { return c.GitHubCfg }
func (c *Config) Replication() ReplicationConfig   { return c.ReplicationCfg }
func (c *Config) Lineage() LineageConfig           { return c.LineageCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Wallets() WalletsConfig           { return c.WalletsCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) API() APIConfig                   { return c.APICfg }
func (c *Config) Restart() RestartConfig           { return c.RestartCfg }

// LoggerConfig holds all the configuration for the process logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// MissionFileConfig points at the mission file. The mission itself is loaded
// separately by LoadMission and never changes after startup.
type MissionFileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AgentConfig holds settings related to the reasoning service.
type AgentConfig struct {
	LLM LLMModelConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMModelConfig defines the configuration for the reasoning model.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LogStoreConfig configures the append-only operational log.
type LogStoreConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	RecentLines int    `mapstructure:"recent_lines" yaml:"recent_lines"`
}

// ScriptsConfig configures the script runner.
type ScriptsConfig struct {
	Extension   string        `mapstructure:"extension" yaml:"extension"`
	Interpreter string        `mapstructure:"interpreter" yaml:"interpreter"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GitConfig defines the committer identity.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// WorkTreeConfig describes the agent's own deployable working tree.
type WorkTreeConfig struct {
	Root   string `mapstructure:"root" yaml:"root"`
	Remote string `mapstructure:"remote" yaml:"remote"`
	// RemoteURL, when set, is written to Remote at startup. Replicas get it
	// pointed at their own fork.
	RemoteURL string    `mapstructure:"remote_url" yaml:"remote_url"`
	Branch    string    `mapstructure:"branch" yaml:"branch"`
	Backend   string    `mapstructure:"backend" yaml:"backend"`
	Git       GitConfig `mapstructure:"git" yaml:"git"`
}

// GitHubConfig defines the hosting API used to fork the repository.
type GitHubConfig struct {
	Token  string `mapstructure:"token" yaml:"-"`
	Owner  string `mapstructure:"owner" yaml:"owner"`
	Repo   string `mapstructure:"repo" yaml:"repo"`
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
}

// ReplicationConfig configures child creation.
type ReplicationConfig struct {
	CloneDir        string `mapstructure:"clone_dir" yaml:"clone_dir"`
	EnvFile         string `mapstructure:"env_file" yaml:"env_file"`
	NamespacePrefix string `mapstructure:"namespace_prefix" yaml:"namespace_prefix"`
	// Namespace is this instance's own namespace, set in a replica's env file.
	// Its children are namespaced under it.
	Namespace           string        `mapstructure:"namespace" yaml:"namespace"`
	ForkReadyTimeout    time.Duration `mapstructure:"fork_ready_timeout" yaml:"fork_ready_timeout"`
	DeleteForkOnFailure bool          `mapstructure:"delete_fork_on_failure" yaml:"delete_fork_on_failure"`
}

// LineageConfig selects where replica descriptors are persisted.
type LineageConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// WalletsConfig configures the wallet provisioner.
type WalletsConfig struct {
	LedgerDir          string   `mapstructure:"ledger_dir" yaml:"ledger_dir"`
	Chains             []string `mapstructure:"chains" yaml:"chains"`
	KeystoreRecipients []string `mapstructure:"keystore_recipients" yaml:"keystore_recipients"`
}

// OrchestratorConfig configures the repeating self-modification cycle.
type OrchestratorConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	CommitMessage  string        `mapstructure:"commit_message" yaml:"commit_message"`
	PublishRetries int           `mapstructure:"publish_retries" yaml:"publish_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// APIConfig configures the request interface.
type APIConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"-"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// RestartConfig configures the optional restart operation.
type RestartConfig struct {
	Command []string      `mapstructure:"command" yaml:"command"`
	Delay   time.Duration `mapstructure:"delay" yaml:"delay"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "metos")
	v.SetDefault("logger.log_file", "logs/metos.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Mission --
	v.SetDefault("mission.path", "config/mission.yaml")

	// -- Agent --
	v.SetDefault("agent.llm.provider", string(ProviderGemini))
	v.SetDefault("agent.llm.model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.api_timeout", "2m")
	v.SetDefault("agent.llm.temperature", 0.2)
	v.SetDefault("agent.llm.max_tokens", 8192)
	v.SetDefault("agent.llm.requests_per_minute", 6.0)

	// -- Log Store --
	v.SetDefault("logstore.path", "logs/self_analysis.log")
	v.SetDefault("logstore.recent_lines", 500)

	// -- Scripts --
	v.SetDefault("scripts.extension", ".py")
	v.SetDefault("scripts.interpreter", "python3")
	v.SetDefault("scripts.timeout", "60s")

	// -- Working Tree --
	v.SetDefault("worktree.root", ".")
	v.SetDefault("worktree.remote", "origin")
	v.SetDefault("worktree.remote_url", "")
	v.SetDefault("worktree.branch", "main")
	v.SetDefault("worktree.backend", "gogit")
	v.SetDefault("worktree.git.author_name", "metos-bot")
	v.SetDefault("worktree.git.author_email", "metos@localhost")

	// -- GitHub --
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.api_url", "")

	// -- Replication --
	v.SetDefault("replication.clone_dir", "~/.metos/replicas")
	v.SetDefault("replication.env_file", ".env")
	v.SetDefault("replication.namespace_prefix", "metos")
	v.SetDefault("replication.namespace", "")
	v.SetDefault("replication.fork_ready_timeout", "2m")
	v.SetDefault("replication.delete_fork_on_failure", false)

	// -- Lineage --
	v.SetDefault("lineage.type", "file")
	v.SetDefault("lineage.path", "logs/lineage.jsonl")

	// -- Wallets --
	v.SetDefault("wallets.ledger_dir", "wallets")
	v.SetDefault("wallets.chains", []string{"ethereum", "bitcoin", "solana"})

	// -- Orchestrator --
	v.SetDefault("orchestrator.enabled", true)
	v.SetDefault("orchestrator.commit_message", "chore(metos): automated self-improvement cycle")
	v.SetDefault("orchestrator.publish_retries", 2)
	v.SetDefault("orchestrator.retry_backoff", "5s")

	// -- API --
	v.SetDefault("api.listen_addr", "0.0.0.0:8000")
	v.SetDefault("api.request_timeout", "5m")

	// -- Restart --
	v.SetDefault("restart.delay", "2s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("agent.llm.api_key", "METOS_AGENT_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("github.token", "METOS_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("database.url", "METOS_DATABASE_URL")
	_ = v.BindEnv("api.jwt_secret", "METOS_API_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every filesystem path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.MissionCfg.Path,
		&c.LogStoreCfg.Path,
		&c.WorkTreeCfg.Root,
		&c.ReplicationCfg.CloneDir,
		&c.LineageCfg.Path,
		&c.WalletsCfg.LedgerDir,
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.WorkTreeCfg.Root == "" {
		return fmt.Errorf("worktree.root is required")
	}
	switch c.WorkTreeCfg.Backend {
	case "gogit", "exec":
	default:
		return fmt.Errorf("worktree.backend must be one of [gogit, exec], got %q", c.WorkTreeCfg.Backend)
	}
	if c.WorkTreeCfg.Remote == "" || c.WorkTreeCfg.Branch == "" {
		return fmt.Errorf("worktree.remote and worktree.branch are required")
	}
	if c.ReplicationCfg.CloneDir == "" {
		return fmt.Errorf("replication.clone_dir is required")
	}
	inside, err := within(c.WorkTreeCfg.Root, c.ReplicationCfg.CloneDir)
	if err != nil {
		return err
	}
	if inside {
		return fmt.Errorf("replication.clone_dir %q must be outside worktree.root %q", c.ReplicationCfg.CloneDir, c.WorkTreeCfg.Root)
	}
	if err := c.ScriptsCfg.Validate(); err != nil {
		return fmt.Errorf("scripts configuration invalid: %w", err)
	}
	if c.LogStoreCfg.Path == "" {
		return fmt.Errorf("logstore.path is required")
	}
	if c.LogStoreCfg.RecentLines <= 0 {
		return fmt.Errorf("logstore.recent_lines must be a positive integer")
	}
	switch c.LineageCfg.Type {
	case "file":
		if c.LineageCfg.Path == "" {
			return fmt.Errorf("lineage.path is required for the file lineage store")
		}
	case "postgres":
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required for the postgres lineage store (hint: METOS_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("lineage.type must be one of [file, postgres], got %q", c.LineageCfg.Type)
	}
	if c.OrchestratorCfg.PublishRetries < 0 {
		return fmt.Errorf("orchestrator.publish_retries must not be negative")
	}
	if strings.TrimSpace(c.OrchestratorCfg.CommitMessage) == "" {
		return fmt.Errorf("orchestrator.commit_message is required")
	}
	if c.AgentCfg.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("agent.llm.requests_per_minute must be positive")
	}
	return nil
}

// within reports whether path is root or lies below it.
func within(root, path string) (bool, error) {
	resolve := func(p string) (string, error) {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return "", fmt.Errorf("failed to expand path %q: %w", p, err)
		}
		return filepath.Abs(expanded)
	}
	absRoot, err := resolve(root)
	if err != nil {
		return false, err
	}
	absPath, err := resolve(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// Validate checks the script runner settings.
func (s *ScriptsConfig) Validate() error {
	if !strings.HasPrefix(s.Extension, ".") {
		return fmt.Errorf("extension must start with a dot, got %q", s.Extension)
	}
	if s.Interpreter == "" {
		return fmt.Errorf("interpreter is required")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// LineageFile is the descriptor written into every replica, relative to its
// root.
const LineageFile = "config/lineage.yaml"

// ReplicaIdentity reports whether this process runs as a replica and, if so,
// its own child ID. METOS_REPLICA and METOS_CHILD_ID decide when set;
// otherwise the lineage file under root does. The lineage root reports
// ("root", false).
func ReplicaIdentity(root string) (id string, isReplica bool) {
	if flag := os.Getenv("METOS_REPLICA"); flag != "" {
		if strings.EqualFold(flag, "true") {
			if childID := os.Getenv("METOS_CHILD_ID"); childID != "" {
				return childID, true
			}
		}
		return "root", false
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(root, LineageFile))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "root", false
	}
	if childID := v.GetString("child_id"); v.GetBool("replica") && childID != "" {
		return childID, true
	}
	return "root", false
}

// LoadEnvFile copies KEY=VALUE pairs from path into the process environment.
// Variables that already hold a non-empty value win. A missing file is not an
// error. It returns the number of variables applied.
func LoadEnvFile(path string) (int, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return 0, fmt.Errorf("failed to expand env file path %q: %w", path, err)
	}
	if _, err := os.Stat(expanded); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	v := viper.New()
	v.SetConfigFile(expanded)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return 0, fmt.Errorf("failed to read env file %s: %w", expanded, err)
	}

	applied := 0
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if os.Getenv(name) != "" {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return applied, fmt.Errorf("failed to set %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}
