package schemas

import (
	"time"
)

// -- Mission --

// MissionConfig is the process-wide mission, loaded once at startup and passed
// by value to the components that need it.
type MissionConfig struct {
	Objective                  string `json:"objective" yaml:"objective"`
	ReplicationIntervalSeconds int    `json:"replication_interval_seconds" yaml:"replication_interval_seconds"`
}

// ReplicationInterval returns the orchestrator cadence as a duration.
func (m MissionConfig) ReplicationInterval() time.Duration {
	return time.Duration(m.ReplicationIntervalSeconds) * time.Second
}

// -- Log Store --

// LogEntry is a single operational event. Entries are appended and never edited.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// -- Publishing --

// PublishResult is the outcome of a publish attempt.
type PublishResult string

const (
	PublishSuccess     PublishResult = "success"
	PublishNoOpSuccess PublishResult = "noop"
	PublishFailure     PublishResult = "failure"
)

// PublishStep names the individually failable steps of a publish.
type PublishStep string

const (
	StepStage  PublishStep = "stage"
	StepCommit PublishStep = "commit"
	StepPush   PublishStep = "push"
)

// PublishRecord describes one run of the publish gate. A failure record always
// names the step that failed.
type PublishRecord struct {
	ID            string        `json:"id"`
	CommitMessage string        `json:"commit_message"`
	Timestamp     time.Time     `json:"timestamp"`
	Result        PublishResult `json:"result"`
	Step          PublishStep   `json:"step,omitempty"`
	CommitHash    string        `json:"commit_hash,omitempty"`
	Staged        int           `json:"staged"`
	Error         string        `json:"error,omitempty"`

	// Cause holds the typed error for in-process callers.
	Cause error `json:"-"`
}

// Succeeded reports whether the record is a success or a no-op success.
func (r PublishRecord) Succeeded() bool {
	return r.Result == PublishSuccess || r.Result == PublishNoOpSuccess
}

// Err returns the typed error behind a failed record, or nil.
func (r PublishRecord) Err() error {
	if r.Result != PublishFailure {
		return nil
	}
	if r.Cause != nil {
		return r.Cause
	}
	return &Error{Kind: publishStepKind(r.Step), Op: "publish", Step: string(r.Step), Err: errString(r.Error)}
}

func publishStepKind(step PublishStep) ErrorKind {
	switch step {
	case StepStage:
		return KindStageFailed
	case StepCommit:
		return KindCommitFailed
	default:
		return KindPushFailed
	}
}

// -- Replication --

// ReplicationStep names the states of a replication attempt.
type ReplicationStep string

const (
	ReplicationForking     ReplicationStep = "forking"
	ReplicationCloning     ReplicationStep = "cloning"
	ReplicationConfiguring ReplicationStep = "configuring"
	ReplicationPublishing  ReplicationStep = "publishing"
	ReplicationCommitted   ReplicationStep = "committed"
)

// ReplicaDescriptor identifies a child instance created by a replication.
type ReplicaDescriptor struct {
	ChildID       string    `json:"child_id" yaml:"child_id"`
	ForkURL       string    `json:"fork_url" yaml:"fork_url"`
	CloneLocation string    `json:"clone_location" yaml:"clone_location"`
	ParentID      string    `json:"parent_id" yaml:"parent_id"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// -- Wallets --

// Chain identifies a supported blockchain.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBitcoin  Chain = "bitcoin"
	ChainSolana   Chain = "solana"
)

// SupportedChains lists every chain with a registered generator, in ledger order.
var SupportedChains = []Chain{ChainEthereum, ChainBitcoin, ChainSolana}

// WalletRecord is one line of a per-chain ledger.
type WalletRecord struct {
	Chain   Chain  `json:"chain"`
	Address string `json:"address"`
}
