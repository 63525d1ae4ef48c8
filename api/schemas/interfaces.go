package schemas

import (
	"context"
)

// -- Reasoning Service --

// GenerationOptions tunes a single completion. Zero values defer to the
// client's configured defaults.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest is one prompt for the reasoning service.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with the reasoning
// service. It is a text-in, text-out boundary.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}

// -- Lineage --

// LineageStore persists the descriptors of successfully created replicas.
// Only fully committed replications are ever recorded.
type LineageStore interface {
	Record(ctx context.Context, d ReplicaDescriptor) error
	List(ctx context.Context) ([]ReplicaDescriptor, error)
}
