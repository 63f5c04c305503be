package types

import "context"

// ToolDefinition describes a tool the LLM backend may invoke while executing
// a work instruction.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the LLM backend.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// LLMResult is the outcome of a single backend execution.
type LLMResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Cost      float64    `json:"cost"`
	Tokens    int        `json:"tokens"`
}

// LLMBackend is the external language-model collaborator. The core treats
// Execute as a long-running call; failures are retryable.
type LLMBackend interface {
	Execute(ctx context.Context, prompt string, tools []ToolDefinition, workingDir string) (*LLMResult, error)
	SupportsCancellation() bool
}

// Document is a unit of content held by a KnowledgeStore.
type Document struct {
	Scope   string `json:"scope"`
	Content string `json:"content"`
}

// KnowledgeStore is the external persistent document collaborator.
type KnowledgeStore interface {
	Get(ctx context.Context, scope, query string) ([]Document, error)
	Put(ctx context.Context, scope, content string) error
}

// EntityGraph is the external entity/relationship collaborator.
type EntityGraph interface {
	Resolve(ctx context.Context, references []string) ([]string, error)
	ContextFor(ctx context.Context, entityIDs []string) (string, error)
}

// SkillRegistry is the external collaborator that supplies agent skills and
// capabilities during hiring.
type SkillRegistry interface {
	SkillsFor(agentID string) []string
	CapabilitiesFor(agentID string) map[string]struct{}
}
