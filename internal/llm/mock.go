package llm

import (
	"context"
	"strings"
	"sync"

	"agentcorp/internal/types"
)

// MockResponse is one scripted answer keyed by a prompt substring.
type MockResponse struct {
	Match   string
	Content string
	Cost    float64
	Err     error
}

// MockBackend is a deterministic LLMBackend for tests and dry runs. Scripted
// responses match by prompt substring in registration order; unmatched
// prompts get the default response.
type MockBackend struct {
	mu        sync.Mutex
	responses []MockResponse
	Default   types.LLMResult
	calls     []string
}

// NewMockBackend creates a mock with a benign default response.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		Default: types.LLMResult{Content: "done", Cost: 0.01, Tokens: 10},
	}
}

// Script registers a response for prompts containing match.
func (b *MockBackend) Script(match, content string, cost float64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, MockResponse{Match: match, Content: content, Cost: cost, Err: err})
}

// Execute returns the first scripted response whose match is a substring of
// the prompt.
func (b *MockBackend) Execute(ctx context.Context, prompt string, tools []types.ToolDefinition, workingDir string) (*types.LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, prompt)
	for _, r := range b.responses {
		if strings.Contains(prompt, r.Match) {
			if r.Err != nil {
				return nil, r.Err
			}
			return &types.LLMResult{Content: r.Content, Cost: r.Cost, Tokens: len(r.Content)}, nil
		}
	}
	res := b.Default
	return &res, nil
}

// SupportsCancellation reports true; Execute checks its context.
func (b *MockBackend) SupportsCancellation() bool { return true }

// Calls returns the prompts seen so far.
func (b *MockBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}
