// Package llm provides LLMBackend implementations: the Gemini-backed
// production backend and a scriptable mock for tests and dry runs.
package llm

import (
	"context"
	"fmt"

	"agentcorp/internal/logging"
	"agentcorp/internal/types"

	"google.golang.org/genai"
)

// costPerThousandTokens is a coarse accounting rate used when the API does
// not return billing data. Good enough for cost-cap enforcement.
const costPerThousandTokens = 0.005

// GeminiBackend executes work instructions against the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

// NewGeminiBackend creates a backend for the given model.
func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiBackend{client: client, model: model}, nil
}

// Execute runs one prompt. Tool definitions are forwarded as function
// declarations; the working directory rides along as context in the system
// instruction.
func (b *GeminiBackend) Execute(ctx context.Context, prompt string, tools []types.ToolDefinition, workingDir string) (*types.LLMResult, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	cfg := &genai.GenerateContentConfig{}
	if workingDir != "" {
		cfg.SystemInstruction = genai.NewContentFromText(
			fmt.Sprintf("Working directory: %s", workingDir), genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	result := &types.LLMResult{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		result.Tokens = int(resp.UsageMetadata.TotalTokenCount)
		result.Cost = float64(result.Tokens) / 1000 * costPerThousandTokens
	}
	for _, fc := range resp.FunctionCalls() {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:    fc.ID,
			Name:  fc.Name,
			Input: fc.Args,
		})
	}
	logging.LLMDebug("generate: %d tokens, %d tool calls", result.Tokens, len(result.ToolCalls))
	return result, nil
}

// SupportsCancellation reports that in-flight calls honor context
// cancellation.
func (b *GeminiBackend) SupportsCancellation() bool { return true }
