// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"strings"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

// ToolDefinition is a provider-agnostic representation of a tool that can be
// offered to an LLM during a chat completion.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is a provider-agnostic chat message.
type Message struct {
	Role       string     // "user", "assistant", "tool"
	Content    string     // text content
	ToolCalls  []ToolCall // tool calls requested by the assistant
	ToolCallID string     // set when Role == "tool" to correlate with a ToolCall
}

// Request is one chat completion request.
type Request struct {
	Model string
	// System is prepended as a system-level instruction when non-empty.
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// ChatProvider abstracts a chat-completion backend so the agent loop can work
// with any LLM provider.
type ChatProvider interface {
	// CreateCompletion sends a chat completion request and returns the
	// assistant's response message.
	CreateCompletion(ctx context.Context, req Request) (*Message, error)

	// StreamCompletion is CreateCompletion with incremental text. onDelta is
	// called for every text chunk in order; a non-nil return aborts the
	// stream. The returned message holds the full accumulated response.
	StreamCompletion(ctx context.Context, req Request, onDelta func(string) error) (*Message, error)
}

// newChatProvider builds the ChatProvider selected by cfg.AI.Provider.
func newChatProvider(cfg config.AIConfig) (ChatProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Configuration("completion service endpoint is not set (AZURE_OPENAI_ENDPOINT)")
	}
	if cfg.APIKey == "" {
		return nil, errors.Configuration("completion service API key is not set (AZURE_OPENAI_API_KEY)")
	}
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.Endpoint), nil
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Endpoint), nil
	case config.ProviderAzure, "":
		if cfg.Deployment == "" {
			return nil, errors.Configuration("deployment name is not set (AZURE_OPENAI_DEPLOYMENT_NAME)")
		}
		return NewAzureProvider(cfg.Endpoint, cfg.APIKey, cfg.APIVersion), nil
	default:
		return nil, errors.Configuration("unsupported AI provider: " + cfg.Provider)
	}
}

// toolDefinitions converts catalog descriptors to provider tool definitions.
func toolDefinitions(descs []tools.Descriptor) []ToolDefinition {
	out := make([]ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return out
}
