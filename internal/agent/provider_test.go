// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"testing"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

func aiConfig(provider string) config.AIConfig {
	cfg := config.DefaultConfig().AI
	cfg.Provider = provider
	cfg.Endpoint = "https://example.openai.azure.com/"
	cfg.APIKey = "test-key"
	return cfg
}

func TestNewChatProvider_DefaultIsAzure(t *testing.T) {
	provider, err := newChatProvider(aiConfig(""))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	p, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("Expected *OpenAIProvider, got %T", provider)
	}
	if p.service() != "Azure OpenAI" {
		t.Errorf("Expected the default provider to target Azure, got %s", p.service())
	}
}

func TestNewChatProvider_ExplicitOpenAI(t *testing.T) {
	provider, err := newChatProvider(aiConfig("openai"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	p, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("Expected *OpenAIProvider, got %T", provider)
	}
	if p.service() != "OpenAI" {
		t.Errorf("Expected a plain OpenAI-compatible provider, got %s", p.service())
	}
}

func TestNewChatProvider_AnthropicCaseInsensitive(t *testing.T) {
	provider, err := newChatProvider(aiConfig("Anthropic"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := provider.(*AnthropicProvider); !ok {
		t.Errorf("Expected *AnthropicProvider, got %T", provider)
	}
}

func TestNewChatProvider_MissingSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AIConfig)
	}{
		{"endpoint", func(c *config.AIConfig) { c.Endpoint = "" }},
		{"api key", func(c *config.AIConfig) { c.APIKey = "" }},
		{"deployment", func(c *config.AIConfig) { c.Deployment = "" }},
		{"provider", func(c *config.AIConfig) { c.Provider = "bedrock" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := aiConfig("azure")
			tt.mutate(&cfg)
			_, err := newChatProvider(cfg)
			if !errors.Is(err, errors.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestToolDefinitions(t *testing.T) {
	defs := toolDefinitions([]tools.Descriptor{
		{Name: "list_pods", Description: "List pods", Schema: map[string]interface{}{"type": "object"}},
	})
	if len(defs) != 1 {
		t.Fatalf("Expected 1 definition, got %d", len(defs))
	}
	if defs[0].Name != "list_pods" || defs[0].Parameters["type"] != "object" {
		t.Errorf("Unexpected definition %+v", defs[0])
	}
}
