// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements ChatProvider using the OpenAI SDK.
// It supports Azure OpenAI deployments and any OpenAI-compatible endpoint
// (OpenAI, Ollama, vLLM, Groq, etc.).
type OpenAIProvider struct {
	client *openai.Client
	azure  bool
}

// NewOpenAIProvider creates a ChatProvider for an OpenAI-compatible API.
// If baseURL is non-empty it overrides the default API endpoint.
func NewOpenAIProvider(apiKey string, baseURL string, extra ...option.RequestOption) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client}
}

// NewAzureProvider creates a ChatProvider for an Azure OpenAI resource. The
// request model is used as the deployment name.
func NewAzureProvider(endpoint, apiKey, apiVersion string, extra ...option.RequestOption) *OpenAIProvider {
	opts := []option.RequestOption{
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, azure: true}
}

// service names the API in errors.
func (p *OpenAIProvider) service() string {
	if p.azure {
		return "Azure OpenAI"
	}
	return "OpenAI"
}

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	oaiMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		oaiMsgs = append(oaiMsgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		oaiMsgs = append(oaiMsgs, toOpenAIMessage(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: oaiMsgs,
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}
	return params
}

func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req Request) (*Message, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", p.service(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s completion returned no choices", p.service())
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req Request, onDelta func(string) error) (*Message, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			// Azure sends content-filter chunks without choices.
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s completion stream: %w", p.service(), err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("%s completion stream returned no choices", p.service())
	}
	return fromOpenAIMessage(acc.Choices[0].Message), nil
}

// toOpenAITools converts provider-agnostic tool definitions to the OpenAI SDK
// representation.
func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(openAIParameters(t.Parameters)),
			},
		}
	}
	return out
}

// openAIParameters returns params with a placeholder property added when the
// object schema has none. Some OpenAI-compatible servers reject empty
// parameter schemas. params is not modified.
func openAIParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	if params["type"] != "object" {
		return params
	}
	if props, ok := params["properties"].(map[string]interface{}); ok && len(props) > 0 {
		return params
	}
	out := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out["properties"] = map[string]interface{}{
		"random_string": map[string]interface{}{
			"type":        "string",
			"description": "Dummy parameter for no-parameter tools",
		},
	}
	out["required"] = []string{"random_string"}
	return out
}

// toOpenAIMessage converts a provider-agnostic Message to an OpenAI SDK message
// union.
func toOpenAIMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "tool":
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case "user":
		return openai.UserMessage(m.Content)
	default: // "assistant"
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		if len(m.ToolCalls) > 0 {
			asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
}

// fromOpenAIMessage converts an OpenAI SDK response message to the
// provider-agnostic Message type.
func fromOpenAIMessage(m openai.ChatCompletionMessage) *Message {
	msg := &Message{
		Role:    "assistant",
		Content: m.Content,
	}
	if len(m.ToolCalls) > 0 {
		msg.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			msg.ToolCalls[i] = ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
		}
	}
	return msg
}
