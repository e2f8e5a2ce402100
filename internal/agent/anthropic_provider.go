// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicProvider implements ChatProvider using the Anthropic SDK.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic-backed ChatProvider. An empty
// baseURL keeps the SDK default.
func NewAnthropicProvider(apiKey string, baseURL string, extra ...option.RequestOption) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client}
}

func (p *AnthropicProvider) params(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: anthropicMaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	return params
}

func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req Request) (*Message, error) {
	resp, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, err
	}
	return fromAnthropicMessage(resp), nil
}

func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req Request, onDelta func(string) error) (*Message, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if td, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" && onDelta != nil {
			if err := onDelta(td.Text); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return fromAnthropicMessage(&msg), nil
}

// toAnthropicTools converts provider-agnostic tool definitions to Anthropic SDK
// tool params.
func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		props, _ := t.Parameters["properties"].(map[string]interface{})
		if props == nil {
			props = map[string]interface{}{}
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   requiredFields(t.Parameters["required"]),
				},
			},
		}
	}
	return out
}

// requiredFields accepts both []string (typed code) and []interface{}
// (decoded JSON).
func requiredFields(v interface{}) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []interface{}:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toAnthropicMessages converts provider-agnostic messages to Anthropic SDK
// message params.
//
// Anthropic's API requires:
//   - Only "user" and "assistant" roles (no "tool" role)
//   - Tool results are sent as user messages with ToolResultBlockParam content
//   - Assistant messages with tool calls use ToolUseBlockParam content
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage("{}")
				if tc.Arguments != "" {
					input = json.RawMessage(tc.Arguments)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out
}

// fromAnthropicMessage converts an Anthropic SDK response to the
// provider-agnostic Message type.
func fromAnthropicMessage(resp *anthropic.Message) *Message {
	msg := &Message{Role: "assistant"}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: string(tu.Input),
			})
		}
	}
	return msg
}
