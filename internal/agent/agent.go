// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/BiproDe/AKS-AI-Agent/internal/bridge"
	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

const roleAssistant = "assistant"

// Agent answers questions with the completion service and the tool catalog.
// It keeps the conversation history of one session and runs one turn at a
// time.
type Agent struct {
	id           string
	name         string
	description  string
	instructions string
	cfg          config.AIConfig
	provider     ChatProvider
	bridge       *bridge.Bridge
	catalog      *tools.Catalog
	logger       *logging.Logger

	turns chan struct{}

	mu      sync.Mutex
	history []Message

	closeOnce sync.Once
	closeErr  error
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Name() string { return a.name }

func (a *Agent) Description() string { return a.description }

func (a *Agent) Instructions() string { return a.instructions }

// Catalog returns the functions offered to the model.
func (a *Agent) Catalog() *tools.Catalog { return a.catalog }

// History returns a copy of the committed conversation.
func (a *Agent) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.history...)
}

// Reset forgets the conversation.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// Invoke runs one turn for text. Response text arrives as envelope
// fragments in order. The channel is closed when the turn ends; a failed
// turn sends a final fragment with Err set. Cancelling ctx stops the turn.
func (a *Agent) Invoke(ctx context.Context, text string) <-chan Fragment {
	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		send := func(f Fragment) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		select {
		case a.turns <- struct{}{}:
			defer func() { <-a.turns }()
		case <-ctx.Done():
			return
		}

		if err := a.run(ctx, text, send); err != nil {
			send(ErrorFragment(err))
		}
	}()
	return out
}

func (a *Agent) run(ctx context.Context, text string, send func(Fragment) bool) error {
	logger := a.logger
	msgs := append(a.History(), Message{Role: "user", Content: text})
	defs := toolDefinitions(a.catalog.Definitions())

	streamed := false
	emit := func(delta string) error {
		streamed = true
		if !send(Envelope(roleAssistant, TextFragment(delta))) {
			return ctx.Err()
		}
		return nil
	}

	maxIterations := a.cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}
	for i := 0; i < maxIterations; i++ {
		logger.Debugf("Turn iteration %d with %d messages", i+1, len(msgs))
		req := Request{
			Model:    a.cfg.ModelName(),
			System:   a.instructions,
			Messages: msgs,
			Tools:    defs,
		}

		var (
			resp *Message
			err  error
		)
		if a.cfg.Stream {
			streamed = false
			resp, err = a.provider.StreamCompletion(ctx, req, emit)
			// Providers may return the text only in the final message.
			if err == nil && !streamed && resp.Content != "" {
				err = emit(resp.Content)
			}
		} else {
			resp, err = a.provider.CreateCompletion(ctx, req)
			if err == nil && resp.Content != "" {
				err = emit(resp.Content)
			}
		}
		if err != nil {
			logger.Errorf("Chat completion failed on iteration %d: %v", i+1, err)
			return err
		}

		msgs = append(msgs, *resp)
		if len(resp.ToolCalls) == 0 {
			a.commit(msgs)
			logger.Infof("Turn completed after %d iterations", i+1)
			return nil
		}

		logger.Debugf("Processing %d tool calls in iteration %d", len(resp.ToolCalls), i+1)
		for _, call := range resp.ToolCalls {
			result, err := a.dispatch(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if a.cfg.ToolErrors != config.ToolErrorsReport {
					logger.Warnf("Tool %s failed, aborting turn: %v", call.Name, err)
					return err
				}
				logger.Warnf("Tool call error: %v", err)
				result = "ERROR: " + err.Error()
			}
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	logger.Errorf("Turn exceeded maximum tool iterations (%d)", maxIterations)
	return fmt.Errorf("tool loop exceeded maximum iterations (%d)", maxIterations)
}

func (a *Agent) dispatch(ctx context.Context, call ToolCall) (string, error) {
	fn, ok := a.catalog.Lookup(call.Name)
	if !ok {
		return "", errors.ToolNotFound(call.Name)
	}
	a.logger.Debugf("Calling %s tool %s", fn.Kind, call.Name)
	return a.catalog.Call(ctx, call.Name, dropPlaceholder(call.Arguments, fn.Schema))
}

// dropPlaceholder removes the placeholder argument added for tools without
// parameters, unless the tool really declares it.
func dropPlaceholder(arguments string, schema map[string]interface{}) string {
	if !strings.Contains(arguments, "random_string") {
		return arguments
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		if _, declared := props["random_string"]; declared {
			return arguments
		}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return arguments
	}
	delete(args, "random_string")
	raw, err := json.Marshal(args)
	if err != nil {
		return arguments
	}
	return string(raw)
}

// commit stores the finished turn, keeping at most HistoryWindow messages
// and never starting the window in the middle of a tool exchange.
func (a *Agent) commit(msgs []Message) {
	window := a.cfg.HistoryWindow
	if window > 0 && len(msgs) > window {
		start := len(msgs) - window
		for start < len(msgs) && msgs[start].Role != "user" {
			start++
		}
		msgs = msgs[start:]
	}
	a.mu.Lock()
	a.history = append([]Message(nil), msgs...)
	a.mu.Unlock()
}

// Close stops the tool bridge. Safe to call more than once.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		if a.bridge != nil {
			a.closeErr = a.bridge.Stop()
		}
	})
	return a.closeErr
}
