// SPDX-License-Identifier: AGPL-3.0-only

// Package bridgetest provides an in-process MCP tool provider for tests.
package bridgetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool is a tool served by a Provider.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	// Handler returns the text result. A non-nil error is reported to the
	// caller as a tool error result.
	Handler func(args map[string]interface{}) (string, error)
}

// Provider serves tools over in-memory transports.
type Provider struct {
	server *mcp.Server

	mu       sync.Mutex
	sessions []*mcp.ServerSession
	calls    []string
}

// NewProvider creates a provider serving tools.
func NewProvider(name string, tools ...Tool) *Provider {
	p := &Provider{
		server: mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.0.0"}, nil),
	}
	for _, tl := range tools {
		p.add(tl)
	}
	return p
}

func (p *Provider) add(tl Tool) {
	schema := tl.Schema
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	handler := tl.Handler
	p.server.AddTool(&mcp.Tool{
		Name:        tl.Name,
		Description: tl.Description,
		InputSchema: schema,
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p.mu.Lock()
		p.calls = append(p.calls, tl.Name)
		p.mu.Unlock()

		args := map[string]interface{}{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		out := ""
		var err error
		if handler != nil {
			out, err = handler(args)
		}
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: out}}}, nil
	})
}

// Transport connects a fresh server session and returns the client end.
// It matches the signature bridge.WithTransport expects.
func (p *Provider) Transport() (mcp.Transport, error) {
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := p.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, fmt.Errorf("connect test server: %w", err)
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, ss)
	p.mu.Unlock()
	return clientT, nil
}

// Kill closes every server session, as if the provider process died.
func (p *Provider) Kill() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

// Calls returns the tool names invoked so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Silent returns a transport that accepts writes and never answers, so the
// handshake can only end by timeout.
func Silent() (mcp.Transport, error) {
	return silentTransport{}, nil
}

type silentTransport struct{}

func (silentTransport) Connect(context.Context) (mcp.Connection, error) {
	return &silentConn{closed: make(chan struct{})}, nil
}

type silentConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *silentConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *silentConn) Write(context.Context, jsonrpc.Message) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (c *silentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *silentConn) SessionID() string { return "" }
