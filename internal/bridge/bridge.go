// SPDX-License-Identifier: AGPL-3.0-only

// Package bridge runs the external MCP tool provider and exposes its tools
// as callable functions.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

const (
	clientName    = "aks-agent"
	clientVersion = "0.1.0"

	defaultHandshakeTimeout = 30 * time.Second
	defaultCloseGrace       = 3 * time.Second
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateExited
	stateStopped
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithTransport replaces the subprocess launcher.
func WithTransport(fn func() (mcp.Transport, error)) Option {
	return func(b *Bridge) { b.newTransport = fn }
}

// WithLogger sets the bridge logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge owns one tool-provider session.
type Bridge struct {
	cfg          config.BridgeConfig
	newTransport func() (mcp.Transport, error)
	logger       *logging.Logger

	mu         sync.Mutex
	state      state
	session    *mcp.ClientSession
	serverName string
	tools      []tools.Descriptor
	known      map[string]struct{}
	exited     chan struct{}
	link       *connGuard

	// closeGrace bounds a graceful close before the provider is terminated.
	closeGrace time.Duration

	// callMu serializes requests over the single session.
	callMu sync.Mutex
}

// New creates a bridge. Nothing is started until Start.
func New(cfg config.BridgeConfig, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		logger:     logging.GetDefaultLogger(),
		known:      map[string]struct{}{},
		closeGrace: defaultCloseGrace,
	}
	b.newTransport = b.commandTransport
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) commandTransport() (mcp.Transport, error) {
	if b.cfg.Command == "" {
		return nil, errors.Configuration("bridge command is empty")
	}
	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	if len(b.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range b.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stderr = &stderrLog{logger: b.logger, name: b.displayName()}
	cmd.WaitDelay = b.closeGrace
	return &mcp.CommandTransport{Command: cmd}, nil
}

func (b *Bridge) displayName() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return b.cfg.Command
}

// Start launches the provider, performs the handshake and discovers its
// tools. If that does not finish within the handshake timeout the provider
// is terminated and Start returns a BridgeUnavailable error.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		return fmt.Errorf("bridge %s already started", b.displayName())
	case stateStopped, stateExited:
		return errors.BridgeUnavailable("bridge "+b.displayName()+" was stopped", nil)
	}

	filter, err := newNameFilter(b.cfg.AllowTools, b.cfg.DenyTools)
	if err != nil {
		return err
	}

	timeout := b.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	tp, err := b.newTransport()
	if err != nil {
		return errors.BridgeUnavailable("create transport", err)
	}
	link := &connGuard{Transport: tp}
	if ct, ok := tp.(*mcp.CommandTransport); ok {
		link.cmd = ct.Command
	}

	done := make(chan handshake, 1)
	go func() { done <- b.handshake(hctx, link, filter) }()

	var hs handshake
	select {
	case hs = <-done:
	case <-hctx.Done():
		link.forceClose()
		go func() {
			if late := <-done; late.session != nil {
				_ = late.session.Close()
			}
		}()
		hs.err = errors.BridgeUnavailable(
			fmt.Sprintf("handshake with %s did not complete within %s", b.displayName(), timeout), hctx.Err())
	}
	if hs.err != nil {
		return hs.err
	}

	session := hs.session
	if res := session.InitializeResult(); res != nil && res.ServerInfo != nil {
		b.serverName = res.ServerInfo.Name
	}
	b.session = session
	b.link = link
	b.tools = hs.tools
	for _, d := range hs.tools {
		b.known[d.Name] = struct{}{}
	}
	b.exited = make(chan struct{})
	b.state = stateRunning

	go b.watch(session, b.exited)

	b.logger.Infof("Tool bridge %s ready with %d tools (%s)", b.displayName(), len(hs.tools), logging.Since(start))
	return nil
}

type handshake struct {
	session *mcp.ClientSession
	tools   []tools.Descriptor
	err     error
}

func (b *Bridge) handshake(ctx context.Context, link *connGuard, keep func(string) bool) handshake {
	cli := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := cli.Connect(ctx, link, nil)
	if err != nil {
		// Connect does not close the connection on every failure.
		link.forceClose()
		return handshake{err: errors.BridgeUnavailable("connect to "+b.displayName(), err)}
	}
	descriptors, err := listTools(ctx, session, keep)
	if err != nil {
		link.forceClose()
		_ = session.Close()
		return handshake{err: errors.BridgeUnavailable("list tools of "+b.displayName(), err)}
	}
	return handshake{session: session, tools: descriptors}
}

// watch marks the bridge unavailable once the session ends.
func (b *Bridge) watch(session *mcp.ClientSession, exited chan struct{}) {
	err := session.Wait()
	b.mu.Lock()
	if b.state == stateRunning {
		b.state = stateExited
		b.logger.Warnf("Tool bridge %s exited: %v", b.displayName(), err)
	}
	b.mu.Unlock()
	close(exited)
}

func listTools(ctx context.Context, session *mcp.ClientSession, keep func(string) bool) ([]tools.Descriptor, error) {
	var out []tools.Descriptor
	params := &mcp.ListToolsParams{}
	for {
		resp, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, tl := range resp.Tools {
			if !keep(tl.Name) {
				continue
			}
			schema, err := schemaMap(tl.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("input schema of %s: %w", tl.Name, err)
			}
			out = append(out, tools.Descriptor{
				Name:        tl.Name,
				Description: tl.Description,
				Schema:      schema,
			})
		}
		if resp.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: resp.NextCursor}
	}
}

// schemaMap round-trips the advertised schema through JSON into a map.
func schemaMap(in interface{}) (map[string]interface{}, error) {
	if in == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	return params, nil
}

// Tools returns the discovered tool descriptors in the order the provider
// listed them.
func (b *Bridge) Tools() []tools.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tools.Descriptor(nil), b.tools...)
}

// ServerName is the name the provider reported in the handshake.
func (b *Bridge) ServerName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serverName
}

// Collection wraps every discovered tool as a bridged function.
func (b *Bridge) Collection() *tools.Collection {
	descs := b.Tools()
	fns := make([]tools.Function, 0, len(descs))
	for _, d := range descs {
		name := d.Name
		fns = append(fns, tools.NewFunction(d, tools.Bridged, func(ctx context.Context, args map[string]interface{}) (string, error) {
			return b.Invoke(ctx, name, args)
		}))
	}
	col := b.displayName()
	if col == "" {
		col = b.ServerName()
	}
	return tools.NewCollection(col, fns...)
}

// Invoke calls a discovered tool and returns its flattened text result.
func (b *Bridge) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	b.mu.Lock()
	_, known := b.known[name]
	st, session, exited := b.state, b.session, b.exited
	b.mu.Unlock()

	if !known {
		return "", errors.ToolNotFound(name)
	}
	if st != stateRunning {
		return "", errors.BridgeUnavailable(fmt.Sprintf("cannot call %s", name), nil)
	}

	b.callMu.Lock()
	defer b.callMu.Unlock()

	if args == nil {
		args = map[string]interface{}{}
	}
	start := time.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		select {
		case <-exited:
			return "", errors.BridgeUnavailable(fmt.Sprintf("provider exited during %s", name), err)
		default:
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("call %s: %w", name, ctxErr)
		}
		return "", errors.ToolExecution(name, err.Error())
	}

	out := flatten(res.Content)
	if res.IsError {
		return "", errors.ToolExecution(name, out)
	}
	b.logger.Debugf("Tool %s returned %d bytes in %s", name, len(out), logging.Since(start))
	return out, nil
}

// flatten joins text contents and JSON-encodes everything else.
func flatten(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%v", c))
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n")
}

// Stop closes the session and terminates the provider. A provider that
// does not close within the grace period, for example because a cancelled
// call was never answered, is killed. Safe to call more than once.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.state == stateStopped {
		b.mu.Unlock()
		return nil
	}
	prev := b.state
	b.state = stateStopped
	session, exited, link := b.session, b.exited, b.link
	b.mu.Unlock()

	if session == nil {
		return nil
	}

	var err error
	if prev == stateRunning {
		err = b.closeSession(session, link)
	}
	select {
	case <-exited:
	case <-time.After(b.closeGrace):
		link.forceClose()
		<-exited
	}
	b.logger.Infof("Tool bridge %s stopped", b.displayName())
	return err
}

func (b *Bridge) closeSession(session *mcp.ClientSession, link *connGuard) error {
	closed := make(chan error, 1)
	go func() { closed <- session.Close() }()

	select {
	case err := <-closed:
		return err
	case <-time.After(b.closeGrace):
	}

	b.logger.Warnf("Tool bridge %s did not close within %s, terminating it", b.displayName(), b.closeGrace)
	link.forceClose()
	if err := <-closed; err != nil {
		b.logger.Debugf("Tool bridge %s closed after termination: %v", b.displayName(), err)
	}
	return nil
}

// Done is closed when the provider session ends.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited == nil {
		ch := make(chan struct{})
		if b.state != stateIdle {
			close(ch)
		}
		return ch
	}
	return b.exited
}

// connGuard records the connection its transport opens so that a session
// blocked on unanswered requests can be torn down. Closing the connection
// ends the session's reader, which fails every pending call.
type connGuard struct {
	mcp.Transport
	cmd *exec.Cmd

	mu     sync.Mutex
	conn   mcp.Connection
	forced bool
}

func (g *connGuard) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := g.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.conn = conn
	forced := g.forced
	g.mu.Unlock()
	if forced {
		g.terminate(conn)
	}
	return conn, nil
}

// forceClose kills the provider process, if any, and closes the connection.
func (g *connGuard) forceClose() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.forced = true
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		g.terminate(conn)
	}
}

func (g *connGuard) terminate(conn mcp.Connection) {
	if g.cmd != nil && g.cmd.Process != nil {
		_ = g.cmd.Process.Kill()
	}
	go func() { _ = conn.Close() }()
}

func newNameFilter(allow, deny []string) (func(string) bool, error) {
	compile := func(patterns []string) ([]glob.Glob, error) {
		out := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, errors.Configuration(fmt.Sprintf("tool pattern %q: %v", p, err))
			}
			out = append(out, g)
		}
		return out, nil
	}
	allowed, err := compile(allow)
	if err != nil {
		return nil, err
	}
	denied, err := compile(deny)
	if err != nil {
		return nil, err
	}
	return func(name string) bool {
		for _, g := range denied {
			if g.Match(name) {
				return false
			}
		}
		if len(allowed) == 0 {
			return true
		}
		for _, g := range allowed {
			if g.Match(name) {
				return true
			}
		}
		return false
	}, nil
}

// stderrLog forwards provider stderr lines to the debug log.
type stderrLog struct {
	logger *logging.Logger
	name   string
	buf    bytes.Buffer
	mu     sync.Mutex
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debugf("[%s] %s", w.name, line)
		}
	}
	return len(p), nil
}
