// SPDX-License-Identifier: AGPL-3.0-only

// Package session gives every conversation its own agent and records the
// turns it serves.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BiproDe/AKS-AI-Agent/internal/agent"
	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/model"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
	"github.com/BiproDe/AKS-AI-Agent/internal/turn"
)

// Welcome is shown when a chat session starts.
const Welcome = `**AKS AI Agent** - Kubernetes Discovery Assistant

I can help you explore and analyze your AKS cluster! Here's what I can do:

**Cluster Discovery:**
- List namespaces, nodes, pods, services
- Show deployments and workloads
- Analyze resource usage

**Reports & Analysis:**
- Generate cluster summary reports
- Identify potential issues
- Provide optimization recommendations

**Try asking me:**
- "Show me all namespaces in the cluster"
- "List all pods in the kube-system namespace"
- "Generate a cluster summary report"
- "What nodes are running in the cluster?"

How can I help you explore your Kubernetes cluster today?`

// Session origins recorded in the history store.
const (
	OriginChat     = "chat"
	OriginMCP      = "mcp"
	OriginSchedule = "schedule"
)

// Option configures a Manager.
type Option func(*Manager)

// WithStore records sessions and turns in s.
func WithStore(s model.TurnStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithAgentOptions passes options to every agent.Build call.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(m *Manager) { m.agentOpts = append(m.agentOpts, opts...) }
}

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager owns the live sessions.
type Manager struct {
	cfg       *config.Config
	store     model.TurnStore
	executor  *turn.Executor
	agentOpts []agent.Option
	logger    *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager for cfg.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logging.GetDefaultLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.executor = turn.NewExecutor(
		turn.WithUnwrapDepth(cfg.Chat.UnwrapDepth),
		turn.WithLogger(m.logger),
	)
	return m
}

// Start opens a chat session.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	return m.StartFrom(ctx, OriginChat)
}

// StartFrom opens a session and records origin as its source.
func (m *Manager) StartFrom(ctx context.Context, origin string) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.InvalidInput("session manager is shut down")
	}

	id := uuid.NewString()
	logger := m.logger.WithField("session_id", id)
	opts := append([]agent.Option{agent.WithLogger(logger)}, m.agentOpts...)
	a, err := agent.Build(ctx, m.cfg, opts...)
	if err != nil {
		logger.Errorf("Failed to start session: %v", err)
		return nil, err
	}

	s := &Session{
		id:        id,
		origin:    origin,
		startedAt: time.Now(),
		agent:     a,
		manager:   m,
		logger:    logger,
		inflight:  make(map[int]context.CancelFunc),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = a.Close()
		return nil, errors.InvalidInput("session manager is shut down")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSession(s.Record()); err != nil {
			logger.Warnf("Failed to persist session: %v", err)
		}
	}
	logger.Infof("Session started (%s) with agent %s", origin, a.ID())
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].startedAt.Before(list[j].startedAt)
	})
	return list
}

// History returns up to limit recorded turns of a session, most recent first.
func (m *Manager) History(sessionID string, limit int) ([]*model.TurnRecord, error) {
	if m.store == nil {
		return nil, errors.Configuration("no history store configured")
	}
	return m.store.GetTurns(sessionID, limit)
}

// Shutdown ends every live session and refuses new ones.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var first error
	for _, s := range m.List() {
		if err := s.End(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Session is one conversation served by its own agent.
type Session struct {
	id        string
	origin    string
	startedAt time.Time
	agent     *agent.Agent
	manager   *Manager
	logger    *logging.Logger

	mu       sync.Mutex
	ended    bool
	endedAt  time.Time
	turns    int
	nextTurn int
	inflight map[int]context.CancelFunc

	endOnce sync.Once
	endErr  error
}

func (s *Session) ID() string { return s.id }

func (s *Session) Origin() string { return s.origin }

func (s *Session) StartedAt() time.Time { return s.startedAt }

// AgentID returns the id of the agent serving the session.
func (s *Session) AgentID() string { return s.agent.ID() }

// Tools lists the functions the agent may call.
func (s *Session) Tools() []tools.Descriptor {
	return s.agent.Catalog().Definitions()
}

// Turns returns the number of questions asked so far.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Ended reports whether End was called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Record describes the session for the history store.
func (s *Session) Record() *model.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.SessionRecord{
		ID:        s.id,
		AgentID:   s.agent.ID(),
		Origin:    s.origin,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

// Reset clears the conversation history of the session's agent.
func (s *Session) Reset() {
	s.agent.Reset()
}

// Ask runs one turn and returns the response text. The turn is cancelled
// when ctx is done, when the configured turn timeout passes, or when the
// session ends.
func (s *Session) Ask(ctx context.Context, text string) (string, error) {
	if timeout := s.manager.cfg.Chat.TurnTimeout; timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return "", errors.SessionEnded(s.id)
	}
	key := s.nextTurn
	s.nextTurn++
	s.turns++
	s.inflight[key] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	start := time.Now()
	out, err := s.manager.executor.Submit(ctx, s.agent, text)
	end := time.Now()

	rec := &model.TurnRecord{
		SessionID: s.id,
		Prompt:    text,
		Output:    out,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start).String(),
	}
	if err != nil {
		rec.Error = turn.UserMessage(err)
	}
	model.PersistAndLogTurn(s.manager.store, rec, s.logger)
	return out, err
}

// End cancels any running turn and stops the agent. Safe to call more
// than once.
func (s *Session) End() error {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.endedAt = time.Now()
		for _, cancel := range s.inflight {
			cancel()
		}
		endedAt := s.endedAt
		s.mu.Unlock()

		s.endErr = s.agent.Close()
		s.manager.forget(s.id)
		if st := s.manager.store; st != nil {
			if err := st.EndSession(s.id, endedAt); err != nil {
				s.logger.Warnf("Failed to record session end: %v", err)
			}
		}
		s.logger.Infof("Session ended after %d turns", s.Turns())
	})
	return s.endErr
}
