// SPDX-License-Identifier: AGPL-3.0-only

// Package server exposes the assistant over MCP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/model"
	"github.com/BiproDe/AKS-AI-Agent/internal/scheduler"
	"github.com/BiproDe/AKS-AI-Agent/internal/session"
	"github.com/BiproDe/AKS-AI-Agent/internal/turn"
)

// Make os.OpenFile mockable for testing
var osOpenFile = os.OpenFile

// SessionIDParams identifies a session.
type SessionIDParams struct {
	SessionID string `json:"session_id" description:"the ID returned by start_session"`
}

// AskParams holds the parameters of the ask tool.
type AskParams struct {
	SessionID string `json:"session_id" description:"the ID returned by start_session"`
	Message   string `json:"message" description:"the question about the Kubernetes cluster"`
}

// HistoryParams holds the parameters of the get_session_history tool.
type HistoryParams struct {
	SessionID string `json:"session_id" description:"the session to read"`
	Limit     int    `json:"limit,omitempty" description:"number of recent turns to return (default 10, max 100)"`
}

// JobNameParams identifies a report job.
type JobNameParams struct {
	Name string `json:"name" description:"the report job name"`
}

// SessionInfo describes a started session.
type SessionInfo struct {
	SessionID string   `json:"sessionId"`
	AgentID   string   `json:"agentId"`
	Welcome   string   `json:"welcome"`
	Tools     []string `json:"tools"`
}

// MCPServer serves chat sessions and report jobs over MCP.
type MCPServer struct {
	sessions       *session.Manager
	scheduler      *scheduler.Scheduler
	server         *mcp.Server
	httpServer     *http.Server
	cancel         context.CancelFunc
	address        string
	port           int
	stopCh         chan struct{}
	wg             sync.WaitGroup
	config         *config.Config
	logger         *logging.Logger
	shutdownMutex  sync.Mutex
	isShuttingDown bool
}

// NewLogger builds the process logger. In stdio mode nothing may be written
// to stdout, so records go to a file next to the executable unless a log
// file is configured.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)

	if cfg.Logging.FilePath != "" {
		logger, err := logging.FileLogger(cfg.Logging.FilePath, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		return logger, nil
	}

	if cfg.Server.TransportMode != "stdio" {
		return logging.New(logging.Options{Level: level}), nil
	}

	execPath, err := os.Executable()
	if err != nil {
		execPath = cfg.Server.Name
	}
	logPath := filepath.Join(filepath.Dir(execPath), fmt.Sprintf("%s.log", cfg.Server.Name))

	logFile, err := osOpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fall back to stderr to avoid corrupting stdout
		log.SetOutput(os.Stderr)
		return logging.New(logging.Options{Output: os.Stderr, Level: level}), nil
	}
	log.SetOutput(logFile)
	return logging.New(logging.Options{Output: logFile, Level: level, NoColor: true}), nil
}

// NewMCPServer creates the MCP front. sched may be nil when this process
// is not the primary instance.
func NewMCPServer(cfg *config.Config, sessions *session.Manager, sched *scheduler.Scheduler, logger *logging.Logger) (*MCPServer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if sessions == nil {
		return nil, errors.InvalidInput("session manager is required")
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	switch cfg.Server.TransportMode {
	case "stdio":
		logger.Infof("Using stdio transport")
	case "sse":
		logger.Infof("Using SSE transport on %s:%d", cfg.Server.Address, cfg.Server.Port)
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported transport mode: %s", cfg.Server.TransportMode))
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	s := &MCPServer{
		sessions:  sessions,
		scheduler: sched,
		server:    mcpSrv,
		address:   cfg.Server.Address,
		port:      cfg.Server.Port,
		stopCh:    make(chan struct{}),
		config:    cfg,
		logger:    logger,
	}
	s.registerToolsDeclarative()
	return s, nil
}

// Start starts serving on the configured transport.
func (s *MCPServer) Start(ctx context.Context) error {
	switch s.config.Server.TransportMode {
	case "stdio":
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.server.Run(runCtx, &mcp.StdioTransport{}); err != nil {
				s.logger.Errorf("Error running MCP server: %v", err)
			}
			// The client closed stdin; nothing left to serve.
			s.signalDone()
		}()
	case "sse":
		addr := fmt.Sprintf("%s:%d", s.address, s.port)
		handler := mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
			return s.server
		}, nil)
		s.httpServer = &http.Server{Addr: addr, Handler: handler}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Errorf("Error running MCP server: %v", err)
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
			return
		}
		if err := s.Stop(); err != nil {
			s.logger.Errorf("Error stopping MCP server: %v", err)
		}
	}()

	return nil
}

// Done is closed when the server stops serving.
func (s *MCPServer) Done() <-chan struct{} {
	return s.stopCh
}

func (s *MCPServer) signalDone() {
	s.shutdownMutex.Lock()
	defer s.shutdownMutex.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Stop stops serving and ends every open session.
func (s *MCPServer) Stop() error {
	s.shutdownMutex.Lock()
	if s.isShuttingDown {
		s.shutdownMutex.Unlock()
		s.logger.Debugf("Stop called but server is already shutting down, ignoring")
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMutex.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	var stopErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			stopErr = errors.Internal(fmt.Errorf("error shutting down MCP server: %w", err))
		}
	}

	if err := s.sessions.Shutdown(); err != nil {
		s.logger.Warnf("Error ending sessions: %v", err)
	}

	s.signalDone()
	s.wg.Wait()
	return stopErr
}

// handleStartSession opens a session with its own agent.
func (s *MCPServer) handleStartSession(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Debugf("Handling start_session request")

	sess, err := s.sessions.StartFrom(ctx, session.OriginMCP)
	if err != nil {
		return createErrorResponse(err)
	}

	info := SessionInfo{
		SessionID: sess.ID(),
		AgentID:   sess.AgentID(),
		Welcome:   session.Welcome,
	}
	for _, d := range sess.Tools() {
		info.Tools = append(info.Tools, d.Name)
	}
	return createJSONResponse(info)
}

// handleAsk runs one turn. Turn failures are reported as tool errors with
// the text a chat user would see.
func (s *MCPServer) handleAsk(ctx context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params AskParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}
	if params.SessionID == "" {
		return createErrorResponse(errors.InvalidInput("session_id is required"))
	}
	if params.Message == "" {
		return createErrorResponse(errors.InvalidInput("message is required"))
	}

	s.logger.Debugf("Handling ask request for session %s", params.SessionID)

	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return createErrorResponse(err)
	}

	out, err := sess.Ask(ctx, params.Message)
	if err != nil {
		return createTextResponse(turn.UserMessage(err), true), nil
	}
	return createTextResponse(out, false), nil
}

// handleEndSession ends a session.
func (s *MCPServer) handleEndSession(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := extractSessionIDParam(request)
	if err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling end_session request for session %s", id)

	sess, err := s.sessions.Get(id)
	if err != nil {
		return createErrorResponse(err)
	}
	if err := sess.End(); err != nil {
		s.logger.Warnf("Session %s ended with error: %v", id, err)
	}
	return createSuccessResponse(fmt.Sprintf("Session %s ended", id))
}

// handleListSessions lists the open sessions.
func (s *MCPServer) handleListSessions(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Debugf("Handling list_sessions request")

	records := make([]*model.SessionRecord, 0)
	for _, sess := range s.sessions.List() {
		records = append(records, sess.Record())
	}
	return createJSONResponse(records)
}

// handleGetSessionHistory returns recorded turns, most recent first.
func (s *MCPServer) handleGetSessionHistory(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params HistoryParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}
	if params.SessionID == "" {
		return createErrorResponse(errors.InvalidInput("session_id is required"))
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	s.logger.Debugf("Handling get_session_history request for session %s (limit=%d)", params.SessionID, limit)

	turns, err := s.sessions.History(params.SessionID, limit)
	if err != nil {
		return createErrorResponse(err)
	}
	if len(turns) == 0 {
		return createErrorResponse(errors.NotFound("session history", params.SessionID))
	}
	return createJSONResponse(turns)
}

// handleListReportJobs lists the scheduled report jobs.
func (s *MCPServer) handleListReportJobs(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Debugf("Handling list_report_jobs request")

	if s.scheduler == nil {
		return createJSONResponse([]*model.ReportJob{})
	}
	return createJSONResponse(s.scheduler.ListJobs())
}

// handleRunReportJob runs a report job now and waits for it.
func (s *MCPServer) handleRunReportJob(ctx context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := s.extractJobName(request)
	if err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling run_report_job request for job %s", name)

	sessionID, runErr := s.scheduler.RunNow(ctx, name)
	job, err := s.scheduler.GetJob(name)
	if err != nil {
		return createErrorResponse(err)
	}
	if runErr != nil && sessionID == "" {
		return createErrorResponse(runErr)
	}
	res, err := createJSONResponse(job)
	if err != nil {
		return nil, err
	}
	res.IsError = runErr != nil
	return res, nil
}

// handleEnableReportJob puts a job back on its schedule.
func (s *MCPServer) handleEnableReportJob(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := s.extractJobName(request)
	if err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling enable_report_job request for job %s", name)

	if err := s.scheduler.EnableJob(name); err != nil {
		return createErrorResponse(err)
	}
	job, err := s.scheduler.GetJob(name)
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(job)
}

// handleDisableReportJob takes a job off its schedule without removing it.
func (s *MCPServer) handleDisableReportJob(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := s.extractJobName(request)
	if err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling disable_report_job request for job %s", name)

	if err := s.scheduler.DisableJob(name); err != nil {
		return createErrorResponse(err)
	}
	job, err := s.scheduler.GetJob(name)
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(job)
}

func (s *MCPServer) extractJobName(request *mcp.CallToolRequest) (string, error) {
	if s.scheduler == nil {
		return "", errors.InvalidInput("report jobs run on the primary instance only")
	}
	var params JobNameParams
	if err := extractParams(request, &params); err != nil {
		return "", err
	}
	if params.Name == "" {
		return "", errors.InvalidInput("report job name is required")
	}
	return params.Name, nil
}
