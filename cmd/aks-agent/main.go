// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/scheduler"
	"github.com/BiproDe/AKS-AI-Agent/internal/server"
	"github.com/BiproDe/AKS-AI-Agent/internal/session"
	"github.com/BiproDe/AKS-AI-Agent/internal/singleton"
	"github.com/BiproDe/AKS-AI-Agent/internal/store"
	"github.com/BiproDe/AKS-AI-Agent/internal/turn"
)

const (
	modeChat  = "chat"
	modeAsk   = "ask"
	modeServe = "serve"
)

var (
	configPath      = flag.String("config", "", "Path to a YAML configuration file")
	envFile         = flag.String("env-file", ".env", "Path to a .env file with Azure OpenAI settings")
	address         = flag.String("address", "", "The address to bind the server to")
	port            = flag.Int("port", 0, "The port to bind the server to")
	transport       = flag.String("transport", "", "Transport mode for serve: sse or stdio")
	logLevel        = flag.String("log-level", "", "Logging level: debug, info, warn, error, fatal")
	logFile         = flag.String("log-file", "", "Log file path")
	version         = flag.Bool("version", false, "Show version information and exit")
	aiProvider      = flag.String("ai-provider", "", "Completion service: azure, openai or anthropic (default: azure)")
	aiEndpoint      = flag.String("ai-endpoint", "", "Completion service endpoint (default: $AZURE_OPENAI_ENDPOINT)")
	aiDeployment    = flag.String("ai-deployment", "", "Azure OpenAI deployment name (default: gpt-4o-standard)")
	aiModel         = flag.String("ai-model", "", "Model name for the openai and anthropic providers")
	aiMaxIterations = flag.Int("ai-max-iterations", 0, "Maximum tool iterations per question (default: 20)")
	bridgeCommand   = flag.String("bridge-command", "", "Command starting the Kubernetes tool provider (default: npx)")
	reportDir       = flag.String("report-dir", "", "Directory for cluster summary documents (default: ./ClusterReports/)")
	dbPath          = flag.String("db-path", "", "Path to SQLite database for session history (default: ~/.aks-agent/history.db)")
	turnTimeout     = flag.Duration("turn-timeout", 0, "Maximum duration of one question (0 means no limit)")
	message         = flag.String("m", "", "Question to ask in ask mode")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [chat|ask|serve] [flags]\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "  chat   interactive discovery session (default)")
	fmt.Fprintln(flag.CommandLine.Output(), "  ask    answer one question given with -m and exit")
	fmt.Fprintln(flag.CommandLine.Output(), "  serve  serve sessions and report jobs over MCP")
	fmt.Fprintln(flag.CommandLine.Output())
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	mode := parseArgs(os.Args[1:])

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *version {
		log.Printf("%s version %s", cfg.Server.Name, cfg.Server.Version)
		os.Exit(0)
	}

	logger, err := server.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetDefaultLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch mode {
	case modeServe:
		app, err := createApp(cfg, logger)
		if err != nil {
			log.Fatalf("Failed to create application: %v", err)
		}
		if err := app.Start(ctx); err != nil {
			log.Fatalf("Failed to start application: %v", err)
		}
		waitForShutdown(cancel, app)

	case modeAsk:
		if strings.TrimSpace(*message) == "" {
			log.Fatalf("ask mode requires a question: -m \"...\"")
		}
		os.Exit(runAsk(ctx, cfg, logger, *message))

	case modeChat:
		if err := runChat(ctx, cfg, logger); err != nil {
			log.Fatalf("%v", err)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// parseArgs parses flags placed before and after the mode word and
// returns the mode.
func parseArgs(args []string) string {
	_ = flag.CommandLine.Parse(args)
	mode := modeChat
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
		_ = flag.CommandLine.Parse(flag.Args()[1:])
	}
	return mode
}

// loadConfig layers defaults, the YAML file, .env, the environment and
// command-line flags, in that order.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	if *configPath != "" {
		if err := config.LoadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}
	config.FromEnv(cfg)

	applyCommandLineFlagsToConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyCommandLineFlagsToConfig applies command line flags to the configuration
func applyCommandLineFlagsToConfig(cfg *config.Config) {
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *transport != "" {
		cfg.Server.TransportMode = *transport
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.FilePath = *logFile
	}
	if *aiProvider != "" {
		cfg.AI.Provider = *aiProvider
	}
	if *aiEndpoint != "" {
		cfg.AI.Endpoint = *aiEndpoint
	}
	if *aiDeployment != "" {
		cfg.AI.Deployment = *aiDeployment
	}
	if *aiModel != "" {
		cfg.AI.Model = *aiModel
	}
	if *aiMaxIterations > 0 {
		cfg.AI.MaxToolIterations = *aiMaxIterations
	}
	if *bridgeCommand != "" {
		fields := strings.Fields(*bridgeCommand)
		cfg.Bridge.Command = fields[0]
		cfg.Bridge.Args = fields[1:]
	}
	if *reportDir != "" {
		cfg.Report.OutputDir = *reportDir
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *turnTimeout > 0 {
		cfg.Chat.TurnTimeout = *turnTimeout
	}
}

// newSessionManager opens the history store and the session manager on it.
// The store is optional: without it sessions still work but are not
// recorded.
func newSessionManager(cfg *config.Config, logger *logging.Logger) (*session.Manager, *store.SQLiteStore) {
	historyStore, err := store.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		logger.Warnf("Session history disabled: %v", err)
		return session.NewManager(cfg, session.WithLogger(logger)), nil
	}
	return session.NewManager(cfg, session.WithLogger(logger), session.WithStore(historyStore)), historyStore
}

// runAsk answers one question and returns the process exit code.
func runAsk(ctx context.Context, cfg *config.Config, logger *logging.Logger, question string) int {
	sessions, historyStore := newSessionManager(cfg, logger)
	if historyStore != nil {
		defer historyStore.Close()
	}
	defer sessions.Shutdown()

	sess, err := sessions.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start session: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := sess.Ask(ctx, question)
	if err != nil {
		fmt.Fprintln(os.Stderr, turn.UserMessage(err))
		return 1
	}
	fmt.Println(out)
	return 0
}

// Application is the serve-mode process: MCP front, sessions and, on the
// primary instance, the report scheduler.
type Application struct {
	sessions     *session.Manager
	historyStore *store.SQLiteStore
	scheduler    *scheduler.Scheduler
	guard        *singleton.Guard
	server       *server.MCPServer
	logger       *logging.Logger
}

// createApp creates a new application instance
func createApp(cfg *config.Config, logger *logging.Logger) (*Application, error) {
	sessions, historyStore := newSessionManager(cfg, logger)

	app := &Application{
		sessions:     sessions,
		historyStore: historyStore,
		logger:       logger,
	}

	guard, primary, err := singleton.TryAcquire(cfg.Store.DBPath)
	switch {
	case err != nil:
		logger.Warnf("Primary instance check failed, report jobs disabled: %v", err)
	case !primary:
		logger.Infof("Another instance owns %s, report jobs disabled here", cfg.Store.DBPath)
	default:
		app.guard = guard
		app.scheduler = scheduler.NewScheduler(&cfg.Scheduler)
		app.scheduler.SetLogger(logger)
		app.scheduler.SetJobRunner(sessions)
		if historyStore != nil {
			app.scheduler.SetJobStore(historyStore)
		}
	}

	mcpServer, err := server.NewMCPServer(cfg, sessions, app.scheduler, logger)
	if err != nil {
		_ = app.guard.Release()
		if historyStore != nil {
			_ = historyStore.Close()
		}
		return nil, err
	}
	app.server = mcpServer

	return app, nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		a.logger.Infof("Report scheduler started")

		if err := a.scheduler.LoadJobs(); err != nil {
			a.logger.Errorf("Failed to load report jobs: %v", err)
		} else {
			a.logger.Infof("Report jobs loaded (%d)", len(a.scheduler.ListJobs()))
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	a.logger.Infof("MCP server started")

	return nil
}

// Stop stops the application
func (a *Application) Stop() error {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			return err
		}
		a.logger.Infof("Report scheduler stopped")
	}

	if err := a.server.Stop(); err != nil {
		a.logger.Errorf("Error stopping MCP server: %v", err)
		return err
	}
	a.logger.Infof("MCP server stopped")

	if a.historyStore != nil {
		if err := a.historyStore.Close(); err != nil {
			a.logger.Warnf("Error closing history store: %v", err)
		}
	}
	if err := a.guard.Release(); err != nil {
		a.logger.Warnf("Error releasing primary lock: %v", err)
	}

	return nil
}

// waitForShutdown waits for termination signals or server exit and performs cleanup
func waitForShutdown(cancel context.CancelFunc, app *Application) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signalCh:
		app.logger.Infof("Received termination signal, shutting down...")
	case <-app.server.Done():
		app.logger.Infof("Server transport exited, shutting down...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := app.Stop(); err != nil {
			app.logger.Errorf("Error during shutdown: %v", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		app.logger.Infof("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		app.logger.Warnf("Shutdown timed out")
	}
}
