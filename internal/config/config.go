// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. It is read once at startup
// and treated as read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AI        AIConfig        `yaml:"ai"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Report    ReportConfig    `yaml:"report"`
	Chat      ChatConfig      `yaml:"chat"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig controls the MCP front end.
type ServerConfig struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	TransportMode string `yaml:"transport"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
}

// AIConfig describes the completion service.
type AIConfig struct {
	// Provider is one of "azure", "openai" or "anthropic".
	Provider   string `yaml:"provider"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
	// Model overrides Deployment for the openai and anthropic providers.
	Model             string `yaml:"model"`
	ServiceID         string `yaml:"service_id"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	HistoryWindow     int    `yaml:"history_window"`
	// ToolErrors is "fail" (abort the turn) or "report" (hand the error
	// back to the model and continue).
	ToolErrors string `yaml:"tool_errors"`
	Stream     bool   `yaml:"stream"`
}

// BridgeConfig describes the tool-provider subprocess.
type BridgeConfig struct {
	Name             string            `yaml:"name"`
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	// AllowTools and DenyTools are glob patterns over tool names.
	AllowTools []string `yaml:"allow_tools"`
	DenyTools  []string `yaml:"deny_tools"`
}

// ReportConfig locates persisted cluster reports.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir"`
	Filename  string `yaml:"filename"`
}

// ChatConfig holds per-turn settings applied by the session layer.
type ChatConfig struct {
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	UnwrapDepth int           `yaml:"unwrap_depth"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file"`
}

// StoreConfig locates the turn history database.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// ReportJob is a scheduled report prompt.
type ReportJob struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
	Enabled  bool   `yaml:"enabled"`
}

// SchedulerConfig holds scheduled report settings.
type SchedulerConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Reports        []ReportJob   `yaml:"reports"`
}

const (
	ProviderAzure     = "azure"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	ToolErrorsFail   = "fail"
	ToolErrorsReport = "report"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Server: ServerConfig{
			Name:          "aks-agent",
			Version:       "0.1.0",
			TransportMode: "stdio",
			Address:       "localhost",
			Port:          8080,
		},
		AI: AIConfig{
			Provider:          ProviderAzure,
			Deployment:        "gpt-4o-standard",
			APIVersion:        "2024-02-01",
			ServiceID:         "default",
			MaxToolIterations: 20,
			HistoryWindow:     40,
			ToolErrors:        ToolErrorsFail,
			Stream:            true,
		},
		Bridge: BridgeConfig{
			Name:             "kubernetes",
			Command:          "npx",
			Args:             []string{"mcp-server-kubernetes"},
			HandshakeTimeout: 30 * time.Second,
		},
		Report: ReportConfig{
			OutputDir: "./ClusterReports/",
			Filename:  "cluster_summary.md",
		},
		Chat: ChatConfig{
			UnwrapDepth: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			DBPath: filepath.Join(home, ".aks-agent", "history.db"),
		},
		Scheduler: SchedulerConfig{
			DefaultTimeout: 10 * time.Minute,
		},
	}
}

// LoadFile overlays a YAML file onto cfg. Missing keys keep their values.
func LoadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv overrides cfg with values from environment variables.
func FromEnv(cfg *Config) {
	setString(&cfg.AI.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.AI.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&cfg.AI.Deployment, "AZURE_OPENAI_DEPLOYMENT_NAME")
	setString(&cfg.AI.APIVersion, "AZURE_OPENAI_API_VERSION")
	setString(&cfg.Report.OutputDir, "REPORT_DIR")

	setString(&cfg.AI.Provider, "AKS_AGENT_AI_PROVIDER")
	setString(&cfg.AI.Model, "AKS_AGENT_AI_MODEL")
	setString(&cfg.AI.ToolErrors, "AKS_AGENT_TOOL_ERRORS")
	setInt(&cfg.AI.MaxToolIterations, "AKS_AGENT_AI_MAX_ITERATIONS")
	setInt(&cfg.AI.HistoryWindow, "AKS_AGENT_HISTORY_WINDOW")
	setBool(&cfg.AI.Stream, "AKS_AGENT_AI_STREAM")

	setString(&cfg.Bridge.Command, "AKS_AGENT_MCP_COMMAND")
	if v := os.Getenv("AKS_AGENT_MCP_ARGS"); v != "" {
		cfg.Bridge.Args = strings.Fields(v)
	}
	setDuration(&cfg.Bridge.HandshakeTimeout, "AKS_AGENT_MCP_HANDSHAKE_TIMEOUT")
	if v := os.Getenv("AKS_AGENT_MCP_DENY_TOOLS"); v != "" {
		cfg.Bridge.DenyTools = splitList(v)
	}
	if v := os.Getenv("AKS_AGENT_MCP_ALLOW_TOOLS"); v != "" {
		cfg.Bridge.AllowTools = splitList(v)
	}

	setDuration(&cfg.Chat.TurnTimeout, "AKS_AGENT_TURN_TIMEOUT")
	setString(&cfg.Server.TransportMode, "AKS_AGENT_SERVER_TRANSPORT")
	setString(&cfg.Server.Address, "AKS_AGENT_SERVER_ADDRESS")
	setInt(&cfg.Server.Port, "AKS_AGENT_SERVER_PORT")
	setString(&cfg.Logging.Level, "AKS_AGENT_LOG_LEVEL")
	setString(&cfg.Logging.FilePath, "AKS_AGENT_LOG_FILE")
	setString(&cfg.Store.DBPath, "AKS_AGENT_DB_PATH")
	setDuration(&cfg.Scheduler.DefaultTimeout, "AKS_AGENT_SCHEDULER_TIMEOUT")
}

// Validate checks structural settings. Completion-service credentials are
// checked when an agent is built, not here.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AI.Provider) {
	case ProviderAzure, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported AI provider: %q", c.AI.Provider)
	}
	switch c.AI.ToolErrors {
	case ToolErrorsFail, ToolErrorsReport:
	default:
		return fmt.Errorf("tool_errors must be %q or %q, got %q", ToolErrorsFail, ToolErrorsReport, c.AI.ToolErrors)
	}
	if c.AI.MaxToolIterations < 1 {
		return fmt.Errorf("max tool iterations must be at least 1")
	}
	if c.Bridge.Command == "" {
		return fmt.Errorf("bridge command is required")
	}
	if c.Bridge.HandshakeTimeout <= 0 {
		return fmt.Errorf("bridge handshake timeout must be positive")
	}
	if c.Report.Filename == "" || filepath.Base(c.Report.Filename) != c.Report.Filename {
		return fmt.Errorf("report filename must be a plain file name, got %q", c.Report.Filename)
	}
	if c.Chat.UnwrapDepth < 1 {
		return fmt.Errorf("unwrap depth must be at least 1")
	}
	switch c.Server.TransportMode {
	case "stdio", "sse":
	default:
		return fmt.Errorf("unsupported transport mode: %q", c.Server.TransportMode)
	}
	for _, job := range c.Scheduler.Reports {
		if job.Name == "" || job.Schedule == "" || job.Prompt == "" {
			return fmt.Errorf("report job requires name, schedule and prompt")
		}
	}
	return nil
}

// ModelName returns the model or deployment requests are sent to.
func (a AIConfig) ModelName() string {
	if a.Model != "" && !strings.EqualFold(a.Provider, ProviderAzure) {
		return a.Model
	}
	return a.Deployment
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
