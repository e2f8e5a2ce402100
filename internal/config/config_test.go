// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.AI.Provider != ProviderAzure {
		t.Errorf("Expected default provider azure, got %s", cfg.AI.Provider)
	}
	if cfg.AI.Deployment != "gpt-4o-standard" {
		t.Errorf("Expected default deployment gpt-4o-standard, got %s", cfg.AI.Deployment)
	}
	if cfg.AI.APIVersion != "2024-02-01" {
		t.Errorf("Expected default API version 2024-02-01, got %s", cfg.AI.APIVersion)
	}
	if cfg.Report.OutputDir != "./ClusterReports/" {
		t.Errorf("Expected default report dir ./ClusterReports/, got %s", cfg.Report.OutputDir)
	}
	if cfg.Bridge.HandshakeTimeout != 30*time.Second {
		t.Errorf("Expected 30s handshake timeout, got %s", cfg.Bridge.HandshakeTimeout)
	}
	if cfg.Chat.UnwrapDepth != 2 {
		t.Errorf("Expected unwrap depth 2, got %d", cfg.Chat.UnwrapDepth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com/")
	t.Setenv("AZURE_OPENAI_API_KEY", "secret")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o-mini")
	t.Setenv("REPORT_DIR", "/tmp/reports")
	t.Setenv("AKS_AGENT_MCP_ARGS", "-y mcp-server-kubernetes")
	t.Setenv("AKS_AGENT_MCP_DENY_TOOLS", "kubectl_delete*, exec_*")
	t.Setenv("AKS_AGENT_MCP_HANDSHAKE_TIMEOUT", "5s")
	t.Setenv("AKS_AGENT_AI_MAX_ITERATIONS", "not-a-number")

	cfg := DefaultConfig()
	FromEnv(cfg)

	if cfg.AI.Endpoint != "https://example.openai.azure.com/" {
		t.Errorf("Expected endpoint from env, got %s", cfg.AI.Endpoint)
	}
	if cfg.AI.APIKey != "secret" {
		t.Errorf("Expected API key from env, got %s", cfg.AI.APIKey)
	}
	if cfg.AI.Deployment != "gpt-4o-mini" {
		t.Errorf("Expected deployment from env, got %s", cfg.AI.Deployment)
	}
	if cfg.Report.OutputDir != "/tmp/reports" {
		t.Errorf("Expected report dir from env, got %s", cfg.Report.OutputDir)
	}
	if len(cfg.Bridge.Args) != 2 || cfg.Bridge.Args[0] != "-y" {
		t.Errorf("Expected two bridge args, got %v", cfg.Bridge.Args)
	}
	if len(cfg.Bridge.DenyTools) != 2 || cfg.Bridge.DenyTools[1] != "exec_*" {
		t.Errorf("Expected trimmed deny list, got %v", cfg.Bridge.DenyTools)
	}
	if cfg.Bridge.HandshakeTimeout != 5*time.Second {
		t.Errorf("Expected 5s handshake timeout, got %s", cfg.Bridge.HandshakeTimeout)
	}
	if cfg.AI.MaxToolIterations != 20 {
		t.Errorf("Invalid integer should keep default, got %d", cfg.AI.MaxToolIterations)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
ai:
  provider: openai
  model: gpt-4.1
  tool_errors: report
bridge:
  command: ./kube-mcp
  args: ["--read-only"]
  handshake_timeout: 10s
scheduler:
  reports:
    - name: nightly
      schedule: "0 2 * * *"
      prompt: Summarize the cluster
      enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.AI.Provider != ProviderOpenAI || cfg.AI.Model != "gpt-4.1" {
		t.Errorf("Unexpected AI section %+v", cfg.AI)
	}
	if cfg.AI.ModelName() != "gpt-4.1" {
		t.Errorf("Expected model override for openai, got %s", cfg.AI.ModelName())
	}
	if cfg.AI.Deployment != "gpt-4o-standard" {
		t.Errorf("Keys absent from the file should keep defaults, got %s", cfg.AI.Deployment)
	}
	if cfg.Bridge.Command != "./kube-mcp" || cfg.Bridge.HandshakeTimeout != 10*time.Second {
		t.Errorf("Unexpected bridge section %+v", cfg.Bridge)
	}
	if len(cfg.Scheduler.Reports) != 1 || cfg.Scheduler.Reports[0].Name != "nightly" {
		t.Errorf("Unexpected reports %+v", cfg.Scheduler.Reports)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should validate, got %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if err := LoadFile(DefaultConfig(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("AKS_AGENT_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("AKS_AGENT_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("AKS_AGENT_TEST_DOTENV"); got != "from-file" {
		t.Errorf("Expected value from .env, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"provider", func(c *Config) { c.AI.Provider = "bedrock" }},
		{"tool errors", func(c *Config) { c.AI.ToolErrors = "ignore" }},
		{"iterations", func(c *Config) { c.AI.MaxToolIterations = 0 }},
		{"command", func(c *Config) { c.Bridge.Command = "" }},
		{"handshake", func(c *Config) { c.Bridge.HandshakeTimeout = 0 }},
		{"filename", func(c *Config) { c.Report.Filename = "../escape.md" }},
		{"unwrap depth", func(c *Config) { c.Chat.UnwrapDepth = 0 }},
		{"transport", func(c *Config) { c.Server.TransportMode = "grpc" }},
		{"report job", func(c *Config) { c.Scheduler.Reports = []ReportJob{{Name: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidateDoesNotRequireCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Endpoint = ""
	cfg.AI.APIKey = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Credentials are checked by the agent builder, got %v", err)
	}
}
