// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BiproDe/AKS-AI-Agent/internal/bridge"
	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/report"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

const (
	// AgentName is the name the agent presents.
	AgentName = "KubernetesDiscoveryAgent"
	// AgentDescription summarizes what the agent does.
	AgentDescription = "Discovers Kubernetes namespaces, pods, services, images, and generates cluster summary document."

	// DefaultInstructions is used when no instructions are supplied.
	DefaultInstructions = "You are a Kubernetes discovery assistant that helps users explore and assess their Kubernetes clusters. You can discover namespaces, pods, services, deployments, and generate detailed cluster reports."
)

type buildOptions struct {
	instructions string
	provider     ChatProvider
	bridgeOpts   []bridge.Option
	logger       *logging.Logger
}

// Option customizes Build.
type Option func(*buildOptions)

// WithInstructions replaces the default instructions when non-empty.
func WithInstructions(s string) Option {
	return func(o *buildOptions) { o.instructions = s }
}

// WithProvider uses p instead of the provider selected by the config.
func WithProvider(p ChatProvider) Option {
	return func(o *buildOptions) { o.provider = p }
}

// WithBridgeOptions passes options to the tool bridge.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(o *buildOptions) { o.bridgeOpts = append(o.bridgeOpts, opts...) }
}

// WithLogger sets the agent logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Build creates a ready agent: it checks the completion-service settings,
// starts the tool bridge and assembles the catalog of bridged and local
// functions. On error nothing is left running.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := o.logger
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	if cfg.AI.Endpoint == "" || cfg.AI.APIKey == "" {
		return nil, errors.Configuration("Azure OpenAI endpoint and API key must be provided (AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY)")
	}
	provider := o.provider
	if provider == nil {
		p, err := newChatProvider(cfg.AI)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	id := uuid.NewString()
	logger = logger.WithField("agent_id", id).WithField("service_id", cfg.AI.ServiceID)
	start := time.Now()

	bopts := append([]bridge.Option{bridge.WithLogger(logger)}, o.bridgeOpts...)
	b := bridge.New(cfg.Bridge, bopts...)
	if err := b.Start(ctx); err != nil {
		if !errors.Is(err, errors.ErrBridgeUnavailable) && !errors.Is(err, errors.ErrConfiguration) {
			err = errors.BridgeUnavailable("start tool bridge", err)
		}
		logger.Errorf("Failed to start tool bridge: %v", err)
		return nil, err
	}

	reg := tools.NewRegistry()
	if err := report.Register(reg, report.NewWriter(cfg.Report, logger)); err != nil {
		_ = b.Stop()
		return nil, err
	}
	catalog, err := tools.NewCatalog(b.Collection(), reg.Collection())
	if err != nil {
		_ = b.Stop()
		logger.Errorf("Failed to assemble tool catalog: %v", err)
		return nil, err
	}

	instructions := o.instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}

	logger.Infof("Agent %s ready with %d functions (%s): %s", AgentName, catalog.Len(), logging.Since(start), AgentDescription)
	return &Agent{
		id:           id,
		name:         AgentName,
		description:  AgentDescription,
		instructions: instructions,
		cfg:          cfg.AI,
		provider:     provider,
		bridge:       b,
		catalog:      catalog,
		logger:       logger,
		turns:        make(chan struct{}, 1),
	}, nil
}
