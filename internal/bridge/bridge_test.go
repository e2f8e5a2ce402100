// SPDX-License-Identifier: AGPL-3.0-only
package bridge

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiproDe/AKS-AI-Agent/internal/bridge/bridgetest"
	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

func kubeProvider() *bridgetest.Provider {
	return bridgetest.NewProvider("mcp-server-kubernetes",
		bridgetest.Tool{
			Name:        "list_namespaces",
			Description: "List namespaces",
			Handler: func(map[string]interface{}) (string, error) {
				return "ns-a, ns-b", nil
			},
		},
		bridgetest.Tool{
			Name:        "list_pods",
			Description: "List pods in a namespace",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"namespace": map[string]interface{}{"type": "string"},
				},
				"required": []string{"namespace"},
			},
			Handler: func(args map[string]interface{}) (string, error) {
				ns, _ := args["namespace"].(string)
				if ns == "forbidden" {
					return "", fmt.Errorf("namespace %s is not readable", ns)
				}
				return "pod-1 in " + ns, nil
			},
		},
		bridgetest.Tool{
			Name:        "kubectl_delete",
			Description: "Delete a resource",
		},
	)
}

func startBridge(t *testing.T, p *bridgetest.Provider, cfg config.BridgeConfig) *Bridge {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "kubernetes"
	}
	b := New(cfg, WithTransport(p.Transport), WithLogger(logging.Discard()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestStartDiscoversTools(t *testing.T) {
	b := startBridge(t, kubeProvider(), config.BridgeConfig{})

	descs := b.Tools()
	require.Len(t, descs, 3)
	byName := map[string]tools.Descriptor{}
	names := []string{}
	for _, d := range descs {
		byName[d.Name] = d
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"kubectl_delete", "list_namespaces", "list_pods"}, names)
	assert.Equal(t, "List pods in a namespace", byName["list_pods"].Description)
	assert.Equal(t, "object", byName["list_pods"].Schema["type"])
	assert.Equal(t, "mcp-server-kubernetes", b.ServerName())

	col := b.Collection()
	assert.Equal(t, "kubernetes", col.Name)
	for _, fn := range col.Functions() {
		assert.Equal(t, tools.Bridged, fn.Kind)
	}
}

func TestToolFilters(t *testing.T) {
	b := startBridge(t, kubeProvider(), config.BridgeConfig{DenyTools: []string{"kubectl_*"}})
	names := []string{}
	for _, d := range b.Tools() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"list_namespaces", "list_pods"}, names)

	_, err := b.Invoke(context.Background(), "kubectl_delete", nil)
	assert.ErrorIs(t, err, errors.ErrToolNotFound)

	allowOnly := startBridge(t, kubeProvider(), config.BridgeConfig{AllowTools: []string{"list_{pods,namespaces}"}})
	assert.Len(t, allowOnly.Tools(), 2)
}

func TestInvalidFilterPattern(t *testing.T) {
	b := New(config.BridgeConfig{DenyTools: []string{"["}}, WithTransport(kubeProvider().Transport), WithLogger(logging.Discard()))
	err := b.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestInvoke(t *testing.T) {
	p := kubeProvider()
	b := startBridge(t, p, config.BridgeConfig{})

	out, err := b.Invoke(context.Background(), "list_namespaces", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "ns-a, ns-b", out)

	out, err = b.Invoke(context.Background(), "list_pods", map[string]interface{}{"namespace": "default"})
	require.NoError(t, err)
	assert.Equal(t, "pod-1 in default", out)

	assert.Equal(t, []string{"list_namespaces", "list_pods"}, p.Calls())
}

func TestInvokeUnknownToolKeepsBridgeUsable(t *testing.T) {
	p := kubeProvider()
	b := startBridge(t, p, config.BridgeConfig{})

	_, err := b.Invoke(context.Background(), "no_such_tool", nil)
	assert.ErrorIs(t, err, errors.ErrToolNotFound)
	assert.Empty(t, p.Calls(), "unknown names never reach the provider")

	out, err := b.Invoke(context.Background(), "list_namespaces", nil)
	require.NoError(t, err)
	assert.Equal(t, "ns-a, ns-b", out)
}

func TestInvokeToolError(t *testing.T) {
	b := startBridge(t, kubeProvider(), config.BridgeConfig{})

	_, err := b.Invoke(context.Background(), "list_pods", map[string]interface{}{"namespace": "forbidden"})
	var te *errors.ToolError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "list_pods", te.Name)
	assert.Contains(t, te.Detail, "not readable")
}

func TestStopIsIdempotent(t *testing.T) {
	b := startBridge(t, kubeProvider(), config.BridgeConfig{})

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	_, err := b.Invoke(context.Background(), "list_namespaces", nil)
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)

	err = b.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
}

func TestStopBeforeStart(t *testing.T) {
	b := New(config.BridgeConfig{Command: "unused"}, WithLogger(logging.Discard()))
	assert.NoError(t, b.Stop())
}

func TestProviderExit(t *testing.T) {
	p := kubeProvider()
	b := startBridge(t, p, config.BridgeConfig{})

	p.Kill()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not notice provider exit")
	}

	_, err := b.Invoke(context.Background(), "list_namespaces", nil)
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
}

func TestHandshakeTimeout(t *testing.T) {
	b := New(config.BridgeConfig{Name: "silent", HandshakeTimeout: 100 * time.Millisecond},
		WithTransport(bridgetest.Silent), WithLogger(logging.Discard()))

	start := time.Now()
	err := b.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStopAfterCancelledCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := bridgetest.NewProvider("mcp-server-kubernetes", bridgetest.Tool{
		Name: "describe_cluster",
		Handler: func(map[string]interface{}) (string, error) {
			<-release
			return "done", nil
		},
	})
	b := New(config.BridgeConfig{Name: "kubernetes"}, WithTransport(p.Transport), WithLogger(logging.Discard()))
	b.closeGrace = 200 * time.Millisecond
	require.NoError(t, b.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, "describe_cluster", nil)
	require.Error(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop() }()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the unanswered call")
	}
	select {
	case <-b.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
}

func TestStartFailsWhenCommandMissing(t *testing.T) {
	b := New(config.BridgeConfig{
		Command:          "aks-agent-no-such-binary",
		HandshakeTimeout: 2 * time.Second,
	}, WithLogger(logging.Discard()))

	err := b.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
}

func TestStartTwice(t *testing.T) {
	b := startBridge(t, kubeProvider(), config.BridgeConfig{})
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already started"))
}

func TestFlatten(t *testing.T) {
	out := flatten([]mcp.Content{
		&mcp.TextContent{Text: "first"},
		&mcp.TextContent{Text: "second"},
	})
	assert.Equal(t, "first\nsecond", out)
	assert.Equal(t, "", flatten(nil))
}

func TestStderrLogSplitsLines(t *testing.T) {
	w := &stderrLog{logger: logging.Discard(), name: "k8s"}
	n, err := w.Write([]byte("line one\npartial"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "partial", w.buf.String())

	_, _ = w.Write([]byte(" rest\n"))
	assert.Equal(t, "", w.buf.String())
}
