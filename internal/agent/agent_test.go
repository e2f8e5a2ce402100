// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiproDe/AKS-AI-Agent/internal/bridge"
	"github.com/BiproDe/AKS-AI-Agent/internal/bridge/bridgetest"
	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/report"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

// step is one scripted completion.
type step struct {
	deltas []string
	calls  []ToolCall
	err    error
	block  bool

	// final is returned as the message content without any deltas.
	final string
}

type fakeProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []Request
}

func (f *fakeProvider) next(ctx context.Context, req Request) (step, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return step{}, fmt.Errorf("unexpected completion request")
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return step{}, ctx.Err()
	}
	return s, s.err
}

func (f *fakeProvider) CreateCompletion(ctx context.Context, req Request) (*Message, error) {
	s, err := f.next(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Message{Role: "assistant", Content: strings.Join(s.deltas, ""), ToolCalls: s.calls}, nil
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, req Request, onDelta func(string) error) (*Message, error) {
	s, err := f.next(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.final != "" {
		return &Message{Role: "assistant", Content: s.final, ToolCalls: s.calls}, nil
	}
	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			return nil, err
		}
	}
	return &Message{Role: "assistant", Content: strings.Join(s.deltas, ""), ToolCalls: s.calls}, nil
}

func (f *fakeProvider) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.AI.Endpoint = "https://example.openai.azure.com/"
	cfg.AI.APIKey = "test-key"
	cfg.Report.OutputDir = t.TempDir()
	return cfg
}

func kubeProvider() *bridgetest.Provider {
	return bridgetest.NewProvider("mcp-server-kubernetes",
		bridgetest.Tool{
			Name:        "list_namespaces",
			Description: "List namespaces",
			Handler:     func(map[string]interface{}) (string, error) { return "ns-a, ns-b", nil },
		},
		bridgetest.Tool{
			Name:        "list_pods",
			Description: "List pods",
			Handler: func(args map[string]interface{}) (string, error) {
				return "", fmt.Errorf("pods are forbidden in %v", args["namespace"])
			},
		},
	)
}

func buildAgent(t *testing.T, cfg *config.Config, fp *fakeProvider, kp *bridgetest.Provider, opts ...Option) *Agent {
	t.Helper()
	opts = append([]Option{
		WithProvider(fp),
		WithLogger(logging.Discard()),
		WithBridgeOptions(bridge.WithTransport(kp.Transport)),
	}, opts...)
	a, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// collect drains a response into its text and terminal error.
func collect(t *testing.T, ch <-chan Fragment) (string, error) {
	t.Helper()
	var b strings.Builder
	var err error
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return b.String(), err
			}
			if f.Err != nil {
				err = f.Err
				continue
			}
			require.Equal(t, KindEnvelope, f.Kind)
			require.NotNil(t, f.Inner)
			assert.Equal(t, "assistant", f.Role)
			b.WriteString(f.Inner.Text)
		case <-timeout:
			t.Fatal("response stream did not close")
		}
	}
}

func TestBuildRequiresEndpointAndKey(t *testing.T) {
	for _, missing := range []string{"endpoint", "key"} {
		t.Run(missing, func(t *testing.T) {
			cfg := testConfig(t)
			if missing == "endpoint" {
				cfg.AI.Endpoint = ""
			} else {
				cfg.AI.APIKey = ""
			}
			launched := false
			a, err := Build(context.Background(), cfg,
				WithLogger(logging.Discard()),
				WithBridgeOptions(bridge.WithTransport(func() (mcp.Transport, error) {
					launched = true
					return kubeProvider().Transport()
				})))
			assert.Nil(t, a)
			assert.ErrorIs(t, err, errors.ErrConfiguration)
			assert.False(t, launched, "no subprocess may be started")
		})
	}
}

func TestBuildBridgeUnavailable(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t),
		WithProvider(&fakeProvider{}),
		WithLogger(logging.Discard()),
		WithBridgeOptions(bridge.WithTransport(func() (mcp.Transport, error) {
			return nil, fmt.Errorf("npx: not found")
		})))
	assert.Nil(t, a)
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
}

func TestBuildAssemblesCatalog(t *testing.T) {
	a := buildAgent(t, testConfig(t), &fakeProvider{}, kubeProvider())

	assert.Equal(t, AgentName, a.Name())
	assert.Equal(t, AgentDescription, a.Description())
	assert.Equal(t, DefaultInstructions, a.Instructions())
	assert.NotEmpty(t, a.ID())

	fns := a.Catalog().Functions()
	require.Len(t, fns, 3)
	assert.Equal(t, "list_namespaces", fns[0].Name)
	assert.Equal(t, tools.Bridged, fns[0].Kind)
	assert.Equal(t, report.FunctionName, fns[2].Name)
	assert.Equal(t, tools.Local, fns[2].Kind)

	cols := a.Catalog().Collections()
	require.Len(t, cols, 2)
	assert.Equal(t, tools.LocalCollectionName, cols[1].Name)
}

func TestBuildLogsServiceID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Output: &buf, Level: logging.Info, NoColor: true})
	cfg := testConfig(t)
	cfg.AI.ServiceID = "cluster-chat"

	buildAgent(t, cfg, &fakeProvider{}, kubeProvider(), WithLogger(logger))

	out := buf.String()
	assert.Contains(t, out, "service_id=cluster-chat")
	assert.Contains(t, out, AgentDescription)
}

func TestBuildInstructionsOverride(t *testing.T) {
	a := buildAgent(t, testConfig(t), &fakeProvider{}, kubeProvider(), WithInstructions("Only answer about pods."))
	assert.Equal(t, "Only answer about pods.", a.Instructions())
}

func TestBuildRejectsDuplicateFunction(t *testing.T) {
	kp := bridgetest.NewProvider("clashing", bridgetest.Tool{Name: report.FunctionName})
	a, err := Build(context.Background(), testConfig(t),
		WithProvider(&fakeProvider{}),
		WithLogger(logging.Discard()),
		WithBridgeOptions(bridge.WithTransport(kp.Transport)))
	assert.Nil(t, a)
	assert.ErrorIs(t, err, errors.ErrDuplicateFunction)
}

func TestInvokeEndToEnd(t *testing.T) {
	fp := &fakeProvider{steps: []step{
		{calls: []ToolCall{{ID: "call_1", Name: "list_namespaces", Arguments: "{}"}}},
		{deltas: []string{"ns-a, ", "ns-b"}},
	}}
	kp := kubeProvider()
	a := buildAgent(t, testConfig(t), fp, kp)

	text, err := collect(t, a.Invoke(context.Background(), "What namespaces exist?"))
	require.NoError(t, err)
	assert.Equal(t, "ns-a, ns-b", text)
	assert.Equal(t, []string{"list_namespaces"}, kp.Calls())

	reqs := fp.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, DefaultInstructions, reqs[0].System)
	assert.Equal(t, "gpt-4o-standard", reqs[0].Model)
	assert.Len(t, reqs[0].Tools, 3)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "ns-a, ns-b", last.Content)

	history := a.History()
	require.Len(t, history, 4)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "ns-a, ns-b", history[3].Content)
}

func TestInvokeWithoutStreaming(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Stream = false
	fp := &fakeProvider{steps: []step{{deltas: []string{"hello"}}}}
	a := buildAgent(t, cfg, fp, kubeProvider())

	text, err := collect(t, a.Invoke(context.Background(), "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestInvokeStreamWithoutDeltasUsesFinalMessage(t *testing.T) {
	fp := &fakeProvider{steps: []step{{final: "three namespaces"}}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	text, err := collect(t, a.Invoke(context.Background(), "how many namespaces?"))
	require.NoError(t, err)
	assert.Equal(t, "three namespaces", text)
}

func TestInvokeToolFailureAbortsTurn(t *testing.T) {
	fp := &fakeProvider{steps: []step{
		{calls: []ToolCall{{ID: "call_1", Name: "list_pods", Arguments: `{"namespace":"kube-system"}`}}},
	}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "List pods"))
	var te *errors.ToolError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "list_pods", te.Name)
	assert.Empty(t, a.History(), "failed turns are not committed")
}

func TestInvokeToolFailureReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.ToolErrors = config.ToolErrorsReport
	fp := &fakeProvider{steps: []step{
		{calls: []ToolCall{{ID: "call_1", Name: "list_pods", Arguments: `{"namespace":"kube-system"}`}}},
		{deltas: []string{"I cannot read pods."}},
	}}
	a := buildAgent(t, cfg, fp, kubeProvider())

	text, err := collect(t, a.Invoke(context.Background(), "List pods"))
	require.NoError(t, err)
	assert.Equal(t, "I cannot read pods.", text)

	reqs := fp.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.True(t, strings.HasPrefix(last.Content, "ERROR: "), last.Content)
}

func TestInvokeUnknownTool(t *testing.T) {
	fp := &fakeProvider{steps: []step{
		{calls: []ToolCall{{ID: "call_1", Name: "delete_cluster", Arguments: "{}"}}},
	}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "Delete it"))
	assert.ErrorIs(t, err, errors.ErrToolNotFound)
}

func TestInvokeMaxIterations(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.MaxToolIterations = 2
	loop := step{calls: []ToolCall{{ID: "c", Name: "list_namespaces", Arguments: "{}"}}}
	fp := &fakeProvider{steps: []step{loop, loop, loop}}
	a := buildAgent(t, cfg, fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "loop"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum iterations")
	assert.Len(t, fp.Requests(), 2)
}

func TestInvokeProviderError(t *testing.T) {
	fp := &fakeProvider{steps: []step{{err: fmt.Errorf("429 too many requests")}}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestInvokeKeepsHistoryAcrossTurns(t *testing.T) {
	fp := &fakeProvider{steps: []step{
		{deltas: []string{"There are 2 namespaces."}},
		{deltas: []string{"ns-a and ns-b."}},
	}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "How many namespaces?"))
	require.NoError(t, err)
	_, err = collect(t, a.Invoke(context.Background(), "Which ones?"))
	require.NoError(t, err)

	second := fp.Requests()[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "How many namespaces?", second[0].Content)
	assert.Equal(t, "There are 2 namespaces.", second[1].Content)
	assert.Equal(t, "Which ones?", second[2].Content)

	a.Reset()
	assert.Empty(t, a.History())
}

func TestInvokeCancel(t *testing.T) {
	fp := &fakeProvider{steps: []step{{block: true}}}
	a := buildAgent(t, testConfig(t), fp, kubeProvider())

	ctx, cancel := context.WithCancel(context.Background())
	ch := a.Invoke(ctx, "slow question")
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled turn did not stop")
	}
	assert.Empty(t, a.History())
}

func TestGenerateClusterSummaryThroughAgent(t *testing.T) {
	cfg := testConfig(t)
	fp := &fakeProvider{steps: []step{
		{calls: []ToolCall{{
			ID:        "call_1",
			Name:      report.FunctionName,
			Arguments: `{"summary_markdown":"# Cluster\n","save_file":true}`,
		}}},
		{deltas: []string{"Saved."}},
	}}
	a := buildAgent(t, cfg, fp, kubeProvider())

	_, err := collect(t, a.Invoke(context.Background(), "Write a cluster report"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.Report.OutputDir, report.DefaultFilename))
	require.NoError(t, err)
	assert.Equal(t, "# Cluster\n", string(data))
}

func TestCloseIsIdempotent(t *testing.T) {
	a := buildAgent(t, testConfig(t), &fakeProvider{}, kubeProvider())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err := a.Catalog().Call(context.Background(), "list_namespaces", "{}")
	assert.ErrorIs(t, err, errors.ErrBridgeUnavailable)
}

func TestCommitTrimsHistory(t *testing.T) {
	a := &Agent{cfg: config.AIConfig{HistoryWindow: 3}}
	a.commit([]Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c"}}},
		{Role: "tool", Content: "r"},
		{Role: "assistant", Content: "a2"},
	})
	h := a.History()
	assert.Empty(t, h, "a window that would start mid-exchange is dropped")

	a.cfg.HistoryWindow = 4
	a.commit([]Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "q3"},
		{Role: "assistant", Content: "a3"},
	})
	h = a.History()
	require.Len(t, h, 4)
	assert.Equal(t, "q2", h[0].Content)
}

func TestDropPlaceholder(t *testing.T) {
	empty := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	assert.Equal(t, "{}", dropPlaceholder(`{"random_string":"x"}`, empty))
	assert.Equal(t, `{"namespace":"a"}`, dropPlaceholder(`{"namespace":"a"}`, empty))

	declared := map[string]interface{}{"properties": map[string]interface{}{"random_string": map[string]interface{}{}}}
	assert.Equal(t, `{"random_string":"x"}`, dropPlaceholder(`{"random_string":"x"}`, declared))
}
