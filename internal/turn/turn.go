// SPDX-License-Identifier: AGPL-3.0-only

// Package turn reduces an agent's streamed response to one final text.
package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BiproDe/AKS-AI-Agent/internal/agent"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
)

// DefaultUnwrapDepth counts the envelope plus the text it carries.
const DefaultUnwrapDepth = 2

// State is the lifecycle of one turn.
type State int

const (
	Idle State = iota
	AwaitingFragments
	Reducing
	Delivered
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFragments:
		return "awaiting-fragments"
	case Reducing:
		return "reducing"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailureKind tells why a turn produced no result.
type FailureKind int

const (
	EmptyResponse FailureKind = iota
	AgentInvocation
)

func (k FailureKind) String() string {
	if k == EmptyResponse {
		return "EmptyResponse"
	}
	return "AgentInvocationError"
}

// Failure is the error returned by Submit.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return f.Message
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (f *Failure) Unwrap() []error {
	sentinel := errors.ErrAgentInvocation
	if f.Kind == EmptyResponse {
		sentinel = errors.ErrEmptyResponse
	}
	if f.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, f.Err}
}

// Responder produces a response as a stream of fragments.
type Responder interface {
	Invoke(ctx context.Context, text string) <-chan agent.Fragment
}

// Option configures an Executor.
type Option func(*Executor)

// WithUnwrapDepth sets how many nesting levels a fragment may have.
func WithUnwrapDepth(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.depth = n
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStateObserver registers fn to be called on every state change.
func WithStateObserver(fn func(State)) Option {
	return func(e *Executor) { e.observe = fn }
}

// Executor runs turns. It holds no per-turn state and may be shared.
type Executor struct {
	depth   int
	logger  *logging.Logger
	observe func(State)
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		depth:  DefaultUnwrapDepth,
		logger: logging.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) enter(s State) {
	if e.observe != nil {
		e.observe(s)
	}
}

// Submit sends text to r and returns the concatenated response text. On
// failure it returns a *Failure and no partial text. Cancelling ctx stops
// the responder.
func (e *Executor) Submit(ctx context.Context, r Responder, text string) (string, error) {
	e.enter(Idle)
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.enter(AwaitingFragments)
	fragments := r.Invoke(ctx, text)

	var acc strings.Builder
	count := 0
	for {
		select {
		case f, ok := <-fragments:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", e.fail(AgentInvocation, err)
				}
				return e.reduce(acc.String(), count, start)
			}
			if f.Err != nil {
				return "", e.fail(AgentInvocation, f.Err)
			}
			part, err := unwrap(f, e.depth)
			if err != nil {
				return "", e.fail(AgentInvocation, err)
			}
			acc.WriteString(part)
			count++
		case <-ctx.Done():
			return "", e.fail(AgentInvocation, ctx.Err())
		}
	}
}

func (e *Executor) reduce(text string, count int, start time.Time) (string, error) {
	e.enter(Reducing)
	if text == "" {
		return "", e.fail(EmptyResponse, nil)
	}
	e.enter(Delivered)
	e.logger.Debugf("Turn delivered %d fragments, %d bytes in %s", count, len(text), logging.Since(start))
	return text, nil
}

func (e *Executor) fail(kind FailureKind, err error) *Failure {
	e.enter(Failed)
	f := &Failure{Kind: kind, Err: err}
	if kind == EmptyResponse {
		f.Message = "no response received from the agent"
	} else {
		f.Message = err.Error()
	}
	e.logger.Warnf("Turn failed (%s): %s", kind, f.Message)
	return f
}

// unwrap returns the text of f. depth counts f itself as the first level.
func unwrap(f agent.Fragment, depth int) (string, error) {
	for level := 1; ; level++ {
		if f.Kind == agent.KindText {
			return f.Text, nil
		}
		if f.Kind != agent.KindEnvelope {
			return "", fmt.Errorf("unknown fragment kind %d", f.Kind)
		}
		if level >= depth {
			return "", fmt.Errorf("fragment nested deeper than %d levels", depth)
		}
		if f.Inner == nil {
			return "", fmt.Errorf("envelope without content at level %d", level)
		}
		f = *f.Inner
	}
}

// UserMessage renders err for the end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, errors.ErrEmptyResponse) {
		return "No response received from the agent."
	}
	return "Error processing your request: " + err.Error()
}
