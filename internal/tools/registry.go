// Package tools holds the external dependencies workflow nodes call
// (retrievers, notifiers, evidence collectors), each guarded by its own
// circuit breaker.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/config"
	"github.com/pitabwire/sentinel/internal/observability"
)

// ErrUnavailable is returned when a tool is not registered or its breaker
// is open.
var ErrUnavailable = errors.New("tool unavailable")

// Input is what a node passes to a tool.
type Input struct {
	WorkflowID string
	CompanyID  string
	Query      string
	Args       map[string]any
}

// Output is a tool's result plus the usage it incurred.
type Output struct {
	Data         map[string]any
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Tool is an external dependency callable by workflow nodes.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, in Input) (Output, error)
}

// Name returns the tool name.
func (f Func) Name() string { return f.ToolName }

// Invoke calls the wrapped function.
func (f Func) Invoke(ctx context.Context, in Input) (Output, error) { return f.Fn(ctx, in) }

type entry struct {
	tool    Tool
	breaker *Breaker
}

// Registry dispatches invocations to registered tools through their
// circuit breakers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	cfg     config.CircuitBreakerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. Each registered tool gets a breaker
// built from cfg.
func NewRegistry(cfg config.CircuitBreakerConfig, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	breaker := NewBreaker(r.cfg, func(s BreakerState) {
		r.metrics.SetToolCircuitBreakerState(name, float64(s))
		r.logger.Warn("tool circuit breaker state changed",
			zap.String("tool", name),
			zap.String("state", s.String()),
		)
	})

	r.mu.Lock()
	r.tools[name] = &entry{tool: t, breaker: breaker}
	r.mu.Unlock()

	r.metrics.SetToolCircuitBreakerState(name, float64(BreakerClosed))
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BreakerState returns the breaker state for a tool.
func (r *Registry) BreakerState(name string) (BreakerState, bool) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed, false
	}
	return e.breaker.State(), true
}

// Invoke calls the named tool. It returns an error wrapping ErrUnavailable
// when the tool is missing or its breaker is open; tool errors count as
// breaker failures.
func (r *Registry) Invoke(ctx context.Context, name string, in Input) (Output, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordToolInvocation(name, "unavailable")
		return Output{}, fmt.Errorf("%w: %q is not registered", ErrUnavailable, name)
	}
	if !e.breaker.Allow() {
		r.metrics.RecordToolInvocation(name, "unavailable")
		return Output{}, fmt.Errorf("%w: %q circuit breaker is open", ErrUnavailable, name)
	}

	ctx, span := observability.StartSpan(ctx, "tool."+name, observability.AttrTool.String(name))
	observability.LoggerFrom(ctx, r.logger).Debug("invoking tool",
		zap.String("tool", name),
		zap.String("workflow_id", in.WorkflowID),
		zap.Any("args", observability.RedactFields(in.Args, nil)),
	)
	start := time.Now()
	out, err := e.tool.Invoke(ctx, in)
	observability.EndSpanWithError(span, err)

	if err != nil {
		e.breaker.Failure()
		r.metrics.RecordToolInvocation(name, "error")
		observability.LoggerFrom(ctx, r.logger).Warn("tool invocation failed",
			zap.String("tool", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return Output{}, fmt.Errorf("tool %q: %w", name, err)
	}
	e.breaker.Success()
	r.metrics.RecordToolInvocation(name, "ok")
	return out, nil
}
