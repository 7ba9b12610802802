package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/sentinel/model"
)

// CostModel prices tokens in currency units per million tokens.
type CostModel struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Estimate returns the cost of the given token counts.
func (c CostModel) Estimate(input, output int) float64 {
	return float64(input)*c.InputPerMillion/1e6 + float64(output)*c.OutputPerMillion/1e6
}

// ToolCallRecord describes an invocation to be tallied.
type ToolCallRecord struct {
	Node         string
	Tool         string
	Succeeded    bool
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     time.Duration
}

// RecordToolCall appends the call to ToolCallsMade, bumps ToolCallCount and
// folds its tokens and cost into the running totals.
func RecordToolCall(s model.WorkflowState, rec ToolCallRecord) model.WorkflowState {
	s.ToolCallsMade = append(s.ToolCallsMade, model.ToolCall{
		ID:           uuid.New().String(),
		Node:         rec.Node,
		Tool:         rec.Tool,
		Succeeded:    rec.Succeeded,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Cost:         rec.Cost,
		Duration:     rec.Duration,
		Timestamp:    time.Now().UTC(),
	})
	s.ToolCallCount++
	s = AddTokenUsage(s, rec.InputTokens, rec.OutputTokens)
	return AddCost(s, rec.Cost)
}

// AddTokenUsage accumulates token counts. Negative counts are ignored.
func AddTokenUsage(s model.WorkflowState, input, output int) model.WorkflowState {
	if input > 0 {
		s.TokenUsage.Input += input
	}
	if output > 0 {
		s.TokenUsage.Output += output
	}
	s.TokenUsage.Total = s.TokenUsage.Input + s.TokenUsage.Output
	return s
}

// AddCost accumulates the running cost estimate. Negative amounts are ignored.
func AddCost(s model.WorkflowState, amount float64) model.WorkflowState {
	if amount > 0 {
		s.CostEstimate += amount
	}
	return s
}

// RecordError wraps a node failure into a fallback-response record and
// bumps ErrorCount.
func RecordError(s model.WorkflowState, node string, err error, retryable bool, fallback string) model.WorkflowState {
	code := model.ErrInternalError
	if env := asEnvelope(err); env != nil {
		code = env.Code
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.Errors = append(s.Errors, model.FallbackResponse{
		Node:      node,
		Error:     msg,
		Code:      code,
		Response:  fallback,
		Retryable: retryable,
		Attempt:   s.RetryCount + 1,
		Timestamp: time.Now().UTC(),
	})
	s.ErrorCount++
	return s
}

// SetToolOutput stores a node or tool output under key.
func SetToolOutput(s model.WorkflowState, key string, value any) model.WorkflowState {
	if s.ToolOutputs == nil {
		s.ToolOutputs = make(map[string]any)
	}
	s.ToolOutputs[key] = value
	return s
}

// MarkDependency records the availability of a named dependency.
func MarkDependency(s model.WorkflowState, name string, status model.DependencyStatus) model.WorkflowState {
	if s.DependencyStatus == nil {
		s.DependencyStatus = make(map[string]model.DependencyStatus)
	}
	s.DependencyStatus[name] = status
	return s
}
