package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/internal/state"
	"github.com/pitabwire/sentinel/model"
)

const blockedResponse = "I can't help with that request. It has been logged for review."

// ContentNodeError is the content type of decisions recorded for safety
// violations raised by a node.
const ContentNodeError = "node_error"

// DecisionRecorder durably records safety decisions. A repeated input
// returns the record already written instead of appending a second one.
// *ledger.Ledger satisfies it.
type DecisionRecorder interface {
	AppendOnce(ctx context.Context, in model.DecisionInput) (model.SafetyDecision, bool, error)
}

// Orchestrator runs workflows over a node graph.
type Orchestrator struct {
	graph    *Graph
	recorder DecisionRecorder
	policy   Policy
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the interrupt budgets.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator over graph that records safety decisions
// through recorder.
func New(graph *Graph, recorder DecisionRecorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:    graph,
		recorder: recorder,
		policy:   DefaultPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the interrupt policy in effect.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Run drives s until it completes, fails, pauses at an interrupt boundary,
// or a node clears ShouldContinue. Node failures are absorbed into the state
// by the retry policy; only ledger write failures, cancellation and
// non-runnable input are returned as errors.
func (o *Orchestrator) Run(ctx context.Context, s model.WorkflowState) (model.WorkflowState, error) {
	if s.Status.IsTerminal() {
		return s, model.NewWorkflowNotRunnableError(fmt.Sprintf("workflow %s is %s", s.WorkflowID, s.Status))
	}
	if s.Status == model.WorkflowStatusInterrupted {
		return s, model.NewWorkflowNotRunnableError(fmt.Sprintf("workflow %s is interrupted (%s); resume it first", s.WorkflowID, s.InterruptReason))
	}
	rctx := model.RunContextFor(s)
	if err := rctx.Validate(); err != nil {
		return s, model.NewValidationError([]model.FieldError{
			{Field: "state", Code: "IDENTITY", Message: err.Error()},
		})
	}
	if !s.AutonomyLevel.Valid() {
		return s, model.NewValidationError([]model.FieldError{
			{Field: "autonomy_level", Code: "OUT_OF_RANGE", Message: fmt.Sprintf("autonomy_level %d must be 1, 2 or 3", s.AutonomyLevel)},
		})
	}
	rctx.TraceID = observability.TraceIDFromContext(ctx)
	ctx = model.WithRunContext(ctx, rctx)
	logger := observability.WorkflowLogger(ctx, o.logger)

	s = s.Clone()
	if s.Status != model.WorkflowStatusRetrying {
		s.Status = model.WorkflowStatusRunning
	}
	s.ShouldContinue = true

	o.metrics.RecordWorkflowStart()
	logger.Info("workflow run started",
		zap.String("status", string(s.Status)),
		zap.Strings("steps_remaining", s.StepsRemaining),
		zap.Int("turn_count", s.TurnCount),
	)

	var err error
	s, err = o.loop(ctx, logger, s)

	o.metrics.RecordWorkflowEnd(s.WorkflowType, string(s.Status))
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Int("turn_count", s.TurnCount),
		zap.Int("error_count", s.ErrorCount),
		zap.Float64("cost_estimate", s.CostEstimate),
	}
	if err != nil {
		logger.Error("workflow run aborted", append(fields, zap.Error(err))...)
	} else {
		logger.Info("workflow run stopped", fields...)
	}
	return s, err
}

func (o *Orchestrator) loop(ctx context.Context, logger *zap.Logger, s model.WorkflowState) (model.WorkflowState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		node, ok := nextNode(s)
		if !ok {
			s.Status = model.WorkflowStatusCompleted
			s.CurrentNode = ""
			s.ShouldContinue = false
			return state.AddStateHistory(s, "workflow_completed", nil), nil
		}

		if pause, reason := o.policy.ShouldInterrupt(s, node); pause {
			s.Status = model.WorkflowStatusInterrupted
			s.InterruptReason = reason
			s.NextNode = node
			s = state.AddStateHistory(s, "workflow_interrupted", map[string]any{"reason": reason, "before": node})
			o.metrics.RecordInterrupt(reason)
			logger.Warn("workflow interrupted", zap.String("reason", reason), zap.String("before", node))
			return s, nil
		}

		var err error
		s, err = o.step(ctx, logger, s, node)
		if err != nil {
			return s, err
		}
		if s.Status.IsTerminal() {
			return s, nil
		}
		if !s.ShouldContinue {
			s.Status = model.WorkflowStatusCompleted
			return state.AddStateHistory(s, "workflow_completed", map[string]any{"stopped_by": node}), nil
		}
	}
}

// step runs one node and folds its outcome into s.
func (o *Orchestrator) step(ctx context.Context, logger *zap.Logger, s model.WorkflowState, node string) (model.WorkflowState, error) {
	before := s
	s.NextNode = ""
	s.CurrentNode = node
	attempt := s.RetryCount + 1

	ctx, span := observability.StartSpan(ctx, "node."+node,
		observability.AttrNode.String(node),
		observability.AttrWorkflowID.String(s.WorkflowID),
		observability.AttrWorkflowType.String(s.WorkflowType),
		observability.AttrCompanyID.String(s.CompanyID),
		observability.AttrAttempt.Int(attempt),
	)
	start := time.Now()

	res, err := o.runNode(ctx, s, node)
	observability.EndSpanWithError(span, err)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.RecordNodeExecution(node, "error", elapsed)
		next, recErr := o.handleNodeError(ctx, logger, s, node, err)
		if recErr != nil {
			return before, recErr
		}
		return next, nil
	}

	next := keepMonotonic(s, res.State)
	next.CurrentNode = node
	next.TurnCount = s.TurnCount + 1
	next.RetryCount = 0
	if next.Status == model.WorkflowStatusRetrying {
		next.Status = model.WorkflowStatusRunning
	}

	if res.Safety != nil {
		rec, err := o.record(ctx, s, node, *res.Safety)
		if err != nil {
			o.metrics.RecordNodeExecution(node, "error", elapsed)
			return before, fmt.Errorf("recording safety decision from %s: %w", node, err)
		}
		next.SafetyDecisionIDs = append(next.SafetyDecisionIDs, rec.ID)
		next = o.applyDecision(logger, next, node, rec)
	}

	next = state.CompleteStep(next, node)
	next = state.AddStateHistory(next, "node_completed", map[string]any{
		"node":        node,
		"duration_ms": elapsed.Milliseconds(),
	})
	o.metrics.RecordNodeExecution(node, "ok", elapsed)
	logger.Debug("node completed",
		zap.String("node", node),
		zap.Duration("duration", elapsed),
		zap.String("next_node", next.NextNode),
	)
	return next, nil
}

// record appends a node's decision. The workflow, node and turn are added to
// the metadata so a replay of the same turn after an unacknowledged write
// resolves to the record already in the ledger.
func (o *Orchestrator) record(ctx context.Context, s model.WorkflowState, node string, in model.DecisionInput) (model.SafetyDecision, error) {
	meta := make(map[string]any, len(in.Metadata)+3)
	maps.Copy(meta, in.Metadata)
	meta["workflow_id"] = s.WorkflowID
	meta["node"] = node
	meta["turn"] = s.TurnCount
	in.Metadata = meta

	rec, _, err := o.recorder.AppendOnce(ctx, in)
	return rec, err
}

func (o *Orchestrator) runNode(ctx context.Context, s model.WorkflowState, name string) (NodeResult, error) {
	n, err := o.graph.Node(name)
	if err != nil {
		return NodeResult{}, err
	}
	return n.Run(ctx, s.Clone())
}

// applyDecision reacts to a recorded safety decision. Block ends the
// workflow; escalate requests human review at the next boundary.
func (o *Orchestrator) applyDecision(logger *zap.Logger, s model.WorkflowState, node string, rec model.SafetyDecision) model.WorkflowState {
	switch rec.Decision {
	case model.DecisionBlock:
		s.Status = model.WorkflowStatusFailed
		s.ShouldContinue = false
		s = state.AppendMessage(s, model.RoleAssistant, blockedResponse)
		s = state.AddStateHistory(s, "safety_block", map[string]any{"node": node, "decision_id": rec.ID})
		logger.Warn("workflow blocked by safety decision",
			zap.String("node", node),
			zap.String("decision_id", rec.ID),
			zap.Strings("filters", rec.AppliedFilters),
		)
	case model.DecisionEscalate:
		s.RequiresHumanReview = true
		s = state.AddStateHistory(s, "safety_escalation", map[string]any{"node": node, "decision_id": rec.ID})
		logger.Warn("safety decision escalated for human review",
			zap.String("node", node),
			zap.String("decision_id", rec.ID),
		)
	}
	return s
}

// handleNodeError applies the retry policy: the error is recorded; a safety
// violation is written to the ledger and fails the workflow; a validator
// failure fails it too, since unscreened input must not reach later nodes;
// past the retry bound the workflow fails; retryable errors re-attempt the
// node and others route to the error node. Only a ledger write failure is
// returned.
func (o *Orchestrator) handleNodeError(ctx context.Context, logger *zap.Logger, s model.WorkflowState, node string, err error) (model.WorkflowState, error) {
	if model.IsCode(err, model.ErrSafetyViolation) {
		return o.failOnViolation(ctx, logger, s, node, err)
	}

	retryable := isRetryable(err)
	s = state.RecordError(s, node, err, retryable, fallbackFor(node))
	s.RetryCount++
	s.TurnCount++

	log := logger.With(
		zap.String("node", node),
		zap.Int("retry_count", s.RetryCount),
		zap.Int("max_retries", s.MaxRetries),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)

	switch {
	case node == model.StepStateValidator && !retryable:
		s.Status = model.WorkflowStatusFailed
		s.ShouldContinue = false
		s = state.AddStateHistory(s, "validation_failed", map[string]any{"node": node})
		log.Warn("input validation failed, workflow failed")
	case s.RetryCount > s.MaxRetries:
		s.Status = model.WorkflowStatusFailed
		s.ShouldContinue = false
		s = state.AddStateHistory(s, "workflow_failed", map[string]any{"node": node, "retry_count": s.RetryCount})
		log.Warn("retry budget exhausted, workflow failed")
	case retryable:
		s.Status = model.WorkflowStatusRetrying
		s.NextNode = node
		s = state.AddStateHistory(s, "node_retry", map[string]any{"node": node, "attempt": s.RetryCount})
		o.metrics.RecordNodeRetry(node)
		log.Warn("node failed, retrying")
	default:
		s.NextNode = model.StepError
		s = state.AddStateHistory(s, "node_failed", map[string]any{"node": node})
		log.Warn("node failed, routing to error node")
	}
	return s, nil
}

// failOnViolation records a node-raised safety violation as a block decision
// and fails the workflow. If the ledger write fails the error is returned
// and the state is left untouched.
func (o *Orchestrator) failOnViolation(ctx context.Context, logger *zap.Logger, s model.WorkflowState, node string, err error) (model.WorkflowState, error) {
	subj := subjectOf(s)
	rec, recErr := o.record(ctx, s, node, model.DecisionInput{
		OrgID:             subj.OrgID,
		BusinessProfileID: subj.BusinessProfileID,
		UserID:            subj.UserID,
		ConversationID:    subj.ConversationID,
		ContentType:       ContentNodeError,
		Content:           err.Error(),
		Decision:          model.DecisionBlock,
		Confidence:        1,
		AppliedFilters:    []string{node},
		Metadata:          map[string]any{"error_code": model.ErrSafetyViolation},
	})
	if recErr != nil {
		return s, fmt.Errorf("recording safety violation from %s: %w", node, recErr)
	}

	s = state.RecordError(s, node, err, false, blockedResponse)
	s.TurnCount++
	s.SafetyDecisionIDs = append(s.SafetyDecisionIDs, rec.ID)
	s.Status = model.WorkflowStatusFailed
	s.ShouldContinue = false
	s = state.AppendMessage(s, model.RoleAssistant, blockedResponse)
	s = state.AddStateHistory(s, "safety_violation", map[string]any{"node": node, "decision_id": rec.ID})
	logger.Warn("node raised a safety violation",
		zap.String("node", node),
		zap.String("decision_id", rec.ID),
		zap.Error(err),
	)
	return s, nil
}

// ResumeOptions describe the external action that resumes a paused
// workflow.
type ResumeOptions struct {
	// ClearHumanReview acknowledges a pending human review.
	ClearHumanReview bool
	// Approve grants approval for the pending node when autonomy requires it.
	Approve bool
	// Message is appended as a user turn when non-empty.
	Message string
}

// Resume clears the interrupt of a paused workflow so Run can continue it.
// Budgets are not reset: a workflow paused on its error or turn budget
// pauses again at the next boundary unless the caller raises the limits.
func Resume(s model.WorkflowState, opts ResumeOptions) (model.WorkflowState, error) {
	if s.Status != model.WorkflowStatusInterrupted {
		return s, model.NewWorkflowNotRunnableError(
			fmt.Sprintf("workflow %s is %s, not interrupted", s.WorkflowID, s.Status),
		)
	}
	s = s.Clone()
	reason := s.InterruptReason
	if opts.ClearHumanReview {
		s.RequiresHumanReview = false
	}
	if reason == ReasonInterruptBefore {
		s.InterruptBefore = ""
	}
	if opts.Approve && s.NextNode != "" {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata[approvedPrefix+s.NextNode] = true
	}
	if opts.Message != "" {
		s = state.AppendMessage(s, model.RoleUser, opts.Message)
	}
	s.InterruptReason = ""
	s.Status = model.WorkflowStatusRunning
	s.ShouldContinue = true
	return state.AddStateHistory(s, "workflow_resumed", map[string]any{"reason": reason}), nil
}

// nextNode picks an explicit NextNode first, then the head of the plan.
func nextNode(s model.WorkflowState) (string, bool) {
	if s.NextNode != "" {
		return s.NextNode, true
	}
	if len(s.StepsRemaining) > 0 {
		return s.StepsRemaining[0], true
	}
	return "", false
}

// keepMonotonic stops a node from rolling back counters that only grow.
func keepMonotonic(prev, next model.WorkflowState) model.WorkflowState {
	next.ErrorCount = max(next.ErrorCount, prev.ErrorCount)
	next.TurnCount = max(next.TurnCount, prev.TurnCount)
	if len(next.Messages) < len(prev.Messages) {
		next.Messages = prev.Messages
	}
	return next
}

func fallbackFor(node string) string {
	return fmt.Sprintf("I ran into a problem during %s and skipped it. The rest of the analysis continues.", node)
}
