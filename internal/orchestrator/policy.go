package orchestrator

import (
	"github.com/pitabwire/sentinel/model"
)

// Interrupt reasons.
const (
	ReasonHumanReview     = "human_review"
	ReasonInterruptBefore = "interrupt_before"
	ReasonApproval        = "autonomy_approval"
	ReasonErrorBudget     = "error_budget"
	ReasonTurnBudget      = "turn_budget"
)

// Default budgets.
const (
	DefaultMaxErrors = 3
	DefaultMaxTurns  = 20
)

const approvedPrefix = "approved:"

// Policy holds the interrupt budgets.
type Policy struct {
	MaxErrors int
	MaxTurns  int
}

// DefaultPolicy returns the policy with default budgets.
func DefaultPolicy() Policy {
	return Policy{MaxErrors: DefaultMaxErrors, MaxTurns: DefaultMaxTurns}
}

// ShouldInterrupt applies DefaultPolicy.
func ShouldInterrupt(s model.WorkflowState, node string) (bool, string) {
	return DefaultPolicy().ShouldInterrupt(s, node)
}

// ShouldInterrupt reports whether the workflow must pause before running
// node, and why. Checks run in order: pending human review, an explicit
// interrupt_before match, approval required by autonomy level 1 before
// outward-facing steps, the error budget, then the turn budget.
func (p Policy) ShouldInterrupt(s model.WorkflowState, node string) (bool, string) {
	if s.RequiresHumanReview {
		return true, ReasonHumanReview
	}
	if s.InterruptBefore != "" && s.InterruptBefore == node {
		return true, ReasonInterruptBefore
	}
	if requiresApproval(s, node) {
		return true, ReasonApproval
	}
	if p.MaxErrors > 0 && s.ErrorCount >= p.MaxErrors {
		return true, ReasonErrorBudget
	}
	if p.MaxTurns > 0 && s.TurnCount >= p.MaxTurns {
		return true, ReasonTurnBudget
	}
	return false, ""
}

func requiresApproval(s model.WorkflowState, node string) bool {
	if node != model.StepNotification || s.AutonomyLevel != model.AutonomyTransparentHelper {
		return false
	}
	approved, _ := s.Metadata[approvedPrefix+node].(bool)
	return !approved
}

// isRetryable reports whether a node error may be re-attempted on the same
// node. Caller mistakes and safety or integrity failures are not.
func isRetryable(err error) bool {
	for _, code := range []string{
		model.ErrValidationError,
		model.ErrNotFound,
		model.ErrSafetyViolation,
		model.ErrWorkflowNotRunnable,
		model.ErrChainIntegrity,
	} {
		if model.IsCode(err, code) {
			return false
		}
	}
	return true
}
