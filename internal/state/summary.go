package state

import (
	"errors"
	"sort"

	"github.com/pitabwire/sentinel/model"
)

// Summary is a compact view of a workflow state for logging and
// observability.
type Summary struct {
	WorkflowID           string               `json:"workflow_id"`
	Status               model.WorkflowStatus `json:"status"`
	CurrentNode          string               `json:"current_node,omitempty"`
	Route                model.Route          `json:"route,omitempty"`
	TurnCount            int                  `json:"turn_count"`
	ErrorCount           int                  `json:"error_count"`
	RetryCount           int                  `json:"retry_count"`
	ToolCallCount        int                  `json:"tool_call_count"`
	TokenUsage           model.TokenUsage     `json:"token_usage"`
	CostEstimate         float64              `json:"cost_estimate"`
	ObligationsFound     int                  `json:"obligations_found"`
	EvidenceCollected    int                  `json:"evidence_collected"`
	DocumentsRetrieved   int                  `json:"documents_retrieved"`
	StepsRemaining       []string             `json:"steps_remaining"`
	StepsCompleted       int                  `json:"steps_completed"`
	RequiresHumanReview  bool                 `json:"requires_human_review"`
	InterruptReason      string               `json:"interrupt_reason,omitempty"`
	AutonomyLevel        model.AutonomyLevel  `json:"autonomy_level"`
	DegradedDependencies []string             `json:"degraded_dependencies,omitempty"`
	SafetyDecisions      int                  `json:"safety_decisions"`
}

// GetStateSummary builds a Summary.
func GetStateSummary(s model.WorkflowState) Summary {
	var degraded []string
	for name, st := range s.DependencyStatus {
		if st == model.DependencyDegraded {
			degraded = append(degraded, name)
		}
	}
	sort.Strings(degraded)

	return Summary{
		WorkflowID:           s.WorkflowID,
		Status:               s.Status,
		CurrentNode:          s.CurrentNode,
		Route:                s.Route,
		TurnCount:            s.TurnCount,
		ErrorCount:           s.ErrorCount,
		RetryCount:           s.RetryCount,
		ToolCallCount:        s.ToolCallCount,
		TokenUsage:           s.TokenUsage,
		CostEstimate:         s.CostEstimate,
		ObligationsFound:     len(s.RelevantObligations),
		EvidenceCollected:    len(s.CollectedEvidence),
		DocumentsRetrieved:   len(s.RetrievedDocs),
		StepsRemaining:       append([]string(nil), s.StepsRemaining...),
		StepsCompleted:       len(s.StepsCompleted),
		RequiresHumanReview:  s.RequiresHumanReview,
		InterruptReason:      s.InterruptReason,
		AutonomyLevel:        s.AutonomyLevel,
		DegradedDependencies: degraded,
		SafetyDecisions:      len(s.SafetyDecisionIDs),
	}
}

func asEnvelope(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return nil
}
