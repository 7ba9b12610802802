// Package state constructs workflow states and performs the bookkeeping
// updates nodes apply to them. Every function here is a pure value
// transform: nothing performs I/O.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/sentinel/model"
)

const (
	// DefaultMaxRetries is used when the caller passes a non-positive value.
	DefaultMaxRetries = 3
	// DefaultAutonomyLevel is the autonomy of a new workflow.
	DefaultAutonomyLevel = model.AutonomyTrustedAdvisor
)

// InitialStateParams are the inputs of NewInitialState.
type InitialStateParams struct {
	WorkflowID     string
	WorkflowType   string
	CompanyID      string
	SessionID      string
	UserID         string
	InitialMessage string
	MaxRetries     int
	AutonomyLevel  model.AutonomyLevel
	Profile        *model.BusinessProfile
	Metadata       map[string]any

	// Plans resolves the step plan; the built-in registry is used when nil.
	Plans *PlanRegistry
}

// NewInitialState creates the state for a new workflow session and seeds
// its step plan from the workflow type.
func NewInitialState(p InitialStateParams) (model.WorkflowState, error) {
	if p.CompanyID == "" {
		return model.WorkflowState{}, model.NewValidationError([]model.FieldError{
			{Field: "company_id", Code: "REQUIRED", Message: "company_id is required"},
		})
	}
	if p.AutonomyLevel == 0 {
		p.AutonomyLevel = DefaultAutonomyLevel
	}
	if !p.AutonomyLevel.Valid() {
		return model.WorkflowState{}, model.NewValidationError([]model.FieldError{
			{Field: "autonomy_level", Code: "OUT_OF_RANGE", Message: fmt.Sprintf("autonomy_level must be 1, 2 or 3, got %d", p.AutonomyLevel)},
		})
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}

	workflowID := p.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	plans := p.Plans
	if plans == nil {
		plans = defaultRegistry
	}
	steps, _ := plans.Plan(p.WorkflowType)

	metadata := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	now := time.Now().UTC()
	s := model.WorkflowState{
		WorkflowID:       workflowID,
		ThreadID:         workflowID,
		WorkflowType:     p.WorkflowType,
		Messages:         []model.Message{},
		Status:           model.WorkflowStatusPending,
		StepsRemaining:   steps,
		CompanyID:        p.CompanyID,
		Profile:          p.Profile,
		SessionID:        p.SessionID,
		UserID:           p.UserID,
		ToolOutputs:      make(map[string]any),
		MaxRetries:       p.MaxRetries,
		ShouldContinue:   true,
		AutonomyLevel:    p.AutonomyLevel,
		DependencyStatus: make(map[string]model.DependencyStatus),
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if p.InitialMessage != "" {
		s = AppendMessage(s, model.RoleUser, p.InitialMessage)
	}
	s = AddStateHistory(s, "workflow_created", map[string]any{
		"workflow_type": p.WorkflowType,
		"steps":         len(steps),
	})
	return s, nil
}

// UpdateStateTimestamp refreshes UpdatedAt.
func UpdateStateTimestamp(s model.WorkflowState) model.WorkflowState {
	s.UpdatedAt = time.Now().UTC()
	return s
}

// AddStateHistory appends a history entry for the current step.
func AddStateHistory(s model.WorkflowState, action string, details map[string]any) model.WorkflowState {
	step := s.CurrentNode
	if step == "" && len(s.StepsRemaining) > 0 {
		step = s.StepsRemaining[0]
	}
	now := time.Now().UTC()
	s.History = append(s.History, model.HistoryEntry{
		Timestamp:   now,
		Action:      action,
		CurrentStep: step,
		Details:     details,
	})
	s.UpdatedAt = now
	return s
}

// AppendMessage appends a role-tagged turn.
func AppendMessage(s model.WorkflowState, role model.Role, content string) model.WorkflowState {
	s.Messages = append(s.Messages, model.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return s
}

// CompleteStep records that step finished and removes it from the head of
// the plan when it is there.
func CompleteStep(s model.WorkflowState, step string) model.WorkflowState {
	if len(s.StepsRemaining) > 0 && s.StepsRemaining[0] == step {
		s.StepsRemaining = s.StepsRemaining[1:]
	}
	s.StepsCompleted = append(s.StepsCompleted, step)
	return s
}
