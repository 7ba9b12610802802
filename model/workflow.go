package model

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

// Workflow status constants.
const (
	WorkflowStatusPending     WorkflowStatus = "PENDING"
	WorkflowStatusRunning     WorkflowStatus = "RUNNING"
	WorkflowStatusRetrying    WorkflowStatus = "RETRYING"
	WorkflowStatusInterrupted WorkflowStatus = "INTERRUPTED"
	WorkflowStatusCompleted   WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed      WorkflowStatus = "FAILED"
)

// IsTerminal returns true for COMPLETED and FAILED.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Workflow step names.
const (
	StepStateValidator     = "state_validator"
	StepRouter             = "router"
	StepRAGQuery           = "rag_query"
	StepComplianceCheck    = "compliance_check"
	StepEvidenceCollection = "evidence_collection"
	StepAssessment         = "assessment"
	StepPolicyGuidance     = "policy_guidance"
	StepNotification       = "notification"
	StepReporting          = "reporting"
	StepError              = "error"
)

// Route is the routing decision computed by the router node.
type Route string

// Route constants.
const (
	RouteComplianceCheck    Route = "compliance_check"
	RouteEvidenceCollection Route = "evidence_collection"
	RouteAssessment         Route = "assessment"
	RoutePolicyGuidance     Route = "policy_guidance"
	RouteGeneralQuery       Route = "general_query"
	RouteUnknown            Route = "unknown"
)

// Valid reports whether r is one of the defined routes. The empty route is
// valid and means "not routed yet".
func (r Route) Valid() bool {
	switch r {
	case "", RouteComplianceCheck, RouteEvidenceCollection, RouteAssessment,
		RoutePolicyGuidance, RouteGeneralQuery, RouteUnknown:
		return true
	}
	return false
}

// AutonomyLevel expresses how much the agent may act without human approval.
type AutonomyLevel int

// Autonomy levels.
const (
	AutonomyTransparentHelper AutonomyLevel = 1
	AutonomyTrustedAdvisor    AutonomyLevel = 2
	AutonomyAutonomousPartner AutonomyLevel = 3
)

// Valid reports whether the level is 1, 2 or 3.
func (a AutonomyLevel) Valid() bool {
	return a >= AutonomyTransparentHelper && a <= AutonomyAutonomousPartner
}

func (a AutonomyLevel) String() string {
	switch a {
	case AutonomyTransparentHelper:
		return "transparent_helper"
	case AutonomyTrustedAdvisor:
		return "trusted_advisor"
	case AutonomyAutonomousPartner:
		return "autonomous_partner"
	default:
		return fmt.Sprintf("autonomy(%d)", int(a))
	}
}

// Role tags a conversation turn.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// DependencyStatus records whether an external collaborator answered.
type DependencyStatus string

// Dependency status values.
const (
	DependencyOK       DependencyStatus = "ok"
	DependencyDegraded DependencyStatus = "degraded"
)

// Message is a single role-tagged conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BusinessProfile is the tenancy context the router and compliance nodes
// reason about.
type BusinessProfile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Industry     string   `json:"industry"`
	Country      string   `json:"country"`
	EmployeeSize int      `json:"employee_size"`
	Regulations  []string `json:"regulations,omitempty"`
	HandlesPII   bool     `json:"handles_pii"`
}

// Document is a retrieved knowledge-base chunk.
type Document struct {
	ID      string         `json:"id"`
	Source  string         `json:"source"`
	Content string         `json:"content"`
	Score   float64        `json:"score"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Obligation is a compliance requirement surfaced for the current profile.
type Obligation struct {
	ID           string  `json:"id"`
	RegulationID string  `json:"regulation_id"`
	Title        string  `json:"title"`
	Sufficiency  float64 `json:"sufficiency"`
	Satisfied    bool    `json:"satisfied"`
}

// EvidenceItem links an evidence artifact to the obligation it supports.
type EvidenceItem struct {
	ID           string  `json:"id"`
	ObligationID string  `json:"obligation_id"`
	ControlID    string  `json:"control_id"`
	Title        string  `json:"title"`
	Weight       float64 `json:"weight"`
}

// ToolCall records one external tool or LLM invocation made by a node.
type ToolCall struct {
	ID           string        `json:"id"`
	Node         string        `json:"node"`
	Tool         string        `json:"tool"`
	Succeeded    bool          `json:"succeeded"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TokenUsage accumulates token counts across the workflow.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// FallbackResponse is the record produced when a node fails.
type FallbackResponse struct {
	Node      string    `json:"node"`
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Response  string    `json:"response"`
	Retryable bool      `json:"retryable"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is one durable trace line of workflow execution.
type HistoryEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	CurrentStep string         `json:"current_step"`
	Details     map[string]any `json:"details,omitempty"`
}

// WorkflowState is the value threaded through the agent. It is owned by a
// single workflow instance and passed by value between node functions.
type WorkflowState struct {
	WorkflowID   string `json:"workflow_id"`
	ThreadID     string `json:"thread_id"`
	WorkflowType string `json:"workflow_type"`

	Messages []Message `json:"messages"`

	Route       Route  `json:"route,omitempty"`
	CurrentNode string `json:"current_node,omitempty"`
	NextNode    string `json:"next_node,omitempty"`

	Status         WorkflowStatus `json:"workflow_status"`
	StepsRemaining []string       `json:"steps_remaining"`
	StepsCompleted []string       `json:"steps_completed,omitempty"`

	CompanyID string           `json:"company_id"`
	Profile   *BusinessProfile `json:"profile,omitempty"`
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id,omitempty"`

	RetrievedDocs       []Document     `json:"retrieved_docs,omitempty"`
	RelevantObligations []Obligation   `json:"relevant_obligations,omitempty"`
	CollectedEvidence   []EvidenceItem `json:"collected_evidence,omitempty"`

	ToolOutputs   map[string]any `json:"tool_outputs,omitempty"`
	ToolCallsMade []ToolCall     `json:"tool_calls_made,omitempty"`
	ToolCallCount int            `json:"tool_call_count"`

	Errors     []FallbackResponse `json:"errors,omitempty"`
	ErrorCount int                `json:"error_count"`

	TurnCount      int  `json:"turn_count"`
	MaxRetries     int  `json:"max_retries"`
	RetryCount     int  `json:"retry_count"`
	ShouldContinue bool `json:"should_continue"`

	AutonomyLevel       AutonomyLevel `json:"autonomy_level"`
	RequiresHumanReview bool          `json:"requires_human_review"`
	InterruptBefore     string        `json:"interrupt_before,omitempty"`
	InterruptReason     string        `json:"interrupt_reason,omitempty"`

	TokenUsage   TokenUsage `json:"token_usage"`
	CostEstimate float64    `json:"cost_estimate"`

	DependencyStatus  map[string]DependencyStatus `json:"dependency_status,omitempty"`
	SafetyDecisionIDs []string                    `json:"safety_decision_ids,omitempty"`
	History           []HistoryEntry              `json:"history,omitempty"`
	Metadata          map[string]any              `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastUserMessage returns the most recent user turn, if any.
func (s WorkflowState) LastUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// Clone returns a deep copy so that node transforms never alias the
// caller's slices and maps. Values stored in ToolOutputs and Metadata are
// copied shallowly.
func (s WorkflowState) Clone() WorkflowState {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	c.StepsRemaining = append([]string(nil), s.StepsRemaining...)
	c.StepsCompleted = append([]string(nil), s.StepsCompleted...)
	c.RetrievedDocs = append([]Document(nil), s.RetrievedDocs...)
	c.RelevantObligations = append([]Obligation(nil), s.RelevantObligations...)
	c.CollectedEvidence = append([]EvidenceItem(nil), s.CollectedEvidence...)
	c.ToolCallsMade = append([]ToolCall(nil), s.ToolCallsMade...)
	c.Errors = append([]FallbackResponse(nil), s.Errors...)
	c.SafetyDecisionIDs = append([]string(nil), s.SafetyDecisionIDs...)
	c.History = append([]HistoryEntry(nil), s.History...)

	if s.Profile != nil {
		p := *s.Profile
		p.Regulations = append([]string(nil), s.Profile.Regulations...)
		c.Profile = &p
	}
	c.ToolOutputs = cloneMap(s.ToolOutputs)
	c.Metadata = cloneMap(s.Metadata)
	if s.DependencyStatus != nil {
		c.DependencyStatus = make(map[string]DependencyStatus, len(s.DependencyStatus))
		for k, v := range s.DependencyStatus {
			c.DependencyStatus[k] = v
		}
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
