package model

import (
	"fmt"
	"time"
)

// Decision is the outcome of a safety evaluation. Exactly four values exist.
type Decision string

// Decision values.
const (
	DecisionAllow    Decision = "allow"
	DecisionBlock    Decision = "block"
	DecisionModify   Decision = "modify"
	DecisionEscalate Decision = "escalate"
)

// Valid reports whether d is one of the four allowed decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionBlock, DecisionModify, DecisionEscalate:
		return true
	}
	return false
}

// IsViolation is true for block and escalate.
func (d Decision) IsViolation() bool {
	return d == DecisionBlock || d == DecisionEscalate
}

// Severity orders decisions so the strongest verdict can win.
func (d Decision) Severity() int {
	switch d {
	case DecisionAllow:
		return 0
	case DecisionModify:
		return 1
	case DecisionEscalate:
		return 2
	case DecisionBlock:
		return 3
	}
	return -1
}

// ParseDecision converts a string into a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid decision %q", s)
	}
	return d, nil
}

// DecisionInput is what a safety-evaluation node hands to the ledger.
type DecisionInput struct {
	OrgID             string         `json:"org_id,omitempty"`
	BusinessProfileID string         `json:"business_profile_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	ContentType       string         `json:"content_type"`
	Content           string         `json:"content"`
	Decision          Decision       `json:"decision"`
	Confidence        float64        `json:"confidence"`
	AppliedFilters    []string       `json:"applied_filters"`
	Metadata          map[string]any `json:"metadata"`
}

// SafetyDecision is an append-only ledger record. It is never updated or
// deleted once written.
type SafetyDecision struct {
	ID                string         `json:"id"`
	Seq               int64          `json:"seq"`
	OrgID             string         `json:"org_id,omitempty"`
	BusinessProfileID string         `json:"business_profile_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	ContentType       string         `json:"content_type"`
	Decision          Decision       `json:"decision"`
	Confidence        float64        `json:"confidence"`
	AppliedFilters    []string       `json:"applied_filters"`
	Metadata          map[string]any `json:"metadata"`
	RequestHash       string         `json:"request_hash"`
	PrevHash          string         `json:"prev_hash,omitempty"`
	RecordHash        string         `json:"record_hash"`
	CreatedAt         time.Time      `json:"created_at"`
}

// LedgerFilter scopes a read-only ledger query. Exactly one of OrgID,
// BusinessProfileID or UserID is normally set; zero times are open bounds.
type LedgerFilter struct {
	OrgID             string
	BusinessProfileID string
	UserID            string
	From              time.Time
	To                time.Time
	Limit             int
	Offset            int
}
