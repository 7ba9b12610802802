package model

import (
	"context"
	"errors"
	"fmt"
)

// RunContext carries the identity and tenancy of the workflow currently
// executing. It is immutable after construction and safe for concurrent
// reads.
type RunContext struct {
	WorkflowID    string
	WorkflowType  string
	CompanyID     string
	SessionID     string
	UserID        string
	CorrelationID string
	TraceID       string
}

// RunContextFor builds a RunContext from a workflow state.
func RunContextFor(s WorkflowState) *RunContext {
	return &RunContext{
		WorkflowID:   s.WorkflowID,
		WorkflowType: s.WorkflowType,
		CompanyID:    s.CompanyID,
		SessionID:    s.SessionID,
		UserID:       s.UserID,
	}
}

// Validate checks that all mandatory fields are present.
// WorkflowID and CompanyID must be non-empty.
func (rc *RunContext) Validate() error {
	var errs []error
	if rc.WorkflowID == "" {
		errs = append(errs, fmt.Errorf("WorkflowID is required"))
	}
	if rc.CompanyID == "" {
		errs = append(errs, fmt.Errorf("CompanyID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRunContext attaches a RunContext to the given context.
func WithRunContext(ctx context.Context, rctx *RunContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RunContextFrom extracts the RunContext from the context, or returns nil
// if not present.
func RunContextFrom(ctx context.Context) *RunContext {
	rctx, _ := ctx.Value(contextKey{}).(*RunContext)
	return rctx
}
