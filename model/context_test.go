package model

import (
	"context"
	"testing"
)

func TestRunContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RunContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RunContext{WorkflowID: "wf-1", CompanyID: "acme"},
			wantErr: false,
		},
		{
			name:    "missing WorkflowID",
			rc:      &RunContext{CompanyID: "acme"},
			wantErr: true,
		},
		{
			name:    "missing CompanyID",
			rc:      &RunContext{WorkflowID: "wf-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RunContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunContextFor(t *testing.T) {
	s := WorkflowState{WorkflowID: "wf-1", WorkflowType: "compliance_check", CompanyID: "acme", SessionID: "s-1", UserID: "u-1"}
	rc := RunContextFor(s)
	if rc.WorkflowID != "wf-1" || rc.CompanyID != "acme" || rc.SessionID != "s-1" || rc.UserID != "u-1" {
		t.Errorf("RunContextFor() = %+v", rc)
	}
}

func TestWithRunContext_roundTrip(t *testing.T) {
	rc := &RunContext{WorkflowID: "wf-1", CompanyID: "acme"}
	ctx := WithRunContext(context.Background(), rc)
	if got := RunContextFrom(ctx); got != rc {
		t.Errorf("RunContextFrom() = %p, want %p", got, rc)
	}
}

func TestRunContextFrom_missing(t *testing.T) {
	if got := RunContextFrom(context.Background()); got != nil {
		t.Errorf("RunContextFrom() = %+v, want nil", got)
	}
}
