package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/config"
	"github.com/pitabwire/sentinel/internal/orchestrator"
	"github.com/pitabwire/sentinel/internal/state"
	"github.com/pitabwire/sentinel/model"
)

// workflowRequest is one entry of a batch file.
type workflowRequest struct {
	WorkflowID    string                 `json:"workflow_id"`
	WorkflowType  string                 `json:"workflow_type"`
	CompanyID     string                 `json:"company_id"`
	SessionID     string                 `json:"session_id"`
	UserID        string                 `json:"user_id"`
	Message       string                 `json:"message"`
	AutonomyLevel int                    `json:"autonomy_level"`
	Profile       *model.BusinessProfile `json:"profile"`
	Metadata      map[string]any         `json:"metadata"`
}

// batchResult is the line written per workflow.
type batchResult struct {
	Summary state.Summary `json:"summary"`
	Reply   string        `json:"reply,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func loadBatch(path string) ([]workflowRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", path, err)
	}
	var reqs []workflowRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("parsing batch %s: %w", path, err)
	}
	return reqs, nil
}

// runBatch runs every workflow in the batch file and writes one JSON line
// per workflow to out, in file order. It returns the process exit code.
func runBatch(ctx context.Context, path string, orch *orchestrator.Orchestrator, plans *state.PlanRegistry,
	cfg config.OrchestratorConfig, out io.Writer, logger *zap.Logger) int {
	reqs, err := loadBatch(path)
	if err != nil {
		logger.Error("batch load failed", zap.Error(err))
		return 1
	}

	states := make([]model.WorkflowState, 0, len(reqs))
	for i, r := range reqs {
		autonomy := r.AutonomyLevel
		if autonomy == 0 {
			autonomy = cfg.DefaultAutonomy
		}
		s, err := state.NewInitialState(state.InitialStateParams{
			WorkflowID:     r.WorkflowID,
			WorkflowType:   r.WorkflowType,
			CompanyID:      r.CompanyID,
			SessionID:      r.SessionID,
			UserID:         r.UserID,
			InitialMessage: r.Message,
			MaxRetries:     cfg.MaxRetries,
			AutonomyLevel:  model.AutonomyLevel(autonomy),
			Profile:        r.Profile,
			Metadata:       r.Metadata,
			Plans:          plans,
		})
		if err != nil {
			logger.Error("invalid batch entry", zap.Int("index", i), zap.Error(err))
			return 1
		}
		states = append(states, s)
	}

	logger.Info("batch started", zap.Int("workflows", len(states)), zap.Int("workers", cfg.BatchWorkers))
	results := orch.RunBatch(ctx, states, cfg.BatchWorkers)

	enc := json.NewEncoder(out)
	code := 0
	for _, r := range results {
		line := batchResult{Summary: state.GetStateSummary(r.State), Reply: lastAssistantReply(r.State)}
		if r.Err != nil {
			line.Error = r.Err.Error()
			code = 1
		}
		if err := enc.Encode(line); err != nil {
			logger.Error("writing batch result failed", zap.Error(err))
			return 1
		}
	}
	logger.Info("batch finished", zap.Int("workflows", len(results)), zap.Int("exit_code", code))
	return code
}

func lastAssistantReply(s model.WorkflowState) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == model.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}
