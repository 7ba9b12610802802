package state

import (
	"sort"
	"sync"

	"github.com/pitabwire/sentinel/model"
)

// Workflow types with built-in step plans.
const (
	WorkflowTypeComplianceCheck    = "compliance_check"
	WorkflowTypeEvidenceCollection = "evidence_collection"
	WorkflowTypeAssessment         = "assessment"
	WorkflowTypePolicyGuidance     = "policy_guidance"
	WorkflowTypeChat               = "chat"
)

var defaultPlans = map[string][]string{
	WorkflowTypeComplianceCheck: {
		model.StepStateValidator,
		model.StepRAGQuery,
		model.StepComplianceCheck,
		model.StepNotification,
		model.StepReporting,
	},
	WorkflowTypeEvidenceCollection: {
		model.StepStateValidator,
		model.StepComplianceCheck,
		model.StepEvidenceCollection,
		model.StepNotification,
		model.StepReporting,
	},
	WorkflowTypeAssessment: {
		model.StepStateValidator,
		model.StepRAGQuery,
		model.StepComplianceCheck,
		model.StepAssessment,
		model.StepReporting,
	},
	WorkflowTypePolicyGuidance: {
		model.StepStateValidator,
		model.StepRAGQuery,
		model.StepComplianceCheck,
		model.StepPolicyGuidance,
		model.StepReporting,
	},
	// Conversational sessions start at the router, which picks the next node.
	WorkflowTypeChat: {
		model.StepStateValidator,
		model.StepRouter,
	},
}

// PlanRegistry maps workflow types to their ordered step plans. It is safe
// for concurrent use.
type PlanRegistry struct {
	mu       sync.RWMutex
	plans    map[string][]string
	fallback string
}

// NewPlanRegistry returns a registry seeded with the built-in plans. Entries
// in overrides replace or extend them.
func NewPlanRegistry(overrides map[string][]string) *PlanRegistry {
	r := &PlanRegistry{
		plans:    make(map[string][]string, len(defaultPlans)+len(overrides)),
		fallback: WorkflowTypeChat,
	}
	for k, v := range defaultPlans {
		r.plans[k] = append([]string(nil), v...)
	}
	for k, v := range overrides {
		if len(v) == 0 {
			continue
		}
		r.plans[k] = append([]string(nil), v...)
	}
	return r
}

// Plan returns a copy of the plan for workflowType. Unknown types fall back
// to the conversational plan; ok reports whether the type was known.
func (r *PlanRegistry) Plan(workflowType string) (steps []string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plans[workflowType]
	if !ok {
		p = r.plans[r.fallback]
	}
	return append([]string(nil), p...), ok
}

// Register adds or replaces a plan.
func (r *PlanRegistry) Register(workflowType string, steps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[workflowType] = append([]string(nil), steps...)
}

// Types returns the registered workflow types in sorted order.
func (r *PlanRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.plans))
	for k := range r.plans {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

var defaultRegistry = NewPlanRegistry(nil)
