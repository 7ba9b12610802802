package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/sentinel/internal/graph"
	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/internal/safety"
	"github.com/pitabwire/sentinel/internal/state"
	"github.com/pitabwire/sentinel/internal/tools"
	"github.com/pitabwire/sentinel/model"
)

// Tool names the built-in nodes call.
const (
	ToolRetriever         = tools.NameRetriever
	ToolEvidenceCollector = tools.NameEvidenceCollector
	ToolNotifier          = tools.NameNotifier
)

// Dependency names recorded in WorkflowState.DependencyStatus.
const (
	DependencyGraph = "graph"
)

// Content types recorded with safety decisions.
const (
	ContentUserMessage      = "user_message"
	ContentAssistantMessage = "assistant_message"
)

// SatisfiedThreshold is the evidence sufficiency at which an obligation
// counts as satisfied.
const SatisfiedThreshold = 0.5

// CorroborationDelta is the strength added to a graph edge for each new
// piece of evidence the collector returns for it.
const CorroborationDelta = 0.05

// Deps are the collaborators of the built-in nodes. Reasoner and Tools may
// be nil; nodes that need them then degrade.
type Deps struct {
	Screener *safety.Screener
	Reasoner *graph.Reasoner
	Tools    *tools.Registry
	Routes   RouteTable
	Cost     state.CostModel
	Metrics  *observability.Metrics
}

// BuiltinGraph registers the standard compliance nodes.
func BuiltinGraph(d Deps) *Graph {
	if d.Routes == nil {
		d.Routes = DefaultRouteTable()
	}
	g := NewGraph()
	g.Register(model.StepStateValidator, validatorNode(d))
	g.Register(model.StepRouter, RouterNode(d.Routes))
	g.Register(model.StepRAGQuery, ragQueryNode(d))
	g.Register(model.StepComplianceCheck, complianceCheckNode(d))
	g.Register(model.StepEvidenceCollection, evidenceCollectionNode(d))
	g.Register(model.StepAssessment, assessmentNode())
	g.Register(model.StepPolicyGuidance, policyGuidanceNode())
	g.Register(model.StepNotification, notificationNode(d))
	g.Register(model.StepReporting, reportingNode(d))
	g.Register(model.StepError, errorNode())
	return g
}

func subjectOf(s model.WorkflowState) safety.Subject {
	subj := safety.Subject{OrgID: s.CompanyID, UserID: s.UserID, ConversationID: s.ThreadID}
	if s.Profile != nil {
		subj.BusinessProfileID = s.Profile.ID
	}
	return subj
}

// validatorNode checks identity and autonomy, then screens the latest user
// message. Redacted content replaces the message in place.
func validatorNode(d Deps) Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		var fields []model.FieldError
		if s.WorkflowID == "" {
			fields = append(fields, model.FieldError{Field: "workflow_id", Code: "REQUIRED", Message: "workflow_id is required"})
		}
		if s.CompanyID == "" {
			fields = append(fields, model.FieldError{Field: "company_id", Code: "REQUIRED", Message: "company_id is required"})
		}
		if !s.AutonomyLevel.Valid() {
			fields = append(fields, model.FieldError{Field: "autonomy_level", Code: "OUT_OF_RANGE", Message: "autonomy_level must be 1, 2 or 3"})
		}
		if len(fields) > 0 {
			return NodeResult{}, model.NewValidationError(fields)
		}

		idx := lastUserIndex(s)
		if idx < 0 || d.Screener == nil {
			return NodeResult{State: s}, nil
		}
		res, in := d.Screener.Evaluate(subjectOf(s), ContentUserMessage, s.Messages[idx].Content)
		if res.Decision == model.DecisionModify {
			s.Messages[idx].Content = res.Content
		}
		return NodeResult{State: s, Safety: &in}, nil
	})
}

func lastUserIndex(s model.WorkflowState) int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == model.RoleUser {
			return i
		}
	}
	return -1
}

// callTool invokes a tool and folds the call into the state's accounting.
// A tool that could not be reached is not counted as a call.
func callTool(ctx context.Context, d Deps, s model.WorkflowState, node, name string, in tools.Input) (model.WorkflowState, tools.Output, error) {
	if d.Tools == nil {
		return state.MarkDependency(s, name, model.DependencyDegraded), tools.Output{},
			fmt.Errorf("%w: no tool registry", tools.ErrUnavailable)
	}
	in.WorkflowID = s.WorkflowID
	in.CompanyID = s.CompanyID

	start := time.Now()
	out, err := d.Tools.Invoke(ctx, name, in)
	if errors.Is(err, tools.ErrUnavailable) {
		return state.MarkDependency(s, name, model.DependencyDegraded), tools.Output{}, err
	}
	cost := out.Cost
	if cost == 0 {
		cost = d.Cost.Estimate(out.InputTokens, out.OutputTokens)
	}
	s = state.RecordToolCall(s, state.ToolCallRecord{
		Node:         node,
		Tool:         name,
		Succeeded:    err == nil,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Cost:         cost,
		Duration:     time.Since(start),
	})
	d.Metrics.RecordUsage(out.InputTokens, out.OutputTokens, cost)

	status := model.DependencyOK
	if err != nil {
		status = model.DependencyDegraded
	}
	return state.MarkDependency(s, name, status), out, err
}

// ragQueryNode retrieves documents for the latest user message. A failing
// retriever degrades the workflow instead of failing it.
func ragQueryNode(d Deps) Node {
	return NodeFunc(func(ctx context.Context, s model.WorkflowState) (NodeResult, error) {
		msg, _ := s.LastUserMessage()
		s, out, err := callTool(ctx, d, s, model.StepRAGQuery, ToolRetriever, tools.Input{Query: msg.Content})
		if err != nil {
			return NodeResult{State: s}, nil
		}
		docs, _ := out.Data["documents"].([]model.Document)
		s.RetrievedDocs = append(s.RetrievedDocs, docs...)
		s = state.SetToolOutput(s, ToolRetriever, map[string]any{"documents": len(docs)})
		return NodeResult{State: s}, nil
	})
}

func regulationsOf(s model.WorkflowState) []string {
	if s.Profile == nil {
		return nil
	}
	return s.Profile.Regulations
}

// rankObligations resolves the profile's obligations through the reasoner.
// A missing or failing graph marks the graph dependency degraded.
func rankObligations(ctx context.Context, d Deps, s model.WorkflowState) (model.WorkflowState, []graph.RankedObligation) {
	if d.Reasoner == nil {
		return state.MarkDependency(s, DependencyGraph, model.DependencyDegraded), nil
	}
	ranked, err := d.Reasoner.RankObligations(ctx, regulationsOf(s))
	if err != nil {
		d.Metrics.RecordGraphQuery("rank_obligations", "error")
		return state.MarkDependency(s, DependencyGraph, model.DependencyDegraded), nil
	}
	d.Metrics.RecordGraphQuery("rank_obligations", "ok")
	return state.MarkDependency(s, DependencyGraph, model.DependencyOK), ranked
}

func nodeTitle(n model.GraphNode) string {
	if t, ok := n.Properties["title"].(string); ok && t != "" {
		return t
	}
	if t, ok := n.Properties["name"].(string); ok && t != "" {
		return t
	}
	return n.ID
}

func complianceCheckNode(d Deps) Node {
	return NodeFunc(func(ctx context.Context, s model.WorkflowState) (NodeResult, error) {
		s, ranked := rankObligations(ctx, d, s)
		obligations := make([]model.Obligation, 0, len(ranked))
		satisfied := 0
		for _, r := range ranked {
			ob := model.Obligation{
				ID:           r.Obligation.ID,
				RegulationID: r.RegulationID,
				Title:        nodeTitle(r.Obligation),
				Sufficiency:  r.Sufficiency,
				Satisfied:    r.Sufficiency >= SatisfiedThreshold,
			}
			if ob.Satisfied {
				satisfied++
			}
			obligations = append(obligations, ob)
		}
		s.RelevantObligations = obligations
		s = state.SetToolOutput(s, model.StepComplianceCheck, map[string]any{
			"obligations": len(obligations),
			"satisfied":   satisfied,
		})
		return NodeResult{State: s}, nil
	})
}

// evidenceCollectionNode gathers evidence along graph paths, then asks the
// evidence collector tool for anything the graph does not yet hold.
func evidenceCollectionNode(d Deps) Node {
	return NodeFunc(func(ctx context.Context, s model.WorkflowState) (NodeResult, error) {
		seen := make(map[string]bool, len(s.CollectedEvidence))
		for _, e := range s.CollectedEvidence {
			seen[e.ID] = true
		}

		var ranked []graph.RankedObligation
		s, ranked = rankObligations(ctx, d, s)
		var gaps []string
		for _, r := range ranked {
			if len(r.Paths) == 0 {
				gaps = append(gaps, r.Obligation.ID)
			}
			for _, p := range r.Paths {
				if len(p.Nodes) < 3 || len(p.Relationships) == 0 {
					continue
				}
				ev := p.Nodes[len(p.Nodes)-1]
				if seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				s.CollectedEvidence = append(s.CollectedEvidence, model.EvidenceItem{
					ID:           ev.ID,
					ObligationID: p.Nodes[0].ID,
					ControlID:    p.Nodes[1].ID,
					Title:        nodeTitle(ev),
					Weight:       p.TotalWeight / float64(len(p.Relationships)),
				})
			}
		}

		if len(gaps) > 0 {
			var out tools.Output
			var err error
			s, out, err = callTool(ctx, d, s, model.StepEvidenceCollection, ToolEvidenceCollector,
				tools.Input{Args: map[string]any{"obligations": gaps}})
			if err != nil {
				out = tools.Output{}
			}
			items, _ := out.Data["evidence"].([]model.EvidenceItem)
			for _, it := range items {
				if seen[it.ID] {
					continue
				}
				seen[it.ID] = true
				s.CollectedEvidence = append(s.CollectedEvidence, it)
				s = corroborate(ctx, d, s, it)
			}
		}
		s = state.SetToolOutput(s, model.StepEvidenceCollection, map[string]any{
			"evidence": len(s.CollectedEvidence),
			"gaps":     gaps,
		})
		return NodeResult{State: s}, nil
	})
}

// corroborate strengthens the graph edge a new evidence item supports. A
// failure degrades the graph dependency; the evidence is kept.
func corroborate(ctx context.Context, d Deps, s model.WorkflowState, it model.EvidenceItem) model.WorkflowState {
	if d.Reasoner == nil {
		return s
	}
	rel, found, err := d.Reasoner.Corroborate(ctx, it, CorroborationDelta)
	if err != nil {
		d.Metrics.RecordGraphQuery("corroborate", "error")
		return state.MarkDependency(s, DependencyGraph, model.DependencyDegraded)
	}
	d.Metrics.RecordGraphQuery("corroborate", "ok")
	if found {
		s = state.AddStateHistory(s, "evidence_corroborated", map[string]any{
			"evidence_id":    it.ID,
			"relationship":   rel.ID,
			"strength":       rel.Properties.Strength,
			"evidence_count": rel.Properties.EvidenceCount,
		})
	}
	return s
}

// assessmentNode scores readiness as the mean obligation sufficiency.
func assessmentNode() Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		var total float64
		var gaps []string
		for _, ob := range s.RelevantObligations {
			total += ob.Sufficiency
			if !ob.Satisfied {
				gaps = append(gaps, ob.ID)
			}
		}
		score := 0.0
		if n := len(s.RelevantObligations); n > 0 {
			score = total / float64(n)
		}
		s = state.SetToolOutput(s, model.StepAssessment, map[string]any{
			"score": score,
			"gaps":  gaps,
		})
		return NodeResult{State: s}, nil
	})
}

func policyGuidanceNode() Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		var guidance []string
		for _, ob := range s.RelevantObligations {
			if !ob.Satisfied {
				guidance = append(guidance, fmt.Sprintf("Document a policy covering %s (%s).", ob.Title, ob.RegulationID))
			}
		}
		for _, doc := range s.RetrievedDocs {
			if doc.Source != "" {
				guidance = append(guidance, "See "+doc.Source+".")
			}
		}
		s = state.SetToolOutput(s, model.StepPolicyGuidance, guidance)
		return NodeResult{State: s}, nil
	})
}

// notificationNode tells the organisation about unmet obligations.
func notificationNode(d Deps) Node {
	return NodeFunc(func(ctx context.Context, s model.WorkflowState) (NodeResult, error) {
		var unmet []string
		for _, ob := range s.RelevantObligations {
			if !ob.Satisfied {
				unmet = append(unmet, ob.ID)
			}
		}
		if len(unmet) == 0 {
			return NodeResult{State: s}, nil
		}
		s, _, err := callTool(ctx, d, s, model.StepNotification, ToolNotifier,
			tools.Input{Args: map[string]any{"unmet_obligations": unmet}})
		if err != nil && !errors.Is(err, tools.ErrUnavailable) {
			return NodeResult{}, err
		}
		s = state.SetToolOutput(s, model.StepNotification, map[string]any{
			"sent":  err == nil,
			"unmet": len(unmet),
		})
		return NodeResult{State: s}, nil
	})
}

// reportingNode writes the assistant's answer and screens it before it
// leaves the workflow.
func reportingNode(d Deps) Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		report := composeReport(s)
		if d.Screener == nil {
			return NodeResult{State: state.AppendMessage(s, model.RoleAssistant, report)}, nil
		}
		res, in := d.Screener.Evaluate(subjectOf(s), ContentAssistantMessage, report)
		if res.Decision == model.DecisionModify {
			report = res.Content
		}
		if res.Decision != model.DecisionBlock {
			s = state.AppendMessage(s, model.RoleAssistant, report)
		}
		return NodeResult{State: s, Safety: &in}, nil
	})
}

func composeReport(s model.WorkflowState) string {
	var b strings.Builder
	switch s.Route {
	case model.RouteComplianceCheck, model.RouteEvidenceCollection, model.RouteAssessment:
		satisfied := 0
		for _, ob := range s.RelevantObligations {
			if ob.Satisfied {
				satisfied++
			}
		}
		fmt.Fprintf(&b, "%d of %d obligations are sufficiently evidenced.", satisfied, len(s.RelevantObligations))
		for _, ob := range s.RelevantObligations {
			if !ob.Satisfied {
				fmt.Fprintf(&b, "\n- %s (%s): evidence sufficiency %.2f", ob.Title, ob.RegulationID, ob.Sufficiency)
			}
		}
		if len(s.CollectedEvidence) > 0 {
			fmt.Fprintf(&b, "\nCollected %d evidence items.", len(s.CollectedEvidence))
		}
		if out, ok := s.ToolOutputs[model.StepAssessment].(map[string]any); ok {
			if score, ok := out["score"].(float64); ok {
				fmt.Fprintf(&b, "\nReadiness score: %.2f.", score)
			}
		}
	case model.RoutePolicyGuidance:
		guidance, _ := s.ToolOutputs[model.StepPolicyGuidance].([]string)
		if len(guidance) == 0 {
			b.WriteString("Your current policies cover the obligations on record.")
		}
		for i, g := range guidance {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(g)
		}
	default:
		if len(s.RetrievedDocs) == 0 {
			b.WriteString("I could not find material relevant to your question.")
		} else {
			fmt.Fprintf(&b, "Found %d relevant documents.", len(s.RetrievedDocs))
			for _, doc := range s.RetrievedDocs {
				fmt.Fprintf(&b, "\n- %s", doc.Source)
			}
		}
	}
	for _, st := range s.DependencyStatus {
		if st == model.DependencyDegraded {
			b.WriteString("\nSome sources were unavailable; this answer may be incomplete.")
			break
		}
	}
	return b.String()
}

// errorNode surfaces the latest fallback response and drops the failed step
// from the plan so the workflow can move on.
func errorNode() Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		if len(s.Errors) == 0 {
			return NodeResult{State: s}, nil
		}
		last := s.Errors[len(s.Errors)-1]
		s = state.AppendMessage(s, model.RoleAssistant, last.Response)
		if len(s.StepsRemaining) > 0 && s.StepsRemaining[0] == last.Node {
			s.StepsRemaining = s.StepsRemaining[1:]
		}
		return NodeResult{State: s}, nil
	})
}
