package orchestrator

import (
	"context"
	"strings"

	"github.com/pitabwire/sentinel/internal/state"
	"github.com/pitabwire/sentinel/model"
)

// RouteTable maps a routing decision to the steps that follow the router.
type RouteTable map[model.Route][]string

// DefaultRouteTable is the built-in route table.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		model.RouteComplianceCheck:    {model.StepRAGQuery, model.StepComplianceCheck, model.StepNotification, model.StepReporting},
		model.RouteEvidenceCollection: {model.StepComplianceCheck, model.StepEvidenceCollection, model.StepReporting},
		model.RouteAssessment:         {model.StepRAGQuery, model.StepComplianceCheck, model.StepAssessment, model.StepReporting},
		model.RoutePolicyGuidance:     {model.StepRAGQuery, model.StepComplianceCheck, model.StepPolicyGuidance, model.StepReporting},
		model.RouteGeneralQuery:       {model.StepRAGQuery, model.StepReporting},
		model.RouteUnknown:            {model.StepReporting},
	}
}

// intentKeywords are scored against the latest user message. Order breaks
// ties.
var intentKeywords = []struct {
	route    model.Route
	keywords []string
}{
	{model.RouteComplianceCheck, []string{"comply", "complian", "obligation", "requirement", "regulation", "regulator", "gdpr", "hipaa", "sox", "pci", "iso 27001", "ccpa"}},
	{model.RouteEvidenceCollection, []string{"evidence", "proof", "prove", "artifact", "audit trail", "attest", "upload"}},
	{model.RouteAssessment, []string{"assess", "risk", "gap", "score", "readiness", "maturity", "how ready"}},
	{model.RoutePolicyGuidance, []string{"policy", "policies", "guidance", "template", "procedure", "draft", "how should"}},
}

// ClassifyIntent scores the message against each route's keywords. Any of
// the profile's regulations named in the message count towards
// compliance_check. A message with no hits is a general query; an empty
// message is unknown.
func ClassifyIntent(message string, profile *model.BusinessProfile) model.Route {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return model.RouteUnknown
	}

	best, bestScore := model.RouteGeneralQuery, 0
	for _, intent := range intentKeywords {
		score := 0
		for _, kw := range intent.keywords {
			score += strings.Count(text, kw)
		}
		if intent.route == model.RouteComplianceCheck && profile != nil {
			for _, reg := range profile.Regulations {
				if reg != "" && strings.Contains(text, strings.ToLower(reg)) {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = intent.route, score
		}
	}
	return best
}

// RouterNode classifies the latest user message and replaces the remaining
// plan with the route's steps.
func RouterNode(table RouteTable) Node {
	return NodeFunc(func(_ context.Context, s model.WorkflowState) (NodeResult, error) {
		msg, _ := s.LastUserMessage()
		route := ClassifyIntent(msg.Content, s.Profile)

		steps, ok := table[route]
		if !ok {
			route = model.RouteUnknown
			steps = table[model.RouteUnknown]
		}
		s.Route = route
		s.StepsRemaining = append([]string(nil), steps...)
		if len(steps) > 0 {
			s.NextNode = steps[0]
		}
		if route == model.RouteUnknown {
			s = state.AppendMessage(s, model.RoleAssistant,
				"I'm not sure what you need yet. Ask about your compliance obligations, evidence, a risk assessment or policy guidance.")
		}
		s = state.AddStateHistory(s, "routed", map[string]any{"route": string(route), "steps": steps})
		return NodeResult{State: s}, nil
	})
}
