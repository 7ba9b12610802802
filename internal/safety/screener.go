// Package safety screens content before it reaches the agent and produces
// the decision inputs recorded in the safety ledger.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pitabwire/sentinel/internal/config"
	"github.com/pitabwire/sentinel/model"
)

// Filter names.
const (
	FilterPII             = "pii"
	FilterPromptInjection = "prompt_injection"
	FilterSelfHarm        = "self_harm"
	FilterCredentials     = "credentials"
	FilterBlockedTerms    = "blocked_terms"
)

const (
	cleanConfidence = 0.99
	maxConfidence   = 0.99
	matchBonus      = 0.05
)

type filter struct {
	name     string
	patterns []*regexp.Regexp
	verdict  model.Decision
	// base is the confidence of a single match.
	base   float64
	redact bool
}

var builtinFilters = map[string]struct {
	patterns []string
	verdict  model.Decision
	base     float64
	redact   bool
}{
	FilterPII: {
		patterns: []string{
			`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
			`\b\d{3}-\d{2}-\d{4}\b`,
			`\b(?:\d[ -]?){13,16}\b`,
			`\+?\d{1,3}[ .\-]?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`,
		},
		verdict: model.DecisionModify,
		base:    0.8,
		redact:  true,
	},
	FilterCredentials: {
		patterns: []string{
			`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token)\s*[:=]\s*["']?[A-Za-z0-9+/=_\-]{8,}`,
			`\bAKIA[0-9A-Z]{16}\b`,
			`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
		},
		verdict: model.DecisionModify,
		base:    0.9,
		redact:  true,
	},
	FilterPromptInjection: {
		patterns: []string{
			`(?i)ignore\s+(all\s+)?(the\s+)?(previous|prior|above)\s+instructions`,
			`(?i)disregard\s+(your|the)\s+(system\s+prompt|instructions|rules)`,
			`(?i)reveal\s+(your|the)\s+system\s+prompt`,
			`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`,
		},
		verdict: model.DecisionBlock,
		base:    0.85,
	},
	FilterSelfHarm: {
		patterns: []string{
			`(?i)\b(kill|hurt|harm)\s+myself\b`,
			`(?i)\bsuicid(e|al)\b`,
			`(?i)\bself[- ]harm\b`,
			`(?i)\bend\s+my\s+life\b`,
		},
		verdict: model.DecisionEscalate,
		base:    0.75,
	},
}

// Subject identifies who and what a screened piece of content belongs to.
type Subject struct {
	OrgID             string
	BusinessProfileID string
	UserID            string
	ConversationID    string
}

// Result is the outcome of screening one piece of content.
type Result struct {
	Decision       model.Decision
	Confidence     float64
	AppliedFilters []string
	Matches        map[string]int
	// Content is the input with redacting filters applied.
	Content string
}

// Screener runs an ordered list of filters over content.
type Screener struct {
	filters        []filter
	redactionToken string
}

// NewScreener builds a Screener from configuration. Filters run in the
// configured order; blocked terms, when configured, run last.
func NewScreener(cfg config.SafetyConfig) (*Screener, error) {
	s := &Screener{redactionToken: cfg.RedactionToken}
	if s.redactionToken == "" {
		s.redactionToken = "[REDACTED]"
	}

	seen := make(map[string]bool)
	for _, name := range cfg.Filters {
		if seen[name] {
			continue
		}
		seen[name] = true
		def, ok := builtinFilters[name]
		if !ok {
			return nil, fmt.Errorf("unknown safety filter %q", name)
		}
		f := filter{name: name, verdict: def.verdict, base: def.base, redact: def.redact}
		for _, p := range def.patterns {
			f.patterns = append(f.patterns, regexp.MustCompile(p))
		}
		s.filters = append(s.filters, f)
	}

	if len(cfg.BlockedTerms) > 0 {
		f := filter{name: FilterBlockedTerms, verdict: model.DecisionBlock, base: 0.9}
		for _, term := range cfg.BlockedTerms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			f.patterns = append(f.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(term)+`\b`))
		}
		if len(f.patterns) > 0 {
			s.filters = append(s.filters, f)
		}
	}
	return s, nil
}

// Filters returns the active filter names in evaluation order.
func (s *Screener) Filters() []string {
	names := make([]string, len(s.filters))
	for i, f := range s.filters {
		names[i] = f.name
	}
	return names
}

// Screen evaluates content. The strongest verdict among fired filters wins
// (block > escalate > modify > allow). Confidence starts at the winning
// filter's base and grows with additional matches of that verdict.
func (s *Screener) Screen(content string) Result {
	res := Result{
		Decision:       model.DecisionAllow,
		Confidence:     cleanConfidence,
		AppliedFilters: []string{},
		Matches:        map[string]int{},
		Content:        content,
	}

	var (
		winner      *filter
		verdictHits int
	)
	for i := range s.filters {
		f := &s.filters[i]
		hits := 0
		for _, re := range f.patterns {
			hits += len(re.FindAllStringIndex(content, -1))
		}
		if hits == 0 {
			continue
		}
		res.AppliedFilters = append(res.AppliedFilters, f.name)
		res.Matches[f.name] = hits
		if f.redact {
			for _, re := range f.patterns {
				res.Content = re.ReplaceAllString(res.Content, s.redactionToken)
			}
		}

		switch {
		case winner == nil || f.verdict.Severity() > winner.verdict.Severity():
			winner, verdictHits = f, hits
		case f.verdict == winner.verdict:
			verdictHits += hits
			if f.base > winner.base {
				winner = f
			}
		}
	}

	if winner != nil {
		res.Decision = winner.verdict
		res.Confidence = min(maxConfidence, winner.base+matchBonus*float64(verdictHits-1))
	}
	return res
}

// Evaluate screens content and returns the ledger input describing the
// decision. The input carries the original content so the request hash
// binds what was actually seen.
func (s *Screener) Evaluate(subj Subject, contentType, content string) (Result, model.DecisionInput) {
	res := s.Screen(content)
	in := model.DecisionInput{
		OrgID:             subj.OrgID,
		BusinessProfileID: subj.BusinessProfileID,
		UserID:            subj.UserID,
		ConversationID:    subj.ConversationID,
		ContentType:       contentType,
		Content:           content,
		Decision:          res.Decision,
		Confidence:        res.Confidence,
		AppliedFilters:    append([]string{}, res.AppliedFilters...),
		Metadata: map[string]any{
			"matches":  copyMatches(res.Matches),
			"redacted": res.Content != content,
		},
	}
	return res, in
}

func copyMatches(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
