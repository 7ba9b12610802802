package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/sentinel/model"
)

const (
	defaultReinforceAttempts = 5
	reinforceBackoffInitial  = 2 * time.Millisecond
	reinforceBackoffMax      = 50 * time.Millisecond
)

// Reasoner answers compliance questions over a graph Store: which
// obligations a regulation imposes and how strongly each is evidenced.
type Reasoner struct {
	store       Store
	maxAttempts int
}

// NewReasoner creates a Reasoner backed by store.
func NewReasoner(store Store) *Reasoner {
	return &Reasoner{store: store, maxAttempts: defaultReinforceAttempts}
}

// ObligationMatch is an obligation reached from a regulation through a
// REQUIRES edge.
type ObligationMatch struct {
	RegulationID string                  `json:"regulation_id"`
	Obligation   model.GraphNode         `json:"obligation"`
	Requirement  model.GraphRelationship `json:"requirement"`
}

// RankedObligation is an obligation with its evidence paths and sufficiency.
type RankedObligation struct {
	ObligationMatch
	Sufficiency float64           `json:"sufficiency"`
	Paths       []model.GraphPath `json:"paths"`
}

// ObligationsFor returns the obligations required by the given regulations.
// Unknown regulation IDs contribute nothing. An obligation required by more
// than one regulation is reported once, against the first regulation.
func (r *Reasoner) ObligationsFor(ctx context.Context, regulationIDs []string) ([]ObligationMatch, error) {
	seen := make(map[string]bool)
	var matches []ObligationMatch

	for _, regID := range regulationIDs {
		res, err := r.store.Query(ctx, model.GraphQuery{
			Kind:              model.QueryRelationship,
			StartID:           regID,
			RelationshipTypes: []model.RelationshipType{model.RelRequires},
			Limit:             maxQueryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("querying obligations of %s: %w", regID, err)
		}
		for _, rel := range res.Relationships {
			if seen[rel.TargetID] {
				continue
			}
			node, err := r.store.GetNode(ctx, rel.TargetID)
			if err != nil {
				return nil, fmt.Errorf("loading obligation %s: %w", rel.TargetID, err)
			}
			if node.Type != model.NodeObligation {
				continue
			}
			seen[rel.TargetID] = true
			matches = append(matches, ObligationMatch{RegulationID: regID, Obligation: node, Requirement: rel})
		}
	}
	return matches, nil
}

// EvidencePaths returns obligation <- control <- evidence paths, strongest
// first. A control implements an obligation; evidence evidences a control.
func (r *Reasoner) EvidencePaths(ctx context.Context, obligationID string) ([]model.GraphPath, error) {
	res, err := r.store.Query(ctx, model.GraphQuery{
		Kind:    model.QueryPattern,
		StartID: obligationID,
		Pattern: []model.PatternStep{
			{Via: model.RelImplements, Node: model.NodeControl, Direction: model.DirectionIn},
			{Via: model.RelEvidences, Node: model.NodeEvidence, Direction: model.DirectionIn},
		},
		Limit: maxQueryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying evidence paths of %s: %w", obligationID, err)
	}
	return res.Paths, nil
}

// Sufficiency scores how strongly obligationID is evidenced, in [0,1].
func (r *Reasoner) Sufficiency(ctx context.Context, obligationID string) (float64, error) {
	paths, err := r.EvidencePaths(ctx, obligationID)
	if err != nil {
		return 0, err
	}
	return PathSufficiency(paths), nil
}

// PathSufficiency is the best mean edge strength across paths. Zero when
// there are no paths.
func PathSufficiency(paths []model.GraphPath) float64 {
	var best float64
	for _, p := range paths {
		if len(p.Relationships) == 0 {
			continue
		}
		if s := p.TotalWeight / float64(len(p.Relationships)); s > best {
			best = s
		}
	}
	return best
}

// RankObligations resolves the obligations of regulationIDs and orders them
// by evidence sufficiency, best evidenced first.
func (r *Reasoner) RankObligations(ctx context.Context, regulationIDs []string) ([]RankedObligation, error) {
	matches, err := r.ObligationsFor(ctx, regulationIDs)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedObligation, 0, len(matches))
	for _, m := range matches {
		paths, err := r.EvidencePaths(ctx, m.Obligation.ID)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, RankedObligation{
			ObligationMatch: m,
			Sufficiency:     PathSufficiency(paths),
			Paths:           paths,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Sufficiency != ranked[j].Sufficiency {
			return ranked[i].Sufficiency > ranked[j].Sufficiency
		}
		return ranked[i].Obligation.ID < ranked[j].Obligation.ID
	})
	return ranked, nil
}

// Reinforce adjusts the strength of relationship relID by delta. When
// corroborating is true the evidence count is incremented too. A lost
// version race re-reads the relationship and retries with backoff.
func (r *Reasoner) Reinforce(ctx context.Context, relID string, delta float64, corroborating bool) (model.GraphRelationship, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reinforceBackoffInitial
	b.MaxInterval = reinforceBackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.maxAttempts-1, 0))), ctx)

	attempts := 0
	op := func() (model.GraphRelationship, error) {
		attempts++
		rel, err := r.store.GetRelationship(ctx, relID)
		if err != nil {
			return model.GraphRelationship{}, backoff.Permanent(err)
		}
		updated, err := r.store.UpdateRelationship(ctx, UpdateStrength(rel, delta, corroborating), rel.Metadata.Version)
		if err != nil && !model.IsCode(err, model.ErrConflict) {
			return model.GraphRelationship{}, backoff.Permanent(err)
		}
		return updated, err
	}

	updated, err := backoff.RetryWithData(op, policy)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.GraphRelationship{}, fmt.Errorf("reinforcing %s after %d attempts: %w", relID, attempts, err)
		}
		return model.GraphRelationship{}, err
	}
	return updated, nil
}

// Corroborate reinforces the edge that new evidence supports: the
// EVIDENCES edge from the evidence node to its control when the graph
// holds one, otherwise the IMPLEMENTS edge from the control to the
// obligation. The bool is false when neither edge exists.
func (r *Reasoner) Corroborate(ctx context.Context, item model.EvidenceItem, delta float64) (model.GraphRelationship, bool, error) {
	if item.ControlID == "" {
		return model.GraphRelationship{}, false, nil
	}
	candidates := []struct {
		source, target string
		typ            model.RelationshipType
	}{
		{item.ID, item.ControlID, model.RelEvidences},
		{item.ControlID, item.ObligationID, model.RelImplements},
	}
	for _, c := range candidates {
		if c.source == "" || c.target == "" {
			continue
		}
		res, err := r.store.Query(ctx, model.GraphQuery{
			Kind:              model.QueryRelationship,
			StartID:           c.source,
			TargetID:          c.target,
			RelationshipTypes: []model.RelationshipType{c.typ},
			Limit:             1,
		})
		if err != nil {
			return model.GraphRelationship{}, false, fmt.Errorf("finding %s edge %s -> %s: %w", c.typ, c.source, c.target, err)
		}
		if len(res.Relationships) == 0 {
			continue
		}
		rel, err := r.Reinforce(ctx, res.Relationships[0].ID, delta, true)
		if err != nil {
			return model.GraphRelationship{}, false, err
		}
		return rel, true, nil
	}
	return model.GraphRelationship{}, false, nil
}

const maxQueryLimit = 1000
