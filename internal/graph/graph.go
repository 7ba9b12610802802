// Package graph implements the regulatory knowledge graph: typed nodes and
// confidence-weighted relationships linking regulations, obligations,
// controls and evidence, plus the queries nodes use to rank how strongly an
// obligation is evidenced.
package graph

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/sentinel/model"
)

// NewNode builds a validated node at version 1. An ID is generated when id
// is empty.
func NewNode(id string, typ model.NodeType, props map[string]any) (model.GraphNode, error) {
	if !typ.Valid() {
		return model.GraphNode{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown node type %q", typ)},
		})
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := make(map[string]any, len(props))
	for k, v := range props {
		p[k] = v
	}
	now := time.Now().UTC()
	return model.GraphNode{
		ID:         id,
		Type:       typ,
		Properties: p,
		Metadata:   model.NodeMetadata{CreatedAt: now, UpdatedAt: now, Version: 1},
	}, nil
}

// NewRelationship builds a validated relationship at version 1 with no
// evidence yet.
func NewRelationship(id string, typ model.RelationshipType, sourceID, targetID string, strength, confidence float64) (model.GraphRelationship, error) {
	var details []model.FieldError
	if !typ.Valid() {
		details = append(details, model.FieldError{Field: "type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown relationship type %q", typ)})
	}
	if sourceID == "" {
		details = append(details, model.FieldError{Field: "source_id", Code: "REQUIRED", Message: "source_id is required"})
	}
	if targetID == "" {
		details = append(details, model.FieldError{Field: "target_id", Code: "REQUIRED", Message: "target_id is required"})
	}
	if !inUnitInterval(strength) {
		details = append(details, model.FieldError{Field: "strength", Code: "OUT_OF_RANGE", Message: "strength must be within [0,1]"})
	}
	if !inUnitInterval(confidence) {
		details = append(details, model.FieldError{Field: "confidence", Code: "OUT_OF_RANGE", Message: "confidence must be within [0,1]"})
	}
	if len(details) > 0 {
		return model.GraphRelationship{}, model.NewValidationError(details)
	}

	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return model.GraphRelationship{
		ID:       id,
		Type:     typ,
		SourceID: sourceID,
		TargetID: targetID,
		Properties: model.RelationshipProperties{
			Strength:   strength,
			Confidence: confidence,
		},
		Metadata: model.RelationshipMetadata{CreatedAt: now, UpdatedAt: now, Version: 1},
	}, nil
}

// SetProperty returns n with key set, its version bumped and UpdatedAt
// refreshed.
func SetProperty(n model.GraphNode, key string, value any) model.GraphNode {
	props := make(map[string]any, len(n.Properties)+1)
	for k, v := range n.Properties {
		props[k] = v
	}
	props[key] = value
	n.Properties = props
	n.Metadata.Version++
	n.Metadata.UpdatedAt = time.Now().UTC()
	return n
}

// ClampStrength returns strength+delta clamped to [0,1].
func ClampStrength(strength, delta float64) float64 {
	v := strength + delta
	if math.IsNaN(v) {
		return strength
	}
	return math.Max(0, math.Min(1, v))
}

// UpdateStrength adjusts the relationship strength by delta, clamped to
// [0,1]. When corroborating is true the change was triggered by new
// evidence and EvidenceCount is incremented.
func UpdateStrength(rel model.GraphRelationship, delta float64, corroborating bool) model.GraphRelationship {
	rel.Properties.Strength = ClampStrength(rel.Properties.Strength, delta)
	if corroborating {
		rel.Properties.EvidenceCount++
	}
	rel.Metadata.Version++
	rel.Metadata.UpdatedAt = time.Now().UTC()
	return rel
}

// PathWeight sums the strengths of the relationships in a path.
func PathWeight(rels []model.GraphRelationship) float64 {
	var total float64
	for _, r := range rels {
		total += r.Properties.Strength
	}
	return total
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
