package model

import "time"

// NodeType classifies a knowledge-graph node.
type NodeType string

// Node types.
const (
	NodeRegulation NodeType = "regulation"
	NodeObligation NodeType = "obligation"
	NodeControl    NodeType = "control"
	NodeEvidence   NodeType = "evidence"
	NodeEntity     NodeType = "entity"
	NodeRisk       NodeType = "risk"
	NodeAudit      NodeType = "audit"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeRegulation, NodeObligation, NodeControl, NodeEvidence, NodeEntity, NodeRisk, NodeAudit:
		return true
	}
	return false
}

// RelationshipType classifies a directed edge.
type RelationshipType string

// Relationship types.
const (
	RelRequires      RelationshipType = "REQUIRES"
	RelImplements    RelationshipType = "IMPLEMENTS"
	RelEvidences     RelationshipType = "EVIDENCES"
	RelRelatesTo     RelationshipType = "RELATES_TO"
	RelDerivedFrom   RelationshipType = "DERIVED_FROM"
	RelConflictsWith RelationshipType = "CONFLICTS_WITH"
	RelSupersedes    RelationshipType = "SUPERSEDES"
	RelReferences    RelationshipType = "REFERENCES"
)

// Valid reports whether t is a known relationship type.
func (t RelationshipType) Valid() bool {
	switch t {
	case RelRequires, RelImplements, RelEvidences, RelRelatesTo, RelDerivedFrom,
		RelConflictsWith, RelSupersedes, RelReferences:
		return true
	}
	return false
}

// NodeMetadata carries the optimistic version of a node.
type NodeMetadata struct {
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	Version   int       `json:"version" yaml:"-"`
}

// GraphNode is a typed node in the regulatory knowledge graph.
type GraphNode struct {
	ID         string         `json:"id" yaml:"id"`
	Type       NodeType       `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`
	Metadata   NodeMetadata   `json:"metadata" yaml:"-"`
}

// RelationshipProperties are the weights on an edge.
type RelationshipProperties struct {
	Strength      float64 `json:"strength" yaml:"strength"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	EvidenceCount int     `json:"evidence_count" yaml:"evidence_count"`
}

// RelationshipMetadata carries timestamps and the optimistic version of an edge.
type RelationshipMetadata struct {
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	Version   int       `json:"version" yaml:"-"`
}

// GraphRelationship is a directed, confidence-weighted edge.
type GraphRelationship struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       RelationshipType       `json:"type" yaml:"type"`
	SourceID   string                 `json:"source_id" yaml:"source_id"`
	TargetID   string                 `json:"target_id" yaml:"target_id"`
	Properties RelationshipProperties `json:"properties" yaml:"properties"`
	Metadata   RelationshipMetadata   `json:"metadata" yaml:"-"`
}

// GraphPath is an ordered walk; TotalWeight is the sum of traversed strengths.
type GraphPath struct {
	Nodes         []GraphNode         `json:"nodes"`
	Relationships []GraphRelationship `json:"relationships"`
	TotalWeight   float64             `json:"total_weight"`
}

// GraphSnapshot is a subgraph result.
type GraphSnapshot struct {
	Nodes         []GraphNode         `json:"nodes"`
	Relationships []GraphRelationship `json:"relationships"`
}

// QueryKind selects the shape of a graph query.
type QueryKind string

// Query kinds.
const (
	QueryNode         QueryKind = "node"
	QueryRelationship QueryKind = "relationship"
	QueryPath         QueryKind = "path"
	QuerySubgraph     QueryKind = "subgraph"
	QueryPattern      QueryKind = "pattern"
)

// Direction selects which edges a traversal follows relative to the
// current node.
type Direction string

// Traversal directions. The zero value follows outgoing edges.
const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// PatternStep is one hop of a pattern query: follow an edge of type Via
// (any type when empty) to a node of type Node (any type when empty).
type PatternStep struct {
	Via       RelationshipType `json:"via,omitempty"`
	Node      NodeType         `json:"node,omitempty"`
	Direction Direction        `json:"direction,omitempty"`
}

// GraphQuery is the request contract of the graph store.
type GraphQuery struct {
	Kind              QueryKind          `json:"kind"`
	NodeTypes         []NodeType         `json:"node_types,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationship_types,omitempty"`
	StartID           string             `json:"start_id,omitempty"`
	TargetID          string             `json:"target_id,omitempty"`
	TargetType        NodeType           `json:"target_type,omitempty"`
	Properties        map[string]any     `json:"properties,omitempty"`
	Pattern           []PatternStep      `json:"pattern,omitempty"`
	Direction         Direction          `json:"direction,omitempty"`
	Depth             int                `json:"depth,omitempty"`
	Limit             int                `json:"limit,omitempty"`
	Offset            int                `json:"offset,omitempty"`
}

// QueryResult is the response contract; only the field matching the query
// kind is populated.
type QueryResult struct {
	Kind          QueryKind           `json:"kind"`
	Nodes         []GraphNode         `json:"nodes,omitempty"`
	Relationships []GraphRelationship `json:"relationships,omitempty"`
	Paths         []GraphPath         `json:"paths,omitempty"`
	Snapshot      *GraphSnapshot      `json:"snapshot,omitempty"`
}
