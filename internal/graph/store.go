package graph

import (
	"context"

	"github.com/pitabwire/sentinel/model"
)

// Store is the graph store boundary. The backing engine and its query
// language are external; implementations only honour the request/response
// contract of model.GraphQuery.
type Store interface {
	// CreateNode persists a new node. Returns CONFLICT if the ID exists.
	CreateNode(ctx context.Context, node model.GraphNode) error

	// CreateRelationship persists a new relationship. Both endpoints must
	// exist. Returns CONFLICT if the ID exists.
	CreateRelationship(ctx context.Context, rel model.GraphRelationship) error

	// GetNode returns a node by ID or NOT_FOUND.
	GetNode(ctx context.Context, id string) (model.GraphNode, error)

	// GetRelationship returns a relationship by ID or NOT_FOUND.
	GetRelationship(ctx context.Context, id string) (model.GraphRelationship, error)

	// UpdateNode replaces a node with optimistic versioning. The stored
	// version must equal expectedVersion; the stored copy is written at
	// expectedVersion+1. Returns CONFLICT on a stale write.
	UpdateNode(ctx context.Context, node model.GraphNode, expectedVersion int) (model.GraphNode, error)

	// UpdateRelationship is UpdateNode for relationships.
	UpdateRelationship(ctx context.Context, rel model.GraphRelationship, expectedVersion int) (model.GraphRelationship, error)

	// Query runs a node, relationship, path, subgraph or pattern query.
	Query(ctx context.Context, q model.GraphQuery) (model.QueryResult, error)
}

const (
	defaultDepth = 3
	maxDepth     = 10
	defaultLimit = 100
)
