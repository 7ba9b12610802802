package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/sentinel/model"
)

// MemoryStore is an in-memory Store. Reads are concurrent; writes use
// check-version-then-write so stale updates fail instead of clobbering.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]model.GraphNode
	rels  map[string]model.GraphRelationship
	out   map[string][]string // node ID -> outgoing relationship IDs
	in    map[string][]string // node ID -> incoming relationship IDs
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]model.GraphNode),
		rels:  make(map[string]model.GraphRelationship),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// CreateNode persists a new node.
func (s *MemoryStore) CreateNode(_ context.Context, node model.GraphNode) error {
	if !node.Type.Valid() || node.ID == "" {
		return model.NewValidationError([]model.FieldError{
			{Field: "node", Code: "INVALID", Message: "node requires an ID and a known type"},
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("node %q already exists", node.ID))
	}
	if node.Metadata.Version == 0 {
		node.Metadata.Version = 1
	}
	s.nodes[node.ID] = copyNode(node)
	return nil
}

// CreateRelationship persists a new relationship between existing nodes.
func (s *MemoryStore) CreateRelationship(_ context.Context, rel model.GraphRelationship) error {
	if !rel.Type.Valid() || rel.ID == "" {
		return model.NewValidationError([]model.FieldError{
			{Field: "relationship", Code: "INVALID", Message: "relationship requires an ID and a known type"},
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rels[rel.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("relationship %q already exists", rel.ID))
	}
	if _, ok := s.nodes[rel.SourceID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("source node %q not found", rel.SourceID))
	}
	if _, ok := s.nodes[rel.TargetID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("target node %q not found", rel.TargetID))
	}
	if rel.Metadata.Version == 0 {
		rel.Metadata.Version = 1
	}
	s.rels[rel.ID] = rel
	s.out[rel.SourceID] = append(s.out[rel.SourceID], rel.ID)
	s.in[rel.TargetID] = append(s.in[rel.TargetID], rel.ID)
	return nil
}

// GetNode returns a node by ID.
func (s *MemoryStore) GetNode(_ context.Context, id string) (model.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return model.GraphNode{}, model.NewNotFoundError(fmt.Sprintf("node %q not found", id))
	}
	return copyNode(n), nil
}

// GetRelationship returns a relationship by ID.
func (s *MemoryStore) GetRelationship(_ context.Context, id string) (model.GraphRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rels[id]
	if !ok {
		return model.GraphRelationship{}, model.NewNotFoundError(fmt.Sprintf("relationship %q not found", id))
	}
	return r, nil
}

// UpdateNode writes node if the stored version equals expectedVersion.
func (s *MemoryStore) UpdateNode(_ context.Context, node model.GraphNode, expectedVersion int) (model.GraphNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.ID]
	if !ok {
		return model.GraphNode{}, model.NewNotFoundError(fmt.Sprintf("node %q not found", node.ID))
	}
	if existing.Metadata.Version != expectedVersion {
		return model.GraphNode{}, model.NewConflictError(
			fmt.Sprintf("node %q version conflict (expected %d, got %d)", node.ID, expectedVersion, existing.Metadata.Version),
		)
	}
	if node.Type != existing.Type {
		return model.GraphNode{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "IMMUTABLE", Message: "node type cannot change"},
		})
	}

	node.Metadata.CreatedAt = existing.Metadata.CreatedAt
	node.Metadata.Version = expectedVersion + 1
	node.Metadata.UpdatedAt = time.Now().UTC()
	s.nodes[node.ID] = copyNode(node)
	return copyNode(node), nil
}

// UpdateRelationship writes rel if the stored version equals expectedVersion.
// Endpoints and type are immutable.
func (s *MemoryStore) UpdateRelationship(_ context.Context, rel model.GraphRelationship, expectedVersion int) (model.GraphRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rels[rel.ID]
	if !ok {
		return model.GraphRelationship{}, model.NewNotFoundError(fmt.Sprintf("relationship %q not found", rel.ID))
	}
	if existing.Metadata.Version != expectedVersion {
		return model.GraphRelationship{}, model.NewConflictError(
			fmt.Sprintf("relationship %q version conflict (expected %d, got %d)", rel.ID, expectedVersion, existing.Metadata.Version),
		)
	}
	if rel.Type != existing.Type || rel.SourceID != existing.SourceID || rel.TargetID != existing.TargetID {
		return model.GraphRelationship{}, model.NewValidationError([]model.FieldError{
			{Field: "relationship", Code: "IMMUTABLE", Message: "relationship type and endpoints cannot change"},
		})
	}
	if !inUnitInterval(rel.Properties.Strength) || !inUnitInterval(rel.Properties.Confidence) || rel.Properties.EvidenceCount < 0 {
		return model.GraphRelationship{}, model.NewValidationError([]model.FieldError{
			{Field: "properties", Code: "OUT_OF_RANGE", Message: "strength and confidence must be within [0,1], evidence_count >= 0"},
		})
	}

	rel.Metadata.CreatedAt = existing.Metadata.CreatedAt
	rel.Metadata.Version = expectedVersion + 1
	rel.Metadata.UpdatedAt = time.Now().UTC()
	s.rels[rel.ID] = rel
	return rel, nil
}

// Query dispatches on the query kind.
func (s *MemoryStore) Query(ctx context.Context, q model.GraphQuery) (model.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return model.QueryResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch q.Kind {
	case model.QueryNode:
		return model.QueryResult{Kind: q.Kind, Nodes: s.queryNodes(q)}, nil
	case model.QueryRelationship:
		return model.QueryResult{Kind: q.Kind, Relationships: s.queryRelationships(q)}, nil
	case model.QueryPath:
		paths, err := s.queryPaths(q)
		if err != nil {
			return model.QueryResult{}, err
		}
		return model.QueryResult{Kind: q.Kind, Paths: paths}, nil
	case model.QuerySubgraph:
		snap, err := s.querySubgraph(q)
		if err != nil {
			return model.QueryResult{}, err
		}
		return model.QueryResult{Kind: q.Kind, Snapshot: snap}, nil
	case model.QueryPattern:
		paths, err := s.queryPattern(q)
		if err != nil {
			return model.QueryResult{}, err
		}
		return model.QueryResult{Kind: q.Kind, Paths: paths}, nil
	default:
		return model.QueryResult{}, model.NewValidationError([]model.FieldError{
			{Field: "kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown query kind %q", q.Kind)},
		})
	}
}

// Len returns the number of nodes and relationships. For testing.
func (s *MemoryStore) Len() (nodes, rels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.rels)
}

func (s *MemoryStore) queryNodes(q model.GraphQuery) []model.GraphNode {
	var result []model.GraphNode
	for _, id := range sortedKeys(s.nodes) {
		n := s.nodes[id]
		if !matchesNodeType(q.NodeTypes, n.Type) || !matchesProperties(q.Properties, n.Properties) {
			continue
		}
		result = append(result, copyNode(n))
	}
	return paginate(result, q.Offset, limitOf(q))
}

func (s *MemoryStore) queryRelationships(q model.GraphQuery) []model.GraphRelationship {
	var result []model.GraphRelationship
	for _, id := range sortedKeys(s.rels) {
		r := s.rels[id]
		if !matchesRelType(q.RelationshipTypes, r.Type) {
			continue
		}
		if q.StartID != "" && r.SourceID != q.StartID {
			continue
		}
		if q.TargetID != "" && r.TargetID != q.TargetID {
			continue
		}
		result = append(result, r)
	}
	return paginate(result, q.Offset, limitOf(q))
}

// queryPaths enumerates simple paths from StartID to TargetID (or to any
// node of TargetType) of at most Depth hops, strongest first.
func (s *MemoryStore) queryPaths(q model.GraphQuery) ([]model.GraphPath, error) {
	if q.StartID == "" {
		return nil, requiredField("start_id")
	}
	if q.TargetID == "" && q.TargetType == "" {
		return nil, requiredField("target_id")
	}
	start, ok := s.nodes[q.StartID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("node %q not found", q.StartID))
	}
	isTarget := func(n model.GraphNode) bool {
		if q.TargetID != "" {
			return n.ID == q.TargetID
		}
		return n.Type == q.TargetType
	}

	depth := depthOf(q)
	var paths []model.GraphPath
	visited := map[string]bool{start.ID: true}

	var walk func(id string, nodes []model.GraphNode, rels []model.GraphRelationship)
	walk = func(id string, nodes []model.GraphNode, rels []model.GraphRelationship) {
		if len(rels) > 0 && isTarget(s.nodes[id]) {
			paths = append(paths, buildPath(nodes, rels))
			return
		}
		if len(rels) >= depth {
			return
		}
		for _, h := range s.hops(id, q.Direction, q.RelationshipTypes) {
			if visited[h.next] {
				continue
			}
			visited[h.next] = true
			walk(h.next,
				append(nodes[:len(nodes):len(nodes)], copyNode(s.nodes[h.next])),
				append(rels[:len(rels):len(rels)], h.rel))
			visited[h.next] = false
		}
	}
	walk(start.ID, []model.GraphNode{copyNode(start)}, nil)

	sortPaths(paths)
	return paginate(paths, q.Offset, limitOf(q)), nil
}

// querySubgraph returns every node within Depth hops of StartID and the
// relationships among them. Direction defaults to both.
func (s *MemoryStore) querySubgraph(q model.GraphQuery) (*model.GraphSnapshot, error) {
	if q.StartID == "" {
		return nil, requiredField("start_id")
	}
	if _, ok := s.nodes[q.StartID]; !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("node %q not found", q.StartID))
	}
	dir := q.Direction
	if dir == "" {
		dir = model.DirectionBoth
	}
	depth := depthOf(q)
	limit := limitOf(q)

	seen := map[string]bool{q.StartID: true}
	order := []string{q.StartID}
	frontier := []string{q.StartID}
	for d := 0; d < depth && len(frontier) > 0 && len(order) < limit; d++ {
		var next []string
		for _, id := range frontier {
			for _, h := range s.hops(id, dir, q.RelationshipTypes) {
				if seen[h.next] || len(order) >= limit {
					continue
				}
				seen[h.next] = true
				order = append(order, h.next)
				next = append(next, h.next)
			}
		}
		frontier = next
	}

	snap := &model.GraphSnapshot{}
	for _, id := range order {
		snap.Nodes = append(snap.Nodes, copyNode(s.nodes[id]))
	}
	for _, id := range sortedKeys(s.rels) {
		r := s.rels[id]
		if seen[r.SourceID] && seen[r.TargetID] && matchesRelType(q.RelationshipTypes, r.Type) {
			snap.Relationships = append(snap.Relationships, r)
		}
	}
	return snap, nil
}

// queryPattern matches the step sequence in Pattern starting from StartID,
// or from every node whose type is in NodeTypes.
func (s *MemoryStore) queryPattern(q model.GraphQuery) ([]model.GraphPath, error) {
	if len(q.Pattern) == 0 {
		return nil, requiredField("pattern")
	}
	if q.Depth > 0 && len(q.Pattern) > q.Depth {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "pattern", Code: "TOO_DEEP", Message: fmt.Sprintf("pattern has %d steps, depth allows %d", len(q.Pattern), q.Depth)},
		})
	}
	if len(q.Pattern) > maxDepth {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "pattern", Code: "TOO_DEEP", Message: fmt.Sprintf("pattern exceeds %d steps", maxDepth)},
		})
	}

	var starts []string
	if q.StartID != "" {
		if _, ok := s.nodes[q.StartID]; !ok {
			return nil, model.NewNotFoundError(fmt.Sprintf("node %q not found", q.StartID))
		}
		starts = []string{q.StartID}
	} else {
		for _, id := range sortedKeys(s.nodes) {
			if matchesNodeType(q.NodeTypes, s.nodes[id].Type) && matchesProperties(q.Properties, s.nodes[id].Properties) {
				starts = append(starts, id)
			}
		}
	}

	var paths []model.GraphPath
	for _, startID := range starts {
		partials := []model.GraphPath{{Nodes: []model.GraphNode{copyNode(s.nodes[startID])}}}
		for _, step := range q.Pattern {
			var types []model.RelationshipType
			if step.Via != "" {
				types = []model.RelationshipType{step.Via}
			}
			var extended []model.GraphPath
			for _, p := range partials {
				last := p.Nodes[len(p.Nodes)-1]
				for _, h := range s.hops(last.ID, step.Direction, types) {
					nextNode := s.nodes[h.next]
					if step.Node != "" && nextNode.Type != step.Node {
						continue
					}
					if pathContains(p, h.next) {
						continue
					}
					extended = append(extended, model.GraphPath{
						Nodes:         append(p.Nodes[:len(p.Nodes):len(p.Nodes)], copyNode(nextNode)),
						Relationships: append(p.Relationships[:len(p.Relationships):len(p.Relationships)], h.rel),
					})
				}
			}
			partials = extended
			if len(partials) == 0 {
				break
			}
		}
		for _, p := range partials {
			paths = append(paths, buildPath(p.Nodes, p.Relationships))
		}
	}

	sortPaths(paths)
	return paginate(paths, q.Offset, limitOf(q)), nil
}

type hop struct {
	rel  model.GraphRelationship
	next string
}

// hops lists the edges leaving id in the given direction, ordered by
// relationship ID for deterministic traversal. Must be called with the lock
// held.
func (s *MemoryStore) hops(id string, dir model.Direction, types []model.RelationshipType) []hop {
	var result []hop
	if dir == "" || dir == model.DirectionOut || dir == model.DirectionBoth {
		for _, rid := range s.out[id] {
			r := s.rels[rid]
			if matchesRelType(types, r.Type) {
				result = append(result, hop{rel: r, next: r.TargetID})
			}
		}
	}
	if dir == model.DirectionIn || dir == model.DirectionBoth {
		for _, rid := range s.in[id] {
			r := s.rels[rid]
			if matchesRelType(types, r.Type) {
				result = append(result, hop{rel: r, next: r.SourceID})
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].rel.ID < result[j].rel.ID })
	return result
}

func buildPath(nodes []model.GraphNode, rels []model.GraphRelationship) model.GraphPath {
	return model.GraphPath{
		Nodes:         append([]model.GraphNode(nil), nodes...),
		Relationships: append([]model.GraphRelationship(nil), rels...),
		TotalWeight:   PathWeight(rels),
	}
}

// sortPaths orders by total weight descending, then by fewer hops.
func sortPaths(paths []model.GraphPath) {
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].TotalWeight != paths[j].TotalWeight {
			return paths[i].TotalWeight > paths[j].TotalWeight
		}
		return len(paths[i].Relationships) < len(paths[j].Relationships)
	})
}

func pathContains(p model.GraphPath, id string) bool {
	for _, n := range p.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func copyNode(n model.GraphNode) model.GraphNode {
	if n.Properties != nil {
		props := make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			props[k] = v
		}
		n.Properties = props
	}
	return n
}

func matchesNodeType(types []model.NodeType, t model.NodeType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func matchesRelType(types []model.RelationshipType, t model.RelationshipType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func matchesProperties(want, have map[string]any) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func depthOf(q model.GraphQuery) int {
	switch {
	case q.Depth <= 0:
		return defaultDepth
	case q.Depth > maxDepth:
		return maxDepth
	default:
		return q.Depth
	}
}

func limitOf(q model.GraphQuery) int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func requiredField(field string) error {
	return model.NewValidationError([]model.FieldError{
		{Field: field, Code: "REQUIRED", Message: field + " is required"},
	})
}
