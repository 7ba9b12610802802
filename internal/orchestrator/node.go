// Package orchestrator drives a workflow state through its nodes: it picks
// the next node, applies the interrupt and retry policy, records safety
// decisions in the ledger and keeps the state's bookkeeping current.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/sentinel/model"
)

// NodeResult is what a node returns: the transformed state and, when the
// node evaluated content, the safety decision to record.
type NodeResult struct {
	State  model.WorkflowState
	Safety *model.DecisionInput
}

// Node is one named step of the workflow graph. A node receives its own
// copy of the state and must not retain it after returning.
type Node interface {
	Run(ctx context.Context, s model.WorkflowState) (NodeResult, error)
}

// NodeFunc adapts a function into a Node.
type NodeFunc func(ctx context.Context, s model.WorkflowState) (NodeResult, error)

// Run calls f.
func (f NodeFunc) Run(ctx context.Context, s model.WorkflowState) (NodeResult, error) {
	return f(ctx, s)
}

// Graph is the explicit registry of named nodes. It is safe for concurrent
// use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewGraph creates an empty node graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]Node)}
}

// Register adds or replaces the node called name.
func (g *Graph) Register(name string, n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[name] = n
}

// Node returns the node called name.
func (g *Graph) Node(name string) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("node %q is not registered", name))
	}
	return n, nil
}

// Names returns the registered node names, sorted.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
