package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/graph"
	"github.com/pitabwire/sentinel/model"
)

// Names of the tools the built-in workflow nodes call.
const (
	NameRetriever         = "retriever"
	NameEvidenceCollector = "evidence_collector"
	NameNotifier          = "notifier"
)

const (
	retrieverScanLimit = 500
	retrieverMaxDocs   = 5
)

var retrievableTypes = []model.NodeType{model.NodeRegulation, model.NodeObligation, model.NodeControl}

// GraphRetriever answers retrieval queries from the knowledge graph itself:
// regulation, obligation and control nodes are scored by how many query
// terms their text properties contain.
func GraphRetriever(store graph.Store) Tool {
	return Func{ToolName: NameRetriever, Fn: func(ctx context.Context, in Input) (Output, error) {
		terms := queryTerms(in.Query)
		if len(terms) == 0 {
			return Output{Data: map[string]any{"documents": []model.Document{}}}, nil
		}
		res, err := store.Query(ctx, model.GraphQuery{
			Kind:      model.QueryNode,
			NodeTypes: retrievableTypes,
			Limit:     retrieverScanLimit,
		})
		if err != nil {
			return Output{}, fmt.Errorf("scanning graph: %w", err)
		}

		var docs []model.Document
		for _, n := range res.Nodes {
			text := nodeText(n)
			hits := 0
			for _, t := range terms {
				if strings.Contains(text, t) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			docs = append(docs, model.Document{
				ID:      n.ID,
				Source:  string(n.Type) + "/" + n.ID,
				Content: text,
				Score:   float64(hits) / float64(len(terms)),
			})
		}
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Score != docs[j].Score {
				return docs[i].Score > docs[j].Score
			}
			return docs[i].ID < docs[j].ID
		})
		if len(docs) > retrieverMaxDocs {
			docs = docs[:retrieverMaxDocs]
		}
		return Output{Data: map[string]any{"documents": docs}}, nil
	}}
}

func queryTerms(q string) []string {
	var terms []string
	for _, f := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(f) > 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

func nodeText(n model.GraphNode) string {
	parts := []string{strings.ToLower(n.ID)}
	for _, key := range []string{"name", "title", "description"} {
		if v, ok := n.Properties[key].(string); ok && v != "" {
			parts = append(parts, strings.ToLower(v))
		}
	}
	return strings.Join(parts, " ")
}

// LogNotifier delivers notifications as structured log events.
func LogNotifier(logger *zap.Logger) Tool {
	return Func{ToolName: NameNotifier, Fn: func(_ context.Context, in Input) (Output, error) {
		logger.Info("compliance notification",
			zap.String("workflow_id", in.WorkflowID),
			zap.String("company_id", in.CompanyID),
			zap.Any("args", in.Args),
		)
		return Output{}, nil
	}}
}
