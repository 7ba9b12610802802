package orchestrator

import (
	"context"
	"sync"

	"github.com/pitabwire/sentinel/model"
)

// BatchResult is the outcome of one workflow in a batch.
type BatchResult struct {
	State model.WorkflowState
	Err   error
}

// RunBatch runs independent workflows on at most workers goroutines.
// Results are returned in input order. Each workflow owns its state, so
// the only shared collaborators are the graph, ledger and tools, which are
// safe for concurrent use.
func (o *Orchestrator) RunBatch(ctx context.Context, states []model.WorkflowState, workers int) []BatchResult {
	results := make([]BatchResult, len(states))
	if len(states) == 0 {
		return results
	}
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, len(states))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s, err := o.Run(ctx, states[i])
				results[i] = BatchResult{State: s, Err: err}
			}
		}()
	}

	for i := range states {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}
