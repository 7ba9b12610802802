package ledger

import (
	"context"

	"github.com/pitabwire/sentinel/model"
)

// Tail identifies the last record of the chain. The zero Tail is the
// genesis position: no records, empty hash.
type Tail struct {
	Seq  int64
	Hash string
}

// Store is the ledger persistence boundary. Records are never updated or
// deleted.
type Store interface {
	// Tail returns the current chain tail.
	Tail(ctx context.Context) (Tail, error)

	// Append writes rec as the record following expected. The write
	// succeeds only if the stored tail still equals expected; otherwise it
	// returns CONFLICT and nothing is written. The store assigns Seq (and ID
	// when empty) and returns the stored record.
	Append(ctx context.Context, rec model.SafetyDecision, expected Tail) (model.SafetyDecision, error)

	// List returns records matching filter, oldest first.
	List(ctx context.Context, filter model.LedgerFilter) ([]model.SafetyDecision, error)

	// FindByRequestHash returns every record whose request_hash matches.
	FindByRequestHash(ctx context.Context, requestHash string) ([]model.SafetyDecision, error)

	// Chain returns records with Seq > afterSeq in chain order. A
	// non-positive limit returns the rest of the chain.
	Chain(ctx context.Context, afterSeq int64, limit int) ([]model.SafetyDecision, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(l int) int {
	switch {
	case l <= 0:
		return defaultListLimit
	case l > maxListLimit:
		return maxListLimit
	default:
		return l
	}
}
