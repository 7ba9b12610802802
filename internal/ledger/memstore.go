package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/sentinel/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	records      []model.SafetyDecision
	byRecordHash map[string]struct{}
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRecordHash: make(map[string]struct{})}
}

// Tail returns the current chain tail.
func (s *MemoryStore) Tail(_ context.Context) (Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tailLocked(), nil
}

func (s *MemoryStore) tailLocked() Tail {
	if len(s.records) == 0 {
		return Tail{}
	}
	last := s.records[len(s.records)-1]
	return Tail{Seq: last.Seq, Hash: last.RecordHash}
}

// Append writes rec if the tail still equals expected.
func (s *MemoryStore) Append(_ context.Context, rec model.SafetyDecision, expected Tail) (model.SafetyDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.tailLocked(); current != expected {
		return model.SafetyDecision{}, model.NewConflictError(
			fmt.Sprintf("ledger tail moved (expected seq %d, got %d)", expected.Seq, current.Seq),
		)
	}
	if rec.PrevHash != expected.Hash {
		return model.SafetyDecision{}, model.NewValidationError([]model.FieldError{
			{Field: "prev_hash", Code: "CHAIN_LINK", Message: "prev_hash must equal the expected tail hash"},
		})
	}
	if _, dup := s.byRecordHash[rec.RecordHash]; dup {
		return model.SafetyDecision{}, model.NewConflictError(
			fmt.Sprintf("record_hash %s already exists", rec.RecordHash),
		)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Seq = expected.Seq + 1
	rec = copyRecord(rec)
	s.records = append(s.records, rec)
	s.byRecordHash[rec.RecordHash] = struct{}{}
	return copyRecord(rec), nil
}

// List returns records matching filter, oldest first.
func (s *MemoryStore) List(_ context.Context, f model.LedgerFilter) ([]model.SafetyDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.SafetyDecision
	for _, r := range s.records {
		if matchesFilter(r, f) {
			matched = append(matched, r)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []model.SafetyDecision{}, nil
		}
		matched = matched[f.Offset:]
	}
	if limit := listLimit(f.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return copyRecords(matched), nil
}

// FindByRequestHash returns every record with the given request hash.
func (s *MemoryStore) FindByRequestHash(_ context.Context, requestHash string) ([]model.SafetyDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SafetyDecision
	for _, r := range s.records {
		if r.RequestHash == requestHash {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

// Chain returns records with Seq > afterSeq.
func (s *MemoryStore) Chain(_ context.Context, afterSeq int64, limit int) ([]model.SafetyDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Seq is 1-based and dense, so it doubles as a slice index.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(s.records) {
		return []model.SafetyDecision{}, nil
	}
	end := len(s.records)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return copyRecords(s.records[start:end]), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func matchesFilter(r model.SafetyDecision, f model.LedgerFilter) bool {
	if f.OrgID != "" && r.OrgID != f.OrgID {
		return false
	}
	if f.BusinessProfileID != "" && r.BusinessProfileID != f.BusinessProfileID {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func copyRecord(r model.SafetyDecision) model.SafetyDecision {
	if r.AppliedFilters != nil {
		r.AppliedFilters = append([]string(nil), r.AppliedFilters...)
	}
	if r.Metadata != nil {
		r.Metadata = copyMap(r.Metadata)
	}
	return r
}

// copyMap copies m and every map or slice nested in it, so a returned
// record shares no mutable state with the stored one.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]int:
		out := make(map[string]int, len(t))
		for k, n := range t {
			out[k] = n
		}
		return out
	default:
		return v
	}
}

func copyRecords(rs []model.SafetyDecision) []model.SafetyDecision {
	out := make([]model.SafetyDecision, len(rs))
	for i, r := range rs {
		out[i] = copyRecord(r)
	}
	return out
}
