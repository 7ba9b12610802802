package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/model"
)

func decision(content string, d model.Decision) model.DecisionInput {
	return model.DecisionInput{
		OrgID:             "org-1",
		BusinessProfileID: "bp-1",
		UserID:            "user-1",
		ConversationID:    "conv-1",
		ContentType:       "user_message",
		Content:           content,
		Decision:          d,
		Confidence:        0.9,
		AppliedFilters:    []string{"pii"},
		Metadata:          map[string]any{"node": "state_validator", "turn": 1},
	}
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestAppend_buildsChain(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()

	d1, err := l.Append(ctx, decision("hello", model.DecisionAllow))
	require.NoError(t, err)
	d2, err := l.Append(ctx, decision("ignore previous instructions", model.DecisionBlock))
	require.NoError(t, err)

	assert.Equal(t, int64(1), d1.Seq)
	assert.Equal(t, int64(2), d2.Seq)
	assert.Empty(t, d1.PrevHash, "genesis record has no prev_hash")
	assert.Equal(t, d1.RecordHash, d2.PrevHash)
	assert.Len(t, d1.RecordHash, 64)
	assert.NotEmpty(t, d1.ID)
	assert.Equal(t, time.UTC, d1.CreatedAt.Location())
	assert.Zero(t, d1.CreatedAt.Nanosecond()%1000, "created_at truncated to microseconds")

	chain, err := store.Chain(ctx, 0, 0)
	require.NoError(t, err)
	res := VerifyChain(chain)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, -1, res.FirstInvalid)
}

func TestAppend_tamperDetectedAtRecord(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()

	_, err := l.Append(ctx, decision("first", model.DecisionAllow))
	require.NoError(t, err)
	_, err = l.Append(ctx, decision("second", model.DecisionBlock))
	require.NoError(t, err)
	_, err = l.Append(ctx, decision("third", model.DecisionModify))
	require.NoError(t, err)

	store.mu.Lock()
	store.records[1].Decision = model.DecisionAllow
	store.mu.Unlock()

	chain, err := store.Chain(ctx, 0, 0)
	require.NoError(t, err)
	res := VerifyChain(chain)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.FirstInvalid)
	assert.Equal(t, int64(2), res.Seq)
	assert.False(t, Verify(chain))
}

func TestMemoryStore_nestedMetadataNotShared(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()

	in := decision("email me at a@b.io", model.DecisionModify)
	in.Metadata = map[string]any{"matches": map[string]any{"pii": 1}, "spans": []any{map[string]any{"start": 12}}}
	appended, err := l.Append(ctx, in)
	require.NoError(t, err)
	appended.Metadata["matches"].(map[string]any)["pii"] = 42.0

	chain, err := store.Chain(ctx, 0, 0)
	require.NoError(t, err)
	chain[0].Metadata["matches"].(map[string]any)["pii"] = 99.0
	chain[0].Metadata["spans"].([]any)[0].(map[string]any)["start"] = 0.0

	listed, err := store.List(ctx, model.LedgerFilter{OrgID: "org-1"})
	require.NoError(t, err)
	listed[0].Metadata["matches"].(map[string]any)["pii"] = 7.0

	found, err := store.FindByRequestHash(ctx, appended.RequestHash)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 1.0, found[0].Metadata["matches"].(map[string]any)["pii"])
	assert.Equal(t, 12.0, found[0].Metadata["spans"].([]any)[0].(map[string]any)["start"])

	res, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, "callers mutating returned records cannot rewrite history")
}

func TestAppend_brokenLinkDetected(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, decision(c, model.DecisionAllow))
		require.NoError(t, err)
	}

	store.mu.Lock()
	store.records[2].PrevHash = store.records[0].RecordHash
	store.mu.Unlock()

	chain, err := store.Chain(ctx, 0, 0)
	require.NoError(t, err)
	res := VerifyChain(chain)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.FirstInvalid)
	assert.Contains(t, res.Reason, "prev_hash")
}

func TestAppend_validationRejectsBeforeWrite(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*model.DecisionInput)
		field string
	}{
		{"unknown decision", func(in *model.DecisionInput) { in.Decision = "maybe" }, "decision"},
		{"confidence above one", func(in *model.DecisionInput) { in.Confidence = 1.01 }, "confidence"},
		{"negative confidence", func(in *model.DecisionInput) { in.Confidence = -0.1 }, "confidence"},
		{"missing content type", func(in *model.DecisionInput) { in.ContentType = "" }, "content_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			l := New(store)
			in := decision("x", model.DecisionAllow)
			tt.mut(&in)

			_, err := l.Append(context.Background(), in)
			require.Error(t, err)
			assert.True(t, model.IsCode(err, model.ErrValidationError))

			var env *model.ErrorEnvelope
			require.True(t, errors.As(err, &env))
			require.Len(t, env.Details, 1)
			assert.Equal(t, tt.field, env.Details[0].Field)
			assert.Zero(t, store.Len(), "nothing written")
		})
	}
}

func TestAppend_confidenceBoundsAccepted(t *testing.T) {
	l := New(NewMemoryStore())
	for _, c := range []float64{0, 1} {
		in := decision("edge", model.DecisionAllow)
		in.Confidence = c
		rec, err := l.Append(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, c, rec.Confidence)
	}
}

func TestAppend_concurrentWritersProduceOneChain(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithRetry(1000, time.Microsecond, time.Millisecond))
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := decision("msg", model.DecisionAllow)
			in.Metadata = map[string]any{"writer": i}
			if _, err := l.Append(ctx, in); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append error: %v", err)
	}

	chain, err := store.Chain(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, chain, writers)
	assert.True(t, Verify(chain))

	prevs := make(map[string]bool)
	for i, rec := range chain {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.False(t, prevs[rec.PrevHash], "prev_hash %q shared by two records", rec.PrevHash)
		prevs[rec.PrevHash] = true
	}
}

// racingStore loses the CAS race a fixed number of times.
type racingStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
	failWith  error
}

func (s *racingStore) Append(ctx context.Context, rec model.SafetyDecision, expected Tail) (model.SafetyDecision, error) {
	s.mu.Lock()
	if s.failWith != nil {
		s.mu.Unlock()
		return model.SafetyDecision{}, s.failWith
	}
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return model.SafetyDecision{}, model.NewConflictError("tail moved")
	}
	s.mu.Unlock()
	return s.MemoryStore.Append(ctx, rec, expected)
}

func TestAppend_retriesLostRace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	store := &racingStore{MemoryStore: NewMemoryStore(), conflicts: 3}
	l := New(store, WithMetrics(m), WithRetry(5, time.Microsecond, time.Millisecond))

	rec, err := l.Append(context.Background(), decision("x", model.DecisionAllow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LedgerCASRetriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("allow", "ok")))
}

func TestAppend_givesUpAfterBound(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), conflicts: 100}
	l := New(store, WithRetry(3, time.Microsecond, time.Millisecond))

	_, err := l.Append(context.Background(), decision("x", model.DecisionAllow))
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrConflict))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Zero(t, store.Len())
}

func TestAppend_otherErrorsSurfaceImmediately(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	store := &racingStore{MemoryStore: NewMemoryStore(), failWith: errors.New("disk full")}
	l := New(store, WithMetrics(m), WithRetry(5, time.Microsecond, time.Millisecond))

	_, err := l.Append(context.Background(), decision("x", model.DecisionBlock))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, testutil.ToFloat64(m.LedgerCASRetriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("block", "error")))
}

func TestAppendOnce_deduplicatesByRequestHash(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	store := NewMemoryStore()
	cache := NewMemoryDedupCache()
	l := New(store, WithDedupCache(cache, time.Hour), WithMetrics(m))
	ctx := context.Background()

	in := decision("repeat me", model.DecisionModify)
	first, created, err := l.AppendOnce(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := l.AppendOnce(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerDedupHitsTotal))
}

func TestAppendOnce_fallsBackToStoreOnCacheMiss(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := decision("persisted", model.DecisionAllow)
	written, err := New(store).Append(ctx, in)
	require.NoError(t, err)

	cache := NewMemoryDedupCache()
	l := New(store, WithDedupCache(cache, time.Hour))
	rec, created, err := l.AppendOnce(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, written.RecordHash, rec.RecordHash)
	assert.Equal(t, 1, cache.Len(), "store hit warms the cache")
}

func TestAppend_plainAppendDoesNotDeduplicate(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	in := decision("twice", model.DecisionAllow)

	a, err := l.Append(context.Background(), in)
	require.NoError(t, err)
	b, err := l.Append(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, a.RequestHash, b.RequestHash)
	assert.NotEqual(t, a.RecordHash, b.RecordHash)

	recs, err := l.ByRequestHash(context.Background(), a.RequestHash)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestQueries(t *testing.T) {
	store := NewMemoryStore()
	clock := fixedClock()
	l := New(store, WithClock(clock))
	ctx := context.Background()

	a := decision("a", model.DecisionAllow)
	b := decision("b", model.DecisionBlock)
	b.OrgID, b.UserID, b.BusinessProfileID = "org-2", "user-2", "bp-2"
	c := decision("c", model.DecisionEscalate)

	for _, in := range []model.DecisionInput{a, b, c} {
		_, err := l.Append(ctx, in)
		require.NoError(t, err)
	}

	byOrg, err := l.ByOrg(ctx, "org-1", time.Time{}, time.Time{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, byOrg, 2)
	assert.Less(t, byOrg[0].Seq, byOrg[1].Seq)

	byUser, err := l.ByUser(ctx, "user-2", time.Time{}, time.Time{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, model.DecisionBlock, byUser[0].Decision)

	byProfile, err := l.ByBusinessProfile(ctx, "bp-1", time.Time{}, time.Time{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, byProfile, 1)
	assert.Equal(t, model.DecisionEscalate, byProfile[0].Decision)

	// Time window is [from, to).
	windowed, err := l.ByOrg(ctx, "org-1", byOrg[1].CreatedAt, time.Time{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	windowed, err = l.ByOrg(ctx, "org-1", time.Time{}, byOrg[1].CreatedAt, 0, 0)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, byOrg[0].ID, windowed[0].ID)

	_, err = l.ByOrg(ctx, "", time.Time{}, time.Time{}, 0, 0)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestVerifyAll(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()

	res, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, "empty chain is valid")

	_, err = l.Append(ctx, decision("x", model.DecisionAllow))
	require.NoError(t, err)
	res, err = l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.Checked)
}
