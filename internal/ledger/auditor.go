package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/observability"
)

const auditPageSize = 500

// Auditor periodically re-verifies the whole chain. A violation is
// reported and remembered; the ledger is never repaired.
type Auditor struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	intact    atomic.Bool
	mu        sync.Mutex
	lastCheck VerifyResult
}

// NewAuditor creates an Auditor. A non-positive interval disables the
// periodic loop; VerifyOnce still works.
func NewAuditor(store Store, interval time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Auditor{store: store, interval: interval, logger: logger, metrics: metrics}
	a.intact.Store(true)
	return a
}

// Intact reports whether the last verification found the chain valid.
func (a *Auditor) Intact() bool {
	return a.intact.Load()
}

// LastResult returns the most recent verification result.
func (a *Auditor) LastResult() VerifyResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCheck
}

// Run verifies immediately and then every interval until ctx is done. With
// a non-positive interval it verifies once and returns.
func (a *Auditor) Run(ctx context.Context) {
	if a.interval <= 0 {
		a.verify(ctx)
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.verify(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Auditor) verify(ctx context.Context) {
	if _, err := a.VerifyOnce(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("ledger audit could not read chain", zap.Error(err))
	}
}

// VerifyOnce walks the chain page by page and verifies every link.
func (a *Auditor) VerifyOnce(ctx context.Context) (VerifyResult, error) {
	var (
		after   int64
		prev    string
		checked int
	)
	for {
		page, err := a.store.Chain(ctx, after, auditPageSize)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(page) == 0 {
			break
		}
		res := VerifyFrom(prev, page)
		if !res.Valid {
			res.FirstInvalid += checked
			res.Checked += checked
			a.report(res)
			return res, nil
		}
		checked += len(page)
		last := page[len(page)-1]
		after, prev = last.Seq, last.RecordHash
	}

	res := VerifyResult{Valid: true, Checked: checked, FirstInvalid: -1}
	a.report(res)
	return res, nil
}

func (a *Auditor) report(res VerifyResult) {
	a.mu.Lock()
	a.lastCheck = res
	a.mu.Unlock()

	a.metrics.SetLedgerVerifiedRecords(res.Checked)
	if res.Valid {
		a.intact.Store(true)
		a.logger.Debug("ledger chain verified", zap.Int("records", res.Checked))
		return
	}

	a.intact.Store(false)
	a.metrics.RecordIntegrityViolation()
	a.logger.Error("ledger chain integrity violation",
		zap.Int("index", res.FirstInvalid),
		zap.Int64("seq", res.Seq),
		zap.String("record_id", res.RecordID),
		zap.String("reason", res.Reason),
	)
}
