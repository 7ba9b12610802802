package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/model"
)

const (
	defaultMaxAttempts    = 10
	defaultBackoffInitial = 5 * time.Millisecond
	defaultBackoffMax     = 250 * time.Millisecond
	defaultDedupTTL       = 24 * time.Hour
)

// Ledger appends safety decisions to the chain and answers read-only
// queries over it.
type Ledger struct {
	store          Store
	dedup          DedupCache
	dedupTTL       time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDedupCache sets the request-hash cache consulted by AppendOnce.
func WithDedupCache(c DedupCache, ttl time.Duration) Option {
	return func(l *Ledger) {
		l.dedup = c
		if ttl > 0 {
			l.dedupTTL = ttl
		}
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRetry bounds CAS retries: at most maxAttempts store appends, with
// exponential backoff between initial and max.
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if initial > 0 {
			l.backoffInitial = initial
		}
		if maxInterval > 0 {
			l.backoffMax = maxInterval
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:          store,
		dedupTTL:       defaultDedupTTL,
		logger:         zap.NewNop(),
		maxAttempts:    defaultMaxAttempts,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Validate rejects inputs that may not be written. It runs before hashing.
func Validate(in model.DecisionInput) error {
	var details []model.FieldError
	if !in.Decision.Valid() {
		details = append(details, model.FieldError{
			Field: "decision", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("decision %q must be one of allow, block, modify, escalate", in.Decision),
		})
	}
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		details = append(details, model.FieldError{
			Field: "confidence", Code: "OUT_OF_RANGE",
			Message: fmt.Sprintf("confidence %v must lie in [0,1]", in.Confidence),
		})
	}
	if in.ContentType == "" {
		details = append(details, model.FieldError{
			Field: "content_type", Code: "REQUIRED", Message: "content_type is required",
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Append writes a new decision at the chain tail. A lost CAS race is
// retried with backoff up to the configured bound; any other error is
// returned and the decision is not recorded.
func (l *Ledger) Append(ctx context.Context, in model.DecisionInput) (model.SafetyDecision, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.append",
		observability.AttrDecision.String(string(in.Decision)),
	)
	start := time.Now()

	rec, err := l.append(ctx, in)

	if err != nil {
		l.metrics.RecordLedgerAppend(string(in.Decision), "error", time.Since(start))
		observability.LoggerFrom(ctx, l.logger).Error("safety decision not recorded",
			zap.String("decision", string(in.Decision)),
			zap.String("org_id", in.OrgID),
			zap.String("conversation_id", in.ConversationID),
			zap.Error(err),
		)
	} else {
		l.metrics.RecordLedgerAppend(string(rec.Decision), "ok", time.Since(start))
		span.SetAttributes(observability.AttrLedgerSeq.Int64(rec.Seq))
		observability.LoggerFrom(ctx, l.logger).Info("safety decision recorded",
			zap.String("record_id", rec.ID),
			zap.Int64("seq", rec.Seq),
			zap.String("decision", string(rec.Decision)),
			zap.String("request_hash", rec.RequestHash),
		)
	}
	observability.EndSpanWithError(span, err)
	return rec, err
}

func (l *Ledger) append(ctx context.Context, in model.DecisionInput) (model.SafetyDecision, error) {
	if err := Validate(in); err != nil {
		return model.SafetyDecision{}, err
	}
	meta, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return model.SafetyDecision{}, model.NewValidationError([]model.FieldError{
			{Field: "metadata", Code: "INVALID", Message: err.Error()},
		})
	}
	in.Metadata = meta

	requestHash, err := RequestHash(in)
	if err != nil {
		return model.SafetyDecision{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.backoffInitial
	b.MaxInterval = l.backoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.maxAttempts-1)), ctx)

	attempts := 0
	op := func() (model.SafetyDecision, error) {
		attempts++
		tail, err := l.store.Tail(ctx)
		if err != nil {
			return model.SafetyDecision{}, backoff.Permanent(fmt.Errorf("read ledger tail: %w", err))
		}
		rec := buildRecord(in, requestHash, tail.Hash, l.now())
		if rec.RecordHash, err = RecordHash(rec, tail.Hash); err != nil {
			return model.SafetyDecision{}, backoff.Permanent(err)
		}
		stored, err := l.store.Append(ctx, rec, tail)
		if err != nil {
			if model.IsCode(err, model.ErrConflict) {
				return model.SafetyDecision{}, err
			}
			return model.SafetyDecision{}, backoff.Permanent(err)
		}
		return stored, nil
	}
	notify := func(err error, wait time.Duration) {
		l.metrics.RecordLedgerCASRetry()
		observability.LoggerFrom(ctx, l.logger).Debug("ledger append lost CAS race, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	rec, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.SafetyDecision{}, fmt.Errorf("ledger append gave up after %d attempts: %w", attempts, err)
		}
		return model.SafetyDecision{}, err
	}
	return rec, nil
}

func buildRecord(in model.DecisionInput, requestHash, prevHash string, now time.Time) model.SafetyDecision {
	return model.SafetyDecision{
		OrgID:             in.OrgID,
		BusinessProfileID: in.BusinessProfileID,
		UserID:            in.UserID,
		ConversationID:    in.ConversationID,
		ContentType:       in.ContentType,
		Decision:          in.Decision,
		Confidence:        RoundConfidence(in.Confidence),
		AppliedFilters:    append([]string{}, in.AppliedFilters...),
		Metadata:          metadataOrEmpty(in.Metadata),
		RequestHash:       requestHash,
		PrevHash:          prevHash,
		CreatedAt:         NormalizeTime(now),
	}
}

// AppendOnce appends in unless a record with the same request hash already
// exists, in which case that record is returned. The bool reports whether a
// new record was written.
func (l *Ledger) AppendOnce(ctx context.Context, in model.DecisionInput) (model.SafetyDecision, bool, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.append_once",
		observability.AttrDecision.String(string(in.Decision)),
	)
	rec, written, err := l.appendOnce(ctx, in)
	if err == nil {
		span.SetAttributes(observability.AttrDedupHit.Bool(!written))
	}
	observability.EndSpanWithError(span, err)
	return rec, written, err
}

func (l *Ledger) appendOnce(ctx context.Context, in model.DecisionInput) (model.SafetyDecision, bool, error) {
	if err := Validate(in); err != nil {
		return model.SafetyDecision{}, false, err
	}
	meta, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return model.SafetyDecision{}, false, model.NewValidationError([]model.FieldError{
			{Field: "metadata", Code: "INVALID", Message: err.Error()},
		})
	}
	in.Metadata = meta
	requestHash, err := RequestHash(in)
	if err != nil {
		return model.SafetyDecision{}, false, err
	}

	if existing, ok, err := l.lookup(ctx, requestHash); err != nil {
		return model.SafetyDecision{}, false, err
	} else if ok {
		l.metrics.RecordLedgerDedupHit()
		observability.LoggerFrom(ctx, l.logger).Debug("safety decision already recorded",
			zap.String("request_hash", requestHash),
			zap.Int64("seq", existing.Seq),
		)
		return existing, false, nil
	}

	rec, err := l.Append(ctx, in)
	if err != nil {
		return model.SafetyDecision{}, false, err
	}
	if l.dedup != nil {
		if err := l.dedup.Put(ctx, rec, l.dedupTTL); err != nil {
			observability.LoggerFrom(ctx, l.logger).Warn("dedup cache write failed",
				zap.String("request_hash", requestHash),
				zap.Error(err),
			)
		}
	}
	return rec, true, nil
}

// lookup checks the dedup cache, then the store. Cache failures degrade to
// the store.
func (l *Ledger) lookup(ctx context.Context, requestHash string) (model.SafetyDecision, bool, error) {
	if l.dedup != nil {
		rec, ok, err := l.dedup.Get(ctx, requestHash)
		if err != nil {
			observability.LoggerFrom(ctx, l.logger).Warn("dedup cache read failed",
				zap.String("request_hash", requestHash),
				zap.Error(err),
			)
		} else if ok {
			return *rec, true, nil
		}
	}

	recs, err := l.store.FindByRequestHash(ctx, requestHash)
	if err != nil {
		return model.SafetyDecision{}, false, fmt.Errorf("lookup request hash: %w", err)
	}
	if len(recs) == 0 {
		return model.SafetyDecision{}, false, nil
	}
	if l.dedup != nil {
		_ = l.dedup.Put(ctx, recs[0], l.dedupTTL)
	}
	return recs[0], true, nil
}

// ByOrg lists an organization's decisions in [from, to).
func (l *Ledger) ByOrg(ctx context.Context, orgID string, from, to time.Time, limit, offset int) ([]model.SafetyDecision, error) {
	return l.list(ctx, model.LedgerFilter{OrgID: orgID, From: from, To: to, Limit: limit, Offset: offset}, "org_id", orgID)
}

// ByBusinessProfile lists a business profile's decisions in [from, to).
func (l *Ledger) ByBusinessProfile(ctx context.Context, profileID string, from, to time.Time, limit, offset int) ([]model.SafetyDecision, error) {
	return l.list(ctx, model.LedgerFilter{BusinessProfileID: profileID, From: from, To: to, Limit: limit, Offset: offset}, "business_profile_id", profileID)
}

// ByUser lists a user's decisions in [from, to).
func (l *Ledger) ByUser(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]model.SafetyDecision, error) {
	return l.list(ctx, model.LedgerFilter{UserID: userID, From: from, To: to, Limit: limit, Offset: offset}, "user_id", userID)
}

// ByRequestHash returns every record written for a request hash.
func (l *Ledger) ByRequestHash(ctx context.Context, requestHash string) ([]model.SafetyDecision, error) {
	if requestHash == "" {
		return nil, requiredField("request_hash")
	}
	return l.store.FindByRequestHash(ctx, requestHash)
}

func (l *Ledger) list(ctx context.Context, f model.LedgerFilter, field, value string) ([]model.SafetyDecision, error) {
	if value == "" {
		return nil, requiredField(field)
	}
	return l.store.List(ctx, f)
}

// VerifyAll reads the whole chain from the store and verifies it.
func (l *Ledger) VerifyAll(ctx context.Context) (VerifyResult, error) {
	recs, err := l.store.Chain(ctx, 0, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read chain: %w", err)
	}
	return VerifyChain(recs), nil
}

func requiredField(field string) error {
	return model.NewValidationError([]model.FieldError{
		{Field: field, Code: "REQUIRED", Message: field + " is required"},
	})
}
