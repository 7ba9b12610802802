package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sentinel/model"
)

const uniqueViolation = "23505"

const recordColumns = `
	id::text, seq, org_id, business_profile_id, user_id, conversation_id,
	content_type, decision, confidence::float8, applied_filters,
	request_hash, COALESCE(prev_hash, ''), record_hash, created_at, metadata`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The chain tail lives
// in a single-row table and every append updates it conditionally in the
// same transaction as the insert.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL ledger store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Tail returns the current chain tail.
func (s *PgStore) Tail(ctx context.Context) (Tail, error) {
	var t Tail
	err := s.pool.QueryRow(ctx, `
		SELECT seq, COALESCE(tail_hash, '') FROM safety_ledger_tail WHERE id`,
	).Scan(&t.Seq, &t.Hash)
	if err == pgx.ErrNoRows {
		return Tail{}, nil
	}
	if err != nil {
		return Tail{}, fmt.Errorf("query ledger tail: %w", err)
	}
	return t, nil
}

// Append writes rec if the stored tail still equals expected.
func (s *PgStore) Append(ctx context.Context, rec model.SafetyDecision, expected Tail) (model.SafetyDecision, error) {
	if rec.PrevHash != expected.Hash {
		return model.SafetyDecision{}, model.NewValidationError([]model.FieldError{
			{Field: "prev_hash", Code: "CHAIN_LINK", Message: "prev_hash must equal the expected tail hash"},
		})
	}
	filtersJSON, err := json.Marshal(filtersOrEmpty(rec.AppliedFilters))
	if err != nil {
		return model.SafetyDecision{}, fmt.Errorf("marshal applied filters: %w", err)
	}
	metaJSON, err := json.Marshal(metadataOrEmpty(rec.Metadata))
	if err != nil {
		return model.SafetyDecision{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.SafetyDecision{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE safety_ledger_tail SET seq = $1, tail_hash = $2
		WHERE id AND seq = $3 AND COALESCE(tail_hash, '') = $4`,
		expected.Seq+1, rec.RecordHash, expected.Seq, expected.Hash,
	)
	if err != nil {
		return model.SafetyDecision{}, fmt.Errorf("advance ledger tail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.SafetyDecision{}, model.NewConflictError(
			fmt.Sprintf("ledger tail moved (expected seq %d)", expected.Seq),
		)
	}

	rec.Seq = expected.Seq + 1
	var prev any
	if rec.PrevHash != "" {
		prev = rec.PrevHash
	}
	var id any
	if rec.ID != "" {
		id = rec.ID
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO safety_decisions (
			id, seq, org_id, business_profile_id, user_id, conversation_id,
			content_type, decision, confidence, applied_filters,
			request_hash, prev_hash, record_hash, created_at, metadata
		) VALUES (
			COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		) RETURNING id::text`,
		id, rec.Seq, rec.OrgID, rec.BusinessProfileID, rec.UserID, rec.ConversationID,
		rec.ContentType, string(rec.Decision), rec.Confidence, filtersJSON,
		rec.RequestHash, prev, rec.RecordHash, rec.CreatedAt, metaJSON,
	).Scan(&rec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.SafetyDecision{}, model.NewConflictError(
				fmt.Sprintf("ledger record conflict: %s", pgErr.ConstraintName),
			)
		}
		return model.SafetyDecision{}, fmt.Errorf("insert safety decision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SafetyDecision{}, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}

// List returns records matching filter, oldest first.
func (s *PgStore) List(ctx context.Context, f model.LedgerFilter) ([]model.SafetyDecision, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.BusinessProfileID != "" {
		add("business_profile_id = $%d", f.BusinessProfileID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := "SELECT " + recordColumns + " FROM safety_decisions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f.Limit), max(f.Offset, 0))
	q += fmt.Sprintf(" ORDER BY seq LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.query(ctx, q, args...)
}

// FindByRequestHash returns every record with the given request hash.
func (s *PgStore) FindByRequestHash(ctx context.Context, requestHash string) ([]model.SafetyDecision, error) {
	return s.query(ctx,
		"SELECT "+recordColumns+" FROM safety_decisions WHERE request_hash = $1 ORDER BY seq",
		requestHash,
	)
}

// Chain returns records with Seq > afterSeq.
func (s *PgStore) Chain(ctx context.Context, afterSeq int64, limit int) ([]model.SafetyDecision, error) {
	if limit <= 0 {
		return s.query(ctx,
			"SELECT "+recordColumns+" FROM safety_decisions WHERE seq > $1 ORDER BY seq",
			afterSeq,
		)
	}
	return s.query(ctx,
		"SELECT "+recordColumns+" FROM safety_decisions WHERE seq > $1 ORDER BY seq LIMIT $2",
		afterSeq, limit,
	)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]model.SafetyDecision, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query safety decisions: %w", err)
	}
	defer rows.Close()

	out := []model.SafetyDecision{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate safety decisions: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (model.SafetyDecision, error) {
	var (
		rec                   model.SafetyDecision
		decision              string
		filtersJSON, metaJSON []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Seq, &rec.OrgID, &rec.BusinessProfileID, &rec.UserID, &rec.ConversationID,
		&rec.ContentType, &decision, &rec.Confidence, &filtersJSON,
		&rec.RequestHash, &rec.PrevHash, &rec.RecordHash, &rec.CreatedAt, &metaJSON,
	)
	if err != nil {
		return model.SafetyDecision{}, fmt.Errorf("scan safety decision: %w", err)
	}
	rec.Decision = model.Decision(decision)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if err := json.Unmarshal(filtersJSON, &rec.AppliedFilters); err != nil {
		return model.SafetyDecision{}, fmt.Errorf("unmarshal applied filters: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
		return model.SafetyDecision{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return rec, nil
}
