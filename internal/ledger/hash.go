// Package ledger implements the safety ledger: an append-only, hash-chained
// record of every safety decision. Each record's hash binds its content to
// the hash of the record before it, so any retroactive edit is detectable by
// recomputation. Appends are serialized by compare-and-swap on the chain
// tail; there is one global chain.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pitabwire/sentinel/model"
)

// canonicalTimeLayout fixes created_at at microsecond precision, matching
// what timestamptz round-trips.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

// RoundConfidence rounds to the two decimals numeric(3,2) stores.
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

// NormalizeTime converts t to UTC at microsecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Canonical returns the canonical JSON encoding of a decision input: sorted
// keys, confidence rounded, nil collections as empty ones.
func Canonical(in model.DecisionInput) ([]byte, error) {
	b, err := json.Marshal(map[string]any{
		"org_id":              in.OrgID,
		"business_profile_id": in.BusinessProfileID,
		"user_id":             in.UserID,
		"conversation_id":     in.ConversationID,
		"content_type":        in.ContentType,
		"content":             in.Content,
		"decision":            string(in.Decision),
		"confidence":          RoundConfidence(in.Confidence),
		"applied_filters":     filtersOrEmpty(in.AppliedFilters),
		"metadata":            metadataOrEmpty(in.Metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("canonical decision input: %w", err)
	}
	return b, nil
}

// RequestHash is the SHA-256 hex digest of Canonical(in).
func RequestHash(in model.DecisionInput) (string, error) {
	b, err := Canonical(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// RecordHash is the SHA-256 hex digest of the record's canonical decision
// fields followed by prevHash. ID, Seq and the stored hashes are excluded.
func RecordHash(rec model.SafetyDecision, prevHash string) (string, error) {
	b, err := json.Marshal(map[string]any{
		"org_id":              rec.OrgID,
		"business_profile_id": rec.BusinessProfileID,
		"user_id":             rec.UserID,
		"conversation_id":     rec.ConversationID,
		"content_type":        rec.ContentType,
		"decision":            string(rec.Decision),
		"confidence":          RoundConfidence(rec.Confidence),
		"applied_filters":     filtersOrEmpty(rec.AppliedFilters),
		"metadata":            metadataOrEmpty(rec.Metadata),
		"request_hash":        rec.RequestHash,
		"created_at":          NormalizeTime(rec.CreatedAt).Format(canonicalTimeLayout),
	})
	if err != nil {
		return "", fmt.Errorf("canonical record: %w", err)
	}
	h := sha256.New()
	h.Write(b)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeMetadata round-trips metadata through JSON so the in-memory form
// matches what a JSONB column returns: plain maps, slices and float64s.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}

func filtersOrEmpty(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
