package ledger

import (
	"fmt"

	"github.com/pitabwire/sentinel/model"
)

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid   bool `json:"valid"`
	Checked int  `json:"checked"`
	// FirstInvalid is the index of the first bad record, or -1.
	FirstInvalid int    `json:"first_invalid"`
	RecordID     string `json:"record_id,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// VerifyChain checks a chain that starts at genesis.
func VerifyChain(records []model.SafetyDecision) VerifyResult {
	return VerifyFrom("", records)
}

// Verify reports whether records form an intact chain from genesis.
func Verify(records []model.SafetyDecision) bool {
	return VerifyChain(records).Valid
}

// VerifyFrom checks that records, in chain order, link to prevHash and to
// each other, and that every stored record_hash matches a recomputation.
// It stops at the first failure.
func VerifyFrom(prevHash string, records []model.SafetyDecision) VerifyResult {
	prev := prevHash
	for i, rec := range records {
		if rec.PrevHash != prev {
			return invalid(i, rec, fmt.Sprintf("prev_hash %q does not link to %q", short(rec.PrevHash), short(prev)))
		}
		want, err := RecordHash(rec, prev)
		if err != nil {
			return invalid(i, rec, err.Error())
		}
		if rec.RecordHash != want {
			return invalid(i, rec, "record_hash does not match record content")
		}
		prev = rec.RecordHash
	}
	return VerifyResult{Valid: true, Checked: len(records), FirstInvalid: -1}
}

func invalid(i int, rec model.SafetyDecision, reason string) VerifyResult {
	return VerifyResult{
		Checked:      i,
		FirstInvalid: i,
		RecordID:     rec.ID,
		Seq:          rec.Seq,
		Reason:       reason,
	}
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
