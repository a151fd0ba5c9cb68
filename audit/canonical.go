package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/leave-ledger/generic"
)

// GenesisHash is the prev_hash of the first event in the chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// canonicalEvent fixes the field order and the textual form of every value
// that goes into an event hash. encoding/json emits struct fields in
// declaration order, so the output is stable across runs and platforms.
type canonicalEvent struct {
	Sequence    uint64              `json:"sequence"`
	Type        string              `json:"event_type"`
	EmployeeID  string              `json:"employee_id"`
	ReferenceID string              `json:"reference_id"`
	Amount      string              `json:"amount"`
	Before      []canonicalSnapshot `json:"before_state"`
	After       []canonicalSnapshot `json:"after_state"`
	Timestamp   string              `json:"timestamp"`
}

type canonicalSnapshot struct {
	TrancheID     string `json:"tranche_id"`
	GrantedOn     string `json:"granted_on"`
	ExpiresOn     string `json:"expires_on"`
	DaysGranted   string `json:"days_granted"`
	DaysRemaining string `json:"days_remaining"`
}

// Canonical returns the deterministic serialization of the hashed fields of
// e. PrevHash and Hash are not part of it.
func Canonical(e generic.AuditEvent) ([]byte, error) {
	ce := canonicalEvent{
		Sequence:    e.Sequence,
		Type:        string(e.Type),
		EmployeeID:  string(e.EmployeeID),
		ReferenceID: e.ReferenceID,
		Amount:      e.Amount.String(),
		Before:      canonicalSnapshots(e.Before),
		After:       canonicalSnapshots(e.After),
		Timestamp:   FormatTimestamp(e.Timestamp),
	}
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return data, nil
}

func canonicalSnapshots(in []generic.TrancheSnapshot) []canonicalSnapshot {
	out := make([]canonicalSnapshot, 0, len(in))
	for _, s := range in {
		out = append(out, canonicalSnapshot{
			TrancheID:     string(s.TrancheID),
			GrantedOn:     s.GrantedOn.String(),
			ExpiresOn:     s.ExpiresOn.String(),
			DaysGranted:   s.DaysGranted.String(),
			DaysRemaining: s.DaysRemaining.String(),
		})
	}
	return out
}

// FormatTimestamp is the textual form timestamps are hashed and stored in.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns hex(SHA256(prevHash bytes || Canonical(e))).
func ComputeHash(prevHash string, e generic.AuditEvent) (string, error) {
	prev, err := hex.DecodeString(prevHash)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("malformed prev hash %q", prevHash)
	}
	body, err := Canonical(e)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(prev)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
