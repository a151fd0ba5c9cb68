/*
Package audit implements the hash-chained audit trail of ledger mutations.

PURPOSE:
  Every grant, deduction, reversal and expiry writes exactly one AuditEvent
  in the same store transaction as the mutation itself. Each event's hash
  covers the previous event's hash, so altering any stored event breaks the
  chain from that point on.

CHAIN LAYOUT:
  One global chain ordered by sequence number (1, 2, 3, ...), shared by all
  employees. A single verification pass therefore covers every employee.

    seq 1: prev = 000...0        hash = H(prev || canonical(e1))
    seq 2: prev = hash(seq 1)    hash = H(prev || canonical(e2))

VERIFICATION:
  Verify replays a range in order. For each event it checks that the
  sequence number is the expected one, that prev_hash links to the previous
  stored hash, and that the recomputed hash matches the stored one. The
  first failure is reported and nothing after it is examined.

SEE ALSO:
  - canonical.go: Field order and encoding of the hashed bytes
  - paidleave/ledger.go: Records events inside WithTx
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
)

// ErrInvalidRange is returned when a verification range is inverted.
var ErrInvalidRange = errors.New("invalid audit sequence range")

const verifyPageSize = 500

// =============================================================================
// TRAIL
// =============================================================================

// Entry is what a caller records. Sequence, timestamp and hashes are
// assigned by the trail.
type Entry struct {
	Type        generic.AuditEventType
	EmployeeID  generic.EmployeeID
	ReferenceID string
	Amount      generic.Amount
	Before      []generic.TrancheSnapshot
	After       []generic.TrancheSnapshot
}

// Trail appends to and verifies the audit chain held by an AuditStore.
type Trail struct {
	store   generic.AuditStore
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger sets the logger used for tamper reports.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(t *Trail) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithMetrics counts tamper detections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Trail) {
		t.metrics = m
	}
}

func NewTrail(store generic.AuditStore, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// In returns a copy of the trail that writes through store, typically the
// transactional view handed out by TxStore.WithTx.
func (t *Trail) In(store generic.AuditStore) *Trail {
	cp := *t
	cp.store = store
	return &cp
}

// Record appends one event to the chain.
func (t *Trail) Record(ctx context.Context, entry Entry) (generic.AuditEvent, error) {
	head, err := t.store.LastAudit(ctx)
	if err != nil {
		return generic.AuditEvent{}, fmt.Errorf("read audit head: %w", err)
	}

	e := generic.AuditEvent{
		Sequence:    1,
		Type:        entry.Type,
		EmployeeID:  entry.EmployeeID,
		ReferenceID: entry.ReferenceID,
		Amount:      entry.Amount,
		Before:      entry.Before,
		After:       entry.After,
		Timestamp:   t.clock().UTC().Round(0),
		PrevHash:    GenesisHash,
	}
	if head != nil {
		e.Sequence = head.Sequence + 1
		e.PrevHash = head.Hash
	}

	e.Hash, err = ComputeHash(e.PrevHash, e)
	if err != nil {
		return generic.AuditEvent{}, fmt.Errorf("hash audit event %d: %w", e.Sequence, err)
	}

	if err := t.store.AppendAudit(ctx, e); err != nil {
		return generic.AuditEvent{}, fmt.Errorf("append audit event %d: %w", e.Sequence, err)
	}
	return e, nil
}

// Events returns stored events matching the filter.
func (t *Trail) Events(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEvent, error) {
	return t.store.QueryAudit(ctx, filter)
}

// Head returns the last event of the chain, or nil if it is empty.
func (t *Trail) Head(ctx context.Context) (*generic.AuditEvent, error) {
	return t.store.LastAudit(ctx)
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyReport summarizes a verification pass.
type VerifyReport struct {
	FromSeq    uint64 `json:"from_seq"`
	ToSeq      uint64 `json:"to_seq"`
	Checked    int    `json:"checked"`
	Clean      bool   `json:"clean"`
	TamperedAt uint64 `json:"tampered_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
	LastHash   string `json:"last_hash,omitempty"`
}

// Verify checks events fromSeq..toSeq inclusive. fromSeq 0 means 1 and
// toSeq 0 means the current head.
//
// On tampering the report is returned together with a
// *generic.TamperDetectedError. Store failures are returned as-is with a
// nil report.
func (t *Trail) Verify(ctx context.Context, fromSeq, toSeq uint64) (*VerifyReport, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		head, err := t.store.LastAudit(ctx)
		if seq, ok := corruptSeq(err); ok {
			// The replay below reaches the undecodable head and reports it.
			toSeq = seq
		} else if err != nil {
			return nil, fmt.Errorf("read audit head: %w", err)
		} else if head == nil {
			return &VerifyReport{FromSeq: fromSeq, Clean: true}, nil
		} else {
			toSeq = head.Sequence
		}
	}
	if toSeq < fromSeq {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidRange, fromSeq, toSeq)
	}

	report := &VerifyReport{FromSeq: fromSeq, ToSeq: toSeq}

	prevHash := GenesisHash
	if fromSeq > 1 {
		anchor, err := t.store.GetAudit(ctx, fromSeq-1)
		if seq, ok := corruptSeq(err); ok {
			return t.tampered(ctx, report, seq, undecodable)
		}
		if err != nil {
			return nil, fmt.Errorf("read audit anchor %d: %w", fromSeq-1, err)
		}
		if anchor == nil {
			return t.tampered(ctx, report, fromSeq-1, "event missing")
		}
		prevHash = anchor.Hash
	}

	// An undecodable row fails its whole page, so the events before it are
	// replayed first and the row is reported only if they are clean.
	var corruptAt uint64
	last := toSeq

	expected := fromSeq
	for expected <= last {
		page, err := t.store.QueryAudit(ctx, generic.AuditFilter{
			FromSeq: expected,
			ToSeq:   last,
			Limit:   verifyPageSize,
		})
		if seq, ok := corruptSeq(err); ok {
			if seq <= expected {
				return t.tampered(ctx, report, expected, undecodable)
			}
			corruptAt, last = seq, seq-1
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read audit events from %d: %w", expected, err)
		}
		if len(page) == 0 {
			return t.tampered(ctx, report, expected, "event missing")
		}

		for _, e := range page {
			if e.Sequence != expected {
				return t.tampered(ctx, report, expected, "event missing")
			}
			if e.PrevHash != prevHash {
				return t.tampered(ctx, report, e.Sequence, "prev_hash does not link to the preceding event")
			}
			recomputed, err := ComputeHash(prevHash, e)
			if err != nil {
				return t.tampered(ctx, report, e.Sequence, err.Error())
			}
			if recomputed != e.Hash {
				return t.tampered(ctx, report, e.Sequence, "hash mismatch")
			}

			prevHash = e.Hash
			report.Checked++
			expected++
		}
	}

	if corruptAt != 0 {
		return t.tampered(ctx, report, corruptAt, undecodable)
	}

	report.Clean = true
	report.LastHash = prevHash
	return report, nil
}

const undecodable = "undecodable event"

// corruptSeq reports the sequence of an audit row the store could read but
// not decode.
func corruptSeq(err error) (uint64, bool) {
	var corrupt *generic.CorruptAuditError
	if errors.As(err, &corrupt) {
		return corrupt.Seq, true
	}
	return 0, false
}

// VerifyAll checks the whole chain.
func (t *Trail) VerifyAll(ctx context.Context) (*VerifyReport, error) {
	return t.Verify(ctx, 1, 0)
}

// VerifyEmployee checks the part of the global chain spanning the employee's
// first to last event. Events of other employees in between are checked
// too, since they are links of the same chain.
func (t *Trail) VerifyEmployee(ctx context.Context, employeeID generic.EmployeeID) (*VerifyReport, error) {
	first, last, ok, err := t.store.AuditRange(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("read audit range for %s: %w", employeeID, err)
	}
	if !ok {
		return &VerifyReport{Clean: true}, nil
	}
	return t.Verify(ctx, first, last)
}

func (t *Trail) tampered(ctx context.Context, report *VerifyReport, seq uint64, reason string) (*VerifyReport, error) {
	report.Clean = false
	report.TamperedAt = seq
	report.Reason = reason

	t.metrics.IncrementTamper()
	t.logger.ErrorContext(ctx, "audit chain tamper detected",
		slog.Uint64("seq", seq),
		slog.String("reason", reason),
	)
	return report, &generic.TamperDetectedError{Seq: seq, Reason: reason}
}
