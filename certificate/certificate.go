/*
Package certificate renders signed 5-day rule compliance certificates.

PURPOSE:
  A certificate summarizes, for a set of employees and one fiscal year,
  each employee's compliance status and balance, and whether the audit
  chain behind those numbers verifies. It is COMPLIANT only when every
  employee is compliant AND the chain is clean.

SIGNATURE:
  The certificate carries SHA256(canonical(body)) in hex. The signature is
  independent of the audit chain, so an exported certificate is tamper
  evident on its own: change any field of the body and Verify fails.

SEE ALSO:
  - paidleave/compliance.go: Per-employee status
  - audit/trail.go: Chain verification
*/
package certificate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/audit"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/paidleave"
)

// =============================================================================
// CERTIFICATE DOCUMENT
// =============================================================================

type Verdict string

const (
	VerdictCompliant    Verdict = "COMPLIANT"
	VerdictNonCompliant Verdict = "NON_COMPLIANT"
)

// Violation kinds.
const (
	ViolationNonCompliantUsage = "non_compliant_usage"
	ViolationAtRisk            = "usage_not_yet_met"
	ViolationAuditTamper       = "audit_tamper"
)

// EmployeeEntry is one employee's line on the certificate.
type EmployeeEntry struct {
	EmployeeID   string `json:"employee_id"`
	Status       string `json:"status"`
	DaysGranted  string `json:"days_granted"`
	DaysUsed     string `json:"days_used"`
	RequiredDays string `json:"required_days"`
	Available    string `json:"available_balance"`
	AuditClean   bool   `json:"audit_clean"`
	TamperedAt   uint64 `json:"tampered_at,omitempty"`
}

type Violation struct {
	EmployeeID string `json:"employee_id,omitempty"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// AuditSummary describes the state of the whole chain at generation time.
type AuditSummary struct {
	HeadSequence uint64 `json:"head_sequence"`
	HeadHash     string `json:"head_hash"`
	Clean        bool   `json:"clean"`
	TamperedAt   uint64 `json:"tampered_at,omitempty"`
}

// Body is everything the signature covers. Field order is the canonical
// serialization order.
type Body struct {
	CertificateID  string          `json:"certificate_id"`
	OrganizationID string          `json:"organization_id"`
	FiscalYear     int             `json:"fiscal_year"`
	PeriodStart    string          `json:"period_start"`
	PeriodEnd      string          `json:"period_end"`
	GeneratedAt    string          `json:"generated_at"`
	Verdict        Verdict         `json:"verdict"`
	Employees      []EmployeeEntry `json:"employees"`
	Violations     []Violation     `json:"violations"`
	Audit          AuditSummary    `json:"audit"`
}

// Certificate is the exported document.
type Certificate struct {
	Body      Body   `json:"body"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

const signatureAlgorithm = "SHA-256"

// Canonical returns the deterministic serialization of the body.
func (b Body) Canonical() ([]byte, error) {
	if b.Employees == nil {
		b.Employees = []EmployeeEntry{}
	}
	if b.Violations == nil {
		b.Violations = []Violation{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return data, nil
}

// Sign computes the body's signature.
func (b Body) Sign() (string, error) {
	data, err := b.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature checks the signature against the current body.
func (c *Certificate) VerifySignature() error {
	if c.Algorithm != signatureAlgorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", generic.ErrSignatureMismatch, c.Algorithm)
	}
	want, err := c.Body.Sign()
	if err != nil {
		return err
	}
	if want != c.Signature {
		return fmt.Errorf("%w: certificate %s", generic.ErrSignatureMismatch, c.Body.CertificateID)
	}
	return nil
}

// IsCompliant reports the verdict.
func (c *Certificate) IsCompliant() bool {
	return c.Body.Verdict == VerdictCompliant
}

// Verify parses an exported certificate and checks its signature.
func Verify(data []byte) (*Certificate, error) {
	var c Certificate
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	if err := c.VerifySignature(); err != nil {
		return &c, err
	}
	return &c, nil
}

// =============================================================================
// GENERATOR
// =============================================================================

// Generator builds certificates from the ledger, the compliance tracker and
// the audit trail. It never writes.
type Generator struct {
	ledger         *paidleave.Ledger
	tracker        *paidleave.ComplianceTracker
	trail          *audit.Trail
	organizationID string
	clock          func() time.Time
	newID          func() string
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

type Option func(*Generator)

func WithOrganizationID(id string) Option {
	return func(g *Generator) {
		g.organizationID = id
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

func NewGenerator(ledger *paidleave.Ledger, tracker *paidleave.ComplianceTracker, trail *audit.Trail, opts ...Option) *Generator {
	g := &Generator{
		ledger:  ledger,
		tracker: tracker,
		trail:   trail,
		clock:   time.Now,
		newID:   func() string { return uuid.NewString() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate evaluates every employee for fiscalYear and signs the result.
// Storage errors abort generation; a broken audit chain never does, it
// makes the certificate NON_COMPLIANT.
func (g *Generator) Generate(ctx context.Context, employeeIDs []generic.EmployeeID, fiscalYear int) (*Certificate, error) {
	period := g.tracker.Calendar().Year(fiscalYear)
	now := g.clock().UTC()
	asOf := generic.DateOf(now)
	if asOf.After(period.End) {
		asOf = period.End
	}

	ids := append([]generic.EmployeeID(nil), employeeIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	body := Body{
		CertificateID:  g.newID(),
		OrganizationID: g.organizationID,
		FiscalYear:     fiscalYear,
		PeriodStart:    period.Start.String(),
		PeriodEnd:      period.End.String(),
		GeneratedAt:    audit.FormatTimestamp(now),
		Employees:      []EmployeeEntry{},
		Violations:     []Violation{},
	}

	for _, id := range ids {
		status, err := g.tracker.Evaluate(ctx, id, fiscalYear)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", id, err)
		}
		available, err := g.ledger.AvailableBalance(ctx, id, asOf)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", id, err)
		}
		report, err := g.trail.VerifyEmployee(ctx, id)
		tamper, err := tamperOrError(err)
		if err != nil {
			return nil, fmt.Errorf("verify audit of %s: %w", id, err)
		}

		entry := EmployeeEntry{
			EmployeeID:   string(id),
			Status:       string(status.Status),
			DaysGranted:  status.DaysGranted.String(),
			DaysUsed:     status.DaysUsed.String(),
			RequiredDays: status.RequiredDays.String(),
			Available:    available.String(),
			AuditClean:   tamper == nil,
		}
		if tamper != nil {
			entry.TamperedAt = tamper.Seq
			body.Violations = append(body.Violations, Violation{
				EmployeeID: string(id),
				Kind:       ViolationAuditTamper,
				Detail:     tamper.Error(),
			})
		} else if report != nil && !report.Clean {
			entry.AuditClean = false
		}
		body.Employees = append(body.Employees, entry)

		if !status.IsCompliant() {
			kind := ViolationAtRisk
			if status.Status == paidleave.StateNonCompliant {
				kind = ViolationNonCompliantUsage
			}
			body.Violations = append(body.Violations, Violation{
				EmployeeID: string(id),
				Kind:       kind,
				Detail: fmt.Sprintf("%s of %s required days used (%s)",
					status.DaysUsed, status.RequiredDays, status.Status),
			})
		}
	}

	summary, err := g.auditSummary(ctx)
	if err != nil {
		return nil, err
	}
	body.Audit = summary
	if !summary.Clean {
		body.Violations = append(body.Violations, Violation{
			Kind:   ViolationAuditTamper,
			Detail: fmt.Sprintf("audit chain broken at sequence %d", summary.TamperedAt),
		})
	}

	body.Verdict = VerdictCompliant
	if len(body.Violations) > 0 {
		body.Verdict = VerdictNonCompliant
	}

	signature, err := body.Sign()
	if err != nil {
		return nil, err
	}
	cert := &Certificate{Body: body, Algorithm: signatureAlgorithm, Signature: signature}

	g.metrics.IncrementCertificate(string(body.Verdict))
	g.logger.InfoContext(ctx, "compliance certificate generated",
		slog.String("certificate_id", body.CertificateID),
		slog.Int("fiscal_year", fiscalYear),
		slog.Int("employees", len(body.Employees)),
		slog.String("verdict", string(body.Verdict)),
		slog.Int("violations", len(body.Violations)),
	)
	return cert, nil
}

func (g *Generator) auditSummary(ctx context.Context) (AuditSummary, error) {
	report, err := g.trail.VerifyAll(ctx)
	tamper, err := tamperOrError(err)
	if err != nil {
		return AuditSummary{}, fmt.Errorf("verify audit chain: %w", err)
	}

	summary := AuditSummary{Clean: tamper == nil && report != nil && report.Clean}

	head, err := g.trail.Head(ctx)
	var corrupt *generic.CorruptAuditError
	if errors.As(err, &corrupt) {
		// Undecodable head: VerifyAll has already reported it.
		summary.Clean = false
		summary.HeadSequence = corrupt.Seq
		if tamper != nil {
			summary.TamperedAt = tamper.Seq
		}
		return summary, nil
	}
	if err != nil {
		return AuditSummary{}, fmt.Errorf("read audit head: %w", err)
	}

	if head != nil {
		summary.HeadSequence = head.Sequence
		summary.HeadHash = head.Hash
	}
	if tamper != nil {
		summary.TamperedAt = tamper.Seq
	}
	return summary, nil
}

// tamperOrError splits a verification error into a tamper finding (which
// the certificate reports) and anything else (which aborts generation).
func tamperOrError(err error) (*generic.TamperDetectedError, error) {
	if err == nil {
		return nil, nil
	}
	var tamper *generic.TamperDetectedError
	if errors.As(err, &tamper) {
		return tamper, nil
	}
	return nil, err
}
