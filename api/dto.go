/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  Dates are "YYYY-MM-DD" strings (generic.TimePoint). Day amounts are
  decimal strings such as "2.5" (generic.Amount); requests also accept
  bare JSON numbers.

VALIDATION:
  Validation is done in handlers and the ledger, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/paidleave"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO represents an employee in API responses.
type EmployeeDTO struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	HireDate generic.TimePoint `json:"hire_date"`
	Status   string            `json:"status"`
}

// CreateEmployeeRequest creates or updates an employee.
type CreateEmployeeRequest struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	HireDate generic.TimePoint `json:"hire_date"`
	Status   string            `json:"status,omitempty"`
}

func toEmployeeDTO(e generic.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:       string(e.ID),
		Name:     e.Name,
		HireDate: e.HireDate,
		Status:   string(e.Status),
	}
}

// =============================================================================
// TRANCHES AND GRANTS
// =============================================================================

type TrancheDTO struct {
	ID            string            `json:"id"`
	GrantedOn     generic.TimePoint `json:"granted_on"`
	ExpiresOn     generic.TimePoint `json:"expires_on"`
	DaysGranted   generic.Amount    `json:"days_granted"`
	DaysRemaining generic.Amount    `json:"days_remaining"`
	Seniority     int               `json:"seniority_half_years"`
}

func toTrancheDTO(t generic.Tranche) TrancheDTO {
	return TrancheDTO{
		ID:            string(t.ID),
		GrantedOn:     t.GrantedOn,
		ExpiresOn:     t.ExpiresOn,
		DaysGranted:   t.DaysGranted,
		DaysRemaining: t.DaysRemaining,
		Seniority:     t.Seniority,
	}
}

func toTrancheDTOs(ts []generic.Tranche) []TrancheDTO {
	out := make([]TrancheDTO, len(ts))
	for i, t := range ts {
		out[i] = toTrancheDTO(t)
	}
	return out
}

// GrantRequest issues the grant in force at AsOf (default: today).
type GrantRequest struct {
	AsOf generic.TimePoint `json:"as_of"`
}

// CapAdvisoryDTO reports that usable days are clamped by the accumulation cap.
type CapAdvisoryDTO struct {
	Total  generic.Amount `json:"total"`
	Cap    generic.Amount `json:"cap"`
	Excess generic.Amount `json:"excess"`
}

type GrantOutcomeDTO struct {
	Status      string            `json:"status"`
	Days        generic.Amount    `json:"days"`
	Anniversary generic.TimePoint `json:"anniversary,omitempty"`
	Created     bool              `json:"created"`
	Tranche     *TrancheDTO       `json:"tranche,omitempty"`
	Advisory    *CapAdvisoryDTO   `json:"cap_advisory,omitempty"`
}

func toGrantOutcomeDTO(o paidleave.GrantOutcome) GrantOutcomeDTO {
	dto := GrantOutcomeDTO{
		Status:      string(o.Grant.Status),
		Days:        o.Grant.Days,
		Anniversary: o.Grant.Anniversary,
		Created:     o.Created,
	}
	if o.Tranche != nil {
		t := toTrancheDTO(*o.Tranche)
		dto.Tranche = &t
	}
	if o.Advisory != nil {
		dto.Advisory = &CapAdvisoryDTO{Total: o.Advisory.Total, Cap: o.Advisory.Cap, Excess: o.Advisory.Excess}
	}
	return dto
}

// =============================================================================
// USAGE
// =============================================================================

// DeductionRequest records one approved leave consumption.
type DeductionRequest struct {
	UseDate         generic.TimePoint `json:"use_date"`
	Days            generic.Amount    `json:"days"`
	SourceRequestID string            `json:"source_request_id"`
	Reason          string            `json:"reason,omitempty"`
}

type ReversalRequest struct {
	Reason string `json:"reason"`
}

type AllocationDTO struct {
	TrancheID string         `json:"tranche_id"`
	Amount    generic.Amount `json:"amount"`
}

type UsageDTO struct {
	ID              string            `json:"id"`
	EmployeeID      string            `json:"employee_id"`
	Kind            string            `json:"kind"`
	UseDate         generic.TimePoint `json:"use_date"`
	DaysUsed        generic.Amount    `json:"days_used"`
	SourceRequestID string            `json:"source_request_id,omitempty"`
	Reverses        string            `json:"reverses,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Allocation      []AllocationDTO   `json:"allocation"`
	CreatedAt       string            `json:"created_at"`
}

func toUsageDTO(u generic.UsageEvent) UsageDTO {
	alloc := make([]AllocationDTO, len(u.Allocation))
	for i, a := range u.Allocation {
		alloc[i] = AllocationDTO{TrancheID: string(a.TrancheID), Amount: a.Amount}
	}
	return UsageDTO{
		ID:              string(u.ID),
		EmployeeID:      string(u.EmployeeID),
		Kind:            string(u.Kind),
		UseDate:         u.UseDate,
		DaysUsed:        u.DaysUsed,
		SourceRequestID: u.SourceRequestID,
		Reverses:        string(u.Reverses),
		Reason:          u.Reason,
		Allocation:      alloc,
		CreatedAt:       u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// TransactionDTO is one raw ledger entry.
type TransactionDTO struct {
	ID          string            `json:"id"`
	TrancheID   string            `json:"tranche_id"`
	EffectiveAt generic.TimePoint `json:"effective_at"`
	Delta       generic.Amount    `json:"delta"`
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		TrancheID:   string(tx.TrancheID),
		EffectiveAt: tx.EffectiveAt,
		Delta:       tx.Delta,
		Type:        string(tx.Type),
		ReferenceID: tx.ReferenceID,
		Reason:      tx.Reason,
	}
}

// =============================================================================
// BALANCE
// =============================================================================

type BalanceDTO struct {
	EmployeeID  string             `json:"employee_id"`
	AsOf        generic.TimePoint  `json:"as_of"`
	Total       generic.Amount     `json:"total"`
	Available   generic.Amount     `json:"available"`
	Cap         generic.Amount     `json:"cap"`
	CapExceeded bool               `json:"cap_exceeded"`
	NextExpiry  *generic.TimePoint `json:"next_expiry,omitempty"`
	Tranches    []TrancheDTO       `json:"tranches"`
}

func toBalanceDTO(b *paidleave.BalanceSummary) BalanceDTO {
	return BalanceDTO{
		EmployeeID:  string(b.EmployeeID),
		AsOf:        b.AsOf,
		Total:       b.Total,
		Available:   b.Available,
		Cap:         b.Cap,
		CapExceeded: b.CapExceeded,
		NextExpiry:  b.NextExpiry,
		Tranches:    toTrancheDTOs(b.Tranches),
	}
}

// =============================================================================
// FISCAL YEAR END
// =============================================================================

// SweepRequest runs expiry for FiscalYearEnd (default: the most recent one).
type SweepRequest struct {
	FiscalYearEnd generic.TimePoint `json:"fiscal_year_end"`
}

type ForfeitureDTO struct {
	TrancheID string            `json:"tranche_id"`
	ExpiresOn generic.TimePoint `json:"expires_on"`
	Days      generic.Amount    `json:"days"`
	AuditSeq  uint64            `json:"audit_seq"`
}

type ExpiryDTO struct {
	EmployeeID  string          `json:"employee_id"`
	Expired     generic.Amount  `json:"expired"`
	CarriedOver generic.Amount  `json:"carried_over"`
	Forfeitures []ForfeitureDTO `json:"forfeitures"`
}

type SweepDTO struct {
	FiscalYearEnd generic.TimePoint `json:"fiscal_year_end"`
	Employees     int               `json:"employees"`
	Expired       generic.Amount    `json:"expired"`
	Results       []ExpiryDTO       `json:"results"`
	Failures      map[string]string `json:"failures,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
}

func toExpiryDTO(r paidleave.ExpiryResult) ExpiryDTO {
	dto := ExpiryDTO{
		EmployeeID:  string(r.EmployeeID),
		Expired:     r.Expired,
		CarriedOver: r.CarriedOver,
		Forfeitures: make([]ForfeitureDTO, len(r.Forfeitures)),
	}
	for i, f := range r.Forfeitures {
		dto.Forfeitures[i] = ForfeitureDTO{
			TrancheID: string(f.TrancheID),
			ExpiresOn: f.ExpiresOn,
			Days:      f.Days,
			AuditSeq:  f.AuditSeq,
		}
	}
	return dto
}

func toSweepDTO(r *paidleave.SweepReport) SweepDTO {
	dto := SweepDTO{
		FiscalYearEnd: r.FiscalYearEnd,
		Employees:     r.Employees,
		Expired:       r.Expired,
		Results:       make([]ExpiryDTO, len(r.Results)),
		DurationMS:    r.Duration.Milliseconds(),
	}
	for i, res := range r.Results {
		dto.Results[i] = toExpiryDTO(res)
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, msg := range r.Failures {
			dto.Failures[string(id)] = msg
		}
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

type SnapshotDTO struct {
	TrancheID     string            `json:"tranche_id"`
	GrantedOn     generic.TimePoint `json:"granted_on"`
	ExpiresOn     generic.TimePoint `json:"expires_on"`
	DaysGranted   generic.Amount    `json:"days_granted"`
	DaysRemaining generic.Amount    `json:"days_remaining"`
}

type AuditEventDTO struct {
	Sequence    uint64         `json:"sequence"`
	Type        string         `json:"event_type"`
	EmployeeID  string         `json:"employee_id"`
	ReferenceID string         `json:"reference_id"`
	Amount      generic.Amount `json:"amount"`
	Before      []SnapshotDTO  `json:"before_state"`
	After       []SnapshotDTO  `json:"after_state"`
	Timestamp   string         `json:"timestamp"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

func toSnapshotDTOs(snaps []generic.TrancheSnapshot) []SnapshotDTO {
	out := make([]SnapshotDTO, len(snaps))
	for i, s := range snaps {
		out[i] = SnapshotDTO{
			TrancheID:     string(s.TrancheID),
			GrantedOn:     s.GrantedOn,
			ExpiresOn:     s.ExpiresOn,
			DaysGranted:   s.DaysGranted,
			DaysRemaining: s.DaysRemaining,
		}
	}
	return out
}

func toAuditEventDTO(e generic.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		Sequence:    e.Sequence,
		Type:        string(e.Type),
		EmployeeID:  string(e.EmployeeID),
		ReferenceID: e.ReferenceID,
		Amount:      e.Amount,
		Before:      toSnapshotDTOs(e.Before),
		After:       toSnapshotDTOs(e.After),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:    e.PrevHash,
		Hash:        e.Hash,
	}
}

// =============================================================================
// CERTIFICATES
// =============================================================================

// CertificateRequest generates a certificate for FiscalYear. An empty
// EmployeeIDs covers every employee in the directory.
type CertificateRequest struct {
	FiscalYear  int      `json:"fiscal_year"`
	EmployeeIDs []string `json:"employee_ids,omitempty"`
}

type CertificateVerificationDTO struct {
	Valid         bool   `json:"valid"`
	CertificateID string `json:"certificate_id,omitempty"`
	Verdict       string `json:"verdict,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
