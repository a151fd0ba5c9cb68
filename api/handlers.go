/*
handlers.go - HTTP API handlers for the paid-leave ledger

PURPOSE:
  Exposes the ledger, compliance tracker, audit trail and certificate
  generator via REST API. Handles HTTP request/response and JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Employees:
    GET    /api/employees                        List all employees
    POST   /api/employees                        Create or update employee
    GET    /api/employees/{id}                   Get employee details

  Ledger:
    POST   /api/employees/{id}/grants            Issue the grant in force
    POST   /api/employees/{id}/grants/sync       Issue every missing live grant
    POST   /api/employees/{id}/deductions        Record approved leave
    POST   /api/usage/{id}/reversal              Reverse a deduction
    GET    /api/employees/{id}/balance           Available balance breakdown
    GET    /api/employees/{id}/tranches          All tranches
    GET    /api/employees/{id}/usage             Usage events of a fiscal year
    GET    /api/employees/{id}/transactions      Raw ledger entries

  Compliance:
    GET    /api/employees/{id}/compliance        5-day rule status
    POST   /api/certificates                     Generate signed certificate
    POST   /api/certificates/verify              Check a certificate signature

  Audit:
    GET    /api/audit/events                     Query the audit chain
    GET    /api/audit/verify                     Verify a sequence range
    GET    /api/employees/{id}/audit/verify      Verify an employee's range

  Admin:
    POST   /api/sweeps                           Fiscal year end expiry

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Employee or usage event not found
  - 409: Conflict (duplicate request, already reversed)
  - 422: Business rejection (insufficient balance, inactive employee)
  - 500: Internal errors; code "tamper_detected" for a broken audit chain

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/leave-ledger/audit"
	"github.com/warp/leave-ledger/certificate"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/paidleave"
	"github.com/warp/leave-ledger/store/sqlite"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Ledger       *paidleave.Ledger
	Compliance   *paidleave.ComplianceTracker
	Certificates *certificate.Generator
	Logger       *slog.Logger

	// Clock supplies "today" for endpoints whose date parameter is optional.
	Clock func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, ledger *paidleave.Ledger, compliance *paidleave.ComplianceTracker, certs *certificate.Generator) *Handler {
	return &Handler{
		Store:        store,
		Ledger:       ledger,
		Compliance:   compliance,
		Certificates: certs,
		Logger:       slog.Default(),
		Clock:        time.Now,
	}
}

func (h *Handler) today() generic.TimePoint {
	return generic.DateOf(h.Clock())
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns all employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": dtos})
}

// GetEmployee returns one employee.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), employeeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// CreateEmployee creates or updates an employee.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if req.HireDate.IsZero() {
		writeError(w, http.StatusBadRequest, "hire_date is required", nil)
		return
	}
	status := generic.EmploymentStatus(req.Status)
	switch status {
	case "":
		status = generic.StatusActive
	case generic.StatusActive, generic.StatusInactive:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or inactive", nil)
		return
	}

	emp := generic.Employee{
		ID:       generic.EmployeeID(req.ID),
		Name:     req.Name,
		HireDate: req.HireDate,
		Status:   status,
	}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

// =============================================================================
// GRANT HANDLERS
// =============================================================================

// IssueGrant issues the grant in force at as_of.
// POST /api/employees/{id}/grants
func (h *Handler) IssueGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = h.today()
	}

	outcome, err := h.Ledger.IssueGrant(r.Context(), employeeID(r), asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toGrantOutcomeDTO(*outcome))
}

// SyncGrants issues every missing anniversary whose tranche is still live.
// POST /api/employees/{id}/grants/sync
func (h *Handler) SyncGrants(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = h.today()
	}

	outcomes, err := h.Ledger.SyncGrants(r.Context(), employeeID(r), asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]GrantOutcomeDTO, len(outcomes))
	for i, o := range outcomes {
		dtos[i] = toGrantOutcomeDTO(o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": dtos})
}

// =============================================================================
// USAGE HANDLERS
// =============================================================================

// Deduct records approved leave.
// POST /api/employees/{id}/deductions
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req DeductionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourceRequestID) == "" {
		writeError(w, http.StatusBadRequest, "source_request_id is required", nil)
		return
	}

	usage, err := h.Ledger.Deduct(r.Context(), paidleave.DeductRequest{
		EmployeeID:      employeeID(r),
		UseDate:         req.UseDate,
		Days:            req.Days,
		SourceRequestID: req.SourceRequestID,
		Reason:          req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUsageDTO(*usage))
}

// Reverse undoes a deduction.
// POST /api/usage/{id}/reversal
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReversalRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	reversal, err := h.Ledger.Reverse(r.Context(), generic.UsageID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUsageDTO(*reversal))
}

// GetUsage lists usage events of one fiscal year (default: current).
// GET /api/employees/{id}/usage?fiscal_year=2024
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	fy, ok := h.fiscalYearParam(w, r)
	if !ok {
		return
	}
	period := h.Compliance.Calendar().Year(fy)

	events, err := h.Ledger.UsageEvents(r.Context(), employeeID(r), period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]UsageDTO, len(events))
	for i, u := range events {
		dtos[i] = toUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fiscal_year": fy,
		"period":      period,
		"usage":       dtos,
	})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the available balance breakdown.
// GET /api/employees/{id}/balance?as_of=2024-08-01
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.dateParam(w, r, "as_of")
	if !ok {
		return
	}

	summary, err := h.Ledger.Balance(r.Context(), employeeID(r), asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(summary))
}

// GetTranches returns every tranche, expired ones included.
func (h *Handler) GetTranches(w http.ResponseWriter, r *http.Request) {
	tranches, err := h.Ledger.Tranches(r.Context(), employeeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tranches": toTrancheDTOs(tranches)})
}

// GetTransactions returns raw ledger entries.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.Transactions(r.Context(), employeeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": dtos})
}

// =============================================================================
// COMPLIANCE HANDLERS
// =============================================================================

// GetCompliance evaluates the 5-day rule. status is one of compliant,
// at_risk, non_compliant or on_track.
// GET /api/employees/{id}/compliance?fiscal_year=2024
func (h *Handler) GetCompliance(w http.ResponseWriter, r *http.Request) {
	fy, ok := h.fiscalYearParam(w, r)
	if !ok {
		return
	}

	status, err := h.Compliance.Evaluate(r.Context(), employeeID(r), fy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GenerateCertificate signs a compliance certificate.
// POST /api/certificates
func (h *Handler) GenerateCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CertificateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FiscalYear == 0 {
		req.FiscalYear = h.Compliance.Calendar().YearOf(h.today())
	}

	ids := make([]generic.EmployeeID, 0, len(req.EmployeeIDs))
	for _, id := range req.EmployeeIDs {
		ids = append(ids, generic.EmployeeID(id))
	}
	if len(ids) == 0 {
		employees, err := h.Store.ListEmployees(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
			return
		}
		for _, e := range employees {
			ids = append(ids, e.ID)
		}
	}

	cert, err := h.Certificates.Generate(ctx, ids, req.FiscalYear)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cert)
}

// VerifyCertificate checks an exported certificate's signature. A mismatch
// is a valid answer, not a request error.
// POST /api/certificates/verify
func (h *Handler) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	cert, err := certificate.Verify(data)
	switch {
	case errors.Is(err, generic.ErrSignatureMismatch):
		writeJSON(w, http.StatusOK, CertificateVerificationDTO{
			Valid:         false,
			CertificateID: cert.Body.CertificateID,
			Reason:        err.Error(),
		})
	case err != nil:
		writeError(w, http.StatusBadRequest, "Invalid certificate", err)
	default:
		writeJSON(w, http.StatusOK, CertificateVerificationDTO{
			Valid:         true,
			CertificateID: cert.Body.CertificateID,
			Verdict:       string(cert.Body.Verdict),
		})
	}
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAuditEvents queries the audit chain.
// GET /api/audit/events?employee_id=emp-1&from=1&to=50&type=DEDUCTION&limit=100
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, ok := uintParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := uintParam(w, r, "to")
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	filter := generic.AuditFilter{
		EmployeeID: generic.EmployeeID(q.Get("employee_id")),
		FromSeq:    from,
		ToSeq:      to,
		Limit:      limit,
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, generic.AuditEventType(strings.ToUpper(t)))
	}

	events, err := h.Ledger.Trail().Events(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit events", err)
		return
	}

	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// VerifyAudit verifies a range of the chain (default: all of it).
// GET /api/audit/verify?from=1&to=50
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, ok := uintParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := uintParam(w, r, "to")
	if !ok {
		return
	}

	report, err := h.Ledger.Trail().Verify(r.Context(), from, to)
	if err != nil {
		writeVerifyError(w, report, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// VerifyEmployeeAudit verifies the chain across one employee's events.
// GET /api/employees/{id}/audit/verify
func (h *Handler) VerifyEmployeeAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Trail().VerifyEmployee(r.Context(), employeeID(r))
	if err != nil {
		writeVerifyError(w, report, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeVerifyError(w http.ResponseWriter, report any, err error) {
	if errors.Is(err, generic.ErrTamperDetected) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   err.Error(),
			Code:    "tamper_detected",
			Details: report,
		})
		return
	}
	if errors.Is(err, audit.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, "Invalid sequence range", err)
		return
	}
	writeDomainError(w, err)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs fiscal year end expiry for every employee.
// POST /api/sweeps
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	fyEnd := req.FiscalYearEnd
	if fyEnd.IsZero() {
		fyEnd = h.Compliance.Calendar().LastEndedBefore(h.today())
	}

	report, err := h.Ledger.SweepFiscalYearEnd(r.Context(), fyEnd)
	if report == nil {
		writeDomainError(w, err)
		return
	}

	// Per-employee failures are reported in the body; the rest of the sweep
	// was committed.
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, toSweepDTO(report))
}

// Healthz reports whether the database answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var insufficient *generic.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		resp.Details = map[string]any{
			"available": insufficient.Available,
			"requested": insufficient.Requested,
			"shortfall": insufficient.Shortfall,
		}
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrTamperDetected):
		return http.StatusInternalServerError, "tamper_detected"
	case errors.Is(err, generic.ErrSignatureMismatch):
		return http.StatusInternalServerError, "signature_mismatch"
	case errors.Is(err, generic.ErrEmployeeNotFound):
		return http.StatusNotFound, "employee_not_found"
	case errors.Is(err, generic.ErrUsageNotFound):
		return http.StatusNotFound, "usage_not_found"
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, generic.ErrEmployeeInactive):
		return http.StatusUnprocessableEntity, "employee_inactive"
	case errors.Is(err, generic.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, generic.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed"
	case errors.Is(err, generic.ErrDuplicateGrant):
		return http.StatusConflict, "duplicate_grant"
	case errors.Is(err, generic.ErrInvalidGranularity):
		return http.StatusBadRequest, "invalid_granularity"
	case errors.Is(err, generic.ErrInvalidDateRange):
		return http.StatusBadRequest, "invalid_date_range"
	case errors.Is(err, generic.ErrInvalidReversal):
		return http.StatusBadRequest, "invalid_reversal"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, paidleave.ErrNoDirectory):
		return http.StatusServiceUnavailable, "directory_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func employeeID(r *http.Request) generic.EmployeeID {
	return generic.EmployeeID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body and leaves dst untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// dateParam parses a YYYY-MM-DD query parameter, defaulting to today.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request, name string) (generic.TimePoint, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return h.today(), true
	}
	date, err := generic.ParseDate(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), err)
		return generic.TimePoint{}, false
	}
	return date, true
}

// fiscalYearParam parses ?fiscal_year, defaulting to the current one.
func (h *Handler) fiscalYearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("fiscal_year")
	if v == "" {
		return h.Compliance.Calendar().YearOf(h.today()), true
	}
	fy, err := strconv.Atoi(v)
	if err != nil || fy < 1900 || fy > 9999 {
		writeError(w, http.StatusBadRequest, "Invalid fiscal_year", err)
		return 0, false
	}
	return fy, true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), err)
		return 0, false
	}
	return n, true
}
