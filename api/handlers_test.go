/*
handlers_test.go - Tests for API handlers and the sweep scheduler

Tests for:
- Employee CRUD
- Grants, deductions, reversals and balances end to end over HTTP
- Error mapping (404 / 409 / 422 / 400 / tamper)
- Audit queries and verification
- Certificate generation and verification
- Fiscal year end sweeps, manual and scheduled
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/certificate"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/paidleave"
	"github.com/warp/leave-ledger/store/sqlite"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Requests run on 2025-04-15: FY2024 (April start) has just ended.
var fixedNow = time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type testServer struct {
	store  *sqlite.Store
	ledger *paidleave.Ledger
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	calendar := generic.NewFiscalCalendar(time.April)

	ledger := paidleave.NewLedger(store, nil,
		paidleave.WithLogger(quietLogger),
		paidleave.WithMetrics(m),
		paidleave.WithDirectory(store),
		paidleave.WithClock(fixedClock),
	)
	tracker := paidleave.NewComplianceTracker(store,
		paidleave.WithFiscalCalendar(calendar),
		paidleave.WithComplianceClock(fixedClock),
	)
	certs := certificate.NewGenerator(ledger, tracker, ledger.Trail(),
		certificate.WithOrganizationID("acme"),
		certificate.WithClock(fixedClock),
		certificate.WithLogger(quietLogger),
		certificate.WithMetrics(m),
	)

	h := NewHandler(store, ledger, tracker, certs)
	h.Logger = quietLogger
	h.Clock = fixedClock

	return &testServer{
		store:  store,
		ledger: ledger,
		router: NewRouter(h, RouterConfig{Gatherer: reg}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// hire creates an active employee hired on 2010-01-01, so every July 1st
// anniversary from 2016 on grants 20 days.
func (s *testServer) hire(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/employees", map[string]string{
		"id":        id,
		"name":      "Employee " + id,
		"hire_date": "2010-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) grant(t *testing.T, id, asOf string) GrantOutcomeDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/employees/"+id+"/grants", map[string]string{"as_of": asOf})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[GrantOutcomeDTO](t, rec)
}

func (s *testServer) deduct(t *testing.T, id, useDate, days, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/employees/"+id+"/deductions", map[string]string{
		"use_date":          useDate,
		"days":              days,
		"source_request_id": requestID,
	})
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func TestEmployees_CreateGetList(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.hire(t, "emp-2")

	rec := s.do(t, http.MethodGet, "/api/employees/emp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	emp := decode[EmployeeDTO](t, rec)
	assert.Equal(t, "emp-1", emp.ID)
	assert.Equal(t, "2010-01-01", emp.HireDate.String())
	assert.Equal(t, "active", emp.Status)

	rec = s.do(t, http.MethodGet, "/api/employees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Employees []EmployeeDTO `json:"employees"`
	}](t, rec)
	assert.Len(t, list.Employees, 2)
}

func TestEmployees_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/employees/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "employee_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestEmployees_CreateValidation(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]any{
		"missing name":   map[string]string{"id": "emp-1", "hire_date": "2010-01-01"},
		"missing hire":   map[string]string{"id": "emp-1", "name": "A"},
		"bad status":     map[string]string{"id": "emp-1", "name": "A", "hire_date": "2010-01-01", "status": "retired"},
		"malformed json": "{",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/employees", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// =============================================================================
// GRANTS
// =============================================================================

func TestIssueGrant_CreatedThenIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/grants", map[string]string{"as_of": "2024-07-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[GrantOutcomeDTO](t, rec)
	assert.True(t, first.Created)
	assert.Equal(t, "20", first.Days.String())
	require.NotNil(t, first.Tranche)
	assert.Equal(t, "2026-07-01", first.Tranche.ExpiresOn.String())

	rec = s.do(t, http.MethodPost, "/api/employees/emp-1/grants", map[string]string{"as_of": "2024-09-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[GrantOutcomeDTO](t, rec)
	assert.False(t, second.Created)
	assert.Equal(t, first.Tranche.ID, second.Tranche.ID)
}

func TestIssueGrant_InactiveEmployee(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/employees", map[string]string{
		"id": "emp-1", "name": "Gone", "hire_date": "2010-01-01", "status": "inactive",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/employees/emp-1/grants", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "employee_inactive", decode[ErrorResponse](t, rec).Code)
}

func TestSyncGrants_SkipsLapsedAnniversaries(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/grants/sync", map[string]string{"as_of": "2024-08-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[struct {
		Grants []GrantOutcomeDTO `json:"grants"`
	}](t, rec)

	// 2022-07-01 lapses on 2024-07-01, before as_of; 2023 and 2024 remain.
	require.Len(t, out.Grants, 2)
	assert.Equal(t, "2023-07-01", out.Grants[0].Anniversary.String())
	assert.Equal(t, "2024-07-01", out.Grants[1].Anniversary.String())
}

// =============================================================================
// DEDUCTIONS AND BALANCE
// =============================================================================

func TestDeduct_UpdatesBalance(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")

	rec := s.deduct(t, "emp-1", "2024-08-05", "5", "req-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	usage := decode[UsageDTO](t, rec)
	assert.Equal(t, "consumption", usage.Kind)
	require.Len(t, usage.Allocation, 1)
	assert.Equal(t, "5", usage.Allocation[0].Amount.String())

	rec = s.do(t, http.MethodGet, "/api/employees/emp-1/balance?as_of=2024-09-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, "15", balance.Available.String())
	assert.Equal(t, "40", balance.Cap.String())
	assert.False(t, balance.CapExceeded)
}

func TestDeduct_Rejections(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-1", "2024-08-05", "1", "req-1").Code)

	t.Run("duplicate source request", func(t *testing.T) {
		rec := s.deduct(t, "emp-1", "2024-08-06", "1", "req-1")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "duplicate_request", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		rec := s.deduct(t, "emp-1", "2024-08-06", "25", "req-2")
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decode[struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		}](t, rec)
		assert.Equal(t, "insufficient_balance", resp.Code)
		assert.Equal(t, "19", resp.Details["available"])
		assert.Equal(t, "6", resp.Details["shortfall"])
	})

	t.Run("quarter day", func(t *testing.T) {
		rec := s.deduct(t, "emp-1", "2024-08-06", "0.25", "req-3")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_granularity", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("before first grant", func(t *testing.T) {
		rec := s.deduct(t, "emp-1", "2024-06-30", "1", "req-4")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_date_range", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("missing source request", func(t *testing.T) {
		rec := s.deduct(t, "emp-1", "2024-08-06", "1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReverse(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")
	usage := decode[UsageDTO](t, s.deduct(t, "emp-1", "2024-08-05", "3", "req-1"))

	rec := s.do(t, http.MethodPost, "/api/usage/"+usage.ID+"/reversal", map[string]string{"reason": "cancelled"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reversal := decode[UsageDTO](t, rec)
	assert.Equal(t, "reversal", reversal.Kind)
	assert.Equal(t, usage.ID, reversal.Reverses)

	balance := decode[BalanceDTO](t, s.do(t, http.MethodGet, "/api/employees/emp-1/balance?as_of=2024-09-01", nil))
	assert.Equal(t, "20", balance.Available.String())

	rec = s.do(t, http.MethodPost, "/api/usage/"+usage.ID+"/reversal", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_reversed", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/usage/"+reversal.ID+"/reversal", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_reversal", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/usage/nope/reversal", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "usage_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestReadEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-1", "2024-08-05", "2", "req-1").Code)

	t.Run("tranches", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/employees/emp-1/tranches", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[struct {
			Tranches []TrancheDTO `json:"tranches"`
		}](t, rec)
		require.Len(t, out.Tranches, 1)
		assert.Equal(t, "18", out.Tranches[0].DaysRemaining.String())
	})

	t.Run("transactions", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/employees/emp-1/transactions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[struct {
			Transactions []TransactionDTO `json:"transactions"`
		}](t, rec)
		assert.Len(t, out.Transactions, 2)
	})

	t.Run("usage in fiscal year", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/employees/emp-1/usage?fiscal_year=2024", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[struct {
			Usage []UsageDTO `json:"usage"`
		}](t, rec)
		assert.Len(t, out.Usage, 1)

		rec = s.do(t, http.MethodGet, "/api/employees/emp-1/usage?fiscal_year=2023", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out = decode[struct {
			Usage []UsageDTO `json:"usage"`
		}](t, rec)
		assert.Empty(t, out.Usage)
	})

	t.Run("bad query parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/employees/emp-1/balance?as_of=july", nil).Code)
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/employees/emp-1/usage?fiscal_year=x", nil).Code)
	})
}

// =============================================================================
// COMPLIANCE AND CERTIFICATES
// =============================================================================

func TestCompliance(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.hire(t, "emp-2")
	s.grant(t, "emp-1", "2024-07-01")
	s.grant(t, "emp-2", "2024-07-01")
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-1", "2024-08-05", "5", "req-1").Code)
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-2", "2024-08-05", "2", "req-2").Code)

	status := decode[paidleave.ComplianceStatus](t, s.do(t, http.MethodGet, "/api/employees/emp-1/compliance?fiscal_year=2024", nil))
	assert.Equal(t, paidleave.StateCompliant, status.Status)

	status = decode[paidleave.ComplianceStatus](t, s.do(t, http.MethodGet, "/api/employees/emp-2/compliance?fiscal_year=2024", nil))
	assert.Equal(t, paidleave.StateNonCompliant, status.Status)
	assert.Equal(t, "3", status.Deficit.String())
}

func TestCertificates_GenerateAndVerify(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-1", "2024-08-05", "5", "req-1").Code)

	// No employee_ids: every employee in the directory.
	rec := s.do(t, http.MethodPost, "/api/certificates", map[string]int{"fiscal_year": 2024})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	raw := rec.Body.Bytes()

	cert := decode[certificate.Certificate](t, rec)
	assert.Equal(t, certificate.VerdictCompliant, cert.Body.Verdict)
	assert.Equal(t, "acme", cert.Body.OrganizationID)
	require.Len(t, cert.Body.Employees, 1)

	rec = s.do(t, http.MethodPost, "/api/certificates/verify", string(raw))
	require.Equal(t, http.StatusOK, rec.Code)
	verification := decode[CertificateVerificationDTO](t, rec)
	assert.True(t, verification.Valid)
	assert.Equal(t, "COMPLIANT", verification.Verdict)

	tampered := bytes.Replace(raw, []byte(`"COMPLIANT"`), []byte(`"NON_COMPLIANT"`), 1)
	rec = s.do(t, http.MethodPost, "/api/certificates/verify", string(tampered))
	require.Equal(t, http.StatusOK, rec.Code)
	verification = decode[CertificateVerificationDTO](t, rec)
	assert.False(t, verification.Valid)
	assert.Equal(t, cert.Body.CertificateID, verification.CertificateID)

	rec = s.do(t, http.MethodPost, "/api/certificates/verify", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_EventsAndVerify(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.hire(t, "emp-2")
	s.grant(t, "emp-1", "2024-07-01")
	s.grant(t, "emp-2", "2024-07-01")
	require.Equal(t, http.StatusCreated, s.deduct(t, "emp-1", "2024-08-05", "1", "req-1").Code)

	rec := s.do(t, http.MethodGet, "/api/audit/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[struct {
		Events []AuditEventDTO `json:"events"`
	}](t, rec)
	require.Len(t, all.Events, 3)
	assert.Equal(t, all.Events[0].Hash, all.Events[1].PrevHash)

	rec = s.do(t, http.MethodGet, "/api/audit/events?employee_id=emp-1&type=deduction", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	filtered := decode[struct {
		Events []AuditEventDTO `json:"events"`
	}](t, rec)
	require.Len(t, filtered.Events, 1)
	assert.Equal(t, uint64(3), filtered.Events[0].Sequence)

	rec = s.do(t, http.MethodGet, "/api/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[map[string]any](t, rec)
	assert.Equal(t, true, report["clean"])
	assert.EqualValues(t, 3, report["checked"])

	rec = s.do(t, http.MethodGet, "/api/employees/emp-1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/audit/verify?from=3&to=1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/audit/events?limit=0", nil).Code)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&generic.TamperDetectedError{Seq: 4, Reason: "hash mismatch"}, http.StatusInternalServerError, "tamper_detected"},
		{fmt.Errorf("wrap: %w", generic.ErrEmployeeNotFound), http.StatusNotFound, "employee_not_found"},
		{&generic.InsufficientBalanceError{}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{generic.ErrDuplicateGrant, http.StatusConflict, "duplicate_grant"},
		{generic.ErrInvalidPeriod, http.StatusBadRequest, "invalid_request"},
		{paidleave.ErrNoDirectory, http.StatusServiceUnavailable, "directory_unavailable"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			status, code := classify(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

// =============================================================================
// SWEEPS
// =============================================================================

// seedLapsing grants emp-1 a tranche on 2022-07-01 (lapses 2024-07-01) and
// another on 2024-07-01.
func seedLapsing(t *testing.T, s *testServer) {
	t.Helper()
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2022-07-01")
	s.grant(t, "emp-1", "2024-07-01")
}

func TestTriggerSweep(t *testing.T) {
	s := newTestServer(t)
	seedLapsing(t, s)

	// Empty body: the most recent fiscal year end, 2025-03-31.
	rec := s.do(t, http.MethodPost, "/api/sweeps", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[SweepDTO](t, rec)
	assert.Equal(t, "2025-03-31", report.FiscalYearEnd.String())
	assert.Equal(t, "20", report.Expired.String())
	require.Len(t, report.Results, 1)
	require.Len(t, report.Results[0].Forfeitures, 1)
	assert.Equal(t, "20", report.Results[0].CarriedOver.String())

	// Second run finds nothing to forfeit.
	rec = s.do(t, http.MethodPost, "/api/sweeps", map[string]string{"fiscal_year_end": "2025-03-31"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decode[SweepDTO](t, rec).Expired.String())
}

func TestScheduler_RunOnce(t *testing.T) {
	s := newTestServer(t)
	seedLapsing(t, s)

	scheduler := NewFiscalYearEndScheduler(s.ledger, generic.NewFiscalCalendar(time.April))
	scheduler.Logger = quietLogger
	scheduler.Clock = fixedClock

	report := scheduler.RunOnce(context.Background())
	require.NotNil(t, report)
	assert.Equal(t, "20", report.Expired.String())
	assert.Equal(t, "2025-03-31", scheduler.LastSwept().String())

	// Same fiscal year end: skipped.
	assert.Nil(t, scheduler.RunOnce(context.Background()))

	// A year later the next fiscal year end is due.
	scheduler.Clock = func() time.Time { return fixedNow.AddDate(1, 0, 0) }
	report = scheduler.RunOnce(context.Background())
	require.NotNil(t, report)
	assert.Equal(t, "2026-03-31", scheduler.LastSwept().String())
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)

	scheduler := NewFiscalYearEndScheduler(s.ledger, generic.NewFiscalCalendar(time.April))
	scheduler.Logger = quietLogger
	scheduler.Clock = fixedClock
	scheduler.CheckInterval = time.Hour

	scheduler.Start()
	require.Eventually(t, func() bool {
		return !scheduler.LastSwept().IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	scheduler.Stop()
	scheduler.Stop()
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	// GIVEN: A scheduler that was started and stopped
	// WHEN: It is started again and the next fiscal year end comes due
	// THEN: The restarted loop keeps ticking and sweeps it

	s := newTestServer(t)

	var years atomic.Int32
	scheduler := NewFiscalYearEndScheduler(s.ledger, generic.NewFiscalCalendar(time.April))
	scheduler.Logger = quietLogger
	scheduler.Clock = func() time.Time { return fixedNow.AddDate(int(years.Load()), 0, 0) }
	scheduler.CheckInterval = 10 * time.Millisecond

	scheduler.Start()
	require.Eventually(t, func() bool {
		return scheduler.LastSwept().String() == "2025-03-31"
	}, 2*time.Second, 10*time.Millisecond)
	scheduler.Stop()

	scheduler.Start()
	defer scheduler.Stop()
	years.Store(1)
	require.Eventually(t, func() bool {
		return scheduler.LastSwept().String() == "2026-03-31"
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.hire(t, "emp-1")
	s.grant(t, "emp-1", "2024-07-01")

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leave_ledger_grants_issued_total 1")
}
