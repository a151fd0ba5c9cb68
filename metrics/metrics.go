package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the leave ledger.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Tranches issued, and grants that pushed the usable total past the cap
	GrantsIssued  prometheus.Counter
	CapAdvisories prometheus.Counter
	DaysGranted   prometheus.Counter

	// Deductions by result: "ok", "insufficient", "invalid", "duplicate", "error"
	Deductions   *prometheus.CounterVec
	DaysDeducted prometheus.Counter
	Reversals    prometheus.Counter

	// Forfeitures at fiscal year end
	DaysForfeited  prometheus.Counter
	SweepDuration  prometheus.Histogram
	SweepEmployees *prometheus.CounterVec

	// Integrity
	TamperDetections prometheus.Counter
	Certificates     *prometheus.CounterVec
}

// New registers all ledger metrics on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all ledger metrics on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GrantsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_grants_issued_total",
			Help: "Total number of grant tranches issued",
		}),
		CapAdvisories: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_accumulation_cap_advisories_total",
			Help: "Grants issued while the usable total exceeded the accumulation cap",
		}),
		DaysGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_days_granted_total",
			Help: "Total leave days granted",
		}),
		Deductions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_deductions_total",
			Help: "Deduction attempts by result",
		}, []string{"result"}),
		DaysDeducted: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_days_deducted_total",
			Help: "Total leave days deducted",
		}),
		Reversals: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_reversals_total",
			Help: "Total usage events reversed",
		}),
		DaysForfeited: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_days_forfeited_total",
			Help: "Total leave days forfeited at expiry",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leave_ledger_sweep_duration_seconds",
			Help:    "Duration of fiscal year end sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		SweepEmployees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_sweep_employees_total",
			Help: "Employees processed by fiscal year end sweeps, by result",
		}, []string{"result"}),
		TamperDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "leave_ledger_audit_tamper_detections_total",
			Help: "Audit chain verifications that detected tampering",
		}),
		Certificates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_certificates_total",
			Help: "Compliance certificates generated by verdict",
		}, []string{"verdict"}),
	}
}

// ObserveGrant records an issued tranche.
func (m *Metrics) ObserveGrant(days float64, capExceeded bool) {
	if m == nil {
		return
	}
	m.GrantsIssued.Inc()
	m.DaysGranted.Add(days)
	if capExceeded {
		m.CapAdvisories.Inc()
	}
}

// ObserveDeduction records a deduction attempt. days is only counted for "ok".
func (m *Metrics) ObserveDeduction(result string, days float64) {
	if m == nil {
		return
	}
	m.Deductions.WithLabelValues(result).Inc()
	if result == "ok" {
		m.DaysDeducted.Add(days)
	}
}

// IncrementReversals increments the reversal counter by 1.
func (m *Metrics) IncrementReversals() {
	if m != nil {
		m.Reversals.Inc()
	}
}

// AddForfeited records days forfeited by expiry.
func (m *Metrics) AddForfeited(days float64) {
	if m != nil && days > 0 {
		m.DaysForfeited.Add(days)
	}
}

// ObserveSweep records one fiscal year end sweep.
func (m *Metrics) ObserveSweep(d time.Duration, ok, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	m.SweepEmployees.WithLabelValues("ok").Add(float64(ok))
	m.SweepEmployees.WithLabelValues("failed").Add(float64(failed))
}

// IncrementTamper increments the tamper detection counter by 1.
func (m *Metrics) IncrementTamper() {
	if m != nil {
		m.TamperDetections.Inc()
	}
}

// IncrementCertificate records a generated certificate.
func (m *Metrics) IncrementCertificate(verdict string) {
	if m != nil {
		m.Certificates.WithLabelValues(verdict).Inc()
	}
}
