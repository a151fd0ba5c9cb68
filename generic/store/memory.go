// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	tranches     map[generic.EmployeeID][]generic.Tranche
	transactions map[generic.EmployeeID][]generic.Transaction
	usage        []generic.UsageEvent
	requests     map[string]bool
	audit        []generic.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{
		tranches:     make(map[generic.EmployeeID][]generic.Tranche),
		transactions: make(map[generic.EmployeeID][]generic.Transaction),
		requests:     make(map[string]bool),
	}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) AppendTranche(_ context.Context, t generic.Tranche) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTrancheLocked(t)
}

func (m *Memory) appendTrancheLocked(t generic.Tranche) error {
	for _, existing := range m.tranches[t.EmployeeID] {
		if existing.GrantedOn.Equal(t.GrantedOn) {
			return generic.ErrDuplicateGrant
		}
	}
	t.DaysRemaining = generic.ZeroDays()
	ts := append(m.tranches[t.EmployeeID], t)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].GrantedOn.Before(ts[j].GrantedOn) })
	m.tranches[t.EmployeeID] = ts
	return nil
}

func (m *Memory) AppendTransactions(_ context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendTransactionsLocked(txs)
	return nil
}

func (m *Memory) appendTransactionsLocked(txs []generic.Transaction) {
	for _, tx := range txs {
		list := m.transactions[tx.EmployeeID]

		// Binary search for insertion point keeps the list chronological.
		i := sort.Search(len(list), func(i int) bool {
			return list[i].EffectiveAt.After(tx.EffectiveAt)
		})
		list = append(list, generic.Transaction{})
		copy(list[i+1:], list[i:])
		list[i] = tx
		m.transactions[tx.EmployeeID] = list
	}
}

func (m *Memory) AppendUsage(_ context.Context, u generic.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendUsageLocked(u)
}

func (m *Memory) appendUsageLocked(u generic.UsageEvent) error {
	if u.Kind == generic.UsageConsumption && u.SourceRequestID != "" {
		if m.requests[u.SourceRequestID] {
			return generic.ErrDuplicateRequest
		}
		m.requests[u.SourceRequestID] = true
	}
	u.Allocation = append([]generic.AllocationEntry(nil), u.Allocation...)
	m.usage = append(m.usage, u)
	return nil
}

func (m *Memory) LoadTranches(_ context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadTranchesLocked(employeeID), nil
}

func (m *Memory) loadTranchesLocked(employeeID generic.EmployeeID) []generic.Tranche {
	remaining := generic.RemainingByTranche(m.transactions[employeeID])
	src := m.tranches[employeeID]
	out := make([]generic.Tranche, len(src))
	for i, t := range src {
		if r, ok := remaining[t.ID]; ok {
			t.DaysRemaining = r
		} else {
			t.DaysRemaining = generic.ZeroDays()
		}
		out[i] = t
	}
	return out
}

func (m *Memory) LoadTransactions(_ context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.Transaction(nil), m.transactions[employeeID]...), nil
}

func (m *Memory) LoadUsage(_ context.Context, employeeID generic.EmployeeID, from, to generic.TimePoint) ([]generic.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadUsageLocked(employeeID, from, to), nil
}

func (m *Memory) loadUsageLocked(employeeID generic.EmployeeID, from, to generic.TimePoint) []generic.UsageEvent {
	var out []generic.UsageEvent
	for _, u := range m.usage {
		if u.EmployeeID != employeeID {
			continue
		}
		if from.BeforeOrEqual(u.UseDate) && u.UseDate.BeforeOrEqual(to) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UseDate.Before(out[j].UseDate) })
	return out
}

func (m *Memory) GetUsage(_ context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUsageLocked(id)
}

func (m *Memory) getUsageLocked(id generic.UsageID) (*generic.UsageEvent, error) {
	for _, u := range m.usage {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, generic.ErrUsageNotFound
}

func (m *Memory) FindReversal(_ context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findReversalLocked(id), nil
}

func (m *Memory) findReversalLocked(id generic.UsageID) *generic.UsageEvent {
	for _, u := range m.usage {
		if u.Kind == generic.UsageReversal && u.Reverses == id {
			u := u
			return &u
		}
	}
	return nil
}

func (m *Memory) ListLedgerEmployees(_ context.Context) ([]generic.EmployeeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEmployeesLocked(), nil
}

func (m *Memory) listEmployeesLocked() []generic.EmployeeID {
	ids := make([]generic.EmployeeID, 0, len(m.tranches))
	for id := range m.tranches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e generic.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(e)
}

func (m *Memory) appendAuditLocked(e generic.AuditEvent) error {
	if n := len(m.audit); n > 0 && m.audit[n-1].Sequence >= e.Sequence {
		return generic.ErrDuplicateSequence
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) LastAudit(_ context.Context) (*generic.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuditLocked(), nil
}

func (m *Memory) lastAuditLocked() *generic.AuditEvent {
	if len(m.audit) == 0 {
		return nil
	}
	e := m.audit[len(m.audit)-1]
	return &e
}

func (m *Memory) GetAudit(_ context.Context, seq uint64) (*generic.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.audit {
		if e.Sequence == seq {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.AuditEvent
	for _, e := range m.audit {
		if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
			continue
		}
		if f.FromSeq > 0 && e.Sequence < f.FromSeq {
			continue
		}
		if f.ToSeq > 0 && e.Sequence > f.ToSeq {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AuditRange(_ context.Context, employeeID generic.EmployeeID) (uint64, uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first, last uint64
	found := false
	for _, e := range m.audit {
		if e.EmployeeID != employeeID {
			continue
		}
		if !found {
			first = e.Sequence
			found = true
		}
		last = e.Sequence
	}
	return first, last, found, nil
}

// ReplaceAuditForTest overwrites a stored audit event in place. The store
// contract has no update; this exists so tamper detection can be exercised.
func (m *Memory) ReplaceAuditForTest(seq uint64, mutate func(*generic.AuditEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audit {
		if m.audit[i].Sequence == seq {
			mutate(&m.audit[i])
			return true
		}
	}
	return false
}

func containsType(types []generic.AuditEventType, t generic.AuditEventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole unit, so readers never observe a
// partially applied mutation.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	tranches     map[generic.EmployeeID][]generic.Tranche
	transactions map[generic.EmployeeID][]generic.Transaction
	usage        []generic.UsageEvent
	requests     map[string]bool
	audit        []generic.AuditEvent
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		tranches:     make(map[generic.EmployeeID][]generic.Tranche, len(tm.tranches)),
		transactions: make(map[generic.EmployeeID][]generic.Transaction, len(tm.transactions)),
		usage:        append([]generic.UsageEvent(nil), tm.usage...),
		requests:     make(map[string]bool, len(tm.requests)),
		audit:        append([]generic.AuditEvent(nil), tm.audit...),
	}
	for k, v := range tm.tranches {
		s.tranches[k] = append([]generic.Tranche(nil), v...)
	}
	for k, v := range tm.transactions {
		s.transactions[k] = append([]generic.Transaction(nil), v...)
	}
	for k, v := range tm.requests {
		s.requests[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.tranches = s.tranches
	tm.transactions = s.transactions
	tm.usage = s.usage
	tm.requests = s.requests
	tm.audit = s.audit
}

// txMemoryView runs against the parent with the lock already held.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) AppendTranche(_ context.Context, t generic.Tranche) error {
	return v.parent.appendTrancheLocked(t)
}

func (v *txMemoryView) AppendTransactions(_ context.Context, txs []generic.Transaction) error {
	v.parent.appendTransactionsLocked(txs)
	return nil
}

func (v *txMemoryView) AppendUsage(_ context.Context, u generic.UsageEvent) error {
	return v.parent.appendUsageLocked(u)
}

func (v *txMemoryView) LoadTranches(_ context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	return v.parent.loadTranchesLocked(employeeID), nil
}

func (v *txMemoryView) LoadTransactions(_ context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	return append([]generic.Transaction(nil), v.parent.transactions[employeeID]...), nil
}

func (v *txMemoryView) LoadUsage(_ context.Context, employeeID generic.EmployeeID, from, to generic.TimePoint) ([]generic.UsageEvent, error) {
	return v.parent.loadUsageLocked(employeeID, from, to), nil
}

func (v *txMemoryView) GetUsage(_ context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	return v.parent.getUsageLocked(id)
}

func (v *txMemoryView) FindReversal(_ context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	return v.parent.findReversalLocked(id), nil
}

func (v *txMemoryView) ListLedgerEmployees(_ context.Context) ([]generic.EmployeeID, error) {
	return v.parent.listEmployeesLocked(), nil
}

func (v *txMemoryView) AppendAudit(_ context.Context, e generic.AuditEvent) error {
	return v.parent.appendAuditLocked(e)
}

func (v *txMemoryView) LastAudit(_ context.Context) (*generic.AuditEvent, error) {
	return v.parent.lastAuditLocked(), nil
}

func (v *txMemoryView) GetAudit(_ context.Context, seq uint64) (*generic.AuditEvent, error) {
	for _, e := range v.parent.audit {
		if e.Sequence == seq {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (v *txMemoryView) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEvent, error) {
	var out []generic.AuditEvent
	for _, e := range v.parent.audit {
		if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
			continue
		}
		if (f.FromSeq > 0 && e.Sequence < f.FromSeq) || (f.ToSeq > 0 && e.Sequence > f.ToSeq) {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (v *txMemoryView) AuditRange(_ context.Context, employeeID generic.EmployeeID) (uint64, uint64, bool, error) {
	var first, last uint64
	found := false
	for _, e := range v.parent.audit {
		if e.EmployeeID != employeeID {
			continue
		}
		if !found {
			first, found = e.Sequence, true
		}
		last = e.Sequence
	}
	return first, last, found, nil
}
