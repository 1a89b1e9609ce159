package cartera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// memoryLedger is an in-memory Repository. A transaction works on its own copy
// of the committed state and journals its writes; Lock* calls take per-row
// locks held until the transaction ends and then re-read the committed state
// under the journal, which mirrors READ COMMITTED with FOR UPDATE. Commit
// replays the journal onto the committed state.
type memoryLedger struct {
	mu      sync.Mutex
	state   *ledgerState
	lockLog []string
	failOn  string

	rowsMu sync.Mutex
	rows   map[string]*sync.Mutex
}

type ledgerState struct {
	parties     map[int64]Party
	charges     map[int64]Charge
	settlements map[int64]Settlement
	allocations map[int64]Allocation
	nextID      int64
}

type memoryLedgerTx struct {
	ledger  *memoryLedger
	state   *ledgerState
	journal []func(*ledgerState)
	held    map[string]*sync.Mutex
}

var errInjected = errors.New("injected store failure")

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{rows: make(map[string]*sync.Mutex), state: &ledgerState{
		parties:     make(map[int64]Party),
		charges:     make(map[int64]Charge),
		settlements: make(map[int64]Settlement),
		allocations: make(map[int64]Allocation),
		nextID:      1000,
	}}
}

func (s *ledgerState) clone() *ledgerState {
	out := &ledgerState{
		parties:     make(map[int64]Party, len(s.parties)),
		charges:     make(map[int64]Charge, len(s.charges)),
		settlements: make(map[int64]Settlement, len(s.settlements)),
		allocations: make(map[int64]Allocation, len(s.allocations)),
		nextID:      s.nextID,
	}
	for k, v := range s.parties {
		out.parties[k] = v
	}
	for k, v := range s.charges {
		out.charges[k] = v
	}
	for k, v := range s.settlements {
		out.settlements[k] = v
	}
	for k, v := range s.allocations {
		out.allocations[k] = v
	}
	return out
}

func (s *ledgerState) id() int64 {
	s.nextID++
	return s.nextID
}

// --- seeding ---

func (m *memoryLedger) addParty(id int64, role Side, parent *int64) {
	m.state.parties[id] = Party{ID: id, Name: fmt.Sprintf("party-%d", id), Role: role, ParentID: parent}
}

func (m *memoryLedger) addCharge(c Charge) Charge {
	if c.ID == 0 {
		c.ID = m.state.id()
	}
	if c.Status == "" {
		c.Status = "posted"
	}
	m.state.charges[c.ID] = c
	return c
}

func (m *memoryLedger) addSettlement(st Settlement) Settlement {
	if st.ID == 0 {
		st.ID = m.state.id()
	}
	m.state.settlements[st.ID] = st
	return st
}

func (m *memoryLedger) addAllocation(a Allocation) Allocation {
	if a.ID == 0 {
		a.ID = m.state.id()
	}
	m.state.allocations[a.ID] = a
	return a
}

func (m *memoryLedger) snapshot() *ledgerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (s *ledgerState) allocationsOf(settlementID int64) []Allocation {
	var out []Allocation
	for _, a := range s.allocations {
		if a.SettlementID == settlementID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *ledgerState) chargeAllocated(chargeID int64) decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.allocations {
		if a.ChargeID == chargeID {
			total = total.Add(a.Amount)
		}
	}
	return total
}

func (s *ledgerState) settlementAllocated(settlementID int64) decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.allocations {
		if a.SettlementID == settlementID {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// --- Repository ---

func (m *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryLedgerTx{ledger: m, state: m.snapshot(), held: make(map[string]*sync.Mutex)}
	defer tx.releaseRows()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range tx.journal {
		op(m.state)
	}
	return nil
}

func (m *memoryLedger) rowLock(key string) *sync.Mutex {
	m.rowsMu.Lock()
	defer m.rowsMu.Unlock()
	l, ok := m.rows[key]
	if !ok {
		l = &sync.Mutex{}
		m.rows[key] = l
	}
	return l
}

func (m *memoryLedger) nextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.id()
}

func (m *memoryLedger) logLock(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLog = append(m.lockLog, entry)
}

func (m *memoryLedger) locks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lockLog...)
}

func (m *memoryLedger) GetParty(ctx context.Context, id int64) (Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getMemoryParty(m.state, id)
}

func (m *memoryLedger) ListMarks(ctx context.Context, principalID int64) ([]Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listMemoryMarks(m.state, principalID), nil
}

func (m *memoryLedger) ListCharges(ctx context.Context, filter LedgerFilter) ([]Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Charge
	for _, c := range m.state.charges {
		if !containsID(filter.PartyIDs, c.PartyID) || !c.Kind.Valid() || c.Status == ChargeStatusInProgress {
			continue
		}
		if !inRange(filter.Range, c.Date) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryLedger) ListSettlements(ctx context.Context, filter LedgerFilter) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Settlement
	for _, st := range m.state.settlements {
		if !containsID(filter.PartyIDs, st.PartyID) || !st.Kind.Valid() {
			continue
		}
		if !inRange(filter.Range, st.Date) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryLedger) ListChargeAllocations(ctx context.Context, chargeIDs []int64, cutoff time.Time) ([]AllocationView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AllocationView
	for _, a := range m.state.allocations {
		if !containsID(chargeIDs, a.ChargeID) {
			continue
		}
		st := m.state.settlements[a.SettlementID]
		date := effectiveDate(m.state, a)
		if !cutoff.IsZero() && dayOf(date).After(dayOf(cutoff)) {
			continue
		}
		out = append(out, AllocationView{Allocation: a, SettlementKind: st.Kind, SettlementDate: date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryLedger) SumFundAllocations(ctx context.Context, fundIDs []int64, cutoff time.Time) (map[int64]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]decimal.Decimal)
	for _, a := range m.state.allocations {
		if !containsID(fundIDs, a.SettlementID) {
			continue
		}
		if !cutoff.IsZero() && dayOf(effectiveDate(m.state, a)).After(dayOf(cutoff)) {
			continue
		}
		out[a.SettlementID] = out[a.SettlementID].Add(a.Amount)
	}
	return out, nil
}

// --- TxRepository ---

// lockRows blocks until every row is held by this transaction, then refreshes
// the working copy so it reflects what earlier holders committed.
func (t *memoryLedgerTx) lockRows(table string, ids []int64) {
	for _, id := range sortedIDs(ids) {
		key := fmt.Sprintf("%s:%d", table, id)
		if _, ok := t.held[key]; ok {
			continue
		}
		l := t.ledger.rowLock(key)
		l.Lock()
		t.held[key] = l
	}
	fresh := t.ledger.snapshot()
	for _, op := range t.journal {
		op(fresh)
	}
	t.state = fresh
}

func (t *memoryLedgerTx) releaseRows() {
	for key, l := range t.held {
		l.Unlock()
		delete(t.held, key)
	}
}

func (t *memoryLedgerTx) write(op func(*ledgerState)) {
	op(t.state)
	t.journal = append(t.journal, op)
}

func (t *memoryLedgerTx) fail(op string) error {
	if t.ledger.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memoryLedgerTx) GetParty(ctx context.Context, id int64) (Party, error) {
	return getMemoryParty(t.state, id)
}

func (t *memoryLedgerTx) ListMarks(ctx context.Context, principalID int64) ([]Party, error) {
	return listMemoryMarks(t.state, principalID), nil
}

func (t *memoryLedgerTx) LockSettlements(ctx context.Context, ids []int64) ([]Settlement, error) {
	t.ledger.logLock(fmt.Sprintf("settlements%v", ids))
	t.lockRows("settlements", ids)
	var out []Settlement
	for _, id := range sortedIDs(ids) {
		if st, ok := t.state.settlements[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *memoryLedgerTx) LockCharges(ctx context.Context, ids []int64) ([]Charge, error) {
	t.ledger.logLock(fmt.Sprintf("charges%v", ids))
	t.lockRows("charges", ids)
	var out []Charge
	for _, id := range sortedIDs(ids) {
		if c, ok := t.state.charges[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memoryLedgerTx) ChargeAllocatedSums(ctx context.Context, chargeIDs []int64) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal)
	for _, id := range chargeIDs {
		out[id] = t.state.chargeAllocated(id)
	}
	return out, nil
}

func (t *memoryLedgerTx) SettlementAllocatedSums(ctx context.Context, settlementIDs []int64) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal)
	for _, id := range settlementIDs {
		out[id] = t.state.settlementAllocated(id)
	}
	return out, nil
}

func (t *memoryLedgerTx) ListSettlementAllocations(ctx context.Context, settlementID int64) ([]Allocation, error) {
	return t.state.allocationsOf(settlementID), nil
}

func (t *memoryLedgerTx) ListApplicationAllocations(ctx context.Context, applicationID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range t.state.allocations {
		if a.ApplicationID != nil && *a.ApplicationID == applicationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryLedgerTx) GetSettlements(ctx context.Context, ids []int64) ([]Settlement, error) {
	var out []Settlement
	for _, id := range sortedIDs(ids) {
		if st, ok := t.state.settlements[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *memoryLedgerTx) CreateSettlement(ctx context.Context, st Settlement) (int64, error) {
	if err := t.fail("CreateSettlement"); err != nil {
		return 0, err
	}
	st.ID = t.ledger.nextID()
	t.write(func(s *ledgerState) { s.settlements[st.ID] = st })
	return st.ID, nil
}

func (t *memoryLedgerTx) UpdateSettlement(ctx context.Context, st Settlement) error {
	if _, ok := t.state.settlements[st.ID]; !ok {
		return fmt.Errorf("%w: settlement %d", ErrNotFound, st.ID)
	}
	t.write(func(s *ledgerState) { s.settlements[st.ID] = st })
	return nil
}

func (t *memoryLedgerTx) DeleteSettlement(ctx context.Context, id int64) error {
	if _, ok := t.state.settlements[id]; !ok {
		return fmt.Errorf("%w: settlement %d", ErrNotFound, id)
	}
	for _, a := range t.state.allocations {
		if a.SettlementID == id || (a.ApplicationID != nil && *a.ApplicationID == id) {
			return fmt.Errorf("foreign key: allocation %d references settlement %d", a.ID, id)
		}
	}
	t.write(func(s *ledgerState) { delete(s.settlements, id) })
	return nil
}

func (t *memoryLedgerTx) CreateAllocation(ctx context.Context, a Allocation) (int64, error) {
	if err := t.fail("CreateAllocation"); err != nil {
		return 0, err
	}
	if _, ok := t.state.settlements[a.SettlementID]; !ok {
		return 0, fmt.Errorf("foreign key: settlement %d", a.SettlementID)
	}
	if _, ok := t.state.charges[a.ChargeID]; !ok {
		return 0, fmt.Errorf("foreign key: charge %d", a.ChargeID)
	}
	if a.ApplicationID != nil {
		if _, ok := t.state.settlements[*a.ApplicationID]; !ok {
			return 0, fmt.Errorf("foreign key: application %d", *a.ApplicationID)
		}
	}
	a.ID = t.ledger.nextID()
	t.write(func(s *ledgerState) { s.allocations[a.ID] = a })
	return a.ID, nil
}

func (t *memoryLedgerTx) UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	if _, ok := t.state.allocations[id]; !ok {
		return fmt.Errorf("allocation %d missing", id)
	}
	t.write(func(s *ledgerState) {
		if a, ok := s.allocations[id]; ok {
			a.Amount = amount
			s.allocations[id] = a
		}
	})
	return nil
}

func (t *memoryLedgerTx) DeleteSettlementAllocations(ctx context.Context, settlementID int64) error {
	t.write(func(s *ledgerState) {
		for id, a := range s.allocations {
			if a.SettlementID == settlementID {
				delete(s.allocations, id)
			}
		}
	})
	return nil
}

func (t *memoryLedgerTx) DeleteApplicationAllocations(ctx context.Context, applicationID int64) error {
	t.write(func(s *ledgerState) {
		for id, a := range s.allocations {
			if a.ApplicationID != nil && *a.ApplicationID == applicationID {
				delete(s.allocations, id)
			}
		}
	})
	return nil
}

// --- helpers ---

func getMemoryParty(s *ledgerState, id int64) (Party, error) {
	p, ok := s.parties[id]
	if !ok {
		return Party{}, fmt.Errorf("%w: party %d", ErrNotFound, id)
	}
	return p, nil
}

func listMemoryMarks(s *ledgerState, principalID int64) []Party {
	var out []Party
	for _, p := range s.parties {
		if p.Role == SideClient && p.ParentID != nil && *p.ParentID == principalID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func effectiveDate(s *ledgerState, a Allocation) time.Time {
	if a.ApplicationID != nil {
		if app, ok := s.settlements[*a.ApplicationID]; ok {
			return app.Date
		}
	}
	return s.settlements[a.SettlementID].Date
}

func inRange(r DateRange, d time.Time) bool {
	day := dayOf(d)
	if !r.From.IsZero() && day.Before(dayOf(r.From)) {
		return false
	}
	if !r.To.IsZero() && day.After(dayOf(r.To)) {
		return false
	}
	return true
}

// --- fixtures ---

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amt(raw string) decimal.Decimal {
	return MustAmount(raw)
}

func newTestService(repo Repository, now time.Time) *Service {
	return NewService(repo, ServiceConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  func() time.Time { return now },
	})
}

func int64Ptr(v int64) *int64 {
	return &v
}

// assertLedgerInvariants checks that no settlement allocates more than its
// amount and no charge is allocated beyond its amount.
func assertLedgerInvariants(t *testing.T, s *ledgerState) {
	t.Helper()
	for id, st := range s.settlements {
		if got := s.settlementAllocated(id); exceeds(got, st.Amount) {
			t.Fatalf("settlement %d allocates %s over amount %s", id, got, st.Amount)
		}
	}
	for id, c := range s.charges {
		if got := s.chargeAllocated(id); exceeds(got, c.Amount) {
			t.Fatalf("charge %d allocated %s over amount %s", id, got, c.Amount)
		}
	}
}
