// Package store provides in-memory implementations of the circulation
// stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements circulation.TxStore, circulation.Directory and
// circulation.PolicyStore. Records are copied on the way in and out, so
// callers never share state with the store.
type Memory struct {
	mu   sync.RWMutex
	data *records

	dirMu         sync.RWMutex
	patrons       map[circulation.UserID]circulation.Patron
	servicePoints map[circulation.ServicePointID]circulation.ServicePoint
	rules         []circulation.PolicyRule
	loanPolicies  map[circulation.PolicyID]*circulation.LoanPolicy
	finePolicies  map[circulation.PolicyID]*circulation.OverdueFinePolicy
	lostPolicies  map[circulation.PolicyID]*circulation.LostItemFeePolicy
	noticePolicy  map[circulation.PolicyID]*circulation.NoticePolicy
}

var (
	_ circulation.TxStore     = (*Memory)(nil)
	_ circulation.Directory   = (*Memory)(nil)
	_ circulation.PolicyStore = (*Memory)(nil)
	_ circulation.Store       = (*records)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		data:          newRecords(),
		patrons:       make(map[circulation.UserID]circulation.Patron),
		servicePoints: make(map[circulation.ServicePointID]circulation.ServicePoint),
		loanPolicies:  make(map[circulation.PolicyID]*circulation.LoanPolicy),
		finePolicies:  make(map[circulation.PolicyID]*circulation.OverdueFinePolicy),
		lostPolicies:  make(map[circulation.PolicyID]*circulation.LostItemFeePolicy),
		noticePolicy:  make(map[circulation.PolicyID]*circulation.NoticePolicy),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.snapshot()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetLoan(ctx, id)
}

func (m *Memory) FindOpenLoanByItem(ctx context.Context, itemID circulation.ItemID) (*circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindOpenLoanByItem(ctx, itemID)
}

func (m *Memory) ListOpenLoans(ctx context.Context) ([]circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListOpenLoans(ctx)
}

func (m *Memory) SaveLoan(ctx context.Context, loan *circulation.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveLoan(ctx, loan)
}

func (m *Memory) GetItem(ctx context.Context, id circulation.ItemID) (*circulation.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetItem(ctx, id)
}

func (m *Memory) SaveItem(ctx context.Context, item *circulation.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveItem(ctx, item)
}

func (m *Memory) SaveNotice(ctx context.Context, n *circulation.ScheduledNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveNotice(ctx, n)
}

func (m *Memory) DeleteNotice(ctx context.Context, id circulation.NoticeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteNotice(ctx, id)
}

func (m *Memory) DeleteNoticesByLoan(ctx context.Context, loanID circulation.LoanID, triggers ...circulation.NoticeTrigger) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteNoticesByLoan(ctx, loanID, triggers...)
}

func (m *Memory) ListNoticesByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.ScheduledNotice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListNoticesByLoan(ctx, loanID)
}

func (m *Memory) ListDueNotices(ctx context.Context, now time.Time) ([]circulation.ScheduledNotice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListDueNotices(ctx, now)
}

func (m *Memory) GetActualCostRecord(ctx context.Context, id circulation.RecordID) (*circulation.ActualCostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetActualCostRecord(ctx, id)
}

func (m *Memory) SaveActualCostRecord(ctx context.Context, rec *circulation.ActualCostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveActualCostRecord(ctx, rec)
}

func (m *Memory) FindActualCostRecordsByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.ActualCostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindActualCostRecordsByLoan(ctx, loanID)
}

func (m *Memory) ListExpiredActualCostRecords(ctx context.Context, now time.Time) ([]circulation.ActualCostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListExpiredActualCostRecords(ctx, now)
}

func (m *Memory) InsertAccount(ctx context.Context, a circulation.FeeFineAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertAccount(ctx, a)
}

func (m *Memory) UpdateAccountStatus(ctx context.Context, id circulation.AccountID, status circulation.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateAccountStatus(ctx, id, status)
}

func (m *Memory) ListAccountsByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.FeeFineAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListAccountsByLoan(ctx, loanID)
}

func (m *Memory) AccountExists(ctx context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AccountExists(ctx, idempotencyKey)
}

func (m *Memory) SaveRequest(ctx context.Context, r *circulation.HoldRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveRequest(ctx, r)
}

func (m *Memory) ListOpenRequestsByItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.HoldRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListOpenRequestsByItem(ctx, itemID)
}

// =============================================================================
// DIRECTORY AND POLICIES
// =============================================================================

func (m *Memory) PutPatron(p circulation.Patron) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.patrons[p.ID] = p
}

func (m *Memory) PutServicePoint(sp circulation.ServicePoint) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.servicePoints[sp.ID] = sp
}

func (m *Memory) SetRules(rules ...circulation.PolicyRule) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.rules = append([]circulation.PolicyRule{}, rules...)
}

func (m *Memory) PutLoanPolicy(p *circulation.LoanPolicy) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.loanPolicies[p.ID] = p
}

func (m *Memory) PutOverdueFinePolicy(p *circulation.OverdueFinePolicy) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.finePolicies[p.ID] = p
}

func (m *Memory) PutLostItemFeePolicy(p *circulation.LostItemFeePolicy) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.lostPolicies[p.ID] = p
}

func (m *Memory) PutNoticePolicy(p *circulation.NoticePolicy) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.noticePolicy[p.ID] = p
}

func (m *Memory) GetPatron(_ context.Context, id circulation.UserID) (*circulation.Patron, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	p, ok := m.patrons[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: "patron", ID: string(id)}
	}
	return &p, nil
}

func (m *Memory) GetServicePoint(_ context.Context, id circulation.ServicePointID) (*circulation.ServicePoint, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	sp, ok := m.servicePoints[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: "service point", ID: string(id)}
	}
	return &sp, nil
}

func (m *Memory) CirculationRules(context.Context) ([]circulation.PolicyRule, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	return append([]circulation.PolicyRule{}, m.rules...), nil
}

func (m *Memory) GetLoanPolicy(_ context.Context, id circulation.PolicyID) (*circulation.LoanPolicy, error) {
	return lookup(m, m.loanPolicies, id, "loan policy")
}

func (m *Memory) GetOverdueFinePolicy(_ context.Context, id circulation.PolicyID) (*circulation.OverdueFinePolicy, error) {
	return lookup(m, m.finePolicies, id, "overdue fine policy")
}

func (m *Memory) GetLostItemFeePolicy(_ context.Context, id circulation.PolicyID) (*circulation.LostItemFeePolicy, error) {
	return lookup(m, m.lostPolicies, id, "lost item fee policy")
}

func (m *Memory) GetNoticePolicy(_ context.Context, id circulation.PolicyID) (*circulation.NoticePolicy, error) {
	return lookup(m, m.noticePolicy, id, "notice policy")
}

func lookup[T any](m *Memory, policies map[circulation.PolicyID]*T, id circulation.PolicyID, kind string) (*T, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	p, ok := policies[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: kind, ID: string(id)}
	}
	return p, nil
}

// =============================================================================
// RECORDS - Unlocked state, also the transactional view
// =============================================================================

type records struct {
	loans       map[circulation.LoanID]circulation.Loan
	items       map[circulation.ItemID]circulation.Item
	notices     map[circulation.NoticeID]circulation.ScheduledNotice
	costRecords map[circulation.RecordID]circulation.ActualCostRecord
	accounts    []circulation.FeeFineAccount
	idempotency map[string]bool
	requests    map[circulation.RequestID]circulation.HoldRequest
}

func newRecords() *records {
	return &records{
		loans:       make(map[circulation.LoanID]circulation.Loan),
		items:       make(map[circulation.ItemID]circulation.Item),
		notices:     make(map[circulation.NoticeID]circulation.ScheduledNotice),
		costRecords: make(map[circulation.RecordID]circulation.ActualCostRecord),
		idempotency: make(map[string]bool),
		requests:    make(map[circulation.RequestID]circulation.HoldRequest),
	}
}

func (r *records) snapshot() *records {
	s := newRecords()
	for k, v := range r.loans {
		s.loans[k] = v.Clone()
	}
	for k, v := range r.items {
		s.items[k] = cloneItem(v)
	}
	for k, v := range r.notices {
		s.notices[k] = cloneNotice(v)
	}
	for k, v := range r.costRecords {
		s.costRecords[k] = cloneRecord(v)
	}
	s.accounts = append([]circulation.FeeFineAccount{}, r.accounts...)
	for k, v := range r.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range r.requests {
		s.requests[k] = v
	}
	return s
}

func (r *records) GetLoan(_ context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	l, ok := r.loans[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: "loan", ID: string(id)}
	}
	l = l.Clone()
	return &l, nil
}

func (r *records) FindOpenLoanByItem(_ context.Context, itemID circulation.ItemID) (*circulation.Loan, error) {
	for _, l := range r.loans {
		if l.ItemID == itemID && l.IsOpen() {
			l = l.Clone()
			return &l, nil
		}
	}
	return nil, nil
}

func (r *records) ListOpenLoans(context.Context) ([]circulation.Loan, error) {
	var out []circulation.Loan
	for _, l := range r.loans {
		if l.IsOpen() {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (r *records) SaveLoan(_ context.Context, loan *circulation.Loan) error {
	if current, ok := r.loans[loan.ID]; ok {
		if current.Version != loan.Version {
			return circulation.ErrConcurrentModification
		}
	} else if loan.Version != 0 {
		return circulation.ErrConcurrentModification
	}
	loan.Version++
	r.loans[loan.ID] = loan.Clone()
	return nil
}

func (r *records) GetItem(_ context.Context, id circulation.ItemID) (*circulation.Item, error) {
	it, ok := r.items[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: "item", ID: string(id)}
	}
	it = cloneItem(it)
	return &it, nil
}

func (r *records) SaveItem(_ context.Context, item *circulation.Item) error {
	if current, ok := r.items[item.ID]; ok {
		if current.Version != item.Version {
			return circulation.ErrConcurrentModification
		}
	} else if item.Version != 0 {
		return circulation.ErrConcurrentModification
	}
	item.Version++
	r.items[item.ID] = cloneItem(*item)
	return nil
}

func (r *records) SaveNotice(_ context.Context, n *circulation.ScheduledNotice) error {
	if n.ID == "" {
		n.ID = circulation.NoticeID(circulation.NewID())
	}
	r.notices[n.ID] = cloneNotice(*n)
	return nil
}

func (r *records) DeleteNotice(_ context.Context, id circulation.NoticeID) error {
	delete(r.notices, id)
	return nil
}

func (r *records) DeleteNoticesByLoan(_ context.Context, loanID circulation.LoanID, triggers ...circulation.NoticeTrigger) (int, error) {
	deleted := 0
	for id, n := range r.notices {
		if n.LoanID != loanID || !matchesTrigger(n.TriggeringEvent, triggers) {
			continue
		}
		delete(r.notices, id)
		deleted++
	}
	return deleted, nil
}

func matchesTrigger(t circulation.NoticeTrigger, triggers []circulation.NoticeTrigger) bool {
	if len(triggers) == 0 {
		return true
	}
	for _, want := range triggers {
		if t == want {
			return true
		}
	}
	return false
}

func (r *records) ListNoticesByLoan(_ context.Context, loanID circulation.LoanID) ([]circulation.ScheduledNotice, error) {
	var out []circulation.ScheduledNotice
	for _, n := range r.notices {
		if n.LoanID == loanID {
			out = append(out, cloneNotice(n))
		}
	}
	sortNotices(out)
	return out, nil
}

func (r *records) ListDueNotices(_ context.Context, now time.Time) ([]circulation.ScheduledNotice, error) {
	var out []circulation.ScheduledNotice
	for _, n := range r.notices {
		if !n.RunTime.After(now) {
			out = append(out, cloneNotice(n))
		}
	}
	sortNotices(out)
	return out, nil
}

func sortNotices(ns []circulation.ScheduledNotice) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].RunTime.Equal(ns[j].RunTime) {
			return ns[i].RunTime.Before(ns[j].RunTime)
		}
		return ns[i].ID < ns[j].ID
	})
}

func (r *records) GetActualCostRecord(_ context.Context, id circulation.RecordID) (*circulation.ActualCostRecord, error) {
	rec, ok := r.costRecords[id]
	if !ok {
		return nil, &circulation.NotFoundError{Kind: "actual cost record", ID: string(id)}
	}
	rec = cloneRecord(rec)
	return &rec, nil
}

func (r *records) SaveActualCostRecord(_ context.Context, rec *circulation.ActualCostRecord) error {
	r.costRecords[rec.ID] = cloneRecord(*rec)
	return nil
}

func (r *records) FindActualCostRecordsByLoan(_ context.Context, loanID circulation.LoanID) ([]circulation.ActualCostRecord, error) {
	var out []circulation.ActualCostRecord
	for _, rec := range r.costRecords {
		if rec.LoanID == loanID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *records) ListExpiredActualCostRecords(_ context.Context, now time.Time) ([]circulation.ActualCostRecord, error) {
	var out []circulation.ActualCostRecord
	for _, rec := range r.costRecords {
		if rec.Status == circulation.ActualCostOpen && rec.ExpirationDate != nil && !rec.ExpirationDate.After(now) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpirationDate.Before(*out[j].ExpirationDate) })
	return out, nil
}

func (r *records) InsertAccount(_ context.Context, a circulation.FeeFineAccount) error {
	if a.IdempotencyKey != "" {
		if r.idempotency[a.IdempotencyKey] {
			return circulation.ErrDuplicateIdempotencyKey
		}
		r.idempotency[a.IdempotencyKey] = true
	}
	r.accounts = append(r.accounts, a)
	return nil
}

func (r *records) UpdateAccountStatus(_ context.Context, id circulation.AccountID, status circulation.AccountStatus) error {
	for i := range r.accounts {
		if r.accounts[i].ID == id {
			r.accounts[i].Status = status
			return nil
		}
	}
	return &circulation.NotFoundError{Kind: "fee/fine account", ID: string(id)}
}

func (r *records) ListAccountsByLoan(_ context.Context, loanID circulation.LoanID) ([]circulation.FeeFineAccount, error) {
	var out []circulation.FeeFineAccount
	for _, a := range r.accounts {
		if a.LoanID == loanID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *records) AccountExists(_ context.Context, idempotencyKey string) (bool, error) {
	return r.idempotency[idempotencyKey], nil
}

func (r *records) SaveRequest(_ context.Context, req *circulation.HoldRequest) error {
	r.requests[req.ID] = *req
	return nil
}

func (r *records) ListOpenRequestsByItem(_ context.Context, itemID circulation.ItemID) ([]circulation.HoldRequest, error) {
	var out []circulation.HoldRequest
	for _, req := range r.requests {
		if req.ItemID == itemID && req.Status.IsOpen() {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// =============================================================================
// SEEDING
// =============================================================================

// PutItem stores an item as is, bypassing version checks.
func (m *Memory) PutItem(item circulation.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.items[item.ID] = cloneItem(item)
}

// PutLoan stores a loan as is, bypassing version checks.
func (m *Memory) PutLoan(loan circulation.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.loans[loan.ID] = loan.Clone()
}

func cloneItem(it circulation.Item) circulation.Item {
	it.ReplacementCost = cloneDecimal(it.ReplacementCost)
	return it
}

func cloneNotice(n circulation.ScheduledNotice) circulation.ScheduledNotice {
	if n.Recurrence != nil {
		p := *n.Recurrence
		n.Recurrence = &p
	}
	return n
}

func cloneRecord(rec circulation.ActualCostRecord) circulation.ActualCostRecord {
	if rec.ExpirationDate != nil {
		t := *rec.ExpirationDate
		rec.ExpirationDate = &t
	}
	rec.EstimatedCost = cloneDecimal(rec.EstimatedCost)
	rec.BilledAmount = cloneDecimal(rec.BilledAmount)
	return rec
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
