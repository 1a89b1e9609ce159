package cartera

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerQuery performs the range-filtered ledger reads. Store errors are
// returned as they come.
type LedgerQuery struct {
	repo Repository
}

// NewLedgerQuery builds a LedgerQuery over the repository.
func NewLedgerQuery(repo Repository) *LedgerQuery {
	return &LedgerQuery{repo: repo}
}

// ChargesInRange returns F, ND and SI charges of the group, in-progress excluded.
func (q *LedgerQuery) ChargesInRange(ctx context.Context, group []int64, r DateRange) ([]Charge, error) {
	if len(group) == 0 {
		return nil, nil
	}
	return q.repo.ListCharges(ctx, LedgerFilter{PartyIDs: group, Range: r})
}

// SettlementsInRange returns PG, NC, RT and PP settlements of the group.
func (q *LedgerQuery) SettlementsInRange(ctx context.Context, group []int64, r DateRange) ([]Settlement, error) {
	if len(group) == 0 {
		return nil, nil
	}
	return q.repo.ListSettlements(ctx, LedgerFilter{PartyIDs: group, Range: r})
}

// AllocationsForCharges returns allocations whose settlement is dated on or
// before cutoff. A zero cutoff returns every allocation.
func (q *LedgerQuery) AllocationsForCharges(ctx context.Context, chargeIDs []int64, cutoff time.Time) ([]AllocationView, error) {
	if len(chargeIDs) == 0 {
		return nil, nil
	}
	return q.repo.ListChargeAllocations(ctx, chargeIDs, cutoff)
}

// AllocatedByFund sums allocations per settlement dated on or before cutoff.
func (q *LedgerQuery) AllocatedByFund(ctx context.Context, fundIDs []int64, cutoff time.Time) (map[int64]decimal.Decimal, error) {
	if len(fundIDs) == 0 {
		return map[int64]decimal.Decimal{}, nil
	}
	return q.repo.SumFundAllocations(ctx, fundIDs, cutoff)
}
