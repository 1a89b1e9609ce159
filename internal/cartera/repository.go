package cartera

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerFilter is the fixed set of filters every ledger read binds. Empty
// dates leave the bound open.
type LedgerFilter struct {
	PartyIDs []int64
	Range    DateRange
}

// PartyReader resolves parties and their marks.
type PartyReader interface {
	GetParty(ctx context.Context, id int64) (Party, error)
	ListMarks(ctx context.Context, principalID int64) ([]Party, error)
}

// Repository defines the read side of the ledger store plus the
// transaction entry point.
type Repository interface {
	PartyReader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	ListCharges(ctx context.Context, filter LedgerFilter) ([]Charge, error)
	ListSettlements(ctx context.Context, filter LedgerFilter) ([]Settlement, error)
	ListChargeAllocations(ctx context.Context, chargeIDs []int64, cutoff time.Time) ([]AllocationView, error)
	SumFundAllocations(ctx context.Context, fundIDs []int64, cutoff time.Time) (map[int64]decimal.Decimal, error)
}

// TxRepository defines operations that run inside a mutation transaction.
// Lock* methods take row locks in ascending id order and return only the rows
// found.
type TxRepository interface {
	PartyReader

	LockSettlements(ctx context.Context, ids []int64) ([]Settlement, error)
	LockCharges(ctx context.Context, ids []int64) ([]Charge, error)
	ChargeAllocatedSums(ctx context.Context, chargeIDs []int64) (map[int64]decimal.Decimal, error)
	SettlementAllocatedSums(ctx context.Context, settlementIDs []int64) (map[int64]decimal.Decimal, error)
	ListSettlementAllocations(ctx context.Context, settlementID int64) ([]Allocation, error)
	ListApplicationAllocations(ctx context.Context, applicationID int64) ([]Allocation, error)
	GetSettlements(ctx context.Context, ids []int64) ([]Settlement, error)

	CreateSettlement(ctx context.Context, s Settlement) (int64, error)
	UpdateSettlement(ctx context.Context, s Settlement) error
	DeleteSettlement(ctx context.Context, id int64) error
	CreateAllocation(ctx context.Context, a Allocation) (int64, error)
	UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error
	DeleteSettlementAllocations(ctx context.Context, settlementID int64) error
	DeleteApplicationAllocations(ctx context.Context, applicationID int64) error
}
