package cartera

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FundCapacity is a fund with the amount it may still contribute.
type FundCapacity struct {
	FundID    int64
	Remaining decimal.Decimal
}

// TargetNeed is a charge with the amount still to be covered.
type TargetNeed struct {
	ChargeID  int64
	Remaining decimal.Decimal
}

// AllocationTriple records how much of a fund goes to a charge.
type AllocationTriple struct {
	FundID   int64           `json:"fund_id"`
	ChargeID int64           `json:"charge_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// MatchGreedy walks funds in the given order and, for each, the targets in
// the given order, allocating min(fund, target) until the fund runs dry. The
// caller's ordering is the priority; nothing is re-sorted here.
func MatchGreedy(funds []FundCapacity, targets []TargetNeed) []AllocationTriple {
	need := make([]decimal.Decimal, len(targets))
	for i, t := range targets {
		need[i] = positive(t.Remaining)
	}
	var out []AllocationTriple
	for _, f := range funds {
		left := positive(f.Remaining)
		if !left.IsPositive() {
			continue
		}
		for i, t := range targets {
			if !need[i].IsPositive() {
				continue
			}
			amount := decimal.Min(left, need[i])
			out = append(out, AllocationTriple{FundID: f.FundID, ChargeID: t.ChargeID, Amount: amount})
			left = left.Sub(amount)
			need[i] = need[i].Sub(amount)
			if !left.IsPositive() {
				break
			}
		}
	}
	return out
}

// RescaleAllocations redistributes newTotal over existing allocation amounts.
// One row takes newTotal; several rows are scaled by newTotal/oldSum (or
// split evenly when oldSum is zero) rounded to cents. A row never takes more
// than what is left of newTotal, and the last row absorbs the remainder, so
// the result sums to newTotal exactly with no negative rows.
func RescaleAllocations(amounts []decimal.Decimal, newTotal decimal.Decimal) ([]decimal.Decimal, error) {
	switch len(amounts) {
	case 0:
		return nil, nil
	case 1:
		return []decimal.Decimal{newTotal}, nil
	}
	oldSum := decimal.Zero
	for _, a := range amounts {
		oldSum = oldSum.Add(a)
	}
	out := make([]decimal.Decimal, len(amounts))
	assigned := decimal.Zero
	last := len(amounts) - 1
	n := decimal.NewFromInt(int64(len(amounts)))
	for i := 0; i < last; i++ {
		var v decimal.Decimal
		if oldSum.IsZero() {
			v = newTotal.Div(n).Round(amountScale)
		} else {
			v = amounts[i].Mul(newTotal).Div(oldSum).Round(amountScale)
		}
		v = decimal.Max(decimal.Zero, decimal.Min(v, newTotal.Sub(assigned)))
		out[i] = v
		assigned = assigned.Add(v)
	}
	out[last] = newTotal.Sub(assigned)
	if out[last].IsNegative() {
		return nil, fmt.Errorf("%w: rescaling to %s leaves a negative remainder %s", ErrConsistency, newTotal.StringFixed(amountScale), out[last].StringFixed(amountScale))
	}
	return out, nil
}
