package cartera

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type appliedSplit struct {
	credits  decimal.Decimal
	payments decimal.Decimal
}

func (a appliedSplit) total() decimal.Decimal {
	return a.credits.Add(a.payments)
}

// splitAllocations sums allocations per charge, counting only settlements
// dated on or before cutoff. A zero cutoff counts everything.
func splitAllocations(allocs []AllocationView, cutoff time.Time) map[int64]appliedSplit {
	out := make(map[int64]appliedSplit)
	for _, a := range allocs {
		if !cutoff.IsZero() && dayOf(a.SettlementDate).After(dayOf(cutoff)) {
			continue
		}
		split, ok := out[a.ChargeID]
		if !ok {
			split = appliedSplit{credits: decimal.Zero, payments: decimal.Zero}
		}
		if a.SettlementKind.IsCredit() {
			split.credits = split.credits.Add(a.Amount)
		} else {
			split.payments = split.payments.Add(a.Amount)
		}
		out[a.ChargeID] = split
	}
	return out
}

// dayOf truncates to the calendar day in UTC.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ageDays(cutoff, date time.Time) int {
	return int(dayOf(cutoff).Sub(dayOf(date)).Hours() / 24)
}

func bucketFor(days int) string {
	switch {
	case days <= 30:
		return Bucket0To30
	case days <= 60:
		return Bucket31To60
	case days <= 90:
		return Bucket61To90
	default:
		return Bucket90Plus
	}
}

func newAgeing() Ageing {
	return Ageing{D0To30: decimal.Zero, D31To60: decimal.Zero, D61To90: decimal.Zero, D90Plus: decimal.Zero}
}

func (a *Ageing) add(bucket string, amount decimal.Decimal) {
	switch bucket {
	case Bucket0To30:
		a.D0To30 = a.D0To30.Add(amount)
	case Bucket31To60:
		a.D31To60 = a.D31To60.Add(amount)
	case Bucket61To90:
		a.D61To90 = a.D61To90.Add(amount)
	default:
		a.D90Plus = a.D90Plus.Add(amount)
	}
}

func sortCharges(charges []Charge) []Charge {
	out := append([]Charge(nil), charges...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		ri, rj := kindRank(string(out[i].Kind)), kindRank(string(out[j].Kind))
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ledgerCharges orders the charges that count toward a balance: posted, of a
// known kind, and without an invoice repeating an earlier invoice number.
func ledgerCharges(charges []Charge) []Charge {
	seen := make(map[string]struct{})
	out := make([]Charge, 0, len(charges))
	for _, c := range sortCharges(charges) {
		if c.Status == ChargeStatusInProgress || !c.Kind.Valid() {
			continue
		}
		if c.Kind == ChargeInvoice && c.Number != "" {
			if _, dup := seen[c.Number]; dup {
				continue
			}
			seen[c.Number] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

// ClassifyCharges computes the pending amount of every open charge as of
// cutoff and buckets it by age. It returns the per-charge detail ordered by
// date together with the aggregated buckets.
func ClassifyCharges(charges []Charge, allocs []AllocationView, cutoff time.Time) ([]OpenCharge, Ageing) {
	applied := splitAllocations(allocs, cutoff)
	ageing := newAgeing()
	var open []OpenCharge
	for _, c := range ledgerCharges(charges) {
		if !cutoff.IsZero() && dayOf(c.Date).After(dayOf(cutoff)) {
			continue
		}
		split, ok := applied[c.ID]
		if !ok {
			split = appliedSplit{credits: decimal.Zero, payments: decimal.Zero}
		}
		pending := c.Amount.Sub(split.total())
		if isClosed(pending) {
			continue
		}
		days := ageDays(cutoff, c.Date)
		bucket := bucketFor(days)
		ageing.add(bucket, pending)
		open = append(open, OpenCharge{
			ChargeID: c.ID,
			PartyID:  c.PartyID,
			Number:   c.Number,
			Kind:     c.Kind,
			Date:     c.Date,
			Amount:   c.Amount,
			Credits:  split.credits,
			Payments: split.payments,
			Pending:  pending,
			AgeDays:  days,
			Bucket:   bucket,
		})
	}
	return open, ageing
}

// SummarizeCharges lists every charge with its applied split and a running
// accumulated pending. Allocations are counted up to cutoff when it is set.
func SummarizeCharges(charges []Charge, allocs []AllocationView, cutoff time.Time) []SummaryRow {
	applied := splitAllocations(allocs, cutoff)
	accumulated := decimal.Zero
	rows := make([]SummaryRow, 0, len(charges))
	for _, c := range ledgerCharges(charges) {
		split, ok := applied[c.ID]
		if !ok {
			split = appliedSplit{credits: decimal.Zero, payments: decimal.Zero}
		}
		pending := c.Amount.Sub(split.total())
		accumulated = accumulated.Add(pending)
		rows = append(rows, SummaryRow{
			ChargeID:    c.ID,
			PartyID:     c.PartyID,
			Number:      c.Number,
			Kind:        c.Kind,
			Date:        c.Date,
			Amount:      c.Amount,
			Credits:     split.credits,
			Payments:    split.payments,
			Pending:     pending,
			Accumulated: accumulated,
		})
	}
	return rows
}

// AvailablePrepayment sums the unapplied remainder of every prepayment dated
// on or before cutoff. allocated maps settlement id to its allocated sum.
func AvailablePrepayment(settlements []Settlement, allocated map[int64]decimal.Decimal, cutoff time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, s := range settlements {
		if s.Kind != SettlementPrepayment {
			continue
		}
		if !cutoff.IsZero() && dayOf(s.Date).After(dayOf(cutoff)) {
			continue
		}
		remaining := s.Amount.Sub(allocated[s.ID])
		if remaining.LessThan(ClosedEpsilon) {
			continue
		}
		total = total.Add(remaining)
	}
	return total
}
