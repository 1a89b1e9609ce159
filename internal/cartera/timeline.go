package cartera

import (
	"sort"

	"github.com/shopspring/decimal"
)

// kindRank orders rows sharing a date.
func kindRank(kind string) int {
	switch kind {
	case string(ChargeInvoice):
		return 0
	case string(ChargeDebitNote):
		return 1
	case string(ChargeOpeningBalance):
		return 2
	case string(SettlementCreditNote):
		return 3
	case string(SettlementRetention):
		return 4
	case string(SettlementPayment):
		return 5
	default:
		return 9
	}
}

// BuildTimeline merges charges and settlements into one ordered ledger with a
// running balance. Prepayments are left out of the rows; their effect is
// reported as available prepayment.
func BuildTimeline(charges []Charge, settlements []Settlement) Timeline {
	rows := make([]TimelineRow, 0, len(charges)+len(settlements))
	for _, c := range ledgerCharges(charges) {
		rows = append(rows, TimelineRow{
			Date:       c.Date,
			Kind:       string(c.Kind),
			DocumentID: c.ID,
			Number:     c.Number,
			PartyID:    c.PartyID,
			Amount:     c.Amount,
			Credits:    decimal.Zero,
			Payment:    decimal.Zero,
		})
	}
	for _, s := range settlements {
		row := TimelineRow{
			Date:       s.Date,
			Kind:       string(s.Kind),
			DocumentID: s.ID,
			Number:     s.Bank.ReceiptNo,
			PartyID:    s.PartyID,
			Amount:     decimal.Zero,
			Credits:    decimal.Zero,
			Payment:    decimal.Zero,
			Note:       s.Note,
		}
		switch {
		case s.Kind == SettlementPayment:
			row.Payment = s.Amount
		case s.Kind.IsCredit():
			row.Credits = s.Amount
		default:
			continue
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		ra, rb := kindRank(a.Kind), kindRank(b.Kind)
		if ra != rb {
			return ra < rb
		}
		return a.DocumentID < b.DocumentID
	})

	totals := TimelineTotals{
		Amount:  decimal.Zero,
		Credits: decimal.Zero,
		Payment: decimal.Zero,
		Balance: decimal.Zero,
	}
	balance := decimal.Zero
	for i := range rows {
		balance = balance.Add(rows[i].Amount).Sub(rows[i].Credits).Sub(rows[i].Payment)
		rows[i].Balance = balance
		totals.Amount = totals.Amount.Add(rows[i].Amount)
		totals.Credits = totals.Credits.Add(rows[i].Credits)
		totals.Payment = totals.Payment.Add(rows[i].Payment)
	}
	totals.Balance = balance
	return Timeline{Rows: rows, Totals: totals}
}
