package cartera

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildTimelineOrdersAndBalances(t *testing.T) {
	charges := []Charge{
		{ID: 1, PartyID: 1, Number: "A-1", Date: day(2024, 1, 5), Kind: ChargeInvoice, Amount: amt("100")},
		{ID: 2, PartyID: 2, Number: "A-1", Date: day(2024, 1, 6), Kind: ChargeInvoice, Amount: amt("100")},
		{ID: 3, PartyID: 1, Number: "D-1", Date: day(2024, 1, 5), Kind: ChargeDebitNote, Amount: amt("20")},
	}
	settlements := []Settlement{
		{ID: 10, PartyID: 1, Date: day(2024, 1, 5), Kind: SettlementPayment, Amount: amt("30")},
		{ID: 11, PartyID: 1, Date: day(2024, 1, 5), Kind: SettlementCreditNote, Amount: amt("10")},
		{ID: 12, PartyID: 1, Date: day(2024, 1, 4), Kind: SettlementPrepayment, Amount: amt("500")},
		{ID: 13, PartyID: 2, Date: day(2024, 1, 7), Kind: SettlementRetention, Amount: amt("5")},
	}

	tl := BuildTimeline(charges, settlements)

	kinds := make([]string, 0, len(tl.Rows))
	balances := make([]string, 0, len(tl.Rows))
	for _, r := range tl.Rows {
		kinds = append(kinds, r.Kind)
		balances = append(balances, r.Balance.String())
	}
	require.Equal(t, []string{"F", "ND", "NC", "PG", "RT"}, kinds)
	require.Equal(t, []string{"100", "120", "110", "80", "75"}, balances)

	require.True(t, tl.Totals.Amount.Equal(amt("120")))
	require.True(t, tl.Totals.Credits.Equal(amt("15")))
	require.True(t, tl.Totals.Payment.Equal(amt("30")))
	require.True(t, tl.Totals.Balance.Equal(amt("75")))
	require.True(t, tl.Totals.Amount.Sub(tl.Totals.Credits).Sub(tl.Totals.Payment).Equal(tl.Totals.Balance))
}

func TestBuildTimelineTieBreaksOnDocumentID(t *testing.T) {
	charges := []Charge{
		{ID: 9, Date: day(2024, 2, 1), Kind: ChargeInvoice, Amount: amt("1")},
		{ID: 4, Date: day(2024, 2, 1), Kind: ChargeInvoice, Amount: amt("2")},
	}
	tl := BuildTimeline(charges, nil)
	require.Equal(t, int64(4), tl.Rows[0].DocumentID)
	require.Equal(t, int64(9), tl.Rows[1].DocumentID)
}

func TestBuildTimelineEmpty(t *testing.T) {
	tl := BuildTimeline(nil, nil)
	require.Empty(t, tl.Rows)
	require.True(t, tl.Totals.Balance.IsZero())
}
