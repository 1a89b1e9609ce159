package cartera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAgeingAfterPartialPayment(t *testing.T) {
	ledger := seedParties()
	c1 := invoice(ledger, 1, day(2024, 2, 1), "100")
	svc := newTestService(ledger, testToday)
	ctx := context.Background()

	_, err := svc.RecordSettlement(ctx, RecordSettlementInput{
		Side:        SideClient,
		PartyID:     1,
		Kind:        SettlementPayment,
		Date:        day(2024, 2, 1),
		Amount:      amt("40"),
		Allocations: []AllocationInput{{ChargeID: c1.ID, Amount: amt("40")}},
	})
	require.NoError(t, err)

	ageing, err := svc.Ageing(ctx, SideClient, 1, day(2024, 2, 11))
	require.NoError(t, err)
	require.True(t, ageing.D0To30.Equal(amt("60")))
	require.True(t, ageing.Total().Equal(amt("60")))
}

// seedStatementLedger builds a client group with a mark, one partial payment
// and one unapplied prepayment.
func seedStatementLedger() *memoryLedger {
	ledger := seedParties()
	invoice(ledger, 1, day(2024, 1, 5), "100")
	markCharge := invoice(ledger, 2, day(2024, 1, 6), "50")
	pg := ledger.addSettlement(Settlement{PartyID: 2, Date: day(2024, 1, 10), Kind: SettlementPayment, Amount: amt("30")})
	ledger.addAllocation(Allocation{SettlementID: pg.ID, ChargeID: markCharge.ID, Amount: amt("30")})
	prepayment(ledger, 1, day(2024, 1, 12), "40")
	invoice(ledger, 5, day(2024, 1, 7), "999")
	invoice(ledger, 1, day(2024, 2, 15), "70")
	return ledger
}

func TestStatementConsolidatesGroup(t *testing.T) {
	svc := newTestService(seedStatementLedger(), testToday)

	st, err := svc.Statement(context.Background(), SideClient, 1, DateRange{From: day(2024, 1, 1), To: day(2024, 1, 31)}, StatementOptions{})
	require.NoError(t, err)

	require.Equal(t, []int64{1, 2}, st.PartyGroup)
	require.Equal(t, day(2024, 1, 31), st.To)
	require.Len(t, st.Rows, 3)
	require.Equal(t, []string{"F", "F", "PG"}, []string{st.Rows[0].Kind, st.Rows[1].Kind, st.Rows[2].Kind})
	require.True(t, st.Totals.Balance.Equal(amt("120")))
	require.True(t, st.Ageing.D0To30.Equal(amt("120")))
	require.True(t, st.AvailablePrepayment.Equal(amt("40")))
	require.True(t, st.NetBalance.Equal(amt("80")))
	require.Nil(t, st.OpenCharges)
}

func TestStatementPendingOnlyAndDefaultCutoff(t *testing.T) {
	svc := newTestService(seedStatementLedger(), testToday)

	st, err := svc.Statement(context.Background(), SideClient, 1, DateRange{}, StatementOptions{PendingOnly: true})
	require.NoError(t, err)

	require.Equal(t, testToday, st.To)
	require.Len(t, st.OpenCharges, 3)
	require.True(t, st.Ageing.D0To30.Equal(amt("70")))
	require.True(t, st.Ageing.D31To60.Equal(amt("120")))
	require.True(t, st.Totals.Balance.Equal(amt("190")))
	require.True(t, st.NetBalance.Equal(amt("150")))
}

func TestStatementForSupplierAndBadInput(t *testing.T) {
	ledger := seedParties()
	ledger.addCharge(Charge{PartyID: 3, Date: day(2024, 1, 5), Kind: ChargeOpeningBalance, Amount: amt("250")})
	svc := newTestService(ledger, testToday)
	ctx := context.Background()

	st, err := svc.Statement(ctx, SideSupplier, 3, DateRange{}, StatementOptions{})
	require.NoError(t, err)
	require.Equal(t, []int64{3}, st.PartyGroup)
	require.True(t, st.Totals.Balance.Equal(amt("250")))
	require.True(t, st.Ageing.D31To60.Equal(amt("250")))

	_, err = svc.Statement(ctx, Side("both"), 3, DateRange{}, StatementOptions{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLedgerSummaryCountsAllocationsUpToRangeEnd(t *testing.T) {
	ledger := seedParties()
	c1 := invoice(ledger, 1, day(2024, 1, 5), "100")
	c2 := invoice(ledger, 1, day(2024, 1, 20), "50")
	early := ledger.addSettlement(Settlement{PartyID: 1, Date: day(2024, 1, 10), Kind: SettlementCreditNote, Amount: amt("25")})
	ledger.addAllocation(Allocation{SettlementID: early.ID, ChargeID: c1.ID, Amount: amt("25")})
	late := ledger.addSettlement(Settlement{PartyID: 1, Date: day(2024, 2, 10), Kind: SettlementPayment, Amount: amt("50")})
	ledger.addAllocation(Allocation{SettlementID: late.ID, ChargeID: c2.ID, Amount: amt("50")})
	svc := newTestService(ledger, testToday)

	rows, err := svc.LedgerSummary(context.Background(), SideClient, 1, DateRange{To: day(2024, 1, 31)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].Credits.Equal(amt("25")))
	require.True(t, rows[0].Pending.Equal(amt("75")))
	require.True(t, rows[1].Payments.IsZero())
	require.True(t, rows[1].Accumulated.Equal(amt("125")))

	rows, err = svc.LedgerSummary(context.Background(), SideClient, 1, DateRange{})
	require.NoError(t, err)
	require.True(t, rows[1].Accumulated.Equal(amt("75")))
}

func TestTimelineRangeExcludesOtherGroups(t *testing.T) {
	svc := newTestService(seedStatementLedger(), testToday)

	tl, err := svc.Timeline(context.Background(), SideClient, 2, DateRange{From: day(2024, 1, 6), To: day(2024, 1, 6)})
	require.NoError(t, err)
	require.Len(t, tl.Rows, 1)
	require.Equal(t, int64(2), tl.Rows[0].PartyID)

	tl, err = svc.Timeline(context.Background(), SideClient, 1, DateRange{From: time.Time{}, To: day(2023, 12, 31)})
	require.NoError(t, err)
	require.Empty(t, tl.Rows)
	require.True(t, tl.Totals.Balance.IsZero())
}

func TestRederivationWithoutWritesIsStable(t *testing.T) {
	ledger := seedStatementLedger()
	c := invoice(ledger, 1, day(2024, 1, 20), "60")
	pp := prepayment(ledger, 1, day(2024, 1, 21), "25")
	svc := newTestService(ledger, testToday)
	ctx := context.Background()

	_, err := svc.ApplyPrepayment(ctx, ApplyPrepaymentInput{
		FundID:  pp.ID,
		Date:    day(2024, 1, 22),
		Targets: []AllocationInput{{ChargeID: c.ID, Amount: amt("25")}},
	})
	require.NoError(t, err)

	rng := DateRange{From: day(2024, 1, 1), To: day(2024, 2, 20)}
	cutoff := day(2024, 2, 20)
	derive := func() (Statement, Statement, Timeline, Ageing, []OpenCharge, Ageing) {
		t.Helper()
		st, err := svc.Statement(ctx, SideClient, 1, rng, StatementOptions{})
		require.NoError(t, err)
		pending, err := svc.Statement(ctx, SideClient, 1, rng, StatementOptions{PendingOnly: true})
		require.NoError(t, err)
		tl, err := svc.Timeline(ctx, SideClient, 1, rng)
		require.NoError(t, err)
		ageing, err := svc.Ageing(ctx, SideClient, 1, cutoff)
		require.NoError(t, err)
		open, openAgeing, err := svc.OpenCharges(ctx, SideClient, 1, cutoff)
		require.NoError(t, err)
		return st, pending, tl, ageing, open, openAgeing
	}

	st1, pending1, tl1, ageing1, open1, openAgeing1 := derive()
	st2, pending2, tl2, ageing2, open2, openAgeing2 := derive()

	require.Equal(t, st1, st2)
	require.Equal(t, pending1, pending2)
	require.Equal(t, tl1, tl2)
	require.Equal(t, ageing1, ageing2)
	require.Equal(t, open1, open2)
	require.Equal(t, openAgeing1, openAgeing2)
	require.NotEmpty(t, tl1.Rows)
	require.NotEmpty(t, open1)
}
