package cartera

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestServiceCountsOutcomes(t *testing.T) {
	ledger := seedParties()
	c1 := invoice(ledger, 1, day(2024, 1, 5), "500")
	pp := prepayment(ledger, 1, day(2024, 1, 10), "500")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := NewService(ledger, ServiceConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics,
		Clock:   func() time.Time { return testToday },
	})
	ctx := context.Background()

	_, err := svc.ApplyPrepayment(ctx, ApplyPrepaymentInput{FundID: pp.ID, Targets: []AllocationInput{{ChargeID: c1.ID, Amount: amt("200")}}})
	require.NoError(t, err)
	_, err = svc.ApplyPrepayment(ctx, ApplyPrepaymentInput{FundID: pp.ID, Targets: []AllocationInput{{ChargeID: c1.ID, Amount: amt("400")}}})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorIs(t, svc.DeleteSettlement(ctx, 0), ErrValidation)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("apply_prepayment", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("apply_prepayment", "insufficient_funds")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("delete_settlement", "validation")))
	require.Equal(t, 200.0, testutil.ToFloat64(metrics.applied.WithLabelValues("apply_prepayment")))
}

func TestOutcomeOf(t *testing.T) {
	require.Equal(t, "ok", outcomeOf(nil))
	require.Equal(t, "not_found", outcomeOf(ErrNotFound))
	require.Equal(t, "consistency", outcomeOf(ErrConsistency))
	require.Equal(t, "error", outcomeOf(errInjected))

	var nilMetrics *Metrics
	nilMetrics.observe("noop", nil)
}
