package cartera

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics counts ledger mutations and applied amounts.
type Metrics struct {
	operations *prometheus.CounterVec
	applied    *prometheus.CounterVec
}

// NewMetrics registers the ledger counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cartera_operations_total",
		Help: "Ledger mutations by operation and outcome.",
	}, []string{"operation", "outcome"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cartera_applied_amount_total",
		Help: "Amount allocated against charges by operation.",
	}, []string{"operation"})
	reg.MustRegister(operations, applied)
	return &Metrics{operations: operations, applied: applied}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	default:
		return "error"
	}
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcomeOf(err)).Inc()
}

func (m *Metrics) addApplied(operation string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(operation).Add(amount.InexactFloat64())
}
