package cartera

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ClosedEpsilon absorbs rounding when deciding whether a charge is settled.
	ClosedEpsilon = decimal.New(1, -3)
	// CapacityTolerance is the slack allowed when comparing funds to requests.
	CapacityTolerance = decimal.New(1, -6)
)

const amountScale = 2

// Amount is a monetary value accepted from JSON as a number or a string.
type Amount struct {
	decimal.Decimal
}

// UnmarshalJSON routes every inbound amount through ParseAmount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	d, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

// ParseAmount is the single entry point for monetary input. It accepts plain
// decimal notation with at most two fractional digits.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is empty", ErrValidation)
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("%w: amount %q must use plain notation", ErrValidation, raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a number", ErrValidation, raw)
	}
	if d.Exponent() < -amountScale && !d.Equal(d.Round(amountScale)) {
		return decimal.Zero, fmt.Errorf("%w: amount %q has more than %d decimals", ErrValidation, raw, amountScale)
	}
	return d.Round(amountScale), nil
}

// MustAmount parses a literal amount and panics on failure. Intended for
// constants and tests.
func MustAmount(raw string) decimal.Decimal {
	d, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func isClosed(pending decimal.Decimal) bool {
	return pending.LessThanOrEqual(ClosedEpsilon)
}

func exceeds(requested, available decimal.Decimal) bool {
	return requested.GreaterThan(available.Add(CapacityTolerance))
}

func positive(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
