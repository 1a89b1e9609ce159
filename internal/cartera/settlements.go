package cartera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationInput asks for amount of a settlement or fund to go to a charge.
type AllocationInput struct {
	ChargeID int64
	Amount   decimal.Decimal
}

// RecordSettlementInput describes a new settlement and its allocations.
type RecordSettlementInput struct {
	Side        Side
	PartyID     int64
	Kind        SettlementKind
	Date        time.Time
	Amount      decimal.Decimal
	Note        string
	Bank        BankInfo
	Allocations []AllocationInput
}

// Validate checks the input before any transaction opens.
func (in RecordSettlementInput) Validate() error {
	if err := validateParty(in.Side, in.PartyID); err != nil {
		return err
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown settlement kind %q", ErrValidation, in.Kind)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if in.Bank.BankFee.IsNegative() {
		return fmt.Errorf("%w: bank fee cannot be negative", ErrValidation)
	}
	if in.Kind == SettlementPrepayment && len(in.Allocations) > 0 {
		return fmt.Errorf("%w: prepayments are allocated by applying them, not on record", ErrValidation)
	}
	total, err := validateAllocations(in.Allocations, false)
	if err != nil {
		return err
	}
	if exceeds(total, in.Amount) {
		return fmt.Errorf("%w: allocations %s exceed settlement amount %s", ErrInsufficientFunds, total.StringFixed(amountScale), in.Amount.StringFixed(amountScale))
	}
	return nil
}

// validateAllocations checks amounts and duplicates and returns their sum.
func validateAllocations(allocs []AllocationInput, required bool) (decimal.Decimal, error) {
	if required && len(allocs) == 0 {
		return decimal.Zero, fmt.Errorf("%w: at least one target required", ErrValidation)
	}
	seen := make(map[int64]struct{}, len(allocs))
	total := decimal.Zero
	for i, a := range allocs {
		if a.ChargeID <= 0 {
			return decimal.Zero, fmt.Errorf("%w: target %d missing charge id", ErrValidation, i+1)
		}
		if !a.Amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: target %d amount must be positive", ErrValidation, i+1)
		}
		if _, dup := seen[a.ChargeID]; dup {
			return decimal.Zero, fmt.Errorf("%w: charge %d listed twice", ErrValidation, a.ChargeID)
		}
		seen[a.ChargeID] = struct{}{}
		total = total.Add(a.Amount)
	}
	return total, nil
}

// EditSettlementInput carries the fields to change. Nil fields stay as stored.
type EditSettlementInput struct {
	SettlementID int64
	Date         *time.Time
	Amount       *decimal.Decimal
	Note         *string
	Bank         *BankInfo
}

// Validate checks the input before any transaction opens.
func (in EditSettlementInput) Validate() error {
	if in.SettlementID <= 0 {
		return fmt.Errorf("%w: settlement id required", ErrValidation)
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if in.Date != nil && in.Date.IsZero() {
		return fmt.Errorf("%w: date cannot be empty", ErrValidation)
	}
	if in.Bank != nil && in.Bank.BankFee.IsNegative() {
		return fmt.Errorf("%w: bank fee cannot be negative", ErrValidation)
	}
	return nil
}

// RecordSettlement stores a settlement and its allocations atomically.
func (s *Service) RecordSettlement(ctx context.Context, in RecordSettlementInput) (id int64, err error) {
	defer func() { s.metrics.observe("record_settlement", err) }()
	if err := in.Validate(); err != nil {
		return 0, err
	}
	if in.Date.IsZero() {
		in.Date = s.today()
	}
	in.Date = dayOf(in.Date)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		party, err := tx.GetParty(ctx, in.PartyID)
		if err != nil {
			return err
		}
		if party.Role != in.Side {
			return fmt.Errorf("%w: party %d is not a %s", ErrValidation, in.PartyID, in.Side)
		}
		group, err := ResolvePartyGroup(ctx, tx, principalOf(party), party.Role)
		if err != nil {
			return err
		}
		if len(in.Allocations) > 0 {
			if err := checkChargeCapacity(ctx, tx, group, in.Allocations); err != nil {
				return err
			}
		}
		id, err = tx.CreateSettlement(ctx, Settlement{
			PartyID: in.PartyID,
			Date:    in.Date,
			Kind:    in.Kind,
			Amount:  in.Amount,
			Note:    in.Note,
			Bank:    in.Bank,
		})
		if err != nil {
			return fmt.Errorf("create settlement: %w", err)
		}
		for _, a := range in.Allocations {
			if _, err := tx.CreateAllocation(ctx, Allocation{SettlementID: id, ChargeID: a.ChargeID, Amount: a.Amount}); err != nil {
				return fmt.Errorf("create allocation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("record settlement rejected", slog.Int64("party_id", in.PartyID), slog.String("kind", string(in.Kind)), slog.Any("error", err))
		return 0, err
	}
	s.logger.Info("settlement recorded",
		slog.Int64("settlement_id", id),
		slog.Int64("party_id", in.PartyID),
		slog.String("kind", string(in.Kind)),
		slog.String("amount", in.Amount.StringFixed(amountScale)),
	)
	return id, nil
}

// checkChargeCapacity locks the target charges and verifies none would be
// overpaid by the requested allocations.
func checkChargeCapacity(ctx context.Context, tx TxRepository, group []int64, allocs []AllocationInput) error {
	ids := make([]int64, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.ChargeID)
	}
	charges, err := lockChargesInGroup(ctx, tx, group, ids)
	if err != nil {
		return err
	}
	sums, err := tx.ChargeAllocatedSums(ctx, ids)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		c := charges[a.ChargeID]
		pending := c.Amount.Sub(sums[a.ChargeID])
		if exceeds(a.Amount, pending) {
			return fmt.Errorf("%w: charge %d pending %s, requested %s", ErrInsufficientFunds, c.ID, pending.StringFixed(amountScale), a.Amount.StringFixed(amountScale))
		}
	}
	return nil
}

// lockChargesInGroup locks the charges and checks each exists, belongs to the
// party group and is part of the ledger.
func lockChargesInGroup(ctx context.Context, tx TxRepository, group []int64, ids []int64) (map[int64]Charge, error) {
	locked, err := tx.LockCharges(ctx, sortedIDs(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Charge, len(locked))
	for _, c := range locked {
		byID[c.ID] = c
	}
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: charge %d", ErrNotFound, id)
		}
		if !containsID(group, c.PartyID) {
			return nil, fmt.Errorf("%w: charge %d belongs to party %d outside the group", ErrValidation, id, c.PartyID)
		}
		if c.Status == ChargeStatusInProgress || !c.Kind.Valid() {
			return nil, fmt.Errorf("%w: charge %d is not open for allocation", ErrValidation, id)
		}
	}
	return byID, nil
}

// EditSettlement updates a settlement. A changed amount rescales its existing
// allocations so they sum to the new total.
func (s *Service) EditSettlement(ctx context.Context, in EditSettlementInput) (err error) {
	defer func() { s.metrics.observe("edit_settlement", err) }()
	if err := in.Validate(); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := lockSettlement(ctx, tx, in.SettlementID)
		if err != nil {
			return err
		}
		updated := current
		if in.Date != nil {
			updated.Date = dayOf(*in.Date)
			if !updated.Date.Equal(dayOf(current.Date)) {
				if err := checkApplicationDates(ctx, tx, current, updated.Date); err != nil {
					return err
				}
			}
		}
		if in.Note != nil {
			updated.Note = *in.Note
		}
		if in.Bank != nil {
			updated.Bank = *in.Bank
		}
		if in.Amount != nil && !in.Amount.Equal(current.Amount) {
			if current.IsApplication {
				return fmt.Errorf("%w: settlement %d records a prepayment application; delete and apply again", ErrValidation, current.ID)
			}
			updated.Amount = *in.Amount
			if err := s.rescaleSettlement(ctx, tx, current, updated.Amount); err != nil {
				return err
			}
		}
		return tx.UpdateSettlement(ctx, updated)
	})
	if err != nil {
		s.logger.Warn("edit settlement rejected", slog.Int64("settlement_id", in.SettlementID), slog.Any("error", err))
		return err
	}
	s.logger.Info("settlement edited", slog.Int64("settlement_id", in.SettlementID))
	return nil
}

// checkApplicationDates keeps every prepayment application dated on or after
// the prepayments it spends when either side of the link is re-dated.
func checkApplicationDates(ctx context.Context, tx TxRepository, current Settlement, newDate time.Time) error {
	switch {
	case current.IsApplication:
		rows, err := tx.ListApplicationAllocations(ctx, current.ID)
		if err != nil {
			return err
		}
		seen := make(map[int64]struct{}, len(rows))
		fundIDs := make([]int64, 0, len(rows))
		for _, r := range rows {
			if _, ok := seen[r.SettlementID]; ok {
				continue
			}
			seen[r.SettlementID] = struct{}{}
			fundIDs = append(fundIDs, r.SettlementID)
		}
		if len(fundIDs) == 0 {
			return nil
		}
		locked, err := tx.LockSettlements(ctx, sortedIDs(fundIDs))
		if err != nil {
			return err
		}
		funds := make(map[int64]Settlement, len(locked))
		for _, f := range locked {
			funds[f.ID] = f
		}
		return checkFundsPrecede(funds, sortedIDs(fundIDs), newDate)
	case current.Kind == SettlementPrepayment:
		rows, err := tx.ListSettlementAllocations(ctx, current.ID)
		if err != nil {
			return err
		}
		var appIDs []int64
		for _, r := range rows {
			if r.ApplicationID != nil && !containsID(appIDs, *r.ApplicationID) {
				appIDs = append(appIDs, *r.ApplicationID)
			}
		}
		if len(appIDs) == 0 {
			return nil
		}
		apps, err := tx.GetSettlements(ctx, sortedIDs(appIDs))
		if err != nil {
			return err
		}
		for _, app := range apps {
			if dayOf(app.Date).Before(newDate) {
				return fmt.Errorf("%w: prepayment %d was applied on %s by settlement %d; cannot move it to %s", ErrValidation, current.ID, app.Date.Format(time.DateOnly), app.ID, newDate.Format(time.DateOnly))
			}
		}
	}
	return nil
}

func (s *Service) rescaleSettlement(ctx context.Context, tx TxRepository, current Settlement, newTotal decimal.Decimal) error {
	rows, err := tx.ListSettlementAllocations(ctx, current.ID)
	if err != nil {
		return err
	}
	oldSum := decimal.Zero
	amounts := make([]decimal.Decimal, len(rows))
	for i, r := range rows {
		amounts[i] = r.Amount
		oldSum = oldSum.Add(r.Amount)
	}
	if exceeds(oldSum, current.Amount) {
		return fmt.Errorf("%w: settlement %d allocates %s over its amount %s", ErrConsistency, current.ID, oldSum.StringFixed(amountScale), current.Amount.StringFixed(amountScale))
	}
	// Prepayments keep their applications; the new amount only has to cover them.
	if current.Kind == SettlementPrepayment {
		if exceeds(oldSum, newTotal) {
			return fmt.Errorf("%w: prepayment %d already applied %s, cannot lower to %s", ErrInsufficientFunds, current.ID, oldSum.StringFixed(amountScale), newTotal.StringFixed(amountScale))
		}
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	rescaled, err := RescaleAllocations(amounts, newTotal)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ChargeID)
	}
	locked, err := tx.LockCharges(ctx, sortedIDs(ids))
	if err != nil {
		return err
	}
	charges := make(map[int64]Charge, len(locked))
	for _, c := range locked {
		charges[c.ID] = c
	}
	sums, err := tx.ChargeAllocatedSums(ctx, ids)
	if err != nil {
		return err
	}
	// sums include the rows being rescaled; apply the deltas before checking.
	for i, r := range rows {
		sums[r.ChargeID] = sums[r.ChargeID].Sub(r.Amount).Add(rescaled[i])
	}
	for _, r := range rows {
		c, ok := charges[r.ChargeID]
		if !ok {
			return fmt.Errorf("%w: allocation %d points at missing charge %d", ErrConsistency, r.ID, r.ChargeID)
		}
		if exceeds(sums[r.ChargeID], c.Amount) {
			return fmt.Errorf("%w: rescaling overpays charge %d (%s over %s)", ErrInsufficientFunds, c.ID, sums[r.ChargeID].StringFixed(amountScale), c.Amount.StringFixed(amountScale))
		}
	}
	for i, r := range rows {
		if err := tx.UpdateAllocationAmount(ctx, r.ID, rescaled[i]); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
	}
	return nil
}

// DeleteSettlement removes a settlement and its allocation rows. Deleting a
// prepayment application also releases the prepayment allocations it created.
func (s *Service) DeleteSettlement(ctx context.Context, settlementID int64) (err error) {
	defer func() { s.metrics.observe("delete_settlement", err) }()
	if settlementID <= 0 {
		return fmt.Errorf("%w: settlement id required", ErrValidation)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := lockSettlement(ctx, tx, settlementID)
		if err != nil {
			return err
		}
		if current.Kind == SettlementPrepayment {
			rows, err := tx.ListSettlementAllocations(ctx, current.ID)
			if err != nil {
				return err
			}
			for _, r := range rows {
				if r.ApplicationID != nil {
					return fmt.Errorf("%w: prepayment %d was applied by settlement %d; delete that application first", ErrValidation, current.ID, *r.ApplicationID)
				}
			}
		}
		if current.IsApplication {
			if err := tx.DeleteApplicationAllocations(ctx, current.ID); err != nil {
				return fmt.Errorf("delete application allocations: %w", err)
			}
		}
		if err := tx.DeleteSettlementAllocations(ctx, current.ID); err != nil {
			return fmt.Errorf("delete allocations: %w", err)
		}
		return tx.DeleteSettlement(ctx, current.ID)
	})
	if err != nil {
		s.logger.Warn("delete settlement rejected", slog.Int64("settlement_id", settlementID), slog.Any("error", err))
		return err
	}
	s.logger.Info("settlement deleted", slog.Int64("settlement_id", settlementID))
	return nil
}

func lockSettlement(ctx context.Context, tx TxRepository, id int64) (Settlement, error) {
	rows, err := tx.LockSettlements(ctx, []int64{id})
	if err != nil {
		return Settlement{}, err
	}
	if len(rows) == 0 {
		return Settlement{}, fmt.Errorf("%w: settlement %d", ErrNotFound, id)
	}
	return rows[0], nil
}
