package cartera

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyPrepaymentInput applies one prepayment to a list of charges.
type ApplyPrepaymentInput struct {
	FundID  int64
	Date    time.Time
	Note    string
	Targets []AllocationInput
}

// Validate checks the input before any transaction opens.
func (in ApplyPrepaymentInput) Validate() error {
	if in.FundID <= 0 {
		return fmt.Errorf("%w: fund id required", ErrValidation)
	}
	total, err := validateAllocations(in.Targets, true)
	if err != nil {
		return err
	}
	if !total.IsPositive() {
		return fmt.Errorf("%w: nothing to apply", ErrValidation)
	}
	return nil
}

// ReconcileFund names a prepayment and an optional cap on its use in one call.
type ReconcileFund struct {
	FundID int64
	Cap    *decimal.Decimal
}

// ReconcileInput applies several prepayments across several charges. The
// order of Funds and Targets is the allocation priority.
type ReconcileInput struct {
	Funds   []ReconcileFund
	Targets []AllocationInput
	Date    time.Time
}

// Validate checks the input before any transaction opens.
func (in ReconcileInput) Validate() error {
	if len(in.Funds) == 0 {
		return fmt.Errorf("%w: at least one fund required", ErrValidation)
	}
	seen := make(map[int64]struct{}, len(in.Funds))
	for i, f := range in.Funds {
		if f.FundID <= 0 {
			return fmt.Errorf("%w: fund %d missing id", ErrValidation, i+1)
		}
		if _, dup := seen[f.FundID]; dup {
			return fmt.Errorf("%w: fund %d listed twice", ErrValidation, f.FundID)
		}
		seen[f.FundID] = struct{}{}
		if f.Cap != nil && f.Cap.IsNegative() {
			return fmt.Errorf("%w: fund %d cap cannot be negative", ErrValidation, f.FundID)
		}
	}
	_, err := validateAllocations(in.Targets, true)
	return err
}

// ApplicationResult reports what an application or reconciliation wrote.
type ApplicationResult struct {
	SettlementID int64              `json:"settlement_id"`
	Total        decimal.Decimal    `json:"total"`
	Allocations  []AllocationTriple `json:"allocations"`
}

// ApplyPrepayment allocates one prepayment's funds to the target charges and
// records a surrogate payment carrying the total so the timeline shows it.
func (s *Service) ApplyPrepayment(ctx context.Context, in ApplyPrepaymentInput) (res ApplicationResult, err error) {
	defer func() { s.metrics.observe("apply_prepayment", err) }()
	if err := in.Validate(); err != nil {
		return ApplicationResult{}, err
	}
	date := s.cutoffOrToday(in.Date)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		funds, group, err := lockFunds(ctx, tx, []int64{in.FundID})
		if err != nil {
			return err
		}
		fund := funds[in.FundID]
		if err := checkFundsPrecede(funds, []int64{in.FundID}, date); err != nil {
			return err
		}

		ids := make([]int64, 0, len(in.Targets))
		total := decimal.Zero
		for _, t := range in.Targets {
			ids = append(ids, t.ChargeID)
			total = total.Add(t.Amount)
		}
		charges, err := lockChargesInGroup(ctx, tx, group, ids)
		if err != nil {
			return err
		}

		fundSums, err := tx.SettlementAllocatedSums(ctx, []int64{fund.ID})
		if err != nil {
			return err
		}
		capacity := fund.Amount.Sub(fundSums[fund.ID])
		if exceeds(total, capacity) {
			return fmt.Errorf("%w: prepayment %d has %s left, requested %s", ErrInsufficientFunds, fund.ID, positive(capacity).StringFixed(amountScale), total.StringFixed(amountScale))
		}
		chargeSums, err := tx.ChargeAllocatedSums(ctx, ids)
		if err != nil {
			return err
		}
		triples := make([]AllocationTriple, 0, len(in.Targets))
		for _, t := range in.Targets {
			pending := charges[t.ChargeID].Amount.Sub(chargeSums[t.ChargeID])
			if exceeds(t.Amount, pending) {
				return fmt.Errorf("%w: charge %d pending %s, requested %s", ErrInsufficientFunds, t.ChargeID, positive(pending).StringFixed(amountScale), t.Amount.StringFixed(amountScale))
			}
			triples = append(triples, AllocationTriple{FundID: fund.ID, ChargeID: t.ChargeID, Amount: t.Amount})
		}

		note := in.Note
		if note == "" {
			note = fmt.Sprintf("prepayment %d applied", fund.ID)
		}
		id, err := persistApplication(ctx, tx, fund.PartyID, date, total, note, triples)
		if err != nil {
			return err
		}
		res = ApplicationResult{SettlementID: id, Total: total, Allocations: triples}
		return nil
	})
	if err != nil {
		s.logger.Warn("apply prepayment rejected", slog.Int64("fund_id", in.FundID), slog.Any("error", err))
		return ApplicationResult{}, err
	}
	s.metrics.addApplied("apply_prepayment", res.Total)
	s.logger.Info("prepayment applied",
		slog.Int64("fund_id", in.FundID),
		slog.Int64("settlement_id", res.SettlementID),
		slog.String("total", res.Total.StringFixed(amountScale)),
		slog.Int("charges", len(res.Allocations)),
	)
	return res, nil
}

// ReconcilePrepayments spreads several prepayments over several charges with
// first-fit greedy matching in the caller's order. It fails without writing
// anything when the funds cannot cover every target.
func (s *Service) ReconcilePrepayments(ctx context.Context, in ReconcileInput) (res ApplicationResult, err error) {
	defer func() { s.metrics.observe("reconcile_prepayments", err) }()
	if err := in.Validate(); err != nil {
		return ApplicationResult{}, err
	}
	date := s.cutoffOrToday(in.Date)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fundIDs := make([]int64, 0, len(in.Funds))
		for _, f := range in.Funds {
			fundIDs = append(fundIDs, f.FundID)
		}
		funds, group, err := lockFunds(ctx, tx, fundIDs)
		if err != nil {
			return err
		}
		if err := checkFundsPrecede(funds, fundIDs, date); err != nil {
			return err
		}

		ids := make([]int64, 0, len(in.Targets))
		for _, t := range in.Targets {
			ids = append(ids, t.ChargeID)
		}
		charges, err := lockChargesInGroup(ctx, tx, group, ids)
		if err != nil {
			return err
		}

		chargeSums, err := tx.ChargeAllocatedSums(ctx, ids)
		if err != nil {
			return err
		}
		needs := make([]TargetNeed, 0, len(in.Targets))
		requested := decimal.Zero
		for _, t := range in.Targets {
			pending := positive(charges[t.ChargeID].Amount.Sub(chargeSums[t.ChargeID]))
			need := decimal.Min(t.Amount, pending)
			needs = append(needs, TargetNeed{ChargeID: t.ChargeID, Remaining: need})
			requested = requested.Add(need)
		}

		fundSums, err := tx.SettlementAllocatedSums(ctx, fundIDs)
		if err != nil {
			return err
		}
		capacities := make([]FundCapacity, 0, len(in.Funds))
		available := decimal.Zero
		for _, f := range in.Funds {
			left := positive(funds[f.FundID].Amount.Sub(fundSums[f.FundID]))
			if f.Cap != nil {
				left = decimal.Min(left, *f.Cap)
			}
			capacities = append(capacities, FundCapacity{FundID: f.FundID, Remaining: left})
			available = available.Add(left)
		}

		if !requested.IsPositive() {
			return fmt.Errorf("%w: nothing to apply, targets are already settled", ErrValidation)
		}
		if exceeds(requested, available) {
			return fmt.Errorf("%w: funds cover %s of %s requested", ErrInsufficientFunds, available.StringFixed(amountScale), requested.StringFixed(amountScale))
		}

		triples := MatchGreedy(capacities, needs)
		total := decimal.Zero
		contributed := make(map[int64]decimal.Decimal, len(capacities))
		for _, t := range triples {
			total = total.Add(t.Amount)
			contributed[t.FundID] = contributed[t.FundID].Add(t.Amount)
		}
		var parts []string
		for _, f := range capacities {
			if amount, ok := contributed[f.FundID]; ok && amount.IsPositive() {
				parts = append(parts, fmt.Sprintf("prepayment %d: %s", f.FundID, amount.StringFixed(amountScale)))
			}
		}
		note := "reconciliation " + strings.Join(parts, "; ")

		owner := funds[in.Funds[0].FundID].PartyID
		id, err := persistApplication(ctx, tx, owner, date, total, note, triples)
		if err != nil {
			return err
		}
		res = ApplicationResult{SettlementID: id, Total: total, Allocations: triples}
		return nil
	})
	if err != nil {
		s.logger.Warn("reconcile prepayments rejected", slog.Int("funds", len(in.Funds)), slog.Int("targets", len(in.Targets)), slog.Any("error", err))
		return ApplicationResult{}, err
	}
	s.metrics.addApplied("reconcile_prepayments", res.Total)
	s.logger.Info("prepayments reconciled",
		slog.Int64("settlement_id", res.SettlementID),
		slog.String("total", res.Total.StringFixed(amountScale)),
		slog.Int("allocations", len(res.Allocations)),
	)
	return res, nil
}

// lockFunds locks the prepayments, checks each is a PP of the same party
// group and returns them keyed by id together with that group.
func lockFunds(ctx context.Context, tx TxRepository, ids []int64) (map[int64]Settlement, []int64, error) {
	locked, err := tx.LockSettlements(ctx, sortedIDs(ids))
	if err != nil {
		return nil, nil, err
	}
	funds := make(map[int64]Settlement, len(locked))
	for _, f := range locked {
		funds[f.ID] = f
	}
	var group []int64
	for _, id := range ids {
		f, ok := funds[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: fund %d", ErrNotFound, id)
		}
		if f.Kind != SettlementPrepayment {
			return nil, nil, fmt.Errorf("%w: settlement %d is %s, not a prepayment", ErrValidation, id, f.Kind)
		}
		if group == nil {
			party, err := tx.GetParty(ctx, f.PartyID)
			if err != nil {
				return nil, nil, err
			}
			group, err = ResolvePartyGroup(ctx, tx, principalOf(party), party.Role)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		if !containsID(group, f.PartyID) {
			return nil, nil, fmt.Errorf("%w: fund %d belongs to another party group", ErrValidation, id)
		}
	}
	return funds, group, nil
}

// checkFundsPrecede rejects an application dated before any prepayment it
// spends, since allocations take effect on the application date.
func checkFundsPrecede(funds map[int64]Settlement, ids []int64, date time.Time) error {
	for _, id := range ids {
		if f := funds[id]; dayOf(date).Before(dayOf(f.Date)) {
			return fmt.Errorf("%w: application dated %s precedes prepayment %d received %s", ErrValidation, date.Format(time.DateOnly), id, f.Date.Format(time.DateOnly))
		}
	}
	return nil
}

// persistApplication writes the surrogate payment and one allocation row per
// non-zero triple against its fund.
func persistApplication(ctx context.Context, tx TxRepository, partyID int64, date time.Time, total decimal.Decimal, note string, triples []AllocationTriple) (int64, error) {
	id, err := tx.CreateSettlement(ctx, Settlement{
		PartyID:       partyID,
		Date:          date,
		Kind:          SettlementPayment,
		Amount:        total,
		Note:          note,
		IsApplication: true,
	})
	if err != nil {
		return 0, fmt.Errorf("create application settlement: %w", err)
	}
	for _, t := range triples {
		if !t.Amount.IsPositive() {
			continue
		}
		appID := id
		if _, err := tx.CreateAllocation(ctx, Allocation{
			SettlementID:  t.FundID,
			ChargeID:      t.ChargeID,
			Amount:        t.Amount,
			ApplicationID: &appID,
		}); err != nil {
			return 0, fmt.Errorf("create allocation: %w", err)
		}
	}
	return id, nil
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
