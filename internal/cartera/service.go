package cartera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceConfig carries optional collaborators of the Service.
type ServiceConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

// Service exposes the ledger read and mutation operations.
type Service struct {
	repo    Repository
	query   *LedgerQuery
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewService builds a Service over the repository.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:    repo,
		query:   NewLedgerQuery(repo),
		logger:  logger,
		metrics: cfg.Metrics,
		now:     clock,
	}
}

func (s *Service) today() time.Time {
	return dayOf(s.now())
}

func validateParty(side Side, partyID int64) error {
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrValidation, side)
	}
	if partyID <= 0 {
		return fmt.Errorf("%w: party id required", ErrValidation)
	}
	return nil
}

// PartyGroup resolves the consolidated party ids for a side.
func (s *Service) PartyGroup(ctx context.Context, side Side, partyID int64) ([]int64, error) {
	if err := validateParty(side, partyID); err != nil {
		return nil, err
	}
	return ResolvePartyGroup(ctx, s.repo, partyID, side)
}

// Timeline returns the ordered movement rows of the party group in range.
func (s *Service) Timeline(ctx context.Context, side Side, partyID int64, r DateRange) (Timeline, error) {
	group, err := s.PartyGroup(ctx, side, partyID)
	if err != nil {
		return Timeline{}, err
	}
	return s.timelineFor(ctx, group, r)
}

// Ageing buckets the pending balances of the party group as of cutoff.
func (s *Service) Ageing(ctx context.Context, side Side, partyID int64, cutoff time.Time) (Ageing, error) {
	_, ageing, err := s.OpenCharges(ctx, side, partyID, cutoff)
	return ageing, err
}

// OpenCharges returns the per-charge pending detail as of cutoff along with
// the aggregated buckets.
func (s *Service) OpenCharges(ctx context.Context, side Side, partyID int64, cutoff time.Time) ([]OpenCharge, Ageing, error) {
	group, err := s.PartyGroup(ctx, side, partyID)
	if err != nil {
		return nil, Ageing{}, err
	}
	return s.classifyFor(ctx, group, s.cutoffOrToday(cutoff))
}

// AvailablePrepayment sums the unapplied prepayments of the party group.
func (s *Service) AvailablePrepayment(ctx context.Context, side Side, partyID int64, cutoff time.Time) (decimal.Decimal, error) {
	group, err := s.PartyGroup(ctx, side, partyID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.availableFor(ctx, group, s.cutoffOrToday(cutoff))
}

// LedgerSummary lists every charge in range with its running accumulated
// pending balance.
func (s *Service) LedgerSummary(ctx context.Context, side Side, partyID int64, r DateRange) ([]SummaryRow, error) {
	group, err := s.PartyGroup(ctx, side, partyID)
	if err != nil {
		return nil, err
	}
	charges, err := s.query.ChargesInRange(ctx, group, r)
	if err != nil {
		return nil, err
	}
	allocs, err := s.query.AllocationsForCharges(ctx, chargeIDs(charges), r.To)
	if err != nil {
		return nil, err
	}
	return SummarizeCharges(charges, allocs, r.To), nil
}

func (s *Service) cutoffOrToday(cutoff time.Time) time.Time {
	if cutoff.IsZero() {
		return s.today()
	}
	return dayOf(cutoff)
}

func (s *Service) timelineFor(ctx context.Context, group []int64, r DateRange) (Timeline, error) {
	charges, err := s.query.ChargesInRange(ctx, group, r)
	if err != nil {
		return Timeline{}, err
	}
	settlements, err := s.query.SettlementsInRange(ctx, group, r)
	if err != nil {
		return Timeline{}, err
	}
	return BuildTimeline(charges, settlements), nil
}

func (s *Service) classifyFor(ctx context.Context, group []int64, cutoff time.Time) ([]OpenCharge, Ageing, error) {
	charges, err := s.query.ChargesInRange(ctx, group, DateRange{To: cutoff})
	if err != nil {
		return nil, Ageing{}, err
	}
	allocs, err := s.query.AllocationsForCharges(ctx, chargeIDs(charges), cutoff)
	if err != nil {
		return nil, Ageing{}, err
	}
	open, ageing := ClassifyCharges(charges, allocs, cutoff)
	return open, ageing, nil
}

func (s *Service) availableFor(ctx context.Context, group []int64, cutoff time.Time) (decimal.Decimal, error) {
	settlements, err := s.query.SettlementsInRange(ctx, group, DateRange{To: cutoff})
	if err != nil {
		return decimal.Zero, err
	}
	var funds []int64
	for _, st := range settlements {
		if st.Kind == SettlementPrepayment {
			funds = append(funds, st.ID)
		}
	}
	allocated, err := s.query.AllocatedByFund(ctx, funds, cutoff)
	if err != nil {
		return decimal.Zero, err
	}
	return AvailablePrepayment(settlements, allocated, cutoff), nil
}

func chargeIDs(charges []Charge) []int64 {
	ids := make([]int64, 0, len(charges))
	for _, c := range charges {
		ids = append(ids, c.ID)
	}
	return ids
}
