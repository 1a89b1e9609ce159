package cartera

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Statement composes the timeline of the range with the ageing and available
// prepayment at the range end. All formatting is left to the consumer.
func (s *Service) Statement(ctx context.Context, side Side, partyID int64, r DateRange, opts StatementOptions) (Statement, error) {
	group, err := s.PartyGroup(ctx, side, partyID)
	if err != nil {
		return Statement{}, err
	}
	cutoff := s.cutoffOrToday(r.To)

	var (
		timeline  Timeline
		open      []OpenCharge
		ageing    Ageing
		available decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		timeline, err = s.timelineFor(gctx, group, r)
		return err
	})
	g.Go(func() error {
		var err error
		open, ageing, err = s.classifyFor(gctx, group, cutoff)
		return err
	})
	g.Go(func() error {
		var err error
		available, err = s.availableFor(gctx, group, cutoff)
		return err
	})
	if err := g.Wait(); err != nil {
		return Statement{}, err
	}

	st := Statement{
		Side:                side,
		PartyID:             partyID,
		PartyGroup:          group,
		From:                r.From,
		To:                  cutoff,
		Rows:                timeline.Rows,
		Totals:              timeline.Totals,
		Ageing:              ageing,
		AvailablePrepayment: available,
		NetBalance:          timeline.Totals.Balance.Sub(available),
	}
	if opts.PendingOnly {
		st.OpenCharges = open
	}
	return st, nil
}
