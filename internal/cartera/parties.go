package cartera

import (
	"context"
	"errors"
	"sort"
)

// ResolvePartyGroup returns the party ids consolidated for a statement, self
// first. Clients include every mark pointing at them; suppliers never
// consolidate. An unknown party resolves to itself.
func ResolvePartyGroup(ctx context.Context, reader PartyReader, partyID int64, side Side) ([]int64, error) {
	group := []int64{partyID}
	if side != SideClient {
		return group, nil
	}
	if _, err := reader.GetParty(ctx, partyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return group, nil
		}
		return nil, err
	}
	marks, err := reader.ListMarks(ctx, partyID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(marks))
	for _, m := range marks {
		if m.ID == partyID {
			continue
		}
		ids = append(ids, m.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return append(group, ids...), nil
}

// principalOf returns the id whose group contains the party.
func principalOf(p Party) int64 {
	if p.Role == SideClient && p.ParentID != nil {
		return *p.ParentID
	}
	return p.ID
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
