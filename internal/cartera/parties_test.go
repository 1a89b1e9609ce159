package cartera

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePartyGroup(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addParty(1, SideClient, nil)
	ledger.addParty(4, SideClient, int64Ptr(1))
	ledger.addParty(2, SideClient, int64Ptr(1))
	ledger.addParty(3, SideSupplier, nil)
	ctx := context.Background()

	group, err := ResolvePartyGroup(ctx, ledger, 1, SideClient)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 4}, group)

	group, err = ResolvePartyGroup(ctx, ledger, 2, SideClient)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, group)

	group, err = ResolvePartyGroup(ctx, ledger, 3, SideSupplier)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, group)

	group, err = ResolvePartyGroup(ctx, ledger, 99, SideClient)
	require.NoError(t, err)
	require.Equal(t, []int64{99}, group)
}

func TestPrincipalOf(t *testing.T) {
	require.Equal(t, int64(1), principalOf(Party{ID: 2, Role: SideClient, ParentID: int64Ptr(1)}))
	require.Equal(t, int64(2), principalOf(Party{ID: 2, Role: SideClient}))
	require.Equal(t, int64(3), principalOf(Party{ID: 3, Role: SideSupplier, ParentID: int64Ptr(1)}))
}

func TestServicePartyGroupValidatesInput(t *testing.T) {
	svc := newTestService(newMemoryLedger(), day(2024, 3, 1))
	_, err := svc.PartyGroup(context.Background(), Side("vendor"), 1)
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.PartyGroup(context.Background(), SideClient, 0)
	require.ErrorIs(t, err, ErrValidation)
}
