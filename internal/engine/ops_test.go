package engine

import (
	"context"
	"testing"

	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnclaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := uuid.New()
	id := f.claim(t, alice, cell(0, 0), cell(0, 1))

	t.Run("Repeated Unclaim", func(t *testing.T) {
		r := f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 1)})
		require.True(t, r.Success, r.Message)
		assert.Equal(t, []territory.CellKey{cell(0, 1)}, r.Cells)

		r = f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 1)})
		assert.Equal(t, ReasonNotFound, r.Reason)

		r = f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, ClaimID: id, Cell: cell(0, 1)})
		assert.Equal(t, ReasonNotFound, r.Reason, "Клетка вне клейма")
	})

	t.Run("Foreign Claim", func(t *testing.T) {
		r := f.eng.Unclaim(ctx, UnclaimRequest{Player: uuid.New(), Cell: cell(0, 0)})
		assert.Equal(t, ReasonNotOwner, r.Reason)
		assert.Equal(t, CategoryPermissionDenied, r.Category)
	})

	t.Run("Last Cell", func(t *testing.T) {
		r := f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 0)})
		assert.Equal(t, ReasonLastCellProtected, r.Reason)
		assert.Equal(t, id, r.ClaimID)

		r = f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 0), ConfirmDelete: true})
		require.True(t, r.Success)
		assert.True(t, r.ClaimDeleted)

		_, err := f.eng.ClaimByID(ctx, id)
		assert.Equal(t, ReasonNotFound, ReasonOf(err), "Клейм удалён вместе с последней клеткой")
		_, err = f.mem.GetClaim(ctx, id)
		assert.Error(t, err)
	})

	history, err := f.eng.History(ctx, cell(0, 1), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, territory.TransferUnclaim, history[0].Kind, "Новые записи первыми")

	f.assertConsistent(t)
}

func TestUnclaimBulkRegion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := uuid.New()
	id := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(5, 5))

	region, err := f.eng.ConnectedRegion(ctx, id, cell(0, 0))
	require.NoError(t, err)
	assert.ElementsMatch(t, []territory.CellKey{cell(0, 0), cell(0, 1)}, region)

	_, err = f.eng.ConnectedRegion(ctx, id, cell(9, 9))
	assert.Equal(t, ReasonNotFound, ReasonOf(err))

	r := f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 1), Bulk: true})
	require.True(t, r.Success)
	assert.ElementsMatch(t, []territory.CellKey{cell(0, 0), cell(0, 1)}, r.Cells)
	assert.False(t, r.ClaimDeleted)

	c, err := f.eng.ClaimByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []territory.CellKey{cell(5, 5)}, c.CellKeys())

	t.Run("Whole Region Requires Confirmation", func(t *testing.T) {
		r := f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(5, 5), Bulk: true})
		assert.Equal(t, ReasonLastCellProtected, r.Reason)
	})

	t.Run("Admin", func(t *testing.T) {
		r := f.eng.DeleteClaim(ctx, uuid.New(), id, true)
		require.True(t, r.Success)
		assert.True(t, r.ClaimDeleted)
	})

	f.assertConsistent(t)
}

func TestUnclaimPartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := uuid.New()
	id := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(0, 2))

	f.repo.failAfter("DeleteCell", 1)
	r := f.eng.DeleteClaim(ctx, alice, id, false)
	assert.Equal(t, ReasonDatabaseError, r.Reason)
	assert.Len(t, r.Cells, 1, "Освобождённая клетка не возвращается")
	f.repo.failAfter("", 0)

	c, err := f.eng.ClaimByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.CellCount())
	f.assertConsistent(t)
}

// twoClaims создаёт заполненный клейм A и клейм B с одной клеткой
func twoClaims(t *testing.T, f *fixture, player uuid.UUID) (a, b int64) {
	t.Helper()
	a = f.claim(t, player, cell(0, 0), cell(0, 1), cell(0, 2), cell(0, 3))
	b = f.claim(t, player, cell(10, 10))
	require.NotEqual(t, a, b)
	return a, b
}

func TestReassign(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *pricing.Config) { cfg.MaxClaimsPerWorld = 2 })
	ctx := context.Background()
	alice := uuid.New()
	a, b := twoClaims(t, f, alice)

	before := map[int64][]territory.CellKey{}
	for _, id := range []int64{a, b} {
		c, _ := f.eng.ClaimByID(ctx, id)
		before[id] = c.CellKeys()
	}

	r := f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(0, 3), From: a, To: b})
	require.True(t, r.Success, r.Message)
	assert.True(t, r.HasWarning(ReasonNotAdjacentWarning), "Клетка не соседствует с клеймом B")
	f.assertConsistent(t)

	r = f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(0, 3), From: b, To: a})
	require.True(t, r.Success, r.Message)
	assert.False(t, r.HasWarning(ReasonNotAdjacentWarning))

	for _, id := range []int64{a, b} {
		c, _ := f.eng.ClaimByID(ctx, id)
		assert.Equal(t, before[id], c.CellKeys(), "Обратный перенос восстанавливает состояние")
	}

	t.Run("Destination Claim Full", func(t *testing.T) {
		r := f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(10, 10), From: b, To: a, ConfirmDelete: true})
		assert.Equal(t, ReasonTargetFull, r.Reason)
	})

	t.Run("Last Cell", func(t *testing.T) {
		require.True(t, f.eng.Unclaim(ctx, UnclaimRequest{Player: alice, Cell: cell(0, 3)}).Success)

		r := f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(10, 10), From: b, To: a})
		assert.Equal(t, ReasonLastCellProtected, r.Reason)

		r = f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(10, 10), From: b, To: a, ConfirmDelete: true})
		require.True(t, r.Success)
		assert.True(t, r.ClaimDeleted)
		_, err := f.eng.ClaimByID(ctx, b)
		assert.Equal(t, ReasonNotFound, ReasonOf(err))
	})

	t.Run("Foreign Claims", func(t *testing.T) {
		bob := uuid.New()
		bobClaim := f.claim(t, bob, cell(-20, -20))
		r := f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(0, 0), From: a, To: bobClaim})
		assert.Equal(t, ReasonNotOwner, r.Reason)

		r = f.eng.Reassign(ctx, ReassignRequest{Player: alice, Cell: cell(0, 0), From: a, To: a})
		assert.Equal(t, ReasonInvalidState, r.Reason)
	})

	f.assertConsistent(t)
}

func TestTransferToPlayer(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *pricing.Config) {
		p.TransferFlat = 10
		p.TransferPerCell = 1
	})
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.econ.SetBalance(alice, 20)
	src := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(0, 2))

	r := f.eng.TransferToPlayer(ctx, TransferRequest{
		Player:      alice,
		SourceClaim: src,
		Cells:       []territory.CellKey{cell(0, 1)},
		Bulk:        true,
		Target:      bob,
	})
	require.True(t, r.Success, r.Message)
	assert.Len(t, r.Cells, 3, "Bulk передаёт всю связную область")
	assert.Equal(t, 13.0, r.Price)
	assert.True(t, r.ClaimDeleted, "Опустевший клейм удалён")

	bal, _ := f.econ.Balance(ctx, alice)
	assert.Equal(t, 7.0, bal)

	dst, err := f.eng.ClaimByID(ctx, r.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, bob, dst.Owner)
	assert.Equal(t, 3, dst.CellCount())
	assert.Equal(t, 4, dst.TotalCells)

	history, _ := f.eng.History(ctx, cell(0, 0), 0)
	require.NotEmpty(t, history)
	assert.Equal(t, territory.TransferPlayer, history[0].Kind)
	assert.Equal(t, bob, history[0].ToPlayer)

	t.Run("Not Owner", func(t *testing.T) {
		r := f.eng.TransferToPlayer(ctx, TransferRequest{Player: alice, SourceClaim: dst.ID, Cells: []territory.CellKey{cell(0, 0)}, Target: alice})
		assert.Equal(t, ReasonNotOwner, r.Reason)
	})

	t.Run("Insufficient Funds", func(t *testing.T) {
		r := f.eng.TransferToPlayer(ctx, TransferRequest{Player: bob, SourceClaim: dst.ID, Cells: []territory.CellKey{cell(0, 0)}, Target: alice})
		assert.Equal(t, ReasonInsufficientFunds, r.Reason)
		c, _ := f.eng.ClaimByID(ctx, dst.ID)
		assert.Equal(t, 3, c.CellCount())
	})

	t.Run("Explicit Cost", func(t *testing.T) {
		free := 0.0
		r := f.eng.TransferToPlayer(ctx, TransferRequest{Player: bob, SourceClaim: dst.ID, Cells: []territory.CellKey{cell(0, 2)}, Target: alice, Cost: &free})
		require.True(t, r.Success, r.Message)
		assert.Zero(t, r.Price)
		assert.False(t, r.ClaimDeleted)
	})

	f.assertConsistent(t)
}

func TestTransferTargetCapacity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	src := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(0, 2))

	t.Run("Recipient Full", func(t *testing.T) {
		f.claim(t, bob, cell(50, 0), cell(50, 1), cell(50, 2), cell(50, 3))
		r := f.eng.TransferToPlayer(ctx, TransferRequest{Player: alice, SourceClaim: src, Cells: []territory.CellKey{cell(0, 0)}, Target: bob})
		assert.Equal(t, ReasonTargetFull, r.Reason)
	})

	t.Run("Recipient Claim Too Small", func(t *testing.T) {
		carol := uuid.New()
		dst := f.claim(t, carol, cell(70, 0), cell(70, 1))

		r := f.eng.TransferToPlayer(ctx, TransferRequest{
			Player:      alice,
			SourceClaim: src,
			Cells:       []territory.CellKey{cell(0, 0), cell(0, 1), cell(0, 2)},
			Target:      carol,
		})
		assert.False(t, r.Success)
		assert.Equal(t, ReasonTargetFull, r.Reason)
		assert.Empty(t, r.Cells, "Ни одна клетка не перенесена")

		c, _ := f.eng.ClaimByID(ctx, src)
		assert.Equal(t, 3, c.CellCount())
		d, _ := f.eng.ClaimByID(ctx, dst)
		assert.Equal(t, 2, d.CellCount())
		assert.Len(t, f.eng.ClaimsOf(ctx, carol, "world"), 1)
	})

	f.assertConsistent(t)
}

func TestTransferRejectedBeforeCharge(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *pricing.Config) { p.TransferFlat = 5 })
	ctx := context.Background()
	alice, carol := uuid.New(), uuid.New()
	f.econ.SetBalance(alice, 5)
	src := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(0, 2))
	dst := f.claim(t, carol, cell(70, 0), cell(70, 1), cell(70, 2))

	r := f.eng.TransferToPlayer(ctx, TransferRequest{
		Player:      alice,
		SourceClaim: src,
		Cells:       []territory.CellKey{cell(0, 0), cell(0, 1)},
		Target:      carol,
	})
	assert.Equal(t, ReasonTargetFull, r.Reason)
	assert.Zero(t, r.Price)

	bal, _ := f.econ.Balance(ctx, alice)
	assert.Equal(t, 5.0, bal, "Комиссия не списана")
	owner, owned := f.index.OwnerOf(cell(0, 0))
	require.True(t, owned)
	assert.Equal(t, src, owner)
	d, _ := f.eng.ClaimByID(ctx, dst)
	assert.Equal(t, 3, d.CellCount())

	history, _ := f.eng.History(ctx, cell(0, 0), 0)
	for _, rec := range history {
		assert.NotEqual(t, territory.TransferPlayer, rec.Kind)
	}
	f.assertConsistent(t)
}

func TestTransferForwardOnlyRefund(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *pricing.Config) { p.TransferFlat = 5 })
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.econ.SetBalance(alice, 5)
	src := f.claim(t, alice, cell(0, 0), cell(0, 1), cell(0, 2))

	f.repo.failAfter("SaveCell", 1)
	r := f.eng.TransferToPlayer(ctx, TransferRequest{
		Player:      alice,
		SourceClaim: src,
		Cells:       []territory.CellKey{cell(0, 0), cell(0, 1), cell(0, 2)},
		Target:      bob,
	})
	f.repo.failAfter("", 0)

	assert.False(t, r.Success)
	assert.Equal(t, ReasonDatabaseError, r.Reason)
	assert.Equal(t, []territory.CellKey{cell(0, 0)}, r.Cells)

	bal, _ := f.econ.Balance(ctx, alice)
	assert.Equal(t, 5.0, bal, "Комиссия возвращена")

	owner, owned := f.index.OwnerOf(cell(0, 0))
	require.True(t, owned)
	assert.Equal(t, r.ClaimID, owner, "Перенесённая клетка осталась у получателя")

	c, _ := f.eng.ClaimByID(ctx, src)
	assert.Equal(t, 2, c.CellCount())
	f.assertConsistent(t)
}
