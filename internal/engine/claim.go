package engine

import (
	"context"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Claim захватывает свободную клетку в клейм игрока.
// Клейм выбирается среди клеймов игрока в мире клетки; при отсутствии
// свободной ёмкости создаётся новый, если позволяет MaxClaimsPerWorld.
func (e *Engine) Claim(ctx context.Context, player uuid.UUID, cell territory.CellKey) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.String("territory.cell", cell.String()),
	}
	return e.run(ctx, "claim", attrs, func(ctx context.Context) Result {
		if player == uuid.Nil {
			return fail(ReasonNoPlayerData, "player id is empty")
		}
		if !e.worldAllowed(cell.World) {
			return fail(ReasonAlreadyClaimed, "world %q is not claimable", cell.World)
		}

		unlockOwner := e.index.LockOwner(player)
		defer unlockOwner()
		unlockCell := e.index.LockCell(cell)
		defer unlockCell()

		if owner, owned := e.index.OwnerOf(cell); owned {
			res := fail(ReasonAlreadyClaimed, "cell %s belongs to claim %d", cell, owner)
			res.ClaimID = owner
			return res
		}

		price := e.cfg.ClaimCost
		if res, paid := e.charge(ctx, player, price); !paid {
			return res
		}

		claim, created, res := e.getOrCreateClaim(ctx, player, cell.World, &cell, 1)
		if !res.Success {
			e.refund(ctx, player, price)
			return res
		}

		unlockClaim := e.index.LockClaims(claim.ID)
		defer unlockClaim()

		// Ёмкость перепроверяется под замком клейма
		current, exists := e.index.Get(claim.ID)
		if !exists || current.IsFull() {
			e.refund(ctx, player, price)
			return fail(ReasonNoCapacity, "claim %d has no free capacity", claim.ID)
		}

		now := e.now()
		undo := func() {
			e.refund(ctx, player, price)
			if created {
				e.dropEmptyClaim(ctx, claim.ID)
			}
		}

		if err := e.audit(ctx, territory.TransferClaim, cell, 0, claim.ID, player, player, now); err != nil {
			undo()
			return persistFail(ReasonDatabaseError, "claim", err)
		}
		if err := e.repo.SaveCell(ctx, territory.Cell{Key: cell, ClaimID: claim.ID, ClaimedAt: now}); err != nil {
			undo()
			return persistFail(ReasonDatabaseError, "save cell", err)
		}
		if err := e.index.AddCell(claim.ID, cell, now); err != nil {
			_ = e.repo.DeleteCell(context.WithoutCancel(ctx), cell)
			undo()
			return fail(ReasonInvalidState, "index rejected %s: %v", cell, err)
		}

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:    eventbus.CellClaimed,
			Actor:   player,
			ClaimID: claim.ID,
			World:   cell.World,
			Cells:   []territory.CellKey{cell},
			Price:   price,
		})
		e.invalidate(ctx, "claim", claim.ID)

		out := ok(claim.ID)
		out.Cells = []territory.CellKey{cell}
		out.Price = price
		return out
	})
}
