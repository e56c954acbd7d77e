package engine

import (
	"context"
	"fmt"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// AllocateFromPool переносит count клеток из пула владельца в ёмкость клейма.
// PurchasedCells не меняется: распределённые клетки вычисляются по клеймам.
func (e *Engine) AllocateFromPool(ctx context.Context, player uuid.UUID, claimID int64, count int, isAdmin bool) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.Int64("territory.claim", claimID),
		attribute.Int("territory.count", count),
	}
	return e.run(ctx, "allocate", attrs, func(ctx context.Context) Result {
		if player == uuid.Nil {
			return fail(ReasonNoPlayerData, "player id is empty")
		}
		if count <= 0 {
			return fail(ReasonInvalidState, "count must be positive, got %d", count)
		}

		snapshot, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		owner := snapshot.Owner

		unlockOwner := e.index.LockOwner(owner)
		defer unlockOwner()
		unlockClaim := e.index.LockClaims(claimID)
		defer unlockClaim()

		claim, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		if !claim.HasManagementPermission(player, permission.ManageChunks, isAdmin) {
			return fail(ReasonNotOwner, "player %s cannot allocate cells to claim %d", player, claimID)
		}

		pool, err := e.loadPool(ctx, owner)
		if err != nil {
			return persistFail(ReasonDatabaseError, "load pool", err)
		}
		allocated := e.index.AllocatedBeyond(owner, e.cfg.StartingCells)
		if available := pool.Available(allocated); count > available {
			return fail(ReasonInsufficientChunks, "pool has %d free cells, requested %d", available, count)
		}

		newTotal := claim.TotalCells + count
		if e.cfg.MaxCellsPerClaim > 0 && newTotal > e.cfg.MaxCellsPerClaim {
			return fail(ReasonProfileCapacityExceeded, "claim capacity %d would exceed limit %d", newTotal, e.cfg.MaxCellsPerClaim)
		}

		if res := e.saveCapacity(ctx, claim, newTotal); !res.Success {
			return res
		}

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:    eventbus.ChunksAllocated,
			Actor:   player,
			ClaimID: claimID,
			Target:  owner,
			World:   claim.World,
			Count:   count,
		})
		e.invalidate(ctx, "allocate", claimID)

		out := ok(claimID)
		out.Message = "capacity raised"
		return out
	})
}

// PurchaseChunksBulk покупает count клеток в пул игрока.
// Цена BulkPrice считается от текущего размера пула.
func (e *Engine) PurchaseChunksBulk(ctx context.Context, player uuid.UUID, count int) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.Int("territory.count", count),
	}
	return e.run(ctx, "purchase_chunks", attrs, func(ctx context.Context) Result {
		if player == uuid.Nil {
			return fail(ReasonNoPlayerData, "player id is empty")
		}
		if count <= 0 {
			return fail(ReasonInvalidState, "count must be positive, got %d", count)
		}

		unlock := e.index.LockOwner(player)
		defer unlock()

		pool, err := e.loadPool(ctx, player)
		if err != nil {
			return persistFail(ReasonDatabaseError, "load pool", err)
		}
		if e.cfg.MaxPoolCells > 0 && pool.PurchasedCells+count > e.cfg.MaxPoolCells {
			return fail(ReasonMaxChunksReached, "pool would hold %d cells, limit %d", pool.PurchasedCells+count, e.cfg.MaxPoolCells)
		}

		price := e.prices.BulkPrice(pool.PurchasedCells, count)
		if res, paid := e.charge(ctx, player, price); !paid {
			return res
		}

		pool.PurchasedCells += count
		pool.TotalSpent += price
		pool.LastPurchase = e.now()
		if err := e.repo.SavePool(ctx, pool); err != nil {
			e.refund(ctx, player, price)
			return persistFail(ReasonDatabaseError, "save pool", err)
		}

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:   eventbus.ChunksPurchased,
			Actor:  player,
			Target: player,
			Count:  count,
			Price:  price,
		})

		out := ok(0)
		out.Price = price
		return out
	})
}

// PurchaseClaimCells покупает ёмкость сразу в клейм.
// Цена BulkPrice от уже купленной ёмкости клейма с множителем порядка клейма.
// Купленные клетки учитываются в пуле владельца, чтобы распределение
// оставалось в пределах PurchasedCells.
func (e *Engine) PurchaseClaimCells(ctx context.Context, player uuid.UUID, claimID int64, count int) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.Int64("territory.claim", claimID),
		attribute.Int("territory.count", count),
	}
	return e.run(ctx, "purchase_claim_cells", attrs, func(ctx context.Context) Result {
		if player == uuid.Nil {
			return fail(ReasonNoPlayerData, "player id is empty")
		}
		if count <= 0 {
			return fail(ReasonInvalidState, "count must be positive, got %d", count)
		}

		snapshot, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		owner := snapshot.Owner

		unlockOwner := e.index.LockOwner(owner)
		defer unlockOwner()
		unlockClaim := e.index.LockClaims(claimID)
		defer unlockClaim()

		claim, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		if !claim.HasManagementPermission(player, permission.ManageChunks, false) {
			return fail(ReasonNotOwner, "player %s cannot buy cells for claim %d", player, claimID)
		}

		newTotal := claim.TotalCells + count
		if e.cfg.MaxCellsPerClaim > 0 && newTotal > e.cfg.MaxCellsPerClaim {
			return fail(ReasonProfileCapacityExceeded, "claim capacity %d would exceed limit %d", newTotal, e.cfg.MaxCellsPerClaim)
		}

		pool, err := e.loadPool(ctx, owner)
		if err != nil {
			return persistFail(ReasonDatabaseError, "load pool", err)
		}
		if e.cfg.MaxPoolCells > 0 && pool.PurchasedCells+count > e.cfg.MaxPoolCells {
			return fail(ReasonMaxChunksReached, "pool would hold %d cells, limit %d", pool.PurchasedCells+count, e.cfg.MaxPoolCells)
		}

		bought := claim.TotalCells - e.cfg.StartingCells
		if bought < 0 {
			bought = 0
		}
		price := e.prices.ClaimCellsPrice(bought, count, claim.ClaimOrder)
		if res, paid := e.charge(ctx, player, price); !paid {
			return res
		}

		before := *pool
		pool.PurchasedCells += count
		pool.TotalSpent += price
		pool.LastPurchase = e.now()
		if err := e.repo.SavePool(ctx, pool); err != nil {
			e.refund(ctx, player, price)
			return persistFail(ReasonDatabaseError, "save pool", err)
		}
		if res := e.saveCapacity(ctx, claim, newTotal); !res.Success {
			// Пул откатывается, затем деньги возвращаются. Если откат не
			// удался, купленные клетки остаются в пуле владельца.
			if err := e.repo.SavePool(context.WithoutCancel(ctx), &before); err != nil {
				e.log.Error("❌ Откат пула %s не выполнен: %v", owner, err)
				res.Price = price
				res.Message += fmt.Sprintf("; %d purchased cells stay in the owner's pool", count)
				return res
			}
			e.refund(ctx, player, price)
			return res
		}

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:    eventbus.ChunksPurchased,
			Actor:   player,
			ClaimID: claimID,
			Target:  owner,
			World:   claim.World,
			Count:   count,
			Price:   price,
		})
		e.invalidate(ctx, "purchase", claimID)

		out := ok(claimID)
		out.Price = price
		return out
	})
}

// ChargeTeleport списывает плату за телепорт в клейм.
// Сам телепорт выполняется вне движка.
func (e *Engine) ChargeTeleport(ctx context.Context, player uuid.UUID, claimID int64) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.Int64("territory.claim", claimID),
	}
	return e.run(ctx, "teleport", attrs, func(ctx context.Context) Result {
		if player == uuid.Nil {
			return fail(ReasonNoPlayerData, "player id is empty")
		}
		claim, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		if !claim.HasClaimPermission(player, permission.Teleport, false) {
			return fail(ReasonPermissionDenied, "player %s may not teleport to claim %d", player, claimID)
		}

		price := e.prices.TeleportCost(claim.Owner == player)
		if res, paid := e.charge(ctx, player, price); !paid {
			return res
		}
		out := ok(claimID)
		out.Price = price
		return out
	})
}

// saveCapacity сохраняет новую ёмкость: хранилище, затем индекс
func (e *Engine) saveCapacity(ctx context.Context, claim *territory.Claim, total int) Result {
	updated := claim.Clone()
	updated.TotalCells = total
	if err := e.repo.SaveClaim(ctx, updated); err != nil {
		return persistFail(ReasonDatabaseError, "save claim", err)
	}
	if err := e.index.SetCapacity(claim.ID, total); err != nil {
		return fail(ReasonInvalidState, "index: %v", err)
	}
	return Result{Success: true}
}
