package engine

import (
	"context"
	"fmt"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/annel0/mmo-territory/internal/region"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// UnclaimRequest параметры освобождения клеток
type UnclaimRequest struct {
	Player uuid.UUID `json:"-"`
	// ClaimID 0 означает клейм, которому принадлежит Cell
	ClaimID int64             `json:"claim_id"`
	Cell    territory.CellKey `json:"cell"`
	// Bulk освобождает всю связную область вокруг Cell
	Bulk bool `json:"bulk"`
	// ConfirmDelete разрешает освободить последнюю клетку и удалить клейм
	ConfirmDelete bool `json:"confirm_delete"`
	IsAdmin       bool `json:"-"`
}

// Unclaim освобождает клетку или связную область.
//
// Клетки обрабатываются по одной: перепроверка владельца, запись аудита,
// удаление строки клетки, обновление индекса. Сбой посередине не
// откатывает уже освобождённые клетки. Опустевший клейм удаляется.
func (e *Engine) Unclaim(ctx context.Context, req UnclaimRequest) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", req.Player.String()),
		attribute.String("territory.cell", req.Cell.String()),
		attribute.Int64("territory.claim", req.ClaimID),
		attribute.Bool("territory.bulk", req.Bulk),
	}
	return e.run(ctx, "unclaim", attrs, func(ctx context.Context) Result {
		claimID := req.ClaimID
		if claimID == 0 {
			owner, owned := e.index.OwnerOf(req.Cell)
			if !owned {
				return fail(ReasonNotFound, "cell %s is not claimed", req.Cell)
			}
			claimID = owner
		}

		unlock := e.index.LockClaims(claimID)
		defer unlock()

		claim, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		if !claim.HasCell(req.Cell) {
			return fail(ReasonNotFound, "cell %s is not part of claim %d", req.Cell, claimID)
		}
		if !claim.HasManagementPermission(req.Player, permission.ManageChunks, req.IsAdmin) {
			return fail(ReasonNotOwner, "player %s cannot manage cells of claim %d", req.Player, claimID)
		}

		cells := []territory.CellKey{req.Cell}
		if req.Bulk {
			cells = region.Connected(claim, req.Cell)
		}
		if len(cells) >= claim.CellCount() && !req.ConfirmDelete {
			res := fail(ReasonLastCellProtected, "unclaiming %d cells would delete claim %d", len(cells), claimID)
			res.ClaimID = claimID
			return res
		}

		return e.removeCells(ctx, claim, cells, req.Player, "unclaim")
	})
}

// DeleteClaim удаляет клейм целиком: освобождает все клетки и удаляет клейм.
func (e *Engine) DeleteClaim(ctx context.Context, player uuid.UUID, claimID int64, isAdmin bool) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", player.String()),
		attribute.Int64("territory.claim", claimID),
	}
	return e.run(ctx, "delete_claim", attrs, func(ctx context.Context) Result {
		unlock := e.index.LockClaims(claimID)
		defer unlock()

		claim, exists := e.index.Get(claimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", claimID)
		}
		if !claim.HasManagementPermission(player, permission.ManageChunks, isAdmin) {
			return fail(ReasonNotOwner, "player %s cannot delete claim %d", player, claimID)
		}
		return e.removeCells(ctx, claim, claim.CellKeys(), player, "delete")
	})
}

// removeCells освобождает клетки клейма; вызывать под LockClaims(claim.ID)
func (e *Engine) removeCells(ctx context.Context, claim *territory.Claim, cells []territory.CellKey, actor uuid.UUID, reason string) Result {
	removed := make([]territory.CellKey, 0, len(cells))

	finish := func(res Result) Result {
		res.ClaimID = claim.ID
		res.Cells = removed
		if len(removed) > 0 {
			e.publish(ctx, eventbus.TerritoryEvent{
				Type:    eventbus.CellUnclaimed,
				Actor:   actor,
				ClaimID: claim.ID,
				World:   claim.World,
				Cells:   removed,
			})
			e.invalidate(ctx, reason, claim.ID)
		}
		return res
	}

	for _, cell := range cells {
		if owner, owned := e.index.OwnerOf(cell); !owned || owner != claim.ID {
			return finish(fail(ReasonNotFound, "cell %s no longer belongs to claim %d", cell, claim.ID))
		}
		now := e.now()
		if err := e.audit(ctx, territory.TransferUnclaim, cell, claim.ID, 0, uuid.Nil, actor, now); err != nil {
			return finish(persistFail(ReasonDatabaseError, "unclaim", err))
		}
		if err := e.repo.DeleteCell(ctx, cell); err != nil {
			return finish(persistFail(ReasonDatabaseError, fmt.Sprintf("delete cell %s", cell), err))
		}
		if err := e.index.RemoveCell(claim.ID, cell); err != nil {
			return finish(fail(ReasonInvalidState, "index: %v", err))
		}
		removed = append(removed, cell)
	}

	res := ok(claim.ID)
	if current, exists := e.index.Get(claim.ID); exists && current.CellCount() == 0 {
		if err := e.deleteClaim(ctx, current, actor); err != nil {
			return finish(persistFail(ReasonDatabaseError, "delete empty claim", err))
		}
		res.ClaimDeleted = true
	}
	return finish(res)
}
