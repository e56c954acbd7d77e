package engine

import (
	"context"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ReassignRequest перенос клетки между клеймами одного владельца
type ReassignRequest struct {
	Player        uuid.UUID         `json:"-"`
	Cell          territory.CellKey `json:"cell"`
	From          int64             `json:"from"`
	To            int64             `json:"to"`
	ConfirmDelete bool              `json:"confirm_delete"`
	IsAdmin       bool              `json:"-"`
}

// Reassign переносит клетку из клейма From в клейм To.
// Несмежность клетки с To не запрещает перенос и возвращается как предупреждение.
func (e *Engine) Reassign(ctx context.Context, req ReassignRequest) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", req.Player.String()),
		attribute.String("territory.cell", req.Cell.String()),
		attribute.Int64("territory.from", req.From),
		attribute.Int64("territory.to", req.To),
	}
	return e.run(ctx, "reassign", attrs, func(ctx context.Context) Result {
		if req.From == req.To {
			return fail(ReasonInvalidState, "source and target claim are the same (%d)", req.From)
		}

		unlock := e.index.LockClaims(req.From, req.To)
		defer unlock()

		src, exists := e.index.Get(req.From)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", req.From)
		}
		dst, exists := e.index.Get(req.To)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", req.To)
		}
		if !src.HasCell(req.Cell) {
			return fail(ReasonNotFound, "cell %s is not part of claim %d", req.Cell, req.From)
		}
		if !req.IsAdmin && (src.Owner != req.Player || dst.Owner != req.Player) {
			return fail(ReasonNotOwner, "player %s must own claims %d and %d", req.Player, req.From, req.To)
		}
		if dst.World != req.Cell.World {
			return fail(ReasonInvalidState, "claim %d is in world %s, cell is in %s", req.To, dst.World, req.Cell.World)
		}
		if dst.IsFull() {
			res := fail(ReasonTargetFull, "claim %d has no free capacity", req.To)
			res.ClaimID = req.To
			return res
		}
		if src.CellCount() == 1 && !req.ConfirmDelete {
			res := fail(ReasonLastCellProtected, "cell %s is the last cell of claim %d", req.Cell, req.From)
			res.ClaimID = req.From
			return res
		}

		var warnings []Reason
		if !dst.IsAdjacentTo(req.Cell) {
			warnings = append(warnings, ReasonNotAdjacentWarning)
		}

		now := e.now()
		if err := e.audit(ctx, territory.TransferReassign, req.Cell, req.From, req.To, dst.Owner, req.Player, now); err != nil {
			return persistFail(ReasonDatabaseError, "reassign", err)
		}
		if err := e.repo.SaveCell(ctx, territory.Cell{Key: req.Cell, ClaimID: req.To, ClaimedAt: now}); err != nil {
			return persistFail(ReasonDatabaseError, "save cell", err)
		}
		if err := e.index.MoveCell(req.Cell, req.From, req.To, now); err != nil {
			return fail(ReasonInvalidState, "index: %v", err)
		}

		res := ok(req.To)
		res.Cells = []territory.CellKey{req.Cell}
		res.Warnings = warnings

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:      eventbus.CellReassigned,
			Actor:     req.Player,
			FromClaim: req.From,
			ToClaim:   req.To,
			World:     req.Cell.World,
			Cells:     res.Cells,
		})

		if src.CellCount() == 1 {
			if err := e.deleteClaim(ctx, src, req.Player); err != nil {
				e.invalidate(ctx, "reassign", req.From, req.To)
				out := persistFail(ReasonDatabaseError, "delete empty claim", err)
				out.ClaimID = req.To
				out.Cells = res.Cells
				return out
			}
			res.ClaimDeleted = true
		}
		e.invalidate(ctx, "reassign", req.From, req.To)
		return res
	})
}
