package engine

import (
	"context"
	"errors"

	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/region"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// TransferRequest передача клеток другому игроку
type TransferRequest struct {
	Player      uuid.UUID           `json:"-"`
	SourceClaim int64               `json:"source_claim"`
	Cells       []territory.CellKey `json:"cells"`
	// Bulk с одной клеткой передаёт её связную область
	Bulk   bool      `json:"bulk"`
	Target uuid.UUID `json:"target"`
	// Cost явная комиссия; nil - pricing.TransferFee
	Cost    *float64 `json:"cost,omitempty"`
	IsAdmin bool     `json:"-"`
}

// TransferToPlayer передаёт клетки клейма другому игроку.
//
// Клейм назначения выбирается среди клеймов получателя в том же мире,
// вмещающих все клетки, или создаётся с ёмкостью не меньше их числа;
// иначе TargetFull без побочных эффектов. Комиссия списывается после
// выбора клейма и до переноса. При сбое посередине комиссия возвращается,
// а уже перенесённые клетки остаются у получателя. Опустевший исходный
// клейм удаляется.
func (e *Engine) TransferToPlayer(ctx context.Context, req TransferRequest) Result {
	attrs := []attribute.KeyValue{
		attribute.String("territory.player", req.Player.String()),
		attribute.String("territory.target", req.Target.String()),
		attribute.Int64("territory.claim", req.SourceClaim),
		attribute.Int("territory.requested", len(req.Cells)),
	}
	return e.run(ctx, "transfer", attrs, func(ctx context.Context) Result {
		if req.Player == uuid.Nil || req.Target == uuid.Nil {
			return fail(ReasonNoPlayerData, "player and target are required")
		}
		if len(req.Cells) == 0 {
			return fail(ReasonInvalidState, "no cells to transfer")
		}
		if req.Cost != nil && *req.Cost < 0 {
			return fail(ReasonInvalidState, "negative transfer cost")
		}

		src, exists := e.index.Get(req.SourceClaim)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", req.SourceClaim)
		}
		if !req.IsAdmin && src.Owner != req.Player {
			return fail(ReasonNotOwner, "player %s does not own claim %d", req.Player, req.SourceClaim)
		}
		if src.Owner == req.Target {
			return fail(ReasonInvalidState, "claim %d already belongs to %s", req.SourceClaim, req.Target)
		}

		cells := dedupe(req.Cells)
		for _, c := range cells {
			if !src.HasCell(c) {
				return fail(ReasonNotFound, "cell %s is not part of claim %d", c, req.SourceClaim)
			}
		}
		if req.Bulk && len(cells) == 1 {
			cells = region.Connected(src, cells[0])
		}

		// Клейм получателя разрешается до списания и до захвата замков клеймов
		unlockTarget := e.index.LockOwner(req.Target)
		defer unlockTarget()

		dst, created, res := e.destinationFor(ctx, req.Target, src.World, len(cells))
		if !res.Success {
			return res
		}

		price := e.prices.TransferFee(len(cells))
		if req.Cost != nil {
			price = *req.Cost
		}
		if res, paid := e.charge(ctx, req.Player, price); !paid {
			if created {
				e.dropEmptyClaim(ctx, dst.ID)
			}
			return res
		}

		unlockClaims := e.index.LockClaims(src.ID, dst.ID)
		defer unlockClaims()

		moved := make([]territory.CellKey, 0, len(cells))
		var failure *Result
		for _, cell := range cells {
			if r := e.moveCell(ctx, cell, src.ID, dst.ID, req.Target, req.Player); !r.Success {
				failure = &r
				break
			}
			moved = append(moved, cell)
		}

		if len(moved) > 0 {
			e.publish(ctx, eventbus.TerritoryEvent{
				Type:      eventbus.CellTransferred,
				Actor:     req.Player,
				FromClaim: src.ID,
				ToClaim:   dst.ID,
				Target:    req.Target,
				World:     src.World,
				Cells:     moved,
				Price:     price,
			})
		} else if created {
			e.dropEmptyClaim(ctx, dst.ID)
		}

		var deleted bool
		var deleteErr error
		if current, exists := e.index.Get(src.ID); exists && current.CellCount() == 0 {
			if deleteErr = e.deleteClaim(ctx, current, req.Player); deleteErr == nil {
				deleted = true
			}
		}
		e.invalidate(ctx, "transfer", src.ID, dst.ID)

		var out Result
		switch {
		case failure != nil:
			e.refund(ctx, req.Player, price)
			out = *failure
			if len(moved) > 0 {
				out.Message = out.Message + "; transferred cells were kept, fee refunded"
			}
		case deleteErr != nil:
			out = persistFail(ReasonDatabaseError, "delete empty claim", deleteErr)
			out.Price = price
		default:
			out = ok(dst.ID)
			out.Price = price
		}
		out.ClaimID = dst.ID
		out.Cells = moved
		out.ClaimDeleted = deleted
		return out
	})
}

// destinationFor выбирает клейм получателя, вмещающий все need клеток;
// вызывать под LockOwner(target). Клейм меньшего размера не подходит:
// перенос отклоняется целиком до списания комиссии.
func (e *Engine) destinationFor(ctx context.Context, target uuid.UUID, world string, need int) (*territory.Claim, bool, Result) {
	claim, created, res := e.getOrCreateClaim(ctx, target, world, nil, need)
	if res.Reason == ReasonNoCapacity {
		return nil, false, fail(ReasonTargetFull, "player %s has no claim with %d free cells in %s", target, need, world)
	}
	return claim, created, res
}

// moveCell переносит одну клетку под замками обоих клеймов
func (e *Engine) moveCell(ctx context.Context, cell territory.CellKey, from, to int64, toPlayer, actor uuid.UUID) Result {
	if owner, owned := e.index.OwnerOf(cell); !owned || owner != from {
		return fail(ReasonNotFound, "cell %s no longer belongs to claim %d", cell, from)
	}
	dst, exists := e.index.Get(to)
	if !exists {
		return fail(ReasonNotFound, "claim %d not found", to)
	}
	if dst.IsFull() {
		return fail(ReasonTargetFull, "claim %d has no free capacity", to)
	}

	now := e.now()
	if err := e.audit(ctx, territory.TransferPlayer, cell, from, to, toPlayer, actor, now); err != nil {
		return persistFail(ReasonDatabaseError, "transfer", err)
	}
	if err := e.repo.SaveCell(ctx, territory.Cell{Key: cell, ClaimID: to, ClaimedAt: now}); err != nil {
		return persistFail(ReasonDatabaseError, "save cell", err)
	}
	if err := e.index.MoveCell(cell, from, to, now); err != nil {
		if errors.Is(err, cache.ErrClaimFull) {
			return fail(ReasonTargetFull, "claim %d has no free capacity", to)
		}
		return fail(ReasonInvalidState, "index: %v", err)
	}
	return Result{Success: true}
}

func dedupe(keys []territory.CellKey) []territory.CellKey {
	seen := make(map[territory.CellKey]bool, len(keys))
	out := make([]territory.CellKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
