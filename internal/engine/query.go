package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/annel0/mmo-territory/internal/region"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
)

// PoolView состояние пула игрока с учётом распределения
type PoolView struct {
	territory.PlayerChunkPool
	Allocated int `json:"allocated"`
	Available int `json:"available"`
}

// ClaimByID возвращает копию клейма
func (e *Engine) ClaimByID(ctx context.Context, id int64) (*territory.Claim, error) {
	claim, exists := e.index.Get(id)
	if !exists {
		return nil, opErr(ReasonNotFound, "claim %d not found", id)
	}
	return claim, nil
}

// ClaimAt возвращает клейм, которому принадлежит клетка
func (e *Engine) ClaimAt(ctx context.Context, cell territory.CellKey) (*territory.Claim, error) {
	id, owned := e.index.OwnerOf(cell)
	if !owned {
		return nil, opErr(ReasonNotFound, "cell %s is not claimed", cell)
	}
	return e.ClaimByID(ctx, id)
}

// ClaimsOf клеймы игрока; world == "" означает все миры
func (e *Engine) ClaimsOf(ctx context.Context, player uuid.UUID, world string) []*territory.Claim {
	return e.index.ClaimsOf(player, world)
}

// Pool пул игрока; новый игрок получает пустой пул
func (e *Engine) Pool(ctx context.Context, player uuid.UUID) (PoolView, error) {
	if player == uuid.Nil {
		return PoolView{}, opErr(ReasonNoPlayerData, "player id is empty")
	}
	pool, err := e.loadPool(ctx, player)
	if err != nil {
		return PoolView{}, &OpError{Reason: ReasonDatabaseError, Err: err}
	}
	allocated := e.index.AllocatedBeyond(player, e.cfg.StartingCells)
	return PoolView{
		PlayerChunkPool: *pool,
		Allocated:       allocated,
		Available:       pool.Available(allocated),
	}, nil
}

// History записи смены владельца клетки, новые первыми
func (e *Engine) History(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	if limit <= 0 || limit > e.cfg.HistoryLimit {
		limit = e.cfg.HistoryLimit
	}
	recs, err := e.repo.ListTransfers(ctx, cell, limit)
	if err != nil {
		return nil, &OpError{Reason: ReasonDatabaseError, Err: err}
	}
	return recs, nil
}

// ConnectedRegion связная область клейма, содержащая клетку
func (e *Engine) ConnectedRegion(ctx context.Context, claimID int64, cell territory.CellKey) ([]territory.CellKey, error) {
	claim, exists := e.index.Get(claimID)
	if !exists {
		return nil, opErr(ReasonNotFound, "claim %d not found", claimID)
	}
	if !claim.HasCell(cell) {
		return nil, opErr(ReasonNotFound, "cell %s is not part of claim %d", cell, claimID)
	}
	return region.Connected(claim, cell), nil
}

// Stats размер индекса
func (e *Engine) Stats() (claims, cells int) {
	return e.index.Stats()
}

// VerifyConsistency проверяет ссылочную согласованность индекса и
// его соответствие хранилищу. Пустой результат означает согласованность.
func (e *Engine) VerifyConsistency(ctx context.Context) []error {
	errs := e.index.Verify()

	for _, id := range e.index.IDs() {
		unlock := e.index.LockClaims(id)
		claim, exists := e.index.Get(id)
		if !exists {
			unlock()
			continue
		}
		stored, err := e.repo.ListCells(ctx, id)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("claim %d: list cells: %w", id, err))
			continue
		}
		seen := make(map[territory.CellKey]bool, len(stored))
		for _, c := range stored {
			seen[c.Key] = true
			if !claim.HasCell(c.Key) {
				errs = append(errs, fmt.Errorf("claim %d: stored cell %s missing from index", id, c.Key))
			}
		}
		for _, k := range claim.CellKeys() {
			if !seen[k] {
				errs = append(errs, fmt.Errorf("claim %d: indexed cell %s missing from storage", id, k))
			}
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}
