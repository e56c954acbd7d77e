package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
)

// MemoryRepository реализует Repository в памяти.
// Используется для тестов и локальной разработки без БД.
// ВНИМАНИЕ: данные теряются при перезапуске сервера!
type MemoryRepository struct {
	mu        sync.RWMutex
	nextID    int64
	claims    map[int64]*territory.Claim // без клеток
	cells     map[territory.CellKey]territory.Cell
	pools     map[uuid.UUID]territory.PlayerChunkPool
	transfers map[territory.CellKey][]territory.TransferRecord
}

// NewMemoryRepository создаёт пустой репозиторий в памяти
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		claims:    make(map[int64]*territory.Claim),
		cells:     make(map[territory.CellKey]territory.Cell),
		pools:     make(map[uuid.UUID]territory.PlayerChunkPool),
		transfers: make(map[territory.CellKey][]territory.TransferRecord),
	}
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// withCells собирает копию клейма с клетками; вызывать под блокировкой
func (r *MemoryRepository) withCells(c *territory.Claim) *territory.Claim {
	out := c.Clone()
	out.Cells = make(map[territory.CellKey]time.Time)
	for k, cell := range r.cells {
		if cell.ClaimID == c.ID {
			out.Cells[k] = cell.ClaimedAt
		}
	}
	return out
}

// GetClaim загружает клейм с клетками
func (r *MemoryRepository) GetClaim(ctx context.Context, id int64) (*territory.Claim, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	return r.withCells(c), nil
}

// ListClaims возвращает все клеймы, упорядоченные по ID
func (r *MemoryRepository) ListClaims(ctx context.Context) ([]*territory.Claim, error) {
	return r.listWhere(ctx, func(*territory.Claim) bool { return true })
}

// ListClaimsByOwner возвращает клеймы игрока
func (r *MemoryRepository) ListClaimsByOwner(ctx context.Context, owner uuid.UUID) ([]*territory.Claim, error) {
	return r.listWhere(ctx, func(c *territory.Claim) bool { return c.Owner == owner })
}

func (r *MemoryRepository) listWhere(ctx context.Context, keep func(*territory.Claim) bool) ([]*territory.Claim, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	byClaim := make(map[int64]map[territory.CellKey]time.Time, len(r.claims))
	for k, cell := range r.cells {
		m := byClaim[cell.ClaimID]
		if m == nil {
			m = make(map[territory.CellKey]time.Time)
			byClaim[cell.ClaimID] = m
		}
		m[k] = cell.ClaimedAt
	}

	out := make([]*territory.Claim, 0, len(r.claims))
	for id, c := range r.claims {
		if !keep(c) {
			continue
		}
		cp := c.Clone()
		cp.Cells = byClaim[id]
		if cp.Cells == nil {
			cp.Cells = make(map[territory.CellKey]time.Time)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveClaim сохраняет метаданные; при ID == 0 назначает новый
func (r *MemoryRepository) SaveClaim(ctx context.Context, claim *territory.Claim) error {
	if claim == nil || claim.Owner == uuid.Nil {
		return fmt.Errorf("недействительный клейм")
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if claim.ID == 0 {
		r.nextID++
		claim.ID = r.nextID
	} else if claim.ID > r.nextID {
		r.nextID = claim.ID
	}

	stored := claim.Clone()
	stored.Cells = nil
	r.claims[claim.ID] = stored
	return nil
}

// DeleteClaim удаляет клейм и его клетки
func (r *MemoryRepository) DeleteClaim(ctx context.Context, id int64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[id]; !ok {
		return fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	delete(r.claims, id)
	for k, cell := range r.cells {
		if cell.ClaimID == id {
			delete(r.cells, k)
		}
	}
	return nil
}

// GetCell загружает клетку
func (r *MemoryRepository) GetCell(ctx context.Context, key territory.CellKey) (territory.Cell, error) {
	if err := checkCtx(ctx); err != nil {
		return territory.Cell{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	cell, ok := r.cells[key]
	if !ok {
		return territory.Cell{}, fmt.Errorf("cell %s: %w", key, ErrNotFound)
	}
	return cell, nil
}

// ListCells возвращает клетки клейма в детерминированном порядке
func (r *MemoryRepository) ListCells(ctx context.Context, claimID int64) ([]territory.Cell, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []territory.Cell
	for _, cell := range r.cells {
		if cell.ClaimID == claimID {
			out = append(out, cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// SaveCell записывает клетку; клейм должен существовать
func (r *MemoryRepository) SaveCell(ctx context.Context, cell territory.Cell) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[cell.ClaimID]; !ok {
		return fmt.Errorf("cell %s references claim %d: %w", cell.Key, cell.ClaimID, ErrNotFound)
	}
	r.cells[cell.Key] = cell
	return nil
}

// DeleteCell удаляет клетку
func (r *MemoryRepository) DeleteCell(ctx context.Context, key territory.CellKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cells[key]; !ok {
		return fmt.Errorf("cell %s: %w", key, ErrNotFound)
	}
	delete(r.cells, key)
	return nil
}

// GetPool загружает пул игрока
func (r *MemoryRepository) GetPool(ctx context.Context, player uuid.UUID) (*territory.PlayerChunkPool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[player]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", player, ErrNotFound)
	}
	return &p, nil
}

// SavePool сохраняет пул игрока
func (r *MemoryRepository) SavePool(ctx context.Context, pool *territory.PlayerChunkPool) error {
	if pool == nil || pool.Player == uuid.Nil {
		return fmt.Errorf("недействительный пул")
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pools[pool.Player] = *pool
	return nil
}

// RecordTransfer добавляет запись аудита
func (r *MemoryRepository) RecordTransfer(ctx context.Context, rec territory.TransferRecord) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.transfers[rec.Cell] = append(r.transfers[rec.Cell], rec)
	return nil
}

// ListTransfers возвращает записи по клетке, новые первыми
func (r *MemoryRepository) ListTransfers(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.transfers[cell]
	out := make([]territory.TransferRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close ничего не делает
func (r *MemoryRepository) Close() error { return nil }

// Count возвращает число клеймов и клеток (для тестов и статистики)
func (r *MemoryRepository) Count() (claims, cells int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claims), len(r.cells)
}
