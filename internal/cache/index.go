package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Ошибки индекса
var (
	ErrClaimNotFound = errors.New("index: claim not found")
	ErrCellOwned     = errors.New("index: cell already owned")
	ErrCellNotOwned  = errors.New("index: cell not owned by claim")
	ErrClaimFull     = errors.New("index: claim has no free capacity")
)

const stripeCount = 64

// IndexListener получает изменения индекса после их применения.
// Вызовы идут вне блокировок индекса и не должны блокироваться надолго.
type IndexListener interface {
	CellIndexed(key territory.CellKey, claimID int64)
	CellDropped(key territory.CellKey)
	ClaimDropped(claimID int64)
}

type claimLock struct {
	mu   sync.Mutex
	refs int
}

type indexChange struct {
	key     territory.CellKey
	claimID int64
	drop    bool
	claim   bool
}

// Index общий для процесса индекс claim -> клетки и клетка -> claim.
// Снаружи доступны только проверяемые операции; сырые карты не выдаются.
// Писатели сериализуются замками клеймов (LockClaims), сам индекс
// защищён RWMutex и всегда внутренне согласован.
type Index struct {
	mu     sync.RWMutex
	claims map[int64]*territory.Claim
	cells  map[territory.CellKey]int64

	lockMu sync.Mutex
	locks  map[int64]*claimLock

	cellStripes  [stripeCount]sync.Mutex
	ownerStripes [stripeCount]sync.Mutex

	listenersMu sync.RWMutex
	listeners   []IndexListener
}

// NewIndex создаёт пустой индекс
func NewIndex() *Index {
	return &Index{
		claims: make(map[int64]*territory.Claim),
		cells:  make(map[territory.CellKey]int64),
		locks:  make(map[int64]*claimLock),
	}
}

// AddListener подписывает получателя изменений
func (ix *Index) AddListener(l IndexListener) {
	ix.listenersMu.Lock()
	ix.listeners = append(ix.listeners, l)
	ix.listenersMu.Unlock()
}

func (ix *Index) notify(changes []indexChange) {
	if len(changes) == 0 {
		return
	}
	ix.listenersMu.RLock()
	defer ix.listenersMu.RUnlock()
	for _, l := range ix.listeners {
		for _, ch := range changes {
			switch {
			case ch.claim:
				l.ClaimDropped(ch.claimID)
			case ch.drop:
				l.CellDropped(ch.key)
			default:
				l.CellIndexed(ch.key, ch.claimID)
			}
		}
	}
}

// ---- блокировки ----

// LockClaims захватывает замки клеймов в порядке возрастания ID.
// Нулевые и повторяющиеся ID пропускаются. Возвращает функцию освобождения.
func (ix *Index) LockClaims(ids ...int64) func() {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id != 0 && !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	held := make([]*claimLock, 0, len(uniq))
	for _, id := range uniq {
		ix.lockMu.Lock()
		l := ix.locks[id]
		if l == nil {
			l = &claimLock{}
			ix.locks[id] = l
		}
		l.refs++
		ix.lockMu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l := held[i]
			l.mu.Unlock()

			ix.lockMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(ix.locks, uniq[i])
			}
			ix.lockMu.Unlock()
		}
	}
}

// LockCell сериализует операции над одной свободной клеткой.
// Порядок захвата: владелец, клетка, клеймы.
func (ix *Index) LockCell(key territory.CellKey) func() {
	m := &ix.cellStripes[xxhash.Sum64String(key.String())%stripeCount]
	m.Lock()
	return m.Unlock
}

// LockOwner сериализует создание клеймов одного игрока
func (ix *Index) LockOwner(owner uuid.UUID) func() {
	m := &ix.ownerStripes[xxhash.Sum64(owner[:])%stripeCount]
	m.Lock()
	return m.Unlock
}

// ---- чтение ----

// Get возвращает копию клейма
func (ix *Index) Get(id int64) (*territory.Claim, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.claims[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Exists проверяет наличие клейма без копирования
func (ix *Index) Exists(id int64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.claims[id]
	return ok
}

// OwnerOf возвращает ID клейма, владеющего клеткой
func (ix *Index) OwnerOf(key territory.CellKey) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.cells[key]
	return id, ok
}

// ClaimsOf копии клеймов игрока; world == "" означает все миры
func (ix *Index) ClaimsOf(owner uuid.UUID, world string) []*territory.Claim {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*territory.Claim
	for _, c := range ix.claims {
		if c.Owner == owner && (world == "" || c.World == world) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllocatedBeyond сумма (TotalCells - baseline) по клеймам игрока
func (ix *Index) AllocatedBeyond(owner uuid.UUID, baseline int) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	total := 0
	for _, c := range ix.claims {
		if c.Owner != owner {
			continue
		}
		if extra := c.TotalCells - baseline; extra > 0 {
			total += extra
		}
	}
	return total
}

// Stats количество клеймов и клеток
func (ix *Index) Stats() (claims, cells int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.claims), len(ix.cells)
}

// IDs отсортированные ID всех клеймов
func (ix *Index) IDs() []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]int64, 0, len(ix.claims))
	for id := range ix.claims {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ---- запись ----

// Put заменяет клейм целиком, включая клетки.
// Клетки, принадлежащие другому клейму, дают ErrCellOwned без изменений.
func (ix *Index) Put(claim *territory.Claim) error {
	if claim == nil || claim.ID == 0 {
		return fmt.Errorf("index: claim without id")
	}
	stored := claim.Clone()

	ix.mu.Lock()
	for k := range stored.Cells {
		if owner, ok := ix.cells[k]; ok && owner != stored.ID {
			ix.mu.Unlock()
			return fmt.Errorf("%w: %s belongs to claim %d", ErrCellOwned, k, owner)
		}
	}

	var changes []indexChange
	if old, ok := ix.claims[stored.ID]; ok {
		for k := range old.Cells {
			if _, keep := stored.Cells[k]; !keep {
				delete(ix.cells, k)
				changes = append(changes, indexChange{key: k, drop: true})
			}
		}
	}
	for k := range stored.Cells {
		if _, had := ix.cells[k]; !had {
			changes = append(changes, indexChange{key: k, claimID: stored.ID})
		}
		ix.cells[k] = stored.ID
	}
	ix.claims[stored.ID] = stored
	ix.mu.Unlock()

	ix.notify(changes)
	return nil
}

// Load заменяет содержимое индекса (прогрев из хранилища).
// Клейм с клеткой, уже занятой другим, пропускается и возвращается в списке ошибок.
func (ix *Index) Load(claims []*territory.Claim) []error {
	ix.mu.Lock()
	ix.claims = make(map[int64]*territory.Claim, len(claims))
	ix.cells = make(map[territory.CellKey]int64)
	ix.mu.Unlock()

	var errs []error
	for _, c := range claims {
		if err := ix.Put(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Remove удаляет клейм и все его клетки из индекса
func (ix *Index) Remove(id int64) bool {
	ix.mu.Lock()
	c, ok := ix.claims[id]
	if !ok {
		ix.mu.Unlock()
		return false
	}
	changes := make([]indexChange, 0, len(c.Cells)+1)
	for k := range c.Cells {
		if ix.cells[k] == id {
			delete(ix.cells, k)
			changes = append(changes, indexChange{key: k, drop: true})
		}
	}
	delete(ix.claims, id)
	changes = append(changes, indexChange{claimID: id, claim: true})
	ix.mu.Unlock()

	ix.notify(changes)
	return true
}

// AddCell привязывает свободную клетку к клейму с учётом ёмкости
func (ix *Index) AddCell(id int64, key territory.CellKey, at time.Time) error {
	ix.mu.Lock()
	c, ok := ix.claims[id]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimNotFound, id)
	}
	if owner, owned := ix.cells[key]; owned {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %s belongs to claim %d", ErrCellOwned, key, owner)
	}
	if len(c.Cells) >= c.TotalCells {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimFull, id)
	}
	c.Cells[key] = at
	ix.cells[key] = id
	ix.mu.Unlock()

	ix.notify([]indexChange{{key: key, claimID: id}})
	return nil
}

// RemoveCell отвязывает клетку от клейма
func (ix *Index) RemoveCell(id int64, key territory.CellKey) error {
	ix.mu.Lock()
	c, ok := ix.claims[id]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimNotFound, id)
	}
	if owner, owned := ix.cells[key]; !owned || owner != id {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %s / %d", ErrCellNotOwned, key, id)
	}
	delete(c.Cells, key)
	delete(ix.cells, key)
	ix.mu.Unlock()

	ix.notify([]indexChange{{key: key, drop: true}})
	return nil
}

// MoveCell атомарно переносит клетку между клеймами
func (ix *Index) MoveCell(key territory.CellKey, from, to int64, at time.Time) error {
	ix.mu.Lock()
	src, ok := ix.claims[from]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimNotFound, from)
	}
	dst, ok := ix.claims[to]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimNotFound, to)
	}
	if owner, owned := ix.cells[key]; !owned || owner != from {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %s / %d", ErrCellNotOwned, key, from)
	}
	if len(dst.Cells) >= dst.TotalCells {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClaimFull, to)
	}
	delete(src.Cells, key)
	dst.Cells[key] = at
	ix.cells[key] = to
	ix.mu.Unlock()

	ix.notify([]indexChange{{key: key, claimID: to}})
	return nil
}

// SetCapacity меняет ёмкость клейма
func (ix *Index) SetCapacity(id int64, total int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	c, ok := ix.claims[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrClaimNotFound, id)
	}
	c.TotalCells = total
	return nil
}

// Update применяет fn к копии метаданных клейма и сохраняет результат.
// Клетки меняются только через AddCell/RemoveCell/MoveCell: изменения
// Cells внутри fn игнорируются.
func (ix *Index) Update(id int64, fn func(c *territory.Claim) error) (*territory.Claim, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClaimNotFound, id)
	}
	cp := c.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.ID = c.ID
	cp.Cells = c.Cells
	ix.claims[id] = cp
	return cp.Clone(), nil
}

// Verify проверяет ссылочную согласованность индекса
func (ix *Index) Verify() []error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var errs []error
	for k, id := range ix.cells {
		c, ok := ix.claims[id]
		if !ok {
			errs = append(errs, fmt.Errorf("cell %s references missing claim %d", k, id))
			continue
		}
		if !c.HasCell(k) {
			errs = append(errs, fmt.Errorf("cell %s references claim %d which does not contain it", k, id))
		}
	}
	for id, c := range ix.claims {
		for k := range c.Cells {
			if owner, ok := ix.cells[k]; !ok || owner != id {
				errs = append(errs, fmt.Errorf("claim %d lists cell %s not indexed to it", id, k))
			}
		}
		if len(c.Cells) > c.TotalCells {
			errs = append(errs, fmt.Errorf("claim %d has %d cells over capacity %d", id, len(c.Cells), c.TotalCells))
		}
		if len(c.Cells) == 0 {
			errs = append(errs, fmt.Errorf("claim %d has no cells", id))
		}
	}
	return errs
}
