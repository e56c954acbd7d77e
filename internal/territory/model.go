// Package territory содержит модель данных территорий: клетки, клеймы,
// пул купленных клеток игрока и записи аудита передач.
package territory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/annel0/mmo-territory/internal/vec"
	"github.com/google/uuid"
)

// CellKey уникальный ключ клетки на сервере
type CellKey struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Z     int    `json:"z"`
}

// NewCellKey создаёт ключ из мира и координат клетки
func NewCellKey(world string, pos vec.Vec2) CellKey {
	return CellKey{World: world, X: pos.X, Z: pos.Z}
}

// Pos координаты клетки
func (k CellKey) Pos() vec.Vec2 {
	return vec.Vec2{X: k.X, Z: k.Z}
}

// String формат world:x:z, используется как ключ в KV-хранилищах
func (k CellKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.World, k.X, k.Z)
}

// Less порядок по миру, X, Z
func (k CellKey) Less(o CellKey) bool {
	if k.World != o.World {
		return k.World < o.World
	}
	return k.Pos().Less(o.Pos())
}

// ParseCellKey разбирает ключ формата world:x:z. Мир может содержать двоеточия.
func ParseCellKey(s string) (CellKey, error) {
	zi := strings.LastIndex(s, ":")
	if zi <= 0 {
		return CellKey{}, fmt.Errorf("invalid cell key %q", s)
	}
	xi := strings.LastIndex(s[:zi], ":")
	if xi <= 0 {
		return CellKey{}, fmt.Errorf("invalid cell key %q", s)
	}
	x, err := strconv.Atoi(s[xi+1 : zi])
	if err != nil {
		return CellKey{}, fmt.Errorf("invalid cell x in %q: %w", s, err)
	}
	z, err := strconv.Atoi(s[zi+1:])
	if err != nil {
		return CellKey{}, fmt.Errorf("invalid cell z in %q: %w", s, err)
	}
	return CellKey{World: s[:xi], X: x, Z: z}, nil
}

// SortKeys сортирует ключи детерминированно
func SortKeys(keys []CellKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// Cell строка владения клеткой
type Cell struct {
	Key       CellKey   `json:"key"`
	ClaimID   int64     `json:"claim_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Settings флаги защиты клейма; ядро их не интерпретирует
type Settings map[string]bool

// Claim единица владения: один владелец, ёмкость и набор клеток
type Claim struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Owner       uuid.UUID          `json:"owner"`
	World       string             `json:"world"`
	TotalCells  int                `json:"total_cells"`
	ClaimOrder  int                `json:"claim_order"`
	Color       string             `json:"color,omitempty"`
	Icon        string             `json:"icon,omitempty"`
	Settings    Settings           `json:"settings,omitempty"`
	BankAccount string             `json:"bank_account,omitempty"`
	Roster      *permission.Roster `json:"roster"`
	CreatedAt   time.Time          `json:"created_at"`

	// Cells хранятся отдельными строками, в документ клейма не попадают
	Cells map[CellKey]time.Time `json:"-"`
}

// NewClaim создаёт клейм без клеток; ID назначает репозиторий
func NewClaim(owner uuid.UUID, world, name string, totalCells, order int, now time.Time) *Claim {
	return &Claim{
		Name:       name,
		Owner:      owner,
		World:      world,
		TotalCells: totalCells,
		ClaimOrder: order,
		Settings:   Settings{},
		Roster:     &permission.Roster{},
		CreatedAt:  now,
		Cells:      make(map[CellKey]time.Time),
	}
}

// Clone глубокая копия клейма
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Settings = make(Settings, len(c.Settings))
	for k, v := range c.Settings {
		cp.Settings[k] = v
	}
	cp.Roster = c.Roster.Clone()
	cp.Cells = make(map[CellKey]time.Time, len(c.Cells))
	for k, v := range c.Cells {
		cp.Cells[k] = v
	}
	return &cp
}

// CellCount число клеток
func (c *Claim) CellCount() int { return len(c.Cells) }

// FreeCapacity свободная ёмкость
func (c *Claim) FreeCapacity() int {
	free := c.TotalCells - len(c.Cells)
	if free < 0 {
		return 0
	}
	return free
}

// IsFull true, если свободной ёмкости нет
func (c *Claim) IsFull() bool { return c.FreeCapacity() == 0 }

// HasCell проверяет принадлежность клетки
func (c *Claim) HasCell(key CellKey) bool {
	_, ok := c.Cells[key]
	return ok
}

// CellKeys отсортированный список клеток
func (c *Claim) CellKeys() []CellKey {
	keys := make([]CellKey, 0, len(c.Cells))
	for k := range c.Cells {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// IsAdjacentTo true, если клетка соседствует хотя бы с одной клеткой клейма
func (c *Claim) IsAdjacentTo(key CellKey) bool {
	for _, n := range key.Pos().Neighbors4() {
		if c.HasCell(NewCellKey(key.World, n)) {
			return true
		}
	}
	return false
}

// HasClaimPermission проверка права уровня клейма
func (c *Claim) HasClaimPermission(player uuid.UUID, perm permission.ClaimPermission, isAdmin bool) bool {
	return permission.HasClaimPermission(c.Owner, c.Roster, player, perm, isAdmin)
}

// HasManagementPermission проверка права управления
func (c *Claim) HasManagementPermission(player uuid.UUID, perm permission.ManagementPermission, isAdmin bool) bool {
	return permission.HasManagementPermission(c.Owner, c.Roster, player, perm, isAdmin)
}

// Validate проверяет инварианты клейма
func (c *Claim) Validate() error {
	if c.Owner == uuid.Nil {
		return fmt.Errorf("claim %d: empty owner", c.ID)
	}
	if c.World == "" {
		return fmt.Errorf("claim %d: empty world", c.ID)
	}
	if len(c.Cells) > c.TotalCells {
		return fmt.Errorf("claim %d: %d cells exceed capacity %d", c.ID, len(c.Cells), c.TotalCells)
	}
	for k := range c.Cells {
		if k.World != c.World {
			return fmt.Errorf("claim %d: cell %s outside world %s", c.ID, k, c.World)
		}
	}
	return nil
}

// PlayerChunkPool глобальный пул купленных игроком клеток
type PlayerChunkPool struct {
	Player         uuid.UUID `json:"player"`
	PurchasedCells int       `json:"purchased_cells"`
	TotalSpent     float64   `json:"total_spent"`
	LastPurchase   time.Time `json:"last_purchase,omitempty"`
	// ClaimsCreated монотонный счётчик созданных клеймов, источник ClaimOrder
	ClaimsCreated int `json:"claims_created"`
}

// Available свободные клетки пула при заданном распределении
func (p *PlayerChunkPool) Available(allocated int) int {
	free := p.PurchasedCells - allocated
	if free < 0 {
		return 0
	}
	return free
}

// TransferKind причина смены владельца клетки
type TransferKind string

const (
	TransferClaim    TransferKind = "claim"
	TransferUnclaim  TransferKind = "unclaim"
	TransferReassign TransferKind = "reassign"
	TransferPlayer   TransferKind = "transfer"
)

// TransferRecord неизменяемая запись аудита
type TransferRecord struct {
	ID        string       `json:"id"`
	Cell      CellKey      `json:"cell"`
	FromClaim int64        `json:"from_claim"`
	ToClaim   int64        `json:"to_claim"`
	ToPlayer  uuid.UUID    `json:"to_player"`
	Actor     uuid.UUID    `json:"actor"`
	Kind      TransferKind `json:"kind"`
	At        time.Time    `json:"at"`
}

// NewTransferRecord создаёт запись с новым идентификатором
func NewTransferRecord(kind TransferKind, cell CellKey, from, to int64, toPlayer, actor uuid.UUID, at time.Time) TransferRecord {
	return TransferRecord{
		ID:        uuid.NewString(),
		Cell:      cell,
		FromClaim: from,
		ToClaim:   to,
		ToPlayer:  toPlayer,
		Actor:     actor,
		Kind:      kind,
		At:        at,
	}
}
