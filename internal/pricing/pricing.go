// Package pricing содержит чистые функции стоимости территорий.
package pricing

import (
	"fmt"
	"math"
	"sort"
)

// OrderTier множитель, действующий начиная с порядкового номера клейма
type OrderTier struct {
	FromOrder  int     `yaml:"from_order" json:"from_order"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// Config параметры ценообразования
type Config struct {
	BasePrice       float64     `yaml:"base_price"`
	GrowthRate      float64     `yaml:"growth_rate"`
	MaxPricePerCell float64     `yaml:"max_price_per_cell"`
	OrderTiers      []OrderTier `yaml:"order_tiers"`
	TeleportOwner   float64     `yaml:"teleport_owner"`
	TeleportVisitor float64     `yaml:"teleport_visitor"`
	TransferFlat    float64     `yaml:"transfer_flat"`
	TransferPerCell float64     `yaml:"transfer_per_cell"`
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		BasePrice:       100,
		GrowthRate:      1.1,
		MaxPricePerCell: 10000,
		OrderTiers: []OrderTier{
			{FromOrder: 1, Multiplier: 1.0},
			{FromOrder: 2, Multiplier: 1.5},
			{FromOrder: 4, Multiplier: 2.0},
			{FromOrder: 8, Multiplier: 3.0},
		},
		TeleportOwner:   0,
		TeleportVisitor: 50,
		TransferFlat:    0,
		TransferPerCell: 0,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.BasePrice < 0 || c.MaxPricePerCell < 0 {
		return fmt.Errorf("pricing: prices must be non-negative")
	}
	if c.GrowthRate < 1 {
		return fmt.Errorf("pricing: growth_rate must be >= 1, got %v", c.GrowthRate)
	}
	if c.TeleportOwner < 0 || c.TeleportVisitor < 0 || c.TransferFlat < 0 || c.TransferPerCell < 0 {
		return fmt.Errorf("pricing: fees must be non-negative")
	}
	tiers := sortedTiers(c.OrderTiers)
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Multiplier < tiers[i-1].Multiplier {
			return fmt.Errorf("pricing: order tier %d multiplier %v is below previous %v",
				tiers[i].FromOrder, tiers[i].Multiplier, tiers[i-1].Multiplier)
		}
	}
	return nil
}

// Engine вычисляет цены по конфигурации
type Engine struct {
	cfg   Config
	tiers []OrderTier
}

// New создаёт движок цен; конфигурация должна пройти Validate
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, tiers: sortedTiers(cfg.OrderTiers)}, nil
}

// Config возвращает текущую конфигурацию
func (e *Engine) Config() Config { return e.cfg }

// CellPrice цена клетки при уже купленных alreadyPurchased:
// min(base * growth^n, max)
func (e *Engine) CellPrice(alreadyPurchased int) float64 {
	if alreadyPurchased < 0 {
		alreadyPurchased = 0
	}
	p := e.cfg.BasePrice * math.Pow(e.cfg.GrowthRate, float64(alreadyPurchased))
	if e.cfg.MaxPricePerCell > 0 && p > e.cfg.MaxPricePerCell {
		return e.cfg.MaxPricePerCell
	}
	return p
}

// capIndex первый n, на котором действует потолок цены
func (e *Engine) capIndex() int {
	c := e.cfg
	if c.MaxPricePerCell <= 0 || c.BasePrice <= 0 {
		return math.MaxInt
	}
	if c.BasePrice >= c.MaxPricePerCell {
		return 0
	}
	if c.GrowthRate == 1 {
		return math.MaxInt
	}
	n := int(math.Ceil(math.Log(c.MaxPricePerCell/c.BasePrice) / math.Log(c.GrowthRate)))
	// поправка на погрешность логарифма
	for n > 0 && e.CellPrice(n-1) >= c.MaxPricePerCell {
		n--
	}
	for e.CellPrice(n) < c.MaxPricePerCell {
		n++
	}
	return n
}

// BulkPrice сумма CellPrice(n+i) для i в [0, count).
// До потолка используется сумма геометрической прогрессии,
// после потолка каждая клетка стоит ровно MaxPricePerCell.
func (e *Engine) BulkPrice(alreadyPurchased, count int) float64 {
	if count <= 0 {
		return 0
	}
	if alreadyPurchased < 0 {
		alreadyPurchased = 0
	}

	capAt := e.capIndex()
	end := alreadyPurchased + count

	geoEnd := end
	if capAt < geoEnd {
		geoEnd = capAt
	}

	total := 0.0
	if geoEnd > alreadyPurchased {
		total += e.geometric(alreadyPurchased, geoEnd-alreadyPurchased)
	}
	capped := end - max(alreadyPurchased, capAt)
	if capped > 0 {
		total += float64(capped) * e.cfg.MaxPricePerCell
	}
	return total
}

func (e *Engine) geometric(from, count int) float64 {
	c := e.cfg
	first := c.BasePrice * math.Pow(c.GrowthRate, float64(from))
	if c.GrowthRate == 1 {
		return first * float64(count)
	}
	return first * (math.Pow(c.GrowthRate, float64(count)) - 1) / (c.GrowthRate - 1)
}

// ClaimOrderMultiplier множитель для клейма с номером order (с 1).
// Не убывает по order и не меньше 1.
func (e *Engine) ClaimOrderMultiplier(order int) float64 {
	m := 1.0
	for _, t := range e.tiers {
		if order < t.FromOrder {
			break
		}
		m = t.Multiplier
	}
	if m < 1 {
		return 1
	}
	return m
}

// ClaimCellsPrice цена покупки count клеток напрямую в клейм
func (e *Engine) ClaimCellsPrice(purchasedInClaim, count, order int) float64 {
	return e.BulkPrice(purchasedInClaim, count) * e.ClaimOrderMultiplier(order)
}

// TeleportCost фиксированная цена телепорта
func (e *Engine) TeleportCost(isOwner bool) float64 {
	if isOwner {
		return e.cfg.TeleportOwner
	}
	return e.cfg.TeleportVisitor
}

// TransferFee комиссия за передачу cells клеток другому игроку
func (e *Engine) TransferFee(cells int) float64 {
	if cells <= 0 {
		return 0
	}
	return e.cfg.TransferFlat + e.cfg.TransferPerCell*float64(cells)
}

func sortedTiers(in []OrderTier) []OrderTier {
	out := append([]OrderTier(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FromOrder < out[j].FromOrder })
	return out
}
