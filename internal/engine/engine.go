// Package engine реализует протокол владения и передачи территорий.
//
// Каждая изменяющая операция проходит одни и те же шаги:
// проверка, вычисление затронутого множества клеток, расчёт с экономикой,
// запись в хранилище, обновление индекса, аудит и публикация события.
// Ошибки наружу не выходят: результатом всегда является Result.
//
// Порядок захвата замков: владелец (Index.LockOwner), клетка
// (Index.LockCell), клеймы (Index.LockClaims, по возрастанию ID).
//
// Частичные сбои массовых операций не откатываются: уже перенесённые
// клетки остаются перенесёнными, а списанные деньги возвращаются.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/economy"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/storage"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/annel0/mmo-territory/internal/engine"

// Config ограничения и параметры движка
type Config struct {
	// AllowedWorlds миры, в которых разрешены клеймы; пусто - все
	AllowedWorlds []string `yaml:"allowed_worlds"`
	// StartingCells бесплатная ёмкость нового клейма
	StartingCells int `yaml:"starting_cells"`
	// ClaimCost цена захвата одной клетки; 0 - бесплатно
	ClaimCost float64 `yaml:"claim_cost"`
	// MaxClaimsPerWorld сколько клеймов игрок может иметь в одном мире
	MaxClaimsPerWorld int `yaml:"max_claims_per_world"`
	// MaxCellsPerClaim предел ёмкости клейма; 0 - без предела
	MaxCellsPerClaim int `yaml:"max_cells_per_claim"`
	// MaxPoolCells предел купленных клеток в пуле; 0 - без предела
	MaxPoolCells int `yaml:"max_pool_cells"`
	// HistoryLimit записей истории клетки по умолчанию
	HistoryLimit int `yaml:"history_limit"`
	// ClaimNamePrefix префикс имени автоматически созданного клейма
	ClaimNamePrefix string `yaml:"claim_name_prefix"`
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		StartingCells:     4,
		MaxClaimsPerWorld: 1,
		MaxCellsPerClaim:  256,
		MaxPoolCells:      1024,
		HistoryLimit:      50,
		ClaimNamePrefix:   "Claim",
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.StartingCells < 1 {
		return fmt.Errorf("engine: starting_cells must be >= 1, got %d", c.StartingCells)
	}
	if c.ClaimCost < 0 {
		return fmt.Errorf("engine: claim_cost must be non-negative")
	}
	if c.MaxClaimsPerWorld < 1 {
		return fmt.Errorf("engine: max_claims_per_world must be >= 1, got %d", c.MaxClaimsPerWorld)
	}
	if c.MaxCellsPerClaim < 0 || c.MaxPoolCells < 0 {
		return fmt.Errorf("engine: limits must be non-negative")
	}
	if c.MaxCellsPerClaim > 0 && c.MaxCellsPerClaim < c.StartingCells {
		return fmt.Errorf("engine: max_cells_per_claim %d below starting_cells %d", c.MaxCellsPerClaim, c.StartingCells)
	}
	return nil
}

// Observer получает итог каждой операции (метрики)
type Observer interface {
	ObserveOperation(op string, success bool, reason, category string, d time.Duration)
	ObserveCells(op string, n int)
}

// Option настраивает Engine
type Option func(*Engine)

// WithEventBus задаёт шину событий; без неё используется глобальная
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithInvalidator включает рассылку инвалидаций другим узлам
func WithInvalidator(inv cache.Invalidator) Option {
	return func(e *Engine) { e.inv = inv }
}

// WithObserver подключает метрики
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock подменяет часы (тесты)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSource имя узла в событиях
func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

// WithLogger задаёт логгер движка
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine движок территорий. Безопасен для конкурентного использования.
type Engine struct {
	cfg    Config
	worlds map[string]bool

	repo   storage.Repository
	index  *cache.Index
	econ   economy.Economy
	prices *pricing.Engine

	bus      eventbus.EventBus
	inv      cache.Invalidator
	observer Observer
	tracer   trace.Tracer
	log      *logging.Logger
	now      func() time.Time
	source   string
}

// New создаёт движок. Индекс нужно прогреть через Warmup.
func New(cfg Config, repo storage.Repository, index *cache.Index, econ economy.Economy, prices *pricing.Engine, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || index == nil || econ == nil || prices == nil {
		return nil, fmt.Errorf("engine: repository, index, economy and pricing are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ClaimNamePrefix == "" {
		cfg.ClaimNamePrefix = "Claim"
	}

	e := &Engine{
		cfg:    cfg,
		worlds: make(map[string]bool, len(cfg.AllowedWorlds)),
		repo:   repo,
		index:  index,
		econ:   econ,
		prices: prices,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		source: "territory",
	}
	for _, w := range cfg.AllowedWorlds {
		e.worlds[w] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.GetEngineLogger()
	}
	return e, nil
}

// Config возвращает параметры движка
func (e *Engine) Config() Config { return e.cfg }

// Prices движок цен
func (e *Engine) Prices() *pricing.Engine { return e.prices }

// Warmup загружает все клеймы из хранилища в индекс
func (e *Engine) Warmup(ctx context.Context) error {
	claims, err := e.repo.ListClaims(ctx)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	for _, err := range e.index.Load(claims) {
		e.log.Warn("⚠️ Клейм пропущен при прогреве: %v", err)
	}
	nClaims, nCells := e.index.Stats()
	e.log.Info("🗺️ Индекс территорий прогрет: %d клеймов, %d клеток", nClaims, nCells)
	return nil
}

// HandleInvalidation перечитывает клейм из хранилища по уведомлению другого узла
func (e *Engine) HandleInvalidation(key string) error {
	id, err := cache.ParseClaimKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unlock := e.index.LockClaims(id)
	defer unlock()

	claim, err := e.repo.GetClaim(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if e.index.Remove(id) {
			e.log.Debug("Клейм %d удалён по инвалидации", id)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload claim %d: %w", id, err)
	}
	if err := e.index.Put(claim); err != nil {
		return fmt.Errorf("reload claim %d: %w", id, err)
	}
	e.log.Debug("Клейм %d перечитан по инвалидации", id)
	return nil
}

// ---- служебное ----

type correlationKey struct{}

// run оборачивает публичную операцию: span, recover, метрики, логирование
func (e *Engine) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) Result) (res Result) {
	start := time.Now()
	ctx = context.WithValue(ctx, correlationKey{}, uuid.NewString())
	ctx, span := e.tracer.Start(ctx, "territory."+op, trace.WithAttributes(attrs...))

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("💥 %s: panic: %v\n%s", op, r, debug.Stack())
			res = fail(ReasonInvalidState, "internal error in %s", op)
		}
		e.report(op, res, time.Since(start))
		span.SetAttributes(
			attribute.Bool("territory.success", res.Success),
			attribute.String("territory.reason", string(res.Reason)),
			attribute.Int("territory.cells", len(res.Cells)),
		)
		if !res.Success {
			span.SetStatus(codes.Error, res.Message)
		}
		span.End()
	}()

	return fn(ctx)
}

func (e *Engine) report(op string, res Result, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, res.Success, string(res.Reason), string(res.Category), d)
		if res.Success && len(res.Cells) > 0 {
			e.observer.ObserveCells(op, len(res.Cells))
		}
	}
	switch {
	case res.Success:
		e.log.Debug("✅ %s: claim=%d cells=%d price=%.2f (%s)", op, res.ClaimID, len(res.Cells), res.Price, d)
	case res.Category == CategoryPersistenceFailure:
		e.log.Error("❌ %s: %s: %s", op, res.Reason, res.Message)
	default:
		e.log.Debug("%s отклонена: %s: %s", op, res.Reason, res.Message)
	}
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// persistFail результат сбоя хранилища или экономики
func persistFail(reason Reason, what string, err error) Result {
	return fail(reason, "%s: %v", what, err)
}

func (e *Engine) worldAllowed(world string) bool {
	if world == "" {
		return false
	}
	return len(e.worlds) == 0 || e.worlds[world]
}

// charge списывает amount; при отказе возвращает готовый Result
func (e *Engine) charge(ctx context.Context, player uuid.UUID, amount float64) (Result, bool) {
	if amount <= 0 {
		return Result{}, true
	}
	if err := e.econ.Withdraw(ctx, player, amount); err != nil {
		if errors.Is(err, economy.ErrInsufficientFunds) {
			return fail(ReasonInsufficientFunds, "need %.2f", amount), false
		}
		return persistFail(ReasonEconomyError, "withdraw", err), false
	}
	return Result{}, true
}

// refund возвращает списанное; ошибка возврата только логируется
func (e *Engine) refund(ctx context.Context, player uuid.UUID, amount float64) {
	if amount <= 0 {
		return
	}
	if err := e.econ.Deposit(context.WithoutCancel(ctx), player, amount); err != nil {
		e.log.Error("❌ Возврат %.2f игроку %s не выполнен: %v", amount, player, err)
	}
}

// loadPool загружает пул игрока, создавая пустой для нового
func (e *Engine) loadPool(ctx context.Context, player uuid.UUID) (*territory.PlayerChunkPool, error) {
	pool, err := e.repo.GetPool(ctx, player)
	if errors.Is(err, storage.ErrNotFound) {
		return &territory.PlayerChunkPool{Player: player}, nil
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// audit пишет запись истории; ошибка прерывает перенос клетки
func (e *Engine) audit(ctx context.Context, kind territory.TransferKind, cell territory.CellKey, from, to int64, toPlayer, actor uuid.UUID, at time.Time) error {
	rec := territory.NewTransferRecord(kind, cell, from, to, toPlayer, actor, at)
	if err := e.repo.RecordTransfer(ctx, rec); err != nil {
		return fmt.Errorf("audit %s %s: %w", kind, cell, err)
	}
	return nil
}

// publish отправляет событие; ошибки шины не влияют на результат
func (e *Engine) publish(ctx context.Context, ev eventbus.TerritoryEvent) {
	env, err := eventbus.NewEnvelope(e.source, correlationID(ctx), ev)
	if err != nil {
		e.log.Warn("⚠️ Событие %s не сформировано: %v", ev.Type, err)
		return
	}
	if e.bus != nil {
		err = e.bus.Publish(ctx, env)
	} else {
		err = eventbus.Publish(ctx, env)
	}
	if err != nil {
		e.log.Warn("⚠️ Событие %s не опубликовано: %v", ev.Type, err)
	}
}

// invalidate уведомляет другие узлы об изменении клейма
func (e *Engine) invalidate(ctx context.Context, reason string, ids ...int64) {
	if e.inv == nil {
		return
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if err := e.inv.PublishInvalidation(ctx, cache.ClaimKey(id), reason); err != nil {
			e.log.Warn("⚠️ Инвалидация клейма %d не отправлена: %v", id, err)
		}
	}
}

// getOrCreateClaim явная фабрика клейма игрока в мире.
// Выбирает клейм со свободной ёмкостью не меньше need, предпочитая
// соседний с near; иначе создаёт новый, если не исчерпан MaxClaimsPerWorld.
// Вызывать под LockOwner(player).
func (e *Engine) getOrCreateClaim(ctx context.Context, player uuid.UUID, world string, near *territory.CellKey, need int) (*territory.Claim, bool, Result) {
	claims := e.index.ClaimsOf(player, world)

	var pick *territory.Claim
	for _, c := range claims {
		if c.FreeCapacity() < need {
			continue
		}
		if near != nil && c.IsAdjacentTo(*near) {
			pick = c
			break
		}
		if pick == nil {
			pick = c
		}
	}
	if pick != nil {
		return pick, false, Result{Success: true}
	}

	if len(claims) >= e.cfg.MaxClaimsPerWorld {
		return nil, false, fail(ReasonNoCapacity, "no claim with %d free cells in %s and claim limit %d reached",
			need, world, e.cfg.MaxClaimsPerWorld)
	}

	claim, err := e.createClaim(ctx, player, world, need)
	if err != nil {
		return nil, false, persistFail(ReasonDatabaseError, "create claim", err)
	}
	return claim, true, Result{Success: true}
}

func (e *Engine) createClaim(ctx context.Context, player uuid.UUID, world string, need int) (*territory.Claim, error) {
	pool, err := e.loadPool(ctx, player)
	if err != nil {
		return nil, err
	}

	capacity := e.cfg.StartingCells
	if need > capacity {
		capacity = need
	}
	order := pool.ClaimsCreated + 1
	claim := territory.NewClaim(player, world, fmt.Sprintf("%s #%d", e.cfg.ClaimNamePrefix, order), capacity, order, e.now())
	if err := e.repo.SaveClaim(ctx, claim); err != nil {
		return nil, err
	}

	pool.ClaimsCreated = order
	if err := e.repo.SavePool(ctx, pool); err != nil {
		e.log.Warn("⚠️ Счётчик клеймов игрока %s не сохранён: %v", player, err)
	}
	if err := e.index.Put(claim); err != nil {
		_ = e.repo.DeleteClaim(context.WithoutCancel(ctx), claim.ID)
		return nil, err
	}
	e.log.Info("🏳️ Создан клейм %d (%s) игрока %s в мире %s", claim.ID, claim.Name, player, world)
	return claim, nil
}

// dropEmptyClaim убирает только что созданный клейм, в который ничего не попало
func (e *Engine) dropEmptyClaim(ctx context.Context, id int64) {
	ctx = context.WithoutCancel(ctx)
	if err := e.repo.DeleteClaim(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Error("❌ Пустой клейм %d не удалён: %v", id, err)
		return
	}
	e.index.Remove(id)
}

// deleteClaim удаляет клейм с каскадом; вызывать под LockClaims(id)
func (e *Engine) deleteClaim(ctx context.Context, claim *territory.Claim, actor uuid.UUID) error {
	if err := e.repo.DeleteClaim(ctx, claim.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete claim %d: %w", claim.ID, err)
	}
	e.index.Remove(claim.ID)
	e.publish(ctx, eventbus.TerritoryEvent{
		Type:    eventbus.ClaimDeleted,
		Actor:   actor,
		ClaimID: claim.ID,
		Target:  claim.Owner,
		World:   claim.World,
	})
	e.log.Info("🗑️ Клейм %d (%s) удалён", claim.ID, claim.Name)
	return nil
}
