package main

import (
	"context"
	"fmt"
	"io"

	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/config"
	"github.com/annel0/mmo-territory/internal/economy"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/storage"
)

// closers закрывает ресурсы в обратном порядке открытия
type closers []namedCloser

type namedCloser struct {
	name string
	c    io.Closer
}

func (cs *closers) add(name string, c io.Closer) {
	*cs = append(*cs, namedCloser{name: name, c: c})
}

func (cs closers) closeAll() {
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].c.Close(); err != nil {
			logging.Error("❌ Ошибка закрытия %s: %v", cs[i].name, err)
		} else {
			logging.Debug("Закрыт %s", cs[i].name)
		}
	}
}

// openRepository выбирает хранилище клеймов и подключает журнал аудита
func openRepository(cfg config.StorageConfig) (storage.Repository, error) {
	var (
		repo storage.Repository
		err  error
	)
	switch cfg.Backend {
	case "maria":
		repo, err = storage.NewMariaRepository(cfg.DSN)
	case "badger":
		repo, err = storage.NewBadgerRepository(cfg.BadgerPath)
	default:
		repo = storage.NewMemoryRepository()
		logging.Warn("⚠️ Используется in-memory хранилище клеймов, данные не переживут перезапуск")
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Backend, err)
	}
	logging.Info("💾 Хранилище клеймов: %s", backendName(cfg.Backend))

	if cfg.Audit.URI == "" {
		return repo, nil
	}
	audit, err := storage.NewMongoAuditLog(cfg.Audit)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("mongo audit: %w", err)
	}
	logging.Info("📜 Журнал передач дублируется в MongoDB %s", cfg.Audit.Database)
	return storage.WithAuditLog(repo, audit), nil
}

// openEconomy выбирает реестр балансов
func openEconomy(cfg config.EconomyConfig) (economy.Economy, io.Closer, error) {
	if cfg.Backend == "redis" {
		econ, err := economy.NewRedisEconomy(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis economy: %w", err)
		}
		logging.Info("💰 Балансы игроков в Redis %s", cfg.Redis.Addr)
		return econ, econ, nil
	}
	logging.Warn("⚠️ Используется in-memory экономика (стартовый баланс %.2f)", cfg.StartingBalance)
	return economy.NewMemoryEconomyWithStartingBalance(cfg.StartingBalance), nil, nil
}

// openEventBus выбирает шину событий
func openEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.Backend == "jetstream" {
		bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, cfg.RetentionDuration())
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		logging.Info("📨 JetStream шина: %s, stream %s", cfg.URL, cfg.Stream)
		return bus, nil
	}
	logging.Info("📨 In-memory шина событий (буфер %d)", cfg.Capacity)
	return eventbus.NewMemoryBus(cfg.Capacity), nil
}

// openAccounts выбирает хранилище сервисных аккаунтов
func openAccounts(ctx context.Context, cfg *config.Config) (auth.AccountStore, io.Closer, error) {
	if cfg.Server.AccountsBackend == "maria" {
		store, err := auth.NewMariaAccountStore(ctx, cfg.Storage.DSN, cfg.Server.ServiceAccounts)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	store, err := auth.NewMemoryAccountStore(cfg.Server.ServiceAccounts)
	if err != nil {
		return nil, nil, err
	}
	if store.Count() == 0 {
		logging.Warn("⚠️ Сервисные аккаунты не настроены, /api/auth/login будет отклонять все запросы")
	}
	return store, nil, nil
}

// openCache подключает зеркало индекса и межузловую инвалидацию
func openCache(cfg config.CacheConfig, index *cache.Index, cs *closers) (cache.Invalidator, error) {
	if cfg.RedisEnabled {
		mirror, err := cache.NewRedisMirror(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis mirror: %w", err)
		}
		index.AddListener(mirror)
		cs.add("redis mirror", mirror)
	}
	if cfg.Invalidation.NATSURL == "" {
		return nil, nil
	}
	inv, err := cache.NewNATSInvalidator(&cfg.Invalidation, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("nats invalidator: %w", err)
	}
	cs.add("nats invalidator", inv)
	return inv, nil
}

func backendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}
