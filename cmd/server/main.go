package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mmo-territory/internal/api"
	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/config"
	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/metrics"
	"github.com/annel0/mmo-territory/internal/observability"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию TERRITORY_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	// Инициализируем систему логирования
	if cfg.Logging.Dir != "" {
		logging.LogDir = cfg.Logging.Dir
	}
	if err := logging.InitDefaultLogger("territory"); err != nil {
		log.Printf("⚠️ Логи пишутся только в консоль: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defaults := cfg.Logging.Levels()
	logging.SetDefaultLevels(defaults.Console, defaults.File)
	logging.ConfigureComponents(defaults, cfg.Logging.ComponentLevels())
	defer func() {
		if err := logging.CloseComponentLoggers(); err != nil {
			log.Printf("⚠️ %v", err)
		}
	}()

	logging.Info("🗺️ Запуск сервиса территорий...")

	if cfg.Cache.NodeID == "" {
		cfg.Cache.NodeID = uuid.NewString()
	}
	logging.Info("📡 Узел %s, REST=%d, метрики=%d", cfg.Cache.NodeID, cfg.Server.GetRESTPort(), cfg.Server.GetMetricsPort())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cs closers
	defer cs.closeAll()

	// === ТРАССИРОВКА ===
	shutdownTracing, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		logging.Error("❌ Ошибка инициализации OpenTelemetry: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// === ХРАНИЛИЩЕ И ВНЕШНИЕ СИСТЕМЫ ===
	repo, err := openRepository(cfg.Storage)
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	cs.add("repository", repo)

	econ, econCloser, err := openEconomy(cfg.Economy)
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	if econCloser != nil {
		cs.add("economy", econCloser)
	}

	bus, err := openEventBus(cfg.EventBus)
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	cs.add("eventbus", bus)
	eventbus.Init(bus)
	if _, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("⚠️ Логирование событий недоступно: %v", err)
	}

	index := cache.NewIndex()
	invalidator, err := openCache(cfg.Cache, index, &cs)
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}

	// === МЕТРИКИ ===
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	busMetrics := eventbus.NewMetricsExporter(bus, registry)
	busMetrics.Start()
	defer busMetrics.Stop()

	// === ДВИЖОК ===
	prices, err := pricing.New(cfg.Pricing)
	if err != nil {
		logging.Error("❌ Ошибка конфигурации цен: %v", err)
		os.Exit(1)
	}

	opts := []engine.Option{
		engine.WithEventBus(bus),
		engine.WithSource(cfg.Cache.NodeID),
	}
	if invalidator != nil {
		opts = append(opts, engine.WithInvalidator(invalidator))
	}
	var eng *engine.Engine
	engineMetrics, err := metrics.NewEngineMetrics(registry, func() (int, int) { return eng.Stats() })
	if err != nil {
		logging.Error("❌ Ошибка регистрации метрик движка: %v", err)
		os.Exit(1)
	}
	opts = append(opts, engine.WithObserver(engineMetrics))

	eng, err = engine.New(cfg.Territory, repo, index, econ, prices, opts...)
	if err != nil {
		logging.Error("❌ Ошибка создания движка: %v", err)
		os.Exit(1)
	}

	warmCtx, warmCancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := eng.Warmup(warmCtx); err != nil {
		warmCancel()
		logging.Error("❌ Ошибка загрузки клеймов: %v", err)
		os.Exit(1)
	}
	warmCancel()
	claims, cells := eng.Stats()
	logging.Info("✅ Индекс загружен: %d клеймов, %d клеток", claims, cells)

	if invalidator != nil {
		if err := invalidator.SubscribeInvalidations(ctx, eng.HandleInvalidation); err != nil {
			logging.Error("❌ Ошибка подписки на инвалидации: %v", err)
			os.Exit(1)
		}
	}

	// === REST API ===
	accounts, accountsCloser, err := openAccounts(ctx, cfg)
	if err != nil {
		logging.Error("❌ Ошибка хранилища аккаунтов: %v", err)
		os.Exit(1)
	}
	if accountsCloser != nil {
		cs.add("accounts", accountsCloser)
	}
	issuer, err := auth.NewTokenIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		logging.Error("❌ Ошибка JWT секрета: %v", err)
		os.Exit(1)
	}
	if cfg.Server.JWTSecret == "" {
		logging.Warn("⚠️ jwt_secret не задан, токены не переживут перезапуск")
	}

	pool := worker.New(cfg.Worker.Count)

	restServer, err := api.NewRestServer(api.Config{
		Port:          cfg.Server.GetRESTPort(),
		Engine:        eng,
		Authenticator: auth.NewAuthenticator(accounts, issuer),
		Workers:       pool,
		Bus:           bus,
		Registry:      registry,
		Gatherer:      registry,
		NodeID:        cfg.Cache.NodeID,
	})
	if err != nil {
		logging.Error("❌ Ошибка создания REST API: %v", err)
		os.Exit(1)
	}
	if err := restServer.Start(); err != nil {
		logging.Error("❌ Ошибка запуска REST API: %v", err)
		os.Exit(1)
	}

	metricsServer := metrics.NewServer(cfg.Server.GetMetricsPort(), registry)
	metricsServer.Start()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API: http://localhost:%d/api", cfg.Server.GetRESTPort())
	logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Server.GetRESTPort())
	logging.Info("   📈 Prometheus: http://localhost:%d/metrics", cfg.Server.GetMetricsPort())

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки сервера метрик: %v", err)
	}
	// Пул дожидается фоновых передач до закрытия хранилища
	pool.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки трассировки: %v", err)
	}
	cancel()

	logging.Info("👋 Сервис территорий остановлен")
}
