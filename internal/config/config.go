package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/economy"
	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/observability"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/storage"
	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервиса территорий.
type Config struct {
	Territory engine.Config        `yaml:"territory"`
	Pricing   pricing.Config       `yaml:"pricing"`
	Storage   StorageConfig        `yaml:"storage"`
	Cache     CacheConfig          `yaml:"cache"`
	EventBus  EventBusConfig       `yaml:"eventbus"`
	Economy   EconomyConfig        `yaml:"economy"`
	Server    ServerConfig         `yaml:"server"`
	Telemetry observability.Config `yaml:"telemetry"`
	Worker    WorkerConfig         `yaml:"worker"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// StorageConfig выбор хранилища клеймов
type StorageConfig struct {
	// Backend memory | maria | badger
	Backend    string `yaml:"backend"`
	DSN        string `yaml:"dsn"`
	BadgerPath string `yaml:"badger_path"`
	// Audit журнал передач в MongoDB; пустой URI - выключен
	Audit storage.MongoConfig `yaml:"audit"`
}

// CacheConfig зеркало индекса и межузловая инвалидация
type CacheConfig struct {
	NodeID       string                  `yaml:"node_id"`
	Redis        cache.RedisMirrorConfig `yaml:"redis"`
	RedisEnabled bool                    `yaml:"redis_enabled"`
	// Invalidation.NATSURL пустой - инвалидация выключена
	Invalidation cache.InvalidatorConfig `yaml:"invalidation"`
}

// EventBusConfig шина событий
type EventBusConfig struct {
	// Backend memory | jetstream
	Backend   string `yaml:"backend"`
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	// Capacity размер очереди in-memory шины
	Capacity int `yaml:"capacity"`
}

// RetentionDuration срок хранения событий в JetStream
func (e EventBusConfig) RetentionDuration() time.Duration {
	return time.Duration(e.Retention) * time.Hour
}

// EconomyConfig источник балансов
type EconomyConfig struct {
	// Backend memory | redis
	Backend string              `yaml:"backend"`
	Redis   economy.RedisConfig `yaml:"redis"`
	// StartingBalance стартовый баланс in-memory экономики
	StartingBalance float64 `yaml:"starting_balance"`
}

// ServerConfig REST и метрики
type ServerConfig struct {
	RESTPort        int                `yaml:"rest_port"`
	MetricsPort     int                `yaml:"metrics_port"`
	JWTSecret       string             `yaml:"jwt_secret"`
	TokenTTL        time.Duration      `yaml:"token_ttl"`
	AccountsBackend string             `yaml:"accounts_backend"`
	ServiceAccounts []auth.SeedAccount `yaml:"service_accounts"`
}

// WorkerConfig пул фоновых передач
type WorkerConfig struct {
	Count int `yaml:"count"`
}

// LoggingConfig уровни логирования
type LoggingConfig struct {
	Console string `yaml:"console"`
	File    string `yaml:"file"`
	Dir     string `yaml:"dir"`
	// Components переопределения по компонентам (engine, storage, api, auth)
	Components map[string]ComponentLogging `yaml:"components"`
}

// ComponentLogging уровни одного компонента; пустое поле берётся из общих
type ComponentLogging struct {
	Console string `yaml:"console"`
	File    string `yaml:"file"`
}

// Levels общие пороги логирования
func (l LoggingConfig) Levels() logging.Levels {
	return logging.Levels{Console: logging.ParseLevel(l.Console), File: logging.ParseLevel(l.File)}
}

// ComponentLevels пороги компонентов поверх общих
func (l LoggingConfig) ComponentLevels() map[string]logging.Levels {
	defaults := l.Levels()
	out := make(map[string]logging.Levels, len(l.Components))
	for name, c := range l.Components {
		out[name] = logging.ParseLevels(c.Console, c.File, defaults)
	}
	return out
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "TERRITORY_REST_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "TERRITORY_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Default конфигурация для локального запуска: всё в памяти.
func Default() *Config {
	return &Config{
		Territory: engine.DefaultConfig(),
		Pricing:   pricing.DefaultConfig(),
		Storage:   StorageConfig{Backend: "memory", BadgerPath: "data/territory"},
		Cache: CacheConfig{
			Redis: *cache.DefaultRedisMirrorConfig(),
			Invalidation: cache.InvalidatorConfig{
				Subject: "territory.invalidate",
			},
		},
		EventBus: EventBusConfig{
			Backend:   "memory",
			Stream:    "TERRITORY",
			Retention: 72,
			Capacity:  1024,
		},
		Economy: EconomyConfig{Backend: "memory"},
		Server: ServerConfig{
			TokenTTL:        24 * time.Hour,
			AccountsBackend: "memory",
		},
		Telemetry: observability.Config{ServiceName: "mmo-territory", SampleRatio: 1},
		Logging:   LoggingConfig{Console: "INFO", File: "DEBUG", Dir: "logs"},
	}
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", читается TERRITORY_CONFIG; если и он пуст - Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TERRITORY_CONFIG")
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность секций
func (c *Config) Validate() error {
	if err := c.Territory.Validate(); err != nil {
		return err
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory", "":
	case "maria":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for maria backend")
		}
	case "badger":
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("storage: badger_path is required for badger backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.EventBus.Backend {
	case "memory", "":
	case "jetstream":
		if c.EventBus.URL == "" {
			return fmt.Errorf("eventbus: url is required for jetstream backend")
		}
	default:
		return fmt.Errorf("eventbus: unknown backend %q", c.EventBus.Backend)
	}
	switch c.Economy.Backend {
	case "memory", "", "redis":
	default:
		return fmt.Errorf("economy: unknown backend %q", c.Economy.Backend)
	}
	switch c.Server.AccountsBackend {
	case "memory", "":
	case "maria":
		if c.Storage.DSN == "" {
			return fmt.Errorf("server: maria accounts backend needs storage.dsn")
		}
	default:
		return fmt.Errorf("server: unknown accounts_backend %q", c.Server.AccountsBackend)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker: count must be non-negative")
	}
	return nil
}
