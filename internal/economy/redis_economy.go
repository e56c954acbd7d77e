package economy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisConfig настройки реестра в Redis
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Балансы хранятся в центах, чтобы INCRBY оставался целочисленным
const centsPerUnit = 100

// withdrawScript списывает сумму только при достаточном балансе.
// Возвращает -1, если средств не хватает.
var withdrawScript = redis.NewScript(`
local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
local amt = tonumber(ARGV[1])
if bal < amt then
  return -1
end
return redis.call("DECRBY", KEYS[1], amt)
`)

// RedisEconomy реестр балансов в Redis с атомарным списанием
type RedisEconomy struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisEconomy подключается к Redis
func NewRedisEconomy(cfg RedisConfig) (*RedisEconomy, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "territory:balance:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info("💰 Economy ledger connected to Redis at %s", cfg.Addr)
	return &RedisEconomy{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (r *RedisEconomy) key(player uuid.UUID) string {
	return r.keyPrefix + player.String()
}

func toCents(amount float64) int64 {
	return int64(amount*centsPerUnit + 0.5)
}

func (r *RedisEconomy) Has(ctx context.Context, player uuid.UUID, amount float64) (bool, error) {
	bal, err := r.cents(ctx, player)
	if err != nil {
		return false, err
	}
	return bal >= toCents(amount), nil
}

func (r *RedisEconomy) Withdraw(ctx context.Context, player uuid.UUID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	res, err := withdrawScript.Run(ctx, r.client, []string{r.key(player)}, toCents(amount)).Int64()
	if err != nil {
		return fmt.Errorf("redis withdraw: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: need %.2f", ErrInsufficientFunds, amount)
	}
	return nil
}

func (r *RedisEconomy) Deposit(ctx context.Context, player uuid.UUID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := r.client.IncrBy(ctx, r.key(player), toCents(amount)).Err(); err != nil {
		return fmt.Errorf("redis deposit: %w", err)
	}
	return nil
}

func (r *RedisEconomy) Balance(ctx context.Context, player uuid.UUID) (float64, error) {
	bal, err := r.cents(ctx, player)
	if err != nil {
		return 0, err
	}
	return float64(bal) / centsPerUnit, nil
}

func (r *RedisEconomy) cents(ctx context.Context, player uuid.UUID) (int64, error) {
	val, err := r.client.Get(ctx, r.key(player)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis balance: %w", err)
	}
	bal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupted balance %q: %w", val, err)
	}
	return bal, nil
}

// Close закрывает соединение
func (r *RedisEconomy) Close() error {
	return r.client.Close()
}
