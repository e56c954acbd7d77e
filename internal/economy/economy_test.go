package economy

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runEconomyContract(t *testing.T, econ Economy) {
	ctx := context.Background()
	player := uuid.New()

	t.Run("New Player Has Zero Balance", func(t *testing.T) {
		bal, err := econ.Balance(ctx, player)
		require.NoError(t, err)
		assert.Zero(t, bal)
	})

	t.Run("Deposit And Withdraw", func(t *testing.T) {
		require.NoError(t, econ.Deposit(ctx, player, 150.5))
		ok, err := econ.Has(ctx, player, 150)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, econ.Withdraw(ctx, player, 100))
		bal, err := econ.Balance(ctx, player)
		require.NoError(t, err)
		assert.InDelta(t, 50.5, bal, 0.001)
	})

	t.Run("Insufficient Funds", func(t *testing.T) {
		err := econ.Withdraw(ctx, player, 1000)
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		bal, _ := econ.Balance(ctx, player)
		assert.InDelta(t, 50.5, bal, 0.001, "Неудачное списание не меняет баланс")
	})

	t.Run("Negative Amount", func(t *testing.T) {
		assert.ErrorIs(t, econ.Deposit(ctx, player, -1), ErrInvalidAmount)
		assert.ErrorIs(t, econ.Withdraw(ctx, player, -1), ErrInvalidAmount)
	})

	t.Run("Concurrent Withdrawals Never Go Negative", func(t *testing.T) {
		rich := uuid.New()
		require.NoError(t, econ.Deposit(ctx, rich, 10))

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if econ.Withdraw(ctx, rich, 1) == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		bal, _ := econ.Balance(ctx, rich)
		assert.Zero(t, bal)
	})
}

func TestMemoryEconomy(t *testing.T) {
	runEconomyContract(t, NewMemoryEconomy())
}

func TestMemoryEconomyStartingBalance(t *testing.T) {
	ctx := context.Background()
	econ := NewMemoryEconomyWithStartingBalance(500)
	player := uuid.New()

	bal, err := econ.Balance(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, 500.0, bal, "Новый игрок получает стартовый баланс")

	require.NoError(t, econ.Withdraw(ctx, player, 200))
	bal, _ = econ.Balance(ctx, player)
	assert.Equal(t, 300.0, bal, "Стартовая сумма начисляется один раз")

	other := uuid.New()
	require.NoError(t, econ.Deposit(ctx, other, 10))
	bal, _ = econ.Balance(ctx, other)
	assert.Equal(t, 510.0, bal)
}

func TestMemoryEconomyCancelledContext(t *testing.T) {
	econ := NewMemoryEconomy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, econ.Deposit(ctx, uuid.New(), 1))
}

func TestRedisEconomy(t *testing.T) {
	addr := os.Getenv("TERRITORY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TERRITORY_TEST_REDIS_ADDR не задан, пропускаем тест Redis")
	}
	econ, err := NewRedisEconomy(RedisConfig{Addr: addr, KeyPrefix: "territory-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Skipf("Redis недоступен: %v", err)
	}
	defer econ.Close()

	runEconomyContract(t, econ)
}
