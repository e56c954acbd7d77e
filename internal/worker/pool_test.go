package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/economy"
	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/storage"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func await(t *testing.T, ch <-chan engine.Result) engine.Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "Канал закрыт без результата")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Результат задачи не получен")
		return engine.Result{}
	}
}

func TestSubmit(t *testing.T) {
	p := New(2)
	defer p.Close()

	res := await(t, p.Submit(func() engine.Result {
		return engine.Result{Success: true, ClaimID: 7}
	}))
	assert.True(t, res.Success)
	assert.Equal(t, int64(7), res.ClaimID)
}

func TestSubmitPanic(t *testing.T) {
	p := New(1)
	defer p.Close()

	res := await(t, p.Submit(func() engine.Result { panic("boom") }))
	assert.False(t, res.Success)
	assert.Equal(t, engine.ReasonInvalidState, res.Reason)

	res = await(t, p.Submit(func() engine.Result { return engine.Result{Success: true} }))
	assert.True(t, res.Success, "Воркер пережил панику")
	assert.Equal(t, uint64(1), p.Stats().Panicked)
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(1)

	const n = 10
	futures := make([]<-chan engine.Result, 0, n)
	var mu sync.Mutex
	done := 0
	for i := 0; i < n; i++ {
		futures = append(futures, p.Submit(func() engine.Result {
			time.Sleep(time.Millisecond)
			mu.Lock()
			done++
			mu.Unlock()
			return engine.Result{Success: true}
		}))
	}
	p.Close()

	assert.Equal(t, n, done, "Close дожидается всей очереди")
	for _, f := range futures {
		assert.True(t, (<-f).Success)
	}

	res := await(t, p.Submit(func() engine.Result { return engine.Result{Success: true} }))
	assert.False(t, res.Success)
	assert.Equal(t, ErrPoolClosed.Error(), res.Message)

	stats := p.Stats()
	assert.Equal(t, uint64(n), stats.Submitted)
	assert.Equal(t, uint64(n), stats.Completed)
	p.Close()
}

func TestEngineThroughPool(t *testing.T) {
	pe, err := pricing.New(pricing.DefaultConfig())
	require.NoError(t, err)
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()

	eng, err := engine.New(engine.DefaultConfig(), storage.NewMemoryRepository(), cache.NewIndex(),
		economy.NewMemoryEconomy(), pe, engine.WithEventBus(bus))
	require.NoError(t, err)

	p := New(4)
	defer p.Close()

	ctx := context.Background()
	players := make([]uuid.UUID, 8)
	futures := make([]<-chan engine.Result, len(players))
	for i := range players {
		players[i] = uuid.New()
		player, c := players[i], territory.CellKey{World: "world", X: i * 10, Z: 0}
		futures[i] = p.Submit(func() engine.Result { return eng.Claim(ctx, player, c) })
	}
	for i, f := range futures {
		res := await(t, f)
		assert.True(t, res.Success, "Игрок %d: %s", i, res.Message)
	}
	assert.Empty(t, eng.VerifyConsistency(ctx))
}
