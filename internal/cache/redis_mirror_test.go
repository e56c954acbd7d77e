package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("TERRITORY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TERRITORY_TEST_REDIS_ADDR не задан, пропускаем тест зеркала Redis")
	}

	cfg := DefaultRedisMirrorConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "territory-test:" + uuid.NewString() + ":"

	mirror, err := NewRedisMirror(cfg)
	if err != nil {
		t.Skipf("Redis недоступен: %v", err)
	}
	defer mirror.Close()

	ix := NewIndex()
	ix.AddListener(mirror)

	require.NoError(t, ix.Put(testClaim(5, uuid.New(), 3, key(0, 0))))
	require.NoError(t, ix.AddCell(5, key(0, 1), time.Now()))
	mirror.Flush()

	ctx := context.Background()
	id, ok, err := mirror.Lookup(ctx, key(0, 1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)

	ix.Remove(5)
	mirror.Flush()

	_, ok, err = mirror.Lookup(ctx, key(0, 0))
	require.NoError(t, err)
	assert.False(t, ok, "После удаления клейма клетка должна исчезнуть из зеркала")

	metrics := mirror.GetMetrics()
	assert.Equal(t, int64(0), metrics["errors_count"])
}
