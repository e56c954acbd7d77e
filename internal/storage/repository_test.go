package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRepositoryContract общий набор проверок для всех реализаций Repository
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	owner := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	claim := territory.NewClaim(owner, "world", "home", 4, 1, now)
	claim.Settings["pvp"] = true
	require.NoError(t, claim.Roster.AddMember(uuid.New(), "trusted", now))

	t.Run("SaveClaim Assigns ID", func(t *testing.T) {
		require.NoError(t, repo.SaveClaim(ctx, claim))
		assert.NotZero(t, claim.ID)
	})

	k1 := territory.CellKey{World: "world", X: 0, Z: 0}
	k2 := territory.CellKey{World: "world", X: 0, Z: 1}

	t.Run("Cells And Claim Load", func(t *testing.T) {
		require.NoError(t, repo.SaveCell(ctx, territory.Cell{Key: k1, ClaimID: claim.ID, ClaimedAt: now}))
		require.NoError(t, repo.SaveCell(ctx, territory.Cell{Key: k2, ClaimID: claim.ID, ClaimedAt: now}))

		loaded, err := repo.GetClaim(ctx, claim.ID)
		require.NoError(t, err)
		assert.Equal(t, owner, loaded.Owner)
		assert.Equal(t, "home", loaded.Name)
		assert.True(t, loaded.Settings["pvp"])
		assert.Len(t, loaded.Roster.Members, 1)
		assert.Equal(t, []territory.CellKey{k1, k2}, loaded.CellKeys())

		cell, err := repo.GetCell(ctx, k1)
		require.NoError(t, err)
		assert.Equal(t, claim.ID, cell.ClaimID)

		cells, err := repo.ListCells(ctx, claim.ID)
		require.NoError(t, err)
		assert.Len(t, cells, 2)
	})

	t.Run("Cell Owner Change", func(t *testing.T) {
		other := territory.NewClaim(owner, "world", "farm", 2, 2, now)
		require.NoError(t, repo.SaveClaim(ctx, other))
		require.NoError(t, repo.SaveCell(ctx, territory.Cell{Key: k2, ClaimID: other.ID, ClaimedAt: now}))

		cells, err := repo.ListCells(ctx, claim.ID)
		require.NoError(t, err)
		assert.Len(t, cells, 1, "клетка должна уйти из старого клейма")

		byOwner, err := repo.ListClaimsByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, byOwner, 2)

		require.NoError(t, repo.DeleteClaim(ctx, other.ID))
		_, err = repo.GetCell(ctx, k2)
		assert.True(t, errors.Is(err, ErrNotFound), "каскадное удаление клеток")
	})

	t.Run("Delete Cell", func(t *testing.T) {
		require.NoError(t, repo.DeleteCell(ctx, k1))
		assert.ErrorIs(t, repo.DeleteCell(ctx, k1), ErrNotFound)
	})

	t.Run("Delete Claim", func(t *testing.T) {
		require.NoError(t, repo.DeleteClaim(ctx, claim.ID))
		_, err := repo.GetClaim(ctx, claim.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.DeleteClaim(ctx, claim.ID), ErrNotFound)
	})

	t.Run("Player Pool", func(t *testing.T) {
		_, err := repo.GetPool(ctx, owner)
		assert.ErrorIs(t, err, ErrNotFound)

		pool := &territory.PlayerChunkPool{Player: owner, PurchasedCells: 5, TotalSpent: 512.5, LastPurchase: now, ClaimsCreated: 2}
		require.NoError(t, repo.SavePool(ctx, pool))
		loaded, err := repo.GetPool(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 5, loaded.PurchasedCells)
		assert.Equal(t, 512.5, loaded.TotalSpent)
		assert.Equal(t, 2, loaded.ClaimsCreated)
	})

	t.Run("Audit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := territory.NewTransferRecord(territory.TransferClaim, k1, 0, int64(i+1), owner, owner, now.Add(time.Duration(i)*time.Second))
			require.NoError(t, repo.RecordTransfer(ctx, rec))
		}
		recs, err := repo.ListTransfers(ctx, k1, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, int64(3), recs[0].ToClaim, "новые записи первыми")

		recs, err = repo.ListTransfers(ctx, k2, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	runRepositoryContract(t, repo)

	t.Run("Cancelled Context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := repo.GetClaim(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Cell Without Claim Rejected", func(t *testing.T) {
		err := repo.SaveCell(context.Background(), territory.Cell{Key: territory.CellKey{World: "w"}, ClaimID: 999})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBadgerRepository(t *testing.T) {
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	runRepositoryContract(t, repo)

	t.Run("IDs Unique After Reopen", func(t *testing.T) {
		dir := t.TempDir()
		r1, err := NewBadgerRepository(dir)
		require.NoError(t, err)
		c1 := territory.NewClaim(uuid.New(), "world", "a", 1, 1, time.Now())
		require.NoError(t, r1.SaveClaim(context.Background(), c1))
		require.NoError(t, r1.Close())

		r2, err := NewBadgerRepository(dir)
		require.NoError(t, err)
		defer r2.Close()
		c2 := territory.NewClaim(uuid.New(), "world", "b", 1, 1, time.Now())
		require.NoError(t, r2.SaveClaim(context.Background(), c2))
		assert.NotEqual(t, c1.ID, c2.ID)
	})
}

func TestMariaRepository(t *testing.T) {
	dsn := os.Getenv("TERRITORY_TEST_MARIA_DSN")
	if dsn == "" {
		t.Skip("TERRITORY_TEST_MARIA_DSN не задан, пропускаем тест MariaDB")
	}
	repo, err := NewMariaRepository(dsn)
	if err != nil {
		t.Skipf("MariaDB недоступна: %v", err)
	}
	defer repo.Close()
	runRepositoryContract(t, repo)
}

// memoryAuditLog журнал аудита в памяти для проверки обёртки
type memoryAuditLog struct {
	mu      sync.Mutex
	records []territory.TransferRecord
	failing bool
}

func (m *memoryAuditLog) Record(_ context.Context, rec territory.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("audit log down")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryAuditLog) List(_ context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("audit log down")
	}
	var out []territory.TransferRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Cell == cell {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memoryAuditLog) Close() error { return nil }

func TestWithAuditLog(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryRepository()
	log := &memoryAuditLog{}
	repo := WithAuditLog(base, log)

	cell := territory.CellKey{World: "world", X: 1, Z: 1}
	rec := territory.NewTransferRecord(territory.TransferUnclaim, cell, 1, 0, uuid.Nil, uuid.New(), time.Now())
	require.NoError(t, repo.RecordTransfer(ctx, rec))
	assert.Len(t, log.records, 1)

	inBase, err := base.ListTransfers(ctx, cell, 0)
	require.NoError(t, err)
	assert.Len(t, inBase, 1, "запись должна попасть и в основное хранилище")

	log.failing = true
	require.NoError(t, repo.RecordTransfer(ctx, rec), "сбой журнала не прерывает операцию")
	recs, err := repo.ListTransfers(ctx, cell, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "при сбое журнала читаем основное хранилище")

	assert.Same(t, base, WithAuditLog(base, nil))
}

func TestMongoAuditLog(t *testing.T) {
	uri := os.Getenv("TERRITORY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TERRITORY_TEST_MONGO_URI не задан, пропускаем тест MongoDB")
	}
	log, err := NewMongoAuditLog(MongoConfig{URI: uri, Database: "territory_test", Collection: "transfers_" + uuid.NewString()[:8]})
	if err != nil {
		t.Skipf("MongoDB недоступна: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	cell := territory.CellKey{World: "world", X: 7, Z: -2}
	for i := 0; i < 3; i++ {
		rec := territory.NewTransferRecord(territory.TransferReassign, cell, 1, 2, uuid.Nil, uuid.New(), time.Now().Add(time.Duration(i)*time.Second))
		require.NoError(t, log.Record(ctx, rec))
	}
	recs, err := log.List(ctx, cell, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.True(t, recs[0].At.After(recs[1].At))
}
