package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	indexed map[territory.CellKey]int64
	dropped []territory.CellKey
	claims  []int64
}

func newRecordingListener() *recordingListener {
	return &recordingListener{indexed: make(map[territory.CellKey]int64)}
}

func (r *recordingListener) CellIndexed(key territory.CellKey, claimID int64) {
	r.mu.Lock()
	r.indexed[key] = claimID
	r.mu.Unlock()
}

func (r *recordingListener) CellDropped(key territory.CellKey) {
	r.mu.Lock()
	delete(r.indexed, key)
	r.dropped = append(r.dropped, key)
	r.mu.Unlock()
}

func (r *recordingListener) ClaimDropped(claimID int64) {
	r.mu.Lock()
	r.claims = append(r.claims, claimID)
	r.mu.Unlock()
}

func key(x, z int) territory.CellKey {
	return territory.CellKey{World: "world", X: x, Z: z}
}

func testClaim(id int64, owner uuid.UUID, total int, cells ...territory.CellKey) *territory.Claim {
	c := territory.NewClaim(owner, "world", "test", total, 1, time.Now())
	c.ID = id
	for _, k := range cells {
		c.Cells[k] = time.Now()
	}
	return c
}

func TestIndexPutAndLookup(t *testing.T) {
	ix := NewIndex()
	owner := uuid.New()

	require.NoError(t, ix.Put(testClaim(1, owner, 4, key(0, 0), key(0, 1))))

	id, ok := ix.OwnerOf(key(0, 1))
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok = ix.OwnerOf(key(5, 5))
	assert.False(t, ok, "Свободная клетка не должна иметь владельца")

	t.Run("Get Returns Copy", func(t *testing.T) {
		c, ok := ix.Get(1)
		require.True(t, ok)
		delete(c.Cells, key(0, 0))
		c.TotalCells = 100

		again, _ := ix.Get(1)
		assert.Equal(t, 2, again.CellCount(), "Изменение копии не должно затрагивать индекс")
		assert.Equal(t, 4, again.TotalCells)
	})

	t.Run("Foreign Cell Rejected", func(t *testing.T) {
		err := ix.Put(testClaim(2, uuid.New(), 4, key(0, 0)))
		assert.ErrorIs(t, err, ErrCellOwned)
		assert.False(t, ix.Exists(2))
	})

	t.Run("Put Replaces Cells", func(t *testing.T) {
		require.NoError(t, ix.Put(testClaim(1, owner, 4, key(0, 1), key(0, 2))))
		_, ok := ix.OwnerOf(key(0, 0))
		assert.False(t, ok, "Клетка, отсутствующая в новой версии, должна освободиться")
		id, _ := ix.OwnerOf(key(0, 2))
		assert.Equal(t, int64(1), id)
	})
}

func TestIndexCellOperations(t *testing.T) {
	ix := NewIndex()
	owner := uuid.New()
	require.NoError(t, ix.Put(testClaim(1, owner, 2, key(0, 0))))
	require.NoError(t, ix.Put(testClaim(2, owner, 1)))

	t.Run("AddCell Respects Capacity", func(t *testing.T) {
		require.NoError(t, ix.AddCell(1, key(0, 1), time.Now()))
		err := ix.AddCell(1, key(0, 2), time.Now())
		assert.ErrorIs(t, err, ErrClaimFull)
	})

	t.Run("AddCell On Taken Cell", func(t *testing.T) {
		err := ix.AddCell(2, key(0, 0), time.Now())
		assert.ErrorIs(t, err, ErrCellOwned)
	})

	t.Run("AddCell To Missing Claim", func(t *testing.T) {
		err := ix.AddCell(99, key(9, 9), time.Now())
		assert.ErrorIs(t, err, ErrClaimNotFound)
	})

	t.Run("MoveCell Moves Cell", func(t *testing.T) {
		require.NoError(t, ix.MoveCell(key(0, 1), 1, 2, time.Now()))
		id, _ := ix.OwnerOf(key(0, 1))
		assert.Equal(t, int64(2), id)

		src, _ := ix.Get(1)
		dst, _ := ix.Get(2)
		assert.False(t, src.HasCell(key(0, 1)))
		assert.True(t, dst.HasCell(key(0, 1)))
	})

	t.Run("MoveCell To Full Claim", func(t *testing.T) {
		err := ix.MoveCell(key(0, 0), 1, 2, time.Now())
		assert.ErrorIs(t, err, ErrClaimFull)
		id, _ := ix.OwnerOf(key(0, 0))
		assert.Equal(t, int64(1), id, "Неудачный перенос не должен менять владельца")
	})

	t.Run("RemoveCell Foreign Cell", func(t *testing.T) {
		err := ix.RemoveCell(1, key(0, 1))
		assert.ErrorIs(t, err, ErrCellNotOwned)
	})

	t.Run("RemoveCell Frees Cell", func(t *testing.T) {
		require.NoError(t, ix.RemoveCell(2, key(0, 1)))
		_, ok := ix.OwnerOf(key(0, 1))
		assert.False(t, ok)
	})

	assert.Len(t, ix.Verify(), 1, "Единственное нарушение: пустой клейм 2")
}

func TestIndexRemoveAndListeners(t *testing.T) {
	ix := NewIndex()
	l := newRecordingListener()
	ix.AddListener(l)

	require.NoError(t, ix.Put(testClaim(7, uuid.New(), 3, key(1, 1), key(1, 2))))
	assert.Len(t, l.indexed, 2)

	assert.True(t, ix.Remove(7))
	assert.False(t, ix.Remove(7), "Повторное удаление возвращает false")

	assert.Empty(t, l.indexed)
	assert.Len(t, l.dropped, 2)
	assert.Equal(t, []int64{7}, l.claims)

	claims, cells := ix.Stats()
	assert.Zero(t, claims)
	assert.Zero(t, cells)
}

func TestIndexOwnerQueries(t *testing.T) {
	ix := NewIndex()
	alice := uuid.New()
	bob := uuid.New()

	require.NoError(t, ix.Put(testClaim(1, alice, 6, key(0, 0))))
	require.NoError(t, ix.Put(testClaim(2, alice, 4, key(3, 3))))
	require.NoError(t, ix.Put(testClaim(3, bob, 9, key(8, 8))))

	nether := testClaim(4, alice, 5)
	nether.World = "nether"
	nether.Cells[territory.CellKey{World: "nether", X: 0, Z: 0}] = time.Now()
	require.NoError(t, ix.Put(nether))

	assert.Len(t, ix.ClaimsOf(alice, "world"), 2)
	assert.Len(t, ix.ClaimsOf(alice, ""), 3)
	assert.Len(t, ix.ClaimsOf(bob, "nether"), 0)

	// (6-4) + (4-4) + (5-4)
	assert.Equal(t, 3, ix.AllocatedBeyond(alice, 4))
	assert.Equal(t, 5, ix.AllocatedBeyond(bob, 4))
	assert.Equal(t, []int64{1, 2, 3, 4}, ix.IDs())
}

func TestIndexUpdateKeepsCells(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.Put(testClaim(1, uuid.New(), 2, key(0, 0))))

	updated, err := ix.Update(1, func(c *territory.Claim) error {
		c.Name = "Крепость"
		c.Cells = nil
		c.ID = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Крепость", updated.Name)
	assert.Equal(t, int64(1), updated.ID)
	assert.Equal(t, 1, updated.CellCount(), "Клетки не меняются через Update")

	require.NoError(t, ix.SetCapacity(1, 10))
	c, _ := ix.Get(1)
	assert.Equal(t, 10, c.TotalCells)
}

func TestIndexVerifyDetectsViolations(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.Put(testClaim(1, uuid.New(), 1, key(0, 0))))
	assert.Empty(t, ix.Verify())

	require.NoError(t, ix.SetCapacity(1, 0))
	errs := ix.Verify()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "over capacity")

	require.NoError(t, ix.SetCapacity(1, 1))
	require.NoError(t, ix.RemoveCell(1, key(0, 0)))
	errs = ix.Verify()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no cells")
}

func TestIndexConcurrentAddCell(t *testing.T) {
	ix := NewIndex()
	owner := uuid.New()
	for id := int64(1); id <= 8; id++ {
		require.NoError(t, ix.Put(testClaim(id, owner, 100, key(int(id)*1000, 0))))
	}

	target := key(-1, -1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for id := int64(1); id <= 8; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			unlock := ix.LockCell(target)
			defer unlock()
			if err := ix.AddCell(id, target, time.Now()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "Свободную клетку может занять только один клейм")
	assert.Empty(t, ix.Verify())
}

func TestIndexLockClaimsOrdering(t *testing.T) {
	ix := NewIndex()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := ix.LockClaims(1, 2)
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := ix.LockClaims(2, 1, 2, 0)
			counter++
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Захват замков в разном порядке привёл к взаимоблокировке")
	}
	assert.Equal(t, 100, counter)

	ix.lockMu.Lock()
	assert.Empty(t, ix.locks, "Замки должны освобождаться после использования")
	ix.lockMu.Unlock()
}

func TestClaimKeyRoundTrip(t *testing.T) {
	id, err := ParseClaimKey(ClaimKey(17))
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	_, err = ParseClaimKey("cell:world:0:0")
	assert.Error(t, err)
}
