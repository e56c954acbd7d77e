package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Префиксы ключей BadgerDB
const (
	prefixClaim     = "claim:"
	prefixCell      = "cell:"
	prefixClaimCell = "claimcell:"
	prefixOwner     = "owner:"
	prefixPool      = "pool:"
	prefixTransfer  = "transfer:"
	keyClaimSeq     = "seq:claim"
)

// BadgerRepository реализует Repository поверх встроенной BadgerDB.
// Документы клеймов сжимаются zstd, остальные значения хранятся в JSON.
type BadgerRepository struct {
	db      *badger.DB
	dbPath  string
	seq     *badger.Sequence
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerRepository открывает (или создаёт) хранилище в dataPath/territory
func NewBadgerRepository(dataPath string) (*BadgerRepository, error) {
	dbPath := filepath.Join(dataPath, "territory")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyClaimSeq), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось получить последовательность ID: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		seq.Release()
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		seq.Release()
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}

	return &BadgerRepository{
		db:      db,
		dbPath:  dbPath,
		seq:     seq,
		enc:     enc,
		dec:     dec,
		isReady: true,
	}, nil
}

// Close закрывает хранилище
func (r *BadgerRepository) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.isReady {
		return nil
	}
	r.isReady = false

	if err := r.seq.Release(); err != nil {
		return fmt.Errorf("не удалось освободить последовательность: %w", err)
	}
	_ = r.enc.Close()
	r.dec.Close()
	return r.db.Close()
}

func claimKey(id int64) []byte { return []byte(prefixClaim + strconv.FormatInt(id, 10)) }
func cellKey(k territory.CellKey) []byte {
	return []byte(prefixCell + k.String())
}
func claimCellPrefix(id int64) string { return prefixClaimCell + strconv.FormatInt(id, 10) + "#" }
func claimCellKey(id int64, k territory.CellKey) []byte {
	return []byte(claimCellPrefix(id) + k.String())
}
func ownerPrefix(owner uuid.UUID) string { return prefixOwner + owner.String() + "#" }
func ownerKey(owner uuid.UUID, id int64) []byte {
	return []byte(ownerPrefix(owner) + strconv.FormatInt(id, 10))
}
func poolKey(p uuid.UUID) []byte            { return []byte(prefixPool + p.String()) }
func transferPrefix(k territory.CellKey) string { return prefixTransfer + k.String() + "#" }

func (r *BadgerRepository) encodeClaim(c *territory.Claim) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации клейма %d: %w", c.ID, err)
	}
	return r.enc.EncodeAll(raw, nil), nil
}

func (r *BadgerRepository) decodeClaim(data []byte) (*territory.Claim, error) {
	raw, err := r.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка распаковки клейма: %w", err)
	}
	c := &territory.Claim{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("ошибка десериализации клейма: %w", err)
	}
	c.Cells = make(map[territory.CellKey]time.Time)
	return c, nil
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// loadClaim читает документ клейма и его клетки в одной транзакции
func (r *BadgerRepository) loadClaim(txn *badger.Txn, id int64) (*territory.Claim, error) {
	item, err := txn.Get(claimKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	c, err := r.decodeClaim(data)
	if err != nil {
		return nil, err
	}
	cells, err := listCellsTxn(txn, id)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		c.Cells[cell.Key] = cell.ClaimedAt
	}
	return c, nil
}

func listCellsTxn(txn *badger.Txn, claimID int64) ([]territory.Cell, error) {
	prefix := []byte(claimCellPrefix(claimID))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []territory.Cell
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k, err := territory.ParseCellKey(strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		if err != nil {
			return nil, err
		}
		var cell territory.Cell
		if err := getJSON(txn, cellKey(k), &cell); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if cell.ClaimID == claimID {
			out = append(out, cell)
		}
	}
	return out, nil
}

// GetClaim загружает клейм с клетками
func (r *BadgerRepository) GetClaim(ctx context.Context, id int64) (*territory.Claim, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var claim *territory.Claim
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		claim, err = r.loadClaim(txn, id)
		return err
	})
	return claim, err
}

// ListClaims загружает все клеймы
func (r *BadgerRepository) ListClaims(ctx context.Context) ([]*territory.Claim, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var ids []int64
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixClaim)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := strconv.ParseInt(strings.TrimPrefix(string(it.Item().Key()), prefixClaim), 10, 64)
			if err != nil {
				return fmt.Errorf("повреждённый ключ клейма %q: %w", it.Item().Key(), err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.loadMany(ids)
}

// ListClaimsByOwner загружает клеймы игрока через индекс владельца
func (r *BadgerRepository) ListClaimsByOwner(ctx context.Context, owner uuid.UUID) ([]*territory.Claim, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var ids []int64
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ownerPrefix(owner))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := strconv.ParseInt(strings.TrimPrefix(string(it.Item().Key()), string(prefix)), 10, 64)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.loadMany(ids)
}

func (r *BadgerRepository) loadMany(ids []int64) ([]*territory.Claim, error) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*territory.Claim, 0, len(ids))
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			c, err := r.loadClaim(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// SaveClaim сохраняет документ клейма; новый ID берётся из последовательности
func (r *BadgerRepository) SaveClaim(ctx context.Context, claim *territory.Claim) error {
	if claim == nil || claim.Owner == uuid.Nil {
		return fmt.Errorf("недействительный клейм")
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if claim.ID == 0 {
		n, err := r.seq.Next()
		if err != nil {
			return fmt.Errorf("не удалось получить ID клейма: %w", err)
		}
		claim.ID = int64(n) + 1
	}

	data, err := r.encodeClaim(claim)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(claimKey(claim.ID), data); err != nil {
			return err
		}
		return txn.Set(ownerKey(claim.Owner, claim.ID), nil)
	})
}

// DeleteClaim удаляет клейм, индекс владельца и оставшиеся клетки
func (r *BadgerRepository) DeleteClaim(ctx context.Context, id int64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		claim, err := r.loadClaim(txn, id)
		if err != nil {
			return err
		}
		for k := range claim.Cells {
			if err := txn.Delete(cellKey(k)); err != nil {
				return err
			}
			if err := txn.Delete(claimCellKey(id, k)); err != nil {
				return err
			}
		}
		if err := txn.Delete(ownerKey(claim.Owner, id)); err != nil {
			return err
		}
		return txn.Delete(claimKey(id))
	})
}

// GetCell загружает клетку
func (r *BadgerRepository) GetCell(ctx context.Context, key territory.CellKey) (territory.Cell, error) {
	if err := checkCtx(ctx); err != nil {
		return territory.Cell{}, err
	}
	var cell territory.Cell
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cellKey(key), &cell)
	})
	if errors.Is(err, ErrNotFound) {
		return territory.Cell{}, fmt.Errorf("cell %s: %w", key, ErrNotFound)
	}
	return cell, err
}

// ListCells возвращает клетки клейма
func (r *BadgerRepository) ListCells(ctx context.Context, claimID int64) ([]territory.Cell, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []territory.Cell
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listCellsTxn(txn, claimID)
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, err
}

// SaveCell записывает клетку и переносит индекс claimcell при смене владельца
func (r *BadgerRepository) SaveCell(ctx context.Context, cell territory.Cell) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(claimKey(cell.ClaimID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("cell %s references claim %d: %w", cell.Key, cell.ClaimID, ErrNotFound)
			}
			return err
		}
		var prev territory.Cell
		err := getJSON(txn, cellKey(cell.Key), &prev)
		switch {
		case err == nil && prev.ClaimID != cell.ClaimID:
			if err := txn.Delete(claimCellKey(prev.ClaimID, cell.Key)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		if err := setJSON(txn, cellKey(cell.Key), cell); err != nil {
			return err
		}
		return txn.Set(claimCellKey(cell.ClaimID, cell.Key), nil)
	})
}

// DeleteCell удаляет клетку
func (r *BadgerRepository) DeleteCell(ctx context.Context, key territory.CellKey) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		var prev territory.Cell
		if err := getJSON(txn, cellKey(key), &prev); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("cell %s: %w", key, ErrNotFound)
			}
			return err
		}
		if err := txn.Delete(claimCellKey(prev.ClaimID, key)); err != nil {
			return err
		}
		return txn.Delete(cellKey(key))
	})
}

// GetPool загружает пул игрока
func (r *BadgerRepository) GetPool(ctx context.Context, player uuid.UUID) (*territory.PlayerChunkPool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	pool := &territory.PlayerChunkPool{}
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, poolKey(player), pool)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("pool %s: %w", player, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// SavePool сохраняет пул игрока
func (r *BadgerRepository) SavePool(ctx context.Context, pool *territory.PlayerChunkPool) error {
	if pool == nil || pool.Player == uuid.Nil {
		return fmt.Errorf("недействительный пул")
	}
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, poolKey(pool.Player), pool)
	})
}

// RecordTransfer добавляет запись аудита. Ключ упорядочен по времени.
func (r *BadgerRepository) RecordTransfer(ctx context.Context, rec territory.TransferRecord) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%020d#%s", transferPrefix(rec.Cell), rec.At.UnixNano(), rec.ID))
	return r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key, rec)
	})
}

// ListTransfers возвращает записи по клетке, новые первыми
func (r *BadgerRepository) ListTransfers(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var all []territory.TransferRecord
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(transferPrefix(cell))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec territory.TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			all = append(all, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]territory.TransferRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
