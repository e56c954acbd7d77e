package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/annel0/mmo-territory/internal/territory"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MariaRepository реализует Repository для MariaDB/MySQL.
// Таблицы: claims, claim_cells, chunk_pools, cell_transfers.
// Roster и настройки клейма хранятся JSON-колонками.
type MariaRepository struct {
	db *sql.DB
}

// NewMariaRepository подключается к базе и создаёт таблицы при необходимости.
//
// Параметры:
//
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname?parseTime=true)
func NewMariaRepository(dsn string) (*MariaRepository, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	repo := &MariaRepository{db: db}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицы: %w", err)
	}
	return repo, nil
}

// NewMariaRepositoryFromDB оборачивает существующее соединение
func NewMariaRepositoryFromDB(db *sql.DB) *MariaRepository {
	return &MariaRepository{db: db}
}

func (r *MariaRepository) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			id           BIGINT       AUTO_INCREMENT PRIMARY KEY,
			owner        CHAR(36)     NOT NULL,
			name         VARCHAR(64)  NOT NULL,
			world        VARCHAR(64)  NOT NULL,
			total_cells  INT          NOT NULL,
			claim_order  INT          NOT NULL,
			color        VARCHAR(16)  NOT NULL DEFAULT '',
			icon         VARCHAR(64)  NOT NULL DEFAULT '',
			bank_account VARCHAR(64)  NOT NULL DEFAULT '',
			settings     JSON         NOT NULL,
			roster       JSON         NOT NULL,
			created_at   TIMESTAMP(6) NOT NULL,
			INDEX idx_owner (owner)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS claim_cells (
			world      VARCHAR(64)  NOT NULL,
			x          INT          NOT NULL,
			z          INT          NOT NULL,
			claim_id   BIGINT       NOT NULL,
			claimed_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (world, x, z),
			INDEX idx_claim (claim_id),
			FOREIGN KEY (claim_id) REFERENCES claims(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS chunk_pools (
			player          CHAR(36)     PRIMARY KEY,
			purchased_cells INT          NOT NULL,
			total_spent     DOUBLE       NOT NULL,
			last_purchase   TIMESTAMP(6) NULL,
			claims_created  INT          NOT NULL DEFAULT 0
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS cell_transfers (
			id         CHAR(36)     PRIMARY KEY,
			world      VARCHAR(64)  NOT NULL,
			x          INT          NOT NULL,
			z          INT          NOT NULL,
			from_claim BIGINT       NOT NULL,
			to_claim   BIGINT       NOT NULL,
			to_player  CHAR(36)     NOT NULL,
			actor      CHAR(36)     NOT NULL,
			kind       VARCHAR(16)  NOT NULL,
			at         TIMESTAMP(6) NOT NULL,
			INDEX idx_cell_at (world, x, z, at)
		) ENGINE=InnoDB`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return fmt.Errorf("ошибка создания таблицы: %w", err)
		}
	}
	return nil
}

const claimColumns = `id, owner, name, world, total_cells, claim_order, color, icon, bank_account, settings, roster, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*territory.Claim, error) {
	var (
		c                     territory.Claim
		owner                 string
		settingsRaw, rosterRaw []byte
	)
	if err := row.Scan(&c.ID, &owner, &c.Name, &c.World, &c.TotalCells, &c.ClaimOrder,
		&c.Color, &c.Icon, &c.BankAccount, &settingsRaw, &rosterRaw, &c.CreatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(owner)
	if err != nil {
		return nil, fmt.Errorf("некорректный владелец клейма %d: %w", c.ID, err)
	}
	c.Owner = id
	c.Settings = territory.Settings{}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &c.Settings); err != nil {
			return nil, fmt.Errorf("ошибка разбора settings клейма %d: %w", c.ID, err)
		}
	}
	c.Roster = &permission.Roster{}
	if len(rosterRaw) > 0 {
		if err := json.Unmarshal(rosterRaw, c.Roster); err != nil {
			return nil, fmt.Errorf("ошибка разбора roster клейма %d: %w", c.ID, err)
		}
	}
	c.Cells = make(map[territory.CellKey]time.Time)
	return &c, nil
}

func (r *MariaRepository) attachCells(ctx context.Context, claims []*territory.Claim) error {
	for _, c := range claims {
		cells, err := r.ListCells(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, cell := range cells {
			c.Cells[cell.Key] = cell.ClaimedAt
		}
	}
	return nil
}

// GetClaim загружает клейм с клетками
func (r *MariaRepository) GetClaim(ctx context.Context, id int64) (*territory.Claim, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки клейма %d: %w", id, err)
	}
	if err := r.attachCells(ctx, []*territory.Claim{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ListClaims загружает все клеймы
func (r *MariaRepository) ListClaims(ctx context.Context) ([]*territory.Claim, error) {
	return r.queryClaims(ctx, `SELECT `+claimColumns+` FROM claims ORDER BY id`)
}

// ListClaimsByOwner загружает клеймы игрока
func (r *MariaRepository) ListClaimsByOwner(ctx context.Context, owner uuid.UUID) ([]*territory.Claim, error) {
	return r.queryClaims(ctx, `SELECT `+claimColumns+` FROM claims WHERE owner = ? ORDER BY id`, owner.String())
}

func (r *MariaRepository) queryClaims(ctx context.Context, query string, args ...interface{}) ([]*territory.Claim, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса клеймов: %w", err)
	}
	var out []*territory.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := r.attachCells(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveClaim вставляет или обновляет клейм.
// Использует INSERT ... ON DUPLICATE KEY UPDATE для существующих записей.
func (r *MariaRepository) SaveClaim(ctx context.Context, claim *territory.Claim) error {
	if claim == nil || claim.Owner == uuid.Nil {
		return fmt.Errorf("недействительный клейм")
	}
	settings := claim.Settings
	if settings == nil {
		settings = territory.Settings{}
	}
	settingsRaw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("ошибка сериализации settings: %w", err)
	}
	roster := claim.Roster
	if roster == nil {
		roster = &permission.Roster{}
	}
	rosterRaw, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("ошибка сериализации roster: %w", err)
	}

	if claim.ID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO claims (owner, name, world, total_cells, claim_order, color, icon, bank_account, settings, roster, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			claim.Owner.String(), claim.Name, claim.World, claim.TotalCells, claim.ClaimOrder,
			claim.Color, claim.Icon, claim.BankAccount, settingsRaw, rosterRaw, claim.CreatedAt)
		if err != nil {
			return fmt.Errorf("ошибка создания клейма: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("не удалось получить ID клейма: %w", err)
		}
		claim.ID = id
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claims (id, owner, name, world, total_cells, claim_order, color, icon, bank_account, settings, roster, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			owner = VALUES(owner),
			name = VALUES(name),
			total_cells = VALUES(total_cells),
			color = VALUES(color),
			icon = VALUES(icon),
			bank_account = VALUES(bank_account),
			settings = VALUES(settings),
			roster = VALUES(roster)`,
		claim.ID, claim.Owner.String(), claim.Name, claim.World, claim.TotalCells, claim.ClaimOrder,
		claim.Color, claim.Icon, claim.BankAccount, settingsRaw, rosterRaw, claim.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения клейма %d: %w", claim.ID, err)
	}
	return nil
}

// DeleteClaim удаляет клейм; клетки удаляются каскадно внешним ключом
func (r *MariaRepository) DeleteClaim(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления клейма %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка проверки удаления клейма %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetCell загружает клетку
func (r *MariaRepository) GetCell(ctx context.Context, key territory.CellKey) (territory.Cell, error) {
	cell := territory.Cell{Key: key}
	err := r.db.QueryRowContext(ctx,
		`SELECT claim_id, claimed_at FROM claim_cells WHERE world = ? AND x = ? AND z = ?`,
		key.World, key.X, key.Z).Scan(&cell.ClaimID, &cell.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return territory.Cell{}, fmt.Errorf("cell %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return territory.Cell{}, fmt.Errorf("ошибка загрузки клетки %s: %w", key, err)
	}
	return cell, nil
}

// ListCells возвращает клетки клейма
func (r *MariaRepository) ListCells(ctx context.Context, claimID int64) ([]territory.Cell, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT world, x, z, claimed_at FROM claim_cells WHERE claim_id = ? ORDER BY world, x, z`, claimID)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки клеток клейма %d: %w", claimID, err)
	}
	defer rows.Close()

	var out []territory.Cell
	for rows.Next() {
		cell := territory.Cell{ClaimID: claimID}
		if err := rows.Scan(&cell.Key.World, &cell.Key.X, &cell.Key.Z, &cell.ClaimedAt); err != nil {
			return nil, err
		}
		out = append(out, cell)
	}
	return out, rows.Err()
}

// SaveCell вставляет или перезаписывает владельца клетки
func (r *MariaRepository) SaveCell(ctx context.Context, cell territory.Cell) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO claim_cells (world, x, z, claim_id, claimed_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			claim_id = VALUES(claim_id),
			claimed_at = VALUES(claimed_at)`,
		cell.Key.World, cell.Key.X, cell.Key.Z, cell.ClaimID, cell.ClaimedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения клетки %s: %w", cell.Key, err)
	}
	return nil
}

// DeleteCell удаляет клетку
func (r *MariaRepository) DeleteCell(ctx context.Context, key territory.CellKey) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM claim_cells WHERE world = ? AND x = ? AND z = ?`, key.World, key.X, key.Z)
	if err != nil {
		return fmt.Errorf("ошибка удаления клетки %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cell %s: %w", key, ErrNotFound)
	}
	return nil
}

// GetPool загружает пул игрока
func (r *MariaRepository) GetPool(ctx context.Context, player uuid.UUID) (*territory.PlayerChunkPool, error) {
	pool := &territory.PlayerChunkPool{Player: player}
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT purchased_cells, total_spent, last_purchase, claims_created FROM chunk_pools WHERE player = ?`,
		player.String()).Scan(&pool.PurchasedCells, &pool.TotalSpent, &last, &pool.ClaimsCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", player, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки пула %s: %w", player, err)
	}
	if last.Valid {
		pool.LastPurchase = last.Time
	}
	return pool, nil
}

// SavePool сохраняет пул игрока
func (r *MariaRepository) SavePool(ctx context.Context, pool *territory.PlayerChunkPool) error {
	if pool == nil || pool.Player == uuid.Nil {
		return fmt.Errorf("недействительный пул")
	}
	var last sql.NullTime
	if !pool.LastPurchase.IsZero() {
		last = sql.NullTime{Time: pool.LastPurchase, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chunk_pools (player, purchased_cells, total_spent, last_purchase, claims_created)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			purchased_cells = VALUES(purchased_cells),
			total_spent = VALUES(total_spent),
			last_purchase = VALUES(last_purchase),
			claims_created = VALUES(claims_created)`,
		pool.Player.String(), pool.PurchasedCells, pool.TotalSpent, last, pool.ClaimsCreated)
	if err != nil {
		return fmt.Errorf("ошибка сохранения пула %s: %w", pool.Player, err)
	}
	return nil
}

// RecordTransfer добавляет запись аудита
func (r *MariaRepository) RecordTransfer(ctx context.Context, rec territory.TransferRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cell_transfers (id, world, x, z, from_claim, to_claim, to_player, actor, kind, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Cell.World, rec.Cell.X, rec.Cell.Z, rec.FromClaim, rec.ToClaim,
		rec.ToPlayer.String(), rec.Actor.String(), string(rec.Kind), rec.At)
	if err != nil {
		return fmt.Errorf("ошибка записи аудита для %s: %w", rec.Cell, err)
	}
	return nil
}

// ListTransfers возвращает записи по клетке, новые первыми
func (r *MariaRepository) ListTransfers(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	query := `SELECT id, from_claim, to_claim, to_player, actor, kind, at
		FROM cell_transfers WHERE world = ? AND x = ? AND z = ? ORDER BY at DESC`
	args := []interface{}{cell.World, cell.X, cell.Z}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки аудита для %s: %w", cell, err)
	}
	defer rows.Close()

	var out []territory.TransferRecord
	for rows.Next() {
		rec := territory.TransferRecord{Cell: cell}
		var toPlayer, actor, kind string
		if err := rows.Scan(&rec.ID, &rec.FromClaim, &rec.ToClaim, &toPlayer, &actor, &kind, &rec.At); err != nil {
			return nil, err
		}
		rec.ToPlayer, _ = uuid.Parse(toPlayer)
		rec.Actor, _ = uuid.Parse(actor)
		rec.Kind = territory.TransferKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close закрывает соединение
func (r *MariaRepository) Close() error {
	return r.db.Close()
}
