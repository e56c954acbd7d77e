package storage

import (
	"context"
	"errors"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
)

var (
	// ErrNotFound запись отсутствует в хранилище
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict клетка уже принадлежит другому клейму
	ErrConflict = errors.New("storage: conflict")
)

// Repository определяет долговременное хранилище территорий.
// Каждая операция атомарна в пределах одной строки; многострочных
// транзакций интерфейс не обещает.
type Repository interface {
	// GetClaim загружает клейм вместе с его клетками.
	// Возвращает:
	//   *territory.Claim - клейм
	//   error - ErrNotFound, если клейма нет
	GetClaim(ctx context.Context, id int64) (*territory.Claim, error)

	// ListClaims загружает все клеймы с клетками (прогрев индекса).
	ListClaims(ctx context.Context) ([]*territory.Claim, error)

	// ListClaimsByOwner загружает клеймы игрока.
	ListClaimsByOwner(ctx context.Context, owner uuid.UUID) ([]*territory.Claim, error)

	// SaveClaim сохраняет метаданные клейма без клеток.
	// Если claim.ID == 0, репозиторий назначает новый идентификатор.
	SaveClaim(ctx context.Context, claim *territory.Claim) error

	// DeleteClaim удаляет клейм и каскадно все оставшиеся клетки.
	// Возвращает ErrNotFound, если клейма нет.
	DeleteClaim(ctx context.Context, id int64) error

	// GetCell загружает строку владения клеткой.
	GetCell(ctx context.Context, key territory.CellKey) (territory.Cell, error)

	// ListCells возвращает клетки клейма.
	ListCells(ctx context.Context, claimID int64) ([]territory.Cell, error)

	// SaveCell записывает владельца клетки. Перезапись клетки,
	// принадлежащей другому клейму, допустима только через явный переход
	// (Engine проверяет владельца перед записью).
	SaveCell(ctx context.Context, cell territory.Cell) error

	// DeleteCell удаляет строку клетки. Возвращает ErrNotFound, если её нет.
	DeleteCell(ctx context.Context, key territory.CellKey) error

	// GetPool загружает пул игрока. Возвращает ErrNotFound для нового игрока.
	GetPool(ctx context.Context, player uuid.UUID) (*territory.PlayerChunkPool, error)

	// SavePool сохраняет пул игрока.
	SavePool(ctx context.Context, pool *territory.PlayerChunkPool) error

	// RecordTransfer добавляет запись аудита. Записи не изменяются.
	RecordTransfer(ctx context.Context, rec territory.TransferRecord) error

	// ListTransfers возвращает последние записи по клетке, новые первыми.
	// limit <= 0 означает без ограничения.
	ListTransfers(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error)

	// Close освобождает ресурсы хранилища.
	Close() error
}
