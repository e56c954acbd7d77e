package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
)

// ErrBusClosed возвращается при публикации в закрытую шину
var ErrBusClosed = errors.New("eventbus: closed")

// Типы событий территорий
const (
	CellClaimed     = "CellClaimed"
	CellUnclaimed   = "CellUnclaimed"
	CellReassigned  = "CellReassigned"
	CellTransferred = "CellTransferred"
	ClaimDeleted    = "ClaimDeleted"
	ChunksPurchased = "ChunksPurchased"
	ChunksAllocated = "ChunksAllocated"
	GroupChanged    = "GroupChanged"
)

// PayloadVersion текущая схема TerritoryEvent
const PayloadVersion = 1

// AllTypes все типы событий территорий
var AllTypes = []string{
	CellClaimed, CellUnclaimed, CellReassigned, CellTransferred,
	ClaimDeleted, ChunksPurchased, ChunksAllocated, GroupChanged,
}

// TerritoryEvent полезная нагрузка события. Заполняются только поля,
// относящиеся к типу события.
type TerritoryEvent struct {
	Type      string              `json:"type"`
	Actor     uuid.UUID           `json:"actor"`
	ClaimID   int64               `json:"claim_id,omitempty"`
	FromClaim int64               `json:"from_claim,omitempty"`
	ToClaim   int64               `json:"to_claim,omitempty"`
	Target    uuid.UUID           `json:"target,omitempty"`
	World     string              `json:"world,omitempty"`
	Cells     []territory.CellKey `json:"cells,omitempty"`
	Count     int                 `json:"count,omitempty"`
	Price     float64             `json:"price,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// priorityOf события, потеря которых ломает внешние реестры, не дропаются
func priorityOf(eventType string) int {
	switch eventType {
	case ClaimDeleted, CellTransferred, ChunksPurchased:
		return 7
	default:
		return 3
	}
}

// NewEnvelope упаковывает событие в конверт
func NewEnvelope(source, correlationID string, ev TerritoryEvent) (*Envelope, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("eventbus: event without type")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal %s: %w", ev.Type, err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		EventType:     ev.Type,
		Version:       PayloadVersion,
		CorrelationID: correlationID,
		Priority:      priorityOf(ev.Type),
		Payload:       payload,
	}, nil
}

// Decode распаковывает полезную нагрузку
func (e *Envelope) Decode() (TerritoryEvent, error) {
	var ev TerritoryEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return ev, fmt.Errorf("eventbus: decode %s: %w", e.ID, err)
	}
	return ev, nil
}
