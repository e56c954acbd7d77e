package engine

import (
	"errors"
	"fmt"

	"github.com/annel0/mmo-territory/internal/territory"
)

// Reason машиночитаемая причина отказа
type Reason string

const (
	ReasonAlreadyClaimed          Reason = "already_claimed"
	ReasonNoCapacity              Reason = "no_capacity"
	ReasonInsufficientFunds       Reason = "insufficient_funds"
	ReasonNotOwner                Reason = "not_owner"
	ReasonLastCellProtected       Reason = "last_cell_protected"
	ReasonNotFound                Reason = "not_found"
	ReasonTargetFull              Reason = "target_full"
	ReasonNotAdjacentWarning      Reason = "not_adjacent"
	ReasonInsufficientChunks      Reason = "insufficient_chunks"
	ReasonProfileCapacityExceeded Reason = "profile_capacity_exceeded"
	ReasonDatabaseError           Reason = "database_error"
	ReasonMaxChunksReached        Reason = "max_chunks_reached"
	ReasonEconomyError            Reason = "economy_error"
	ReasonNoPlayerData            Reason = "no_player_data"
	ReasonInvalidState            Reason = "invalid_state"
	ReasonPermissionDenied        Reason = "permission_denied"
)

// Category класс ошибки для вызывающей стороны
type Category string

const (
	CategoryNotFound           Category = "not_found"
	CategoryPermissionDenied   Category = "permission_denied"
	CategoryCapacityExceeded   Category = "capacity_exceeded"
	CategoryInsufficientFunds  Category = "insufficient_funds"
	CategoryInvalidState       Category = "invalid_state"
	CategoryPersistenceFailure Category = "persistence_failure"
)

// Category возвращает класс причины; у предупреждений класса нет
func (r Reason) Category() Category {
	switch r {
	case ReasonNotFound, ReasonNoPlayerData:
		return CategoryNotFound
	case ReasonNotOwner, ReasonPermissionDenied:
		return CategoryPermissionDenied
	case ReasonNoCapacity, ReasonTargetFull, ReasonInsufficientChunks,
		ReasonProfileCapacityExceeded, ReasonMaxChunksReached:
		return CategoryCapacityExceeded
	case ReasonInsufficientFunds:
		return CategoryInsufficientFunds
	case ReasonDatabaseError, ReasonEconomyError:
		return CategoryPersistenceFailure
	case ReasonNotAdjacentWarning, "":
		return ""
	default:
		return CategoryInvalidState
	}
}

// Result итог операции движка. Ошибки наружу не выходят.
type Result struct {
	Success      bool                `json:"success"`
	Reason       Reason              `json:"reason,omitempty"`
	Category     Category            `json:"category,omitempty"`
	Message      string              `json:"message,omitempty"`
	ClaimID      int64               `json:"claim_id,omitempty"`
	Cells        []territory.CellKey `json:"cells,omitempty"`
	Price        float64             `json:"price,omitempty"`
	ClaimDeleted bool                `json:"claim_deleted,omitempty"`
	Warnings     []Reason            `json:"warnings,omitempty"`
}

// HasWarning проверяет наличие предупреждения
func (r Result) HasWarning(w Reason) bool {
	for _, x := range r.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

func ok(claimID int64) Result {
	return Result{Success: true, ClaimID: claimID}
}

func fail(reason Reason, format string, args ...interface{}) Result {
	return Result{
		Reason:   reason,
		Category: reason.Category(),
		Message:  fmt.Sprintf(format, args...),
	}
}

// OpError ошибка с причиной для операций, возвращающих error
type OpError struct {
	Reason Reason
	Err    error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(reason Reason, format string, args ...interface{}) error {
	return &OpError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf извлекает причину из ошибки; неизвестные ошибки считаются InvalidState
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Reason
	}
	return ReasonInvalidState
}

// ResultOf превращает ошибку в Result
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	r := ReasonOf(err)
	return Result{Reason: r, Category: r.Category(), Message: err.Error()}
}
