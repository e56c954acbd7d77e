// Package economy описывает контракт внешнего банковского реестра,
// из которого движок территорий списывает и в который возвращает деньги.
package economy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Ошибки экономики
var (
	ErrInsufficientFunds = errors.New("economy: insufficient funds")
	ErrInvalidAmount     = errors.New("economy: invalid amount")
)

// Economy баланс игроков. Суммы неотрицательные.
type Economy interface {
	Has(ctx context.Context, player uuid.UUID, amount float64) (bool, error)
	Withdraw(ctx context.Context, player uuid.UUID, amount float64) error
	Deposit(ctx context.Context, player uuid.UUID, amount float64) error
	Balance(ctx context.Context, player uuid.UUID) (float64, error)
}

func checkAmount(amount float64) error {
	if amount < 0 || math.IsNaN(amount) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

// MemoryEconomy реестр в памяти для разработки и тестов
type MemoryEconomy struct {
	mu       sync.Mutex
	balances map[uuid.UUID]float64
	starting float64
}

// NewMemoryEconomy создаёт пустой реестр
func NewMemoryEconomy() *MemoryEconomy {
	return &MemoryEconomy{balances: make(map[uuid.UUID]float64)}
}

// NewMemoryEconomyWithStartingBalance реестр, где новый игрок получает amount
func NewMemoryEconomyWithStartingBalance(amount float64) *MemoryEconomy {
	m := NewMemoryEconomy()
	if amount > 0 {
		m.starting = amount
	}
	return m
}

// balanceLocked баланс с начислением стартовой суммы новому игроку
func (m *MemoryEconomy) balanceLocked(player uuid.UUID) float64 {
	b, ok := m.balances[player]
	if !ok && m.starting > 0 {
		b = m.starting
		m.balances[player] = b
	}
	return b
}

// SetBalance задаёт баланс напрямую
func (m *MemoryEconomy) SetBalance(player uuid.UUID, amount float64) {
	m.mu.Lock()
	m.balances[player] = amount
	m.mu.Unlock()
}

func (m *MemoryEconomy) Has(ctx context.Context, player uuid.UUID, amount float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(player) >= amount, nil
}

func (m *MemoryEconomy) Withdraw(ctx context.Context, player uuid.UUID, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.balanceLocked(player); b < amount {
		return fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientFunds, b, amount)
	}
	m.balances[player] -= amount
	return nil
}

func (m *MemoryEconomy) Deposit(ctx context.Context, player uuid.UUID, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	m.balances[player] = m.balanceLocked(player) + amount
	m.mu.Unlock()
	return nil
}

func (m *MemoryEconomy) Balance(ctx context.Context, player uuid.UUID) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(player), nil
}
