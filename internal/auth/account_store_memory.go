package auth

import (
	"context"
	"sync"
	"time"
)

// SeedAccount is an account loaded from configuration.
type SeedAccount struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	IsAdmin      bool   `yaml:"is_admin"`
}

// MemoryAccountStore is a threadsafe in-memory store seeded from configuration.
// NOT persistent: TouchLogin updates are lost on restart.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // key = normalized name
}

// NewMemoryAccountStore returns a store pre-populated with seed accounts.
func NewMemoryAccountStore(seed []SeedAccount) (*MemoryAccountStore, error) {
	s := &MemoryAccountStore{accounts: make(map[string]*Account)}
	for _, a := range seed {
		if _, err := s.CreateAccount(context.Background(), a.Name, a.PasswordHash, a.IsAdmin); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetAccount retrieves an account by case-insensitive name.
func (s *MemoryAccountStore) GetAccount(ctx context.Context, name string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[normalize(name)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// CreateAccount inserts a new account if the name is free.
func (s *MemoryAccountStore) CreateAccount(ctx context.Context, name, passwordHash string, isAdmin bool) (*Account, error) {
	key := normalize(name)
	if key == "" {
		return nil, ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[key]; exists {
		return nil, ErrAccountExists
	}
	now := time.Now()
	acc := &Account{
		Name:         key,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
	}
	s.accounts[key] = acc
	cp := *acc
	return &cp, nil
}

// TouchLogin records the login time.
func (s *MemoryAccountStore) TouchLogin(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[normalize(name)]
	if !ok {
		return ErrAccountNotFound
	}
	acc.LastLogin = at
	return nil
}

// Count returns the number of accounts (for tests and stats).
func (s *MemoryAccountStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}
