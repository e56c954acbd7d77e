package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Account is a service account used by game servers and plugins to call the
// territory API on behalf of players.
type Account struct {
	Name         string    // Unique name (case-insensitive)
	PasswordHash string    // bcrypt hash
	IsAdmin      bool      // May issue admin tokens
	CreatedAt    time.Time // Creation timestamp (server time)
	LastLogin    time.Time // Last successful login
}

// AccountStore defines persistence for service accounts.
type AccountStore interface {
	// GetAccount returns an account by name. If it is not found,
	// (nil, ErrAccountNotFound) is returned.
	GetAccount(ctx context.Context, name string) (*Account, error)

	// CreateAccount stores a new account. The caller passes a bcrypt hash.
	// Returns ErrAccountExists on conflict.
	CreateAccount(ctx context.Context, name, passwordHash string, isAdmin bool) (*Account, error)

	// TouchLogin records a successful login.
	TouchLogin(ctx context.Context, name string, at time.Time) error
}

// Domain-level errors returned by stores and the authenticator.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminNotAllowed    = errors.New("account may not issue admin tokens")
)

// ValidateCredentials checks name and password against the store.
// Unknown accounts and wrong passwords both yield ErrInvalidCredentials.
func ValidateCredentials(ctx context.Context, store AccountStore, name, password string) (*Account, error) {
	acc, err := store.GetAccount(ctx, name)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !CheckPassword(acc.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
