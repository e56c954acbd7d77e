package auth

import (
	"context"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/google/uuid"
)

// LoginRequest is sent by a game server to obtain a token for a player.
type LoginRequest struct {
	Account  string    `json:"account" binding:"required"`
	Password string    `json:"password" binding:"required"`
	Player   uuid.UUID `json:"player" binding:"required"`
	Admin    bool      `json:"admin"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Player    uuid.UUID `json:"player"`
	IsAdmin   bool      `json:"is_admin"`
}

// Authenticator combines the account store and the token issuer.
type Authenticator struct {
	store  AccountStore
	issuer *TokenIssuer
	log    *logging.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(store AccountStore, issuer *TokenIssuer) *Authenticator {
	return &Authenticator{store: store, issuer: issuer, log: logging.GetComponentLogger("auth")}
}

// Issuer returns the token issuer (used by the HTTP middleware).
func (a *Authenticator) Issuer() *TokenIssuer { return a.issuer }

// Login validates the account and issues a player token. An admin token is
// only issued to admin accounts.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	acc, err := ValidateCredentials(ctx, a.store, req.Account, req.Password)
	if err != nil {
		a.log.Warn("🔐 Отказ во входе для %q: %v", req.Account, err)
		return nil, err
	}
	if req.Admin && !acc.IsAdmin {
		a.log.Warn("🔐 Аккаунт %s запросил админский токен без прав", acc.Name)
		return nil, ErrAdminNotAllowed
	}

	token, err := a.issuer.Issue(acc.Name, req.Player, req.Admin)
	if err != nil {
		return nil, err
	}
	now := a.issuer.now()
	if err := a.store.TouchLogin(ctx, acc.Name, now); err != nil {
		a.log.Warn("⚠️ Время входа аккаунта %s не сохранено: %v", acc.Name, err)
	}
	a.log.Info("🔐 Аккаунт %s получил токен для игрока %s (admin=%v)", acc.Name, req.Player, req.Admin)

	return &LoginResponse{
		Token:     token,
		ExpiresAt: now.Add(a.issuer.ttl),
		Player:    req.Player,
		IsAdmin:   req.Admin,
	}, nil
}
