package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "mmo-territory"

// Claims represents JWT claims. A token is issued to a service account and
// acts for exactly one player.
type Claims struct {
	Player  string `json:"player"`
	Account string `json:"account"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// PlayerID parses the player UUID from the token.
func (c *Claims) PlayerID() (uuid.UUID, error) {
	return uuid.Parse(c.Player)
}

// TokenIssuer signs and validates HS256 tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. secret is base64 of at least 32 bytes;
// an empty secret generates a random one (tokens do not survive restart).
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ti := &TokenIssuer{ttl: ttl, now: time.Now}
	if secret == "" {
		ti.secret = make([]byte, 32)
		if _, err := rand.Read(ti.secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		return ti, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	if len(decoded) < 32 {
		return nil, errors.New("secret key must be at least 32 bytes")
	}
	ti.secret = decoded
	return ti, nil
}

// Issue creates a token for the account acting as player.
func (ti *TokenIssuer) Issue(account string, player uuid.UUID, isAdmin bool) (string, error) {
	if player == uuid.Nil {
		return "", errors.New("player id is required")
	}
	now := ti.now()
	claims := &Claims{
		Player:  player.String(),
		Account: account,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    defaultIssuer,
			Subject:   player.String(),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Validate checks the signature, expiry and issuer and returns the claims.
func (ti *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return ti.secret, nil
	}, jwt.WithIssuer(defaultIssuer), jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, err := claims.PlayerID(); err != nil {
		return nil, fmt.Errorf("invalid player claim: %w", err)
	}
	return claims, nil
}

// GenerateSecureSecret generates a new base64 secret suitable for NewTokenIssuer.
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
