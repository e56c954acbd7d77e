package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccounts(t *testing.T) []SeedAccount {
	t.Helper()
	plain, err := HashPassword("plugin-pass")
	require.NoError(t, err)
	admin, err := HashPassword("admin-pass")
	require.NoError(t, err)
	return []SeedAccount{
		{Name: "Survival", PasswordHash: plain},
		{Name: "console", PasswordHash: admin, IsAdmin: true},
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "secret"))
	assert.False(t, CheckPassword(hash, "Secret"))

	_, err = HashPassword("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestMemoryAccountStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryAccountStore(seedAccounts(t))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Count())

	acc, err := store.GetAccount(ctx, "SURVIVAL")
	require.NoError(t, err, "Имя без учёта регистра")
	assert.Equal(t, "survival", acc.Name)

	_, err = store.CreateAccount(ctx, "survival", "x", false)
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = store.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.ErrorIs(t, store.TouchLogin(ctx, "ghost", time.Now()), ErrAccountNotFound)
}

func TestAuthenticatorLogin(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryAccountStore(seedAccounts(t))
	require.NoError(t, err)
	issuer, err := NewTokenIssuer("", time.Hour)
	require.NoError(t, err)
	a := NewAuthenticator(store, issuer)
	player := uuid.New()

	t.Run("Successful Login", func(t *testing.T) {
		resp, err := a.Login(ctx, LoginRequest{Account: "survival", Password: "plugin-pass", Player: player})
		require.NoError(t, err)
		assert.Equal(t, player, resp.Player)
		assert.False(t, resp.IsAdmin)

		claims, err := a.Issuer().Validate(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "survival", claims.Account)

		acc, _ := store.GetAccount(ctx, "survival")
		assert.False(t, acc.LastLogin.IsZero(), "Время входа сохранено")
	})

	t.Run("Wrong Password And Unknown Account", func(t *testing.T) {
		_, err := a.Login(ctx, LoginRequest{Account: "survival", Password: "nope", Player: player})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = a.Login(ctx, LoginRequest{Account: "ghost", Password: "nope", Player: player})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("Admin Token", func(t *testing.T) {
		_, err := a.Login(ctx, LoginRequest{Account: "survival", Password: "plugin-pass", Player: player, Admin: true})
		assert.ErrorIs(t, err, ErrAdminNotAllowed)

		resp, err := a.Login(ctx, LoginRequest{Account: "console", Password: "admin-pass", Player: player, Admin: true})
		require.NoError(t, err)
		assert.True(t, resp.IsAdmin)
	})
}

func TestMariaAccountStore(t *testing.T) {
	dsn := os.Getenv("TERRITORY_TEST_MARIA_DSN")
	if dsn == "" {
		t.Skip("TERRITORY_TEST_MARIA_DSN не задан, пропускаем тест MariaDB")
	}
	ctx := context.Background()
	store, err := NewMariaAccountStore(ctx, dsn, nil)
	if err != nil {
		t.Skipf("MariaDB недоступна: %v", err)
	}
	defer store.Close()

	name := "acc-" + uuid.NewString()[:8]
	hash, _ := HashPassword("pw")
	_, err = store.CreateAccount(ctx, name, hash, true)
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, name, hash, true)
	assert.ErrorIs(t, err, ErrAccountExists)

	acc, err := ValidateCredentials(ctx, store, name, "pw")
	require.NoError(t, err)
	assert.True(t, acc.IsAdmin)
	assert.NoError(t, store.TouchLogin(ctx, name, time.Now()))
}
