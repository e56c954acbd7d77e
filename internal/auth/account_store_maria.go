package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MariaAccountStore implements AccountStore on MariaDB.
type MariaAccountStore struct {
	db *sql.DB
}

// NewMariaAccountStore opens the database, creates the table and inserts seed
// accounts that do not exist yet.
func NewMariaAccountStore(ctx context.Context, dsn string, seed []SeedAccount) (*MariaAccountStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mariadb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mariadb: %w", err)
	}

	s := &MariaAccountStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	for _, a := range seed {
		if _, err := s.CreateAccount(ctx, a.Name, a.PasswordHash, a.IsAdmin); err != nil && !errors.Is(err, ErrAccountExists) {
			db.Close()
			return nil, fmt.Errorf("seed account %s: %w", a.Name, err)
		}
	}
	return s, nil
}

func (s *MariaAccountStore) createTables(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS service_accounts (
		name VARCHAR(64) NOT NULL PRIMARY KEY,
		password_hash VARCHAR(255) NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		last_login TIMESTAMP(6) NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table service_accounts: %w", err)
	}
	return nil
}

// GetAccount loads an account by name.
func (s *MariaAccountStore) GetAccount(ctx context.Context, name string) (*Account, error) {
	const q = `SELECT name, password_hash, is_admin, created_at, last_login
			   FROM service_accounts WHERE name = ?`

	var acc Account
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, q, normalize(name)).Scan(
		&acc.Name, &acc.PasswordHash, &acc.IsAdmin, &acc.CreatedAt, &last,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if last.Valid {
		acc.LastLogin = last.Time
	}
	return &acc, nil
}

// CreateAccount inserts an account; a duplicate name yields ErrAccountExists.
func (s *MariaAccountStore) CreateAccount(ctx context.Context, name, passwordHash string, isAdmin bool) (*Account, error) {
	key := normalize(name)
	if key == "" {
		return nil, ErrInvalidCredentials
	}
	now := time.Now().UTC()

	const q = `INSERT INTO service_accounts (name, password_hash, is_admin, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, key, passwordHash, isAdmin, now); err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &Account{Name: key, PasswordHash: passwordHash, IsAdmin: isAdmin, CreatedAt: now}, nil
}

// TouchLogin updates last_login.
func (s *MariaAccountStore) TouchLogin(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_accounts SET last_login = ? WHERE name = ?`, at.UTC(), normalize(name))
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *MariaAccountStore) Close() error {
	return s.db.Close()
}
