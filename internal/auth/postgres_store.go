package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, account, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Account, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

const apiKeyColumns = `id, hash, account, name, created_at, last_used, expires_at, revoked`

// GetByHash retrieves a live API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByAccount retrieves all API keys for an account
func (p *PostgresStore) GetByAccount(ctx context.Context, account string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys WHERE account = $1 ORDER BY created_at DESC
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation is never undone.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var name sql.NullString
	var expiresAt, lastUsed sql.NullTime
	if err := s.Scan(
		&key.ID, &key.Hash, &key.Account, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Name = name.String
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// PostgresAuthorityStore persists role keys in PostgreSQL
type PostgresAuthorityStore struct {
	db *sql.DB
}

// NewPostgresAuthorityStore creates a new PostgreSQL-backed role key store
func NewPostgresAuthorityStore(db *sql.DB) *PostgresAuthorityStore {
	return &PostgresAuthorityStore{db: db}
}

func (p *PostgresAuthorityStore) Get(ctx context.Context, role Role) (*Authority, error) {
	a := &Authority{}
	err := p.db.QueryRowContext(ctx, `
		SELECT role, account, updated_at FROM authority_keys WHERE role = $1
	`, string(role)).Scan(&a.Role, &a.Account, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotSet
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresAuthorityStore) Set(ctx context.Context, a *Authority) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO authority_keys (role, account, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (role) DO UPDATE SET account = $2, updated_at = $3
	`, string(a.Role), a.Account, a.UpdatedAt)
	return err
}

func (p *PostgresAuthorityStore) List(ctx context.Context) ([]*Authority, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT role, account, updated_at FROM authority_keys ORDER BY role`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Authority
	for rows.Next() {
		a := &Authority{}
		if err := rows.Scan(&a.Role, &a.Account, &a.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AuthorityStore = (*PostgresAuthorityStore)(nil)
)
