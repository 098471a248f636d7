package asset

import (
	"context"
	"database/sql"
)

// PostgresRegistry reads asset metadata from PostgreSQL.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Register records (or replaces) the symbol for an asset id.
func (p *PostgresRegistry) Register(ctx context.Context, id uint32, symbol string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (id, symbol) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET symbol = $2`, int64(id), symbol)
	return err
}

func (p *PostgresRegistry) SymbolOf(ctx context.Context, id uint32) (string, error) {
	var symbol string
	err := p.db.QueryRowContext(ctx, `SELECT symbol FROM assets WHERE id = $1`, int64(id)).Scan(&symbol)
	if err == sql.ErrNoRows {
		return "", ErrUnknownAsset
	}
	return symbol, err
}

var _ Registry = (*PostgresRegistry)(nil)
