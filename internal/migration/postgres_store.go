package migration

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresVersionStore records applied data migrations in data_migrations.
type PostgresVersionStore struct {
	db *sql.DB
}

// NewPostgresVersionStore creates a version store.
func NewPostgresVersionStore(db *sql.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db}
}

func (p *PostgresVersionStore) Get(ctx context.Context, name string) (*Applied, error) {
	a := &Applied{}
	err := p.db.QueryRowContext(ctx, `
		SELECT name, records, applied_at FROM data_migrations WHERE name = $1`, name,
	).Scan(&a.Name, &a.Records, &a.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresVersionStore) Record(ctx context.Context, a *Applied) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO data_migrations (name, records, applied_at) VALUES ($1, $2, $3)`,
		a.Name, a.Records, a.AppliedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyApplied
	}
	return err
}

func (p *PostgresVersionStore) List(ctx context.Context) ([]*Applied, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, records, applied_at FROM data_migrations ORDER BY applied_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Applied
	for rows.Next() {
		a := &Applied{}
		if err := rows.Scan(&a.Name, &a.Records, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ VersionStore = (*PostgresVersionStore)(nil)
