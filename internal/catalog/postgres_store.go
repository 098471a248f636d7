package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists services in PostgreSQL. The price table is stored
// as JSONB since it is always read and written whole.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, s *Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cp := cloneService(s)
	normalizeService(cp)

	prices, err := json.Marshal(cp.Prices)
	if err != nil {
		return fmt.Errorf("encode price table: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO services (id, owner, kind, name, prices, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner = $2, kind = $3, name = $4, prices = $5, updated_at = NOW()
	`, cp.ID, cp.Owner, string(cp.Kind), cp.Name, prices)
	return err
}

const serviceColumns = `id, owner, kind, name, prices, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, serviceID string) (*Service, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, serviceID)
	s, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	return s, err
}

func (p *PostgresStore) PriceTable(ctx context.Context, serviceID string) ([]PriceByCurrency, error) {
	s, err := p.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.Prices, nil
}

func (p *PostgresStore) OwnerOf(ctx context.Context, serviceID string) (string, error) {
	var owner string
	err := p.db.QueryRowContext(ctx, `SELECT owner FROM services WHERE id = $1`, serviceID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrServiceNotFound
	}
	return owner, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Service, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE owner = $1 ORDER BY id
	`, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanService(sc scanner) (*Service, error) {
	s := &Service{}
	var kind string
	var name sql.NullString
	var prices []byte
	if err := sc.Scan(&s.ID, &s.Owner, &kind, &name, &prices, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Kind = Kind(kind)
	s.Name = name.String
	if err := json.Unmarshal(prices, &s.Prices); err != nil {
		return nil, fmt.Errorf("decode price table for %s: %w", s.ID, err)
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
