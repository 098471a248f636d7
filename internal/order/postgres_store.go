package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/catalog"
)

// PostgresStore persists orders in PostgreSQL. The buyer and seller indexes
// are plain b-tree indexes on the orders table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	prices, additional, err := encodePrices(o)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, service_id, buyer_id, seller_id, buyer_box_key, tracking_id,
			kind, genetic_data_id, currency, asset_id,
			prices, additional_prices, total_price,
			status, flow, workflow_verified, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13::NUMERIC(30,6),
			$14, $15, $16, $17, $18
		)`,
		o.ID, o.ServiceID, o.BuyerID, o.SellerID, o.BuyerBoxKey, o.TrackingID,
		string(o.Kind), nullString(o.GeneticDataID), string(o.Currency), nullAsset(o.AssetID),
		prices, additional, o.TotalPrice,
		string(o.Status), string(o.Flow), o.WorkflowVerified, o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const orderColumns = `id, service_id, buyer_id, seller_id, buyer_box_key, tracking_id,
		       kind, genetic_data_id, currency, asset_id,
		       prices, additional_prices, total_price::TEXT,
		       status, flow, workflow_verified, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	prices, additional, err := encodePrices(o)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			prices = $1, additional_prices = $2, total_price = $3::NUMERIC(30,6),
			status = $4, workflow_verified = $5, updated_at = $6
		WHERE id = $7`,
		prices, additional, o.TotalPrice,
		string(o.Status), o.WorkflowVerified, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyer string, limit int, opts ...ListOption) ([]*Order, error) {
	return p.list(ctx, `buyer_id`, buyer, limit, applyListOpts(opts))
}

func (p *PostgresStore) ListBySeller(ctx context.Context, seller string, limit int, opts ...ListOption) ([]*Order, error) {
	return p.list(ctx, `seller_id`, seller, limit, applyListOpts(opts))
}

func (p *PostgresStore) CountByBuyer(ctx context.Context, buyer string) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE buyer_id = $1`, buyer).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil //nolint:gosec // COUNT is never negative
}

// list queries by one of the indexed account columns. column is a constant
// supplied by the caller, never user input.
func (p *PostgresStore) list(ctx context.Context, column, account string, limit int, lo listOpts) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1` // #nosec G202 -- column is a constant
	args := []interface{}{account}
	if lo.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, lo.cursor.CreatedAt, lo.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		kind, currency, status, flow string
		geneticDataID                sql.NullString
		assetID                      sql.NullInt64
		prices, additional           []byte
	)
	err := s.Scan(
		&o.ID, &o.ServiceID, &o.BuyerID, &o.SellerID, &o.BuyerBoxKey, &o.TrackingID,
		&kind, &geneticDataID, &currency, &assetID,
		&prices, &additional, &o.TotalPrice,
		&status, &flow, &o.WorkflowVerified, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Kind = catalog.Kind(kind)
	o.GeneticDataID = geneticDataID.String
	o.Currency = asset.Currency(currency)
	o.Status = Status(status)
	o.Flow = Flow(flow)
	if assetID.Valid {
		id := uint32(assetID.Int64) //nolint:gosec // column holds uint32 ids
		o.AssetID = &id
	}
	if err := json.Unmarshal(prices, &o.Prices); err != nil {
		return nil, fmt.Errorf("decode prices for %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(additional, &o.AdditionalPrices); err != nil {
		return nil, fmt.Errorf("decode additional prices for %s: %w", o.ID, err)
	}
	if o.TotalPrice, err = amount.Normalize(o.TotalPrice); err != nil {
		return nil, fmt.Errorf("decode total for %s: %w", o.ID, err)
	}
	return o, nil
}

func encodePrices(o *Order) (prices, additional []byte, err error) {
	if prices, err = json.Marshal(nonNil(o.Prices)); err != nil {
		return nil, nil, err
	}
	if additional, err = json.Marshal(nonNil(o.AdditionalPrices)); err != nil {
		return nil, nil, err
	}
	return prices, additional, nil
}

func nonNil(ps []catalog.Price) []catalog.Price {
	if ps == nil {
		return []catalog.Price{}
	}
	return ps
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAsset(id *uint32) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
