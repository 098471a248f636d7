package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			order_id, buyer_addr, seller_addr, asset_id,
			amount_to_pay, amount_paid, settlement,
			expires_at, settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(30,6), $6::NUMERIC(30,6), $7,
			$8, $9, $10, $11
		)`,
		r.OrderID, r.BuyerAddr, r.SellerAddr, nullAsset(r.AssetID),
		r.AmountToPay, r.AmountPaid, nullString(string(r.Settlement)),
		r.ExpiresAt, nullTime(r.SettledAt), r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const escrowColumns = `order_id, buyer_addr, seller_addr, asset_id,
		       amount_to_pay::TEXT, amount_paid::TEXT, settlement,
		       expires_at, settled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount_to_pay = $1::NUMERIC(30,6), amount_paid = $2::NUMERIC(30,6),
			settlement = $3, settled_at = $4, updated_at = $5
		WHERE order_id = $6`,
		r.AmountToPay, r.AmountPaid, nullString(string(r.Settlement)),
		nullTime(r.SettledAt), r.UpdatedAt, r.OrderID,
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

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE settlement IS NULL
		  AND amount_paid > 0
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE settlement IS NULL`
	args := []interface{}{}
	if after != nil {
		query += ` AND (created_at, order_id) < ($1, $2)`
		args = append(args, after.CreatedAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, order_id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		assetID    sql.NullInt64
		settlement sql.NullString
		settledAt  sql.NullTime
	)
	err := s.Scan(
		&r.OrderID, &r.BuyerAddr, &r.SellerAddr, &assetID,
		&r.AmountToPay, &r.AmountPaid, &settlement,
		&r.ExpiresAt, &settledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if assetID.Valid {
		id := uint32(assetID.Int64) //nolint:gosec // column holds uint32 ids
		r.AssetID = &id
	}
	r.Settlement = Settlement(settlement.String)
	if settledAt.Valid {
		r.SettledAt = &settledAt.Time
	}
	if r.AmountToPay, err = amount.Normalize(r.AmountToPay); err != nil {
		return nil, err
	}
	if r.AmountPaid, err = amount.Normalize(r.AmountPaid); err != nil {
		return nil, err
	}
	return r, nil
}

func nullAsset(id *uint32) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
