package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
)

// PostgresStore persists subscriptions in PostgreSQL. The active index is
// its own table keyed by payer, so overwriting it is a single upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, payer, duration, currency, asset_id, price,
			payment_status, status, paid_at, active_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(30,6), $7, $8, $9, $10, $11, $12)`,
		s.ID, s.Payer, string(s.Duration), string(s.Currency), nullAsset(s.AssetID), s.Price,
		string(s.PaymentStatus), string(s.Status), nullTime(s.PaidAt), nullTime(s.ActiveUntil),
		s.CreatedAt, s.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const subscriptionColumns = `id, payer, duration, currency, asset_id, price::TEXT,
		       payment_status, status, paid_at, active_until, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	s, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func update(ctx context.Context, db execer, s *Subscription) error {
	result, err := db.ExecContext(ctx, `
		UPDATE subscriptions SET
			payment_status = $1, status = $2, paid_at = $3, active_until = $4, updated_at = $5
		WHERE id = $6`,
		string(s.PaymentStatus), string(s.Status), nullTime(s.PaidAt), nullTime(s.ActiveUntil),
		s.UpdatedAt, s.ID,
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

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	return update(ctx, p.db, s)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE payer = $1
		ORDER BY created_at DESC
		LIMIT $2`, payer, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountByPayer(ctx context.Context, payer string) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE payer = $1`, payer).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil //nolint:gosec // COUNT is never negative
}

func (p *PostgresStore) ActiveID(ctx context.Context, payer string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT subscription_id FROM active_subscriptions WHERE payer = $1`, payer,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (p *PostgresStore) Activate(ctx context.Context, s, previous *Subscription) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if previous != nil {
		if err := update(ctx, tx, previous); err != nil {
			return err
		}
	}
	if err := update(ctx, tx, s); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO active_subscriptions (payer, subscription_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (payer) DO UPDATE SET subscription_id = EXCLUDED.subscription_id,
		                                  updated_at = EXCLUDED.updated_at
	`, s.Payer, s.ID, s.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Deactivate(ctx context.Context, s *Subscription) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := update(ctx, tx, s); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM active_subscriptions WHERE payer = $1 AND subscription_id = $2`,
		s.Payer, s.ID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetPrice(ctx context.Context, pr *Price) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription_prices (duration, currency, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,6), $4)
		ON CONFLICT (duration, currency) DO UPDATE SET amount = EXCLUDED.amount,
		                                               updated_at = EXCLUDED.updated_at
	`, string(pr.Duration), string(pr.Currency), pr.Amount, pr.UpdatedAt)
	return err
}

func (p *PostgresStore) GetPrice(ctx context.Context, d Duration, c asset.Currency) (*Price, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT duration, currency, amount::TEXT, updated_at
		FROM subscription_prices WHERE duration = $1 AND currency = $2`, string(d), string(c))
	pr, err := scanPrice(row)
	if err == sql.ErrNoRows {
		return nil, ErrPriceNotSet
	}
	return pr, err
}

func (p *PostgresStore) ListPrices(ctx context.Context) ([]*Price, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT duration, currency, amount::TEXT, updated_at
		FROM subscription_prices ORDER BY currency, duration`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Price
	for rows.Next() {
		pr, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(sc scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		duration, currency, paymentStatus, status string
		assetID                                   sql.NullInt64
		paidAt, activeUntil                       sql.NullTime
	)
	err := sc.Scan(
		&s.ID, &s.Payer, &duration, &currency, &assetID, &s.Price,
		&paymentStatus, &status, &paidAt, &activeUntil, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Duration = Duration(duration)
	s.Currency = asset.Currency(currency)
	s.PaymentStatus = PaymentStatus(paymentStatus)
	s.Status = Status(status)
	if assetID.Valid {
		id := uint32(assetID.Int64) //nolint:gosec // column holds uint32 ids
		s.AssetID = &id
	}
	if paidAt.Valid {
		s.PaidAt = &paidAt.Time
	}
	if activeUntil.Valid {
		s.ActiveUntil = &activeUntil.Time
	}
	if s.Price, err = amount.Normalize(s.Price); err != nil {
		return nil, err
	}
	return s, nil
}

func scanPrice(sc scanner) (*Price, error) {
	pr := &Price{}
	var duration, currency string
	if err := sc.Scan(&duration, &currency, &pr.Amount, &pr.UpdatedAt); err != nil {
		return nil, err
	}
	pr.Duration = Duration(duration)
	pr.Currency = asset.Currency(currency)
	var err error
	if pr.Amount, err = amount.Normalize(pr.Amount); err != nil {
		return nil, err
	}
	return pr, nil
}

func nullAsset(id *uint32) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
