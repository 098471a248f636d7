package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, account string, assetID *uint32) (*Balance, error) {
	bal := &Balance{Account: account, AssetID: assetID}

	err := p.db.QueryRowContext(ctx, `
		SELECT b.free::TEXT, b.updated_at, COALESCE(a.frozen, FALSE)
		FROM ledger_balances b
		LEFT JOIN ledger_accounts a ON a.account = b.account
		WHERE b.account = $1 AND b.asset_key = $2
	`, account, AssetKey(assetID)).Scan(&bal.Free, &bal.UpdatedAt, &bal.Frozen)

	if err == sql.ErrNoRows {
		frozen, ferr := p.isFrozen(ctx, p.db, account)
		if ferr != nil {
			return nil, ferr
		}
		return &Balance{
			Account:   account,
			AssetID:   assetID,
			Free:      "0.000000",
			Frozen:    frozen,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if bal.Free, err = amount.Normalize(bal.Free); err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, account string, assetID *uint32, amt, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, asset_key, free, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,6), NOW())
		ON CONFLICT (account, asset_key) DO UPDATE SET
			free       = ledger_balances.free + $3::NUMERIC(30,6),
			updated_at = NOW()
	`, account, AssetKey(assetID), amt)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertEntry(ctx, tx, account, assetID, EntryMint, amt, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Move locks both balance rows, checks the movement rules and applies it in
// one serializable transaction.
func (p *PostgresStore) Move(ctx context.Context, m Movement, existentialDeposit string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := AssetKey(m.AssetID)
	fromFree, err := lockBalance(ctx, tx, m.From, key)
	if err != nil {
		return err
	}
	toFree := "0"
	if m.To != "" {
		if toFree, err = lockBalance(ctx, tx, m.To, key); err != nil {
			return err
		}
	}
	frozen, err := p.isFrozen(ctx, tx, m.From)
	if err != nil {
		return err
	}

	newFrom, newTo, err := CheckMove(m, fromFree, toFree, existentialDeposit, frozen)
	if err != nil {
		return err
	}

	if err := setBalance(ctx, tx, m.From, key, amount.Format(newFrom)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (account, nonce, frozen) VALUES ($1, 1, FALSE)
		ON CONFLICT (account) DO UPDATE SET nonce = ledger_accounts.nonce + 1
	`, m.From); err != nil {
		return fmt.Errorf("failed to bump nonce: %w", err)
	}

	if m.To == "" {
		if err := insertEntry(ctx, tx, m.From, m.AssetID, EntryBurn, m.Amount, "", m.Reference); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := setBalance(ctx, tx, m.To, key, amount.Format(newTo)); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, m.From, m.AssetID, EntryDebit, m.Amount, m.To, m.Reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, m.To, m.AssetID, EntryCredit, m.Amount, m.From, m.Reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetFrozen(ctx context.Context, account string, frozen bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (account, nonce, frozen) VALUES ($1, 0, $2)
		ON CONFLICT (account) DO UPDATE SET frozen = $2
	`, account, frozen)
	return err
}

func (p *PostgresStore) Nonce(ctx context.Context, account string) (uint64, error) {
	var nonce int64
	err := p.db.QueryRowContext(ctx, `SELECT nonce FROM ledger_accounts WHERE account = $1`, account).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(nonce), nil //nolint:gosec // nonce column is never negative
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, asset_key, type, amount::TEXT, counterparty, reference, created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var assetKey string
		var counterparty, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.Account, &assetKey, &e.Type, &e.Amount, &counterparty, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AssetID = parseAssetKey(assetKey)
		e.Counterparty = counterparty.String
		e.Reference = reference.String
		if e.Amount, err = amount.Normalize(e.Amount); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) isFrozen(ctx context.Context, q queryer, account string) (bool, error) {
	var frozen bool
	err := q.QueryRowContext(ctx, `SELECT frozen FROM ledger_accounts WHERE account = $1`, account).Scan(&frozen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return frozen, err
}

func lockBalance(ctx context.Context, tx *sql.Tx, account, assetKey string) (string, error) {
	var free string
	err := tx.QueryRowContext(ctx, `
		SELECT free::TEXT FROM ledger_balances
		WHERE account = $1 AND asset_key = $2
		FOR UPDATE
	`, account, assetKey).Scan(&free)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	return free, err
}

func setBalance(ctx context.Context, tx *sql.Tx, account, assetKey, free string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, asset_key, free, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,6), NOW())
		ON CONFLICT (account, asset_key) DO UPDATE SET free = $3::NUMERIC(30,6), updated_at = NOW()
	`, account, assetKey, free)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account string, assetID *uint32, typ, amt, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, asset_key, type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,6), $6, $7, NOW())
	`, idgen.WithPrefix("le_"), account, AssetKey(assetID), typ, amt, nullString(counterparty), nullString(reference))
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

func parseAssetKey(key string) *uint32 {
	rest, ok := strings.CutPrefix(key, "asset:")
	if !ok {
		return nil
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return nil
	}
	v := uint32(id)
	return &v
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
