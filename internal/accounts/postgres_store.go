package accounts

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (user_id, provider_account_id, payouts_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.UserID, a.ProviderAccountID, a.PayoutsEnabled, a.CreatedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT user_id, provider_account_id, payouts_enabled, created_at, updated_at
		FROM payout_accounts WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) GetByProviderAccount(ctx context.Context, providerAccountID string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT user_id, provider_account_id, payouts_enabled, created_at, updated_at
		FROM payout_accounts WHERE provider_account_id = $1
	`, providerAccountID))
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payout_accounts SET provider_account_id = $1, payouts_enabled = $2, updated_at = $3
		WHERE user_id = $4
	`, a.ProviderAccountID, a.PayoutsEnabled, a.UpdatedAt, a.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.UserID, &a.ProviderAccountID, &a.PayoutsEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
