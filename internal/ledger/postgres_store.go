package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskbay/taskbay/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a user's balance. Unknown users have a zero balance.
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available_cents, total_in_cents, total_out_cents, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.AvailableCents, &bal.TotalInCents, &bal.TotalOutCents, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a user's balance. The unique index on reference makes
// a replay insert conflict, in which case nothing is applied.
func (p *PostgresStore) Credit(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Record entry first: ON CONFLICT DO NOTHING detects a replayed
	// reference before the balance moves.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount_cents, reference, description, created_at)
		VALUES ($1, $2, 'credit', $3, $4, $5, NOW())
		ON CONFLICT (reference) DO NOTHING
	`, idgen.WithPrefix("led_"), userID, amountCents, nullRef(reference), description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Reference already applied.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, available_cents, total_in_cents, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available_cents = balances.available_cents + $2,
			total_in_cents  = balances.total_in_cents  + $2,
			updated_at      = NOW()
	`, userID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

// Debit removes funds from a user's balance. The CHECK constraint on
// available_cents >= 0 prevents overdraft at the DB level.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			available_cents = available_cents - $2,
			total_out_cents = total_out_cents + $2,
			updated_at      = NOW()
		WHERE user_id = $1 AND available_cents >= $2
	`, userID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT TRUE FROM balances WHERE user_id = $1`, userID).Scan(&exists); err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount_cents, reference, description, created_at)
		VALUES ($1, $2, 'debit', $3, $4, $5, NOW())
	`, idgen.WithPrefix("led_"), userID, amountCents, nullRef(reference), description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns a user's recent entries, newest first.
func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount_cents, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.AmountCents,
			&e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// HasReference reports whether a credit/debit with this reference exists.
func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT TRUE FROM ledger_entries WHERE reference = $1 LIMIT 1
	`, reference).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func nullRef(reference string) sql.NullString {
	return sql.NullString{String: reference, Valid: reference != ""}
}
