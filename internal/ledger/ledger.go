// Package ledger tracks user balances on the platform.
//
// Flow:
//  1. Escrow releases a payment
//  2. The doer's balance is credited with the net amount (amount minus fee)
//  3. The user withdraws via payout, which debits the balance
//
// Credits are keyed by reference so a replayed release (webhook retry,
// crash-recovery repair) can never double-credit.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"` // credit, debit
	AmountCents int64     `json:"amountCents"`
	Reference   string    `json:"reference,omitempty"` // payment ID, payout ID, etc.
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a user's balance.
type Balance struct {
	UserID         string    `json:"userId"`
	AvailableCents int64     `json:"availableCents"`
	TotalInCents   int64     `json:"totalInCents"`  // Lifetime credits
	TotalOutCents  int64     `json:"totalOutCents"` // Lifetime debits
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists ledger data.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	// Credit adds to the balance and records an entry keyed by reference.
	Credit(ctx context.Context, userID string, amountCents int64, reference, description string) error
	// Debit subtracts from the balance, failing with ErrInsufficientBalance
	// rather than overdrawing.
	Debit(ctx context.Context, userID string, amountCents int64, reference, description string) error
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Ledger manages user balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// CreditOnce credits a user's balance exactly once per reference. Replaying
// an already-applied reference returns nil without any balance change.
func (l *Ledger) CreditOnce(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	exists, err := l.store.HasReference(ctx, reference)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return l.store.Credit(ctx, userID, amountCents, reference, description)
}

// Debit removes funds from a user's balance (payouts).
func (l *Ledger) Debit(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Debit(ctx, userID, amountCents, reference, description)
}

// GetHistory returns a user's recent ledger entries.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.GetHistory(ctx, userID, limit)
}
