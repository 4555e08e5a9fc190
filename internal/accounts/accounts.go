// Package accounts tracks payout accounts at the payment provider.
//
// A user must connect a payout-enabled provider account before any of their
// bids can be accepted; escrow refuses to hold money that has nowhere to go.
// The payouts_enabled flag mirrors the provider's view and is updated from
// provider webhooks, never guessed locally.
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("payout account not found")
	ErrAccountExists   = errors.New("payout account already connected")
)

// Account links a platform user to a provider payout account.
type Account struct {
	UserID            string    `json:"userId"`
	ProviderAccountID string    `json:"providerAccountId"`
	PayoutsEnabled    bool      `json:"payoutsEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Store persists payout accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	GetByUser(ctx context.Context, userID string) (*Account, error)
	GetByProviderAccount(ctx context.Context, providerAccountID string) (*Account, error)
	Update(ctx context.Context, a *Account) error
}

// Service manages payout accounts.
type Service struct {
	store Store
}

// NewService creates the accounts service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Connect links a provider account to a user. One payout account per user.
func (s *Service) Connect(ctx context.Context, userID, providerAccountID string) (*Account, error) {
	if _, err := s.store.GetByUser(ctx, userID); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Account{
		UserID:            userID,
		ProviderAccountID: providerAccountID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns a user's payout account.
func (s *Service) Get(ctx context.Context, userID string) (*Account, error) {
	return s.store.GetByUser(ctx, userID)
}

// PayoutAccount reports whether a user can receive payouts. Satisfies the
// escrow controller's account check; a missing account is simply not
// payout-enabled, not an error.
func (s *Service) PayoutAccount(ctx context.Context, userID string) (string, bool, error) {
	a, err := s.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.ProviderAccountID, a.PayoutsEnabled, nil
}

// SetPayoutCapability records the provider's current payout capability for
// an account. Driven by provider account webhooks; unknown accounts are
// ignored so deliveries for foreign accounts don't error.
func (s *Service) SetPayoutCapability(ctx context.Context, providerAccountID string, enabled bool) error {
	a, err := s.store.GetByProviderAccount(ctx, providerAccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.PayoutsEnabled == enabled {
		return nil
	}
	a.PayoutsEnabled = enabled
	a.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, a)
}
