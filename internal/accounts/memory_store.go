package accounts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string]*Account
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string]*Account)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUser[a.UserID]; ok {
		return ErrAccountExists
	}
	cp := *a
	m.byUser[a.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byUser[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByProviderAccount(ctx context.Context, providerAccountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.byUser {
		if a.ProviderAccountID == providerAccountID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUser[a.UserID]; !ok {
		return ErrAccountNotFound
	}
	cp := *a
	m.byUser[a.UserID] = &cp
	return nil
}
