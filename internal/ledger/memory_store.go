package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances   map[string]*Balance
	entries    []*Entry
	references map[string]bool
	mu         sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]*Balance),
		entries:    make([]*Entry, 0),
		references: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.references[reference] {
		return nil
	}

	bal := m.getOrCreateLocked(userID)
	bal.AvailableCents += amountCents
	bal.TotalInCents += amountCents
	bal.UpdatedAt = time.Now()

	m.recordLocked(userID, "credit", amountCents, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amountCents int64, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreateLocked(userID)
	if bal.AvailableCents < amountCents {
		return ErrInsufficientBalance
	}
	bal.AvailableCents -= amountCents
	bal.TotalOutCents += amountCents
	bal.UpdatedAt = time.Now()

	m.recordLocked(userID, "debit", amountCents, reference, description)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.references[reference], nil
}

func (m *MemoryStore) getOrCreateLocked(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	return bal
}

func (m *MemoryStore) recordLocked(userID, entryType string, amountCents int64, reference, description string) {
	if reference != "" {
		m.references[reference] = true
	}
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		UserID:      userID,
		Type:        entryType,
		AmountCents: amountCents,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
