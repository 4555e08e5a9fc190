package reconciler

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory EventStore for tests and demo mode.
type MemoryEventStore struct {
	mu   sync.RWMutex
	seen map[string]bool
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]bool)}
}

func (m *MemoryEventStore) WasProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[eventID], nil
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = true
	return nil
}

// PostgresEventStore implements EventStore with PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) WasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT TRUE FROM provider_events WHERE event_id = $1
	`, eventID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, time.Now().UTC())
	return err
}
