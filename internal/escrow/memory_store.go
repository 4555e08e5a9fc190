package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/taskbay/taskbay/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	txMu        sync.Mutex
	assignments map[string]*Assignment
	bids        map[string]*Bid
	payments    map[string]*Payment
	submissions map[string]*Submission
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]*Assignment),
		bids:        make(map[string]*Bid),
		payments:    make(map[string]*Payment),
		submissions: make(map[string]*Submission),
	}
}

// WithTx runs fn against a snapshot-guarded view: if fn fails, every map is
// restored, so partial writes never survive. Transactions are serialized and
// must not nest. A rollback restores the pre-transaction snapshot wholesale,
// so callers must hold the relevant per-assignment lock to keep unrelated
// concurrent writes out of the rollback window; the service does.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	err := fn(m)
	if err != nil {
		m.mu.Lock()
		m.restoreLocked(snapshot)
		m.mu.Unlock()
	}
	return err
}

type memSnapshot struct {
	assignments map[string]*Assignment
	bids        map[string]*Bid
	payments    map[string]*Payment
	submissions map[string]*Submission
}

func (m *MemoryStore) snapshotLocked() memSnapshot {
	s := memSnapshot{
		assignments: make(map[string]*Assignment, len(m.assignments)),
		bids:        make(map[string]*Bid, len(m.bids)),
		payments:    make(map[string]*Payment, len(m.payments)),
		submissions: make(map[string]*Submission, len(m.submissions)),
	}
	for k, v := range m.assignments {
		cp := *v
		s.assignments[k] = &cp
	}
	for k, v := range m.bids {
		cp := *v
		s.bids[k] = &cp
	}
	for k, v := range m.payments {
		cp := *v
		s.payments[k] = &cp
	}
	for k, v := range m.submissions {
		cp := *v
		s.submissions[k] = &cp
	}
	return s
}

func (m *MemoryStore) restoreLocked(s memSnapshot) {
	m.assignments = s.assignments
	m.bids = s.bids
	m.payments = s.payments
	m.submissions = s.submissions
}

func (m *MemoryStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateAssignment(ctx context.Context, a *Assignment, expect AssignmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[a.ID]
	if !ok {
		return ErrAssignmentNotFound
	}
	if cur.Status != expect {
		return ErrConcurrentModification
	}
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOpenAssignments(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Assignment
	for _, a := range m.assignments {
		if a.Status != StatusOpen {
			continue
		}
		if cursor != nil && !afterCursor(a, cursor) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortAssignments(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// afterCursor reports whether a sorts strictly after the cursor position in
// the newest-first, ID-tiebroken ordering.
func afterCursor(a *Assignment, c *pagination.Cursor) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

func (m *MemoryStore) ListAssignmentsByUser(ctx context.Context, userID string, limit int) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Assignment
	for _, a := range m.assignments {
		if a.PosterID == userID || a.DoerID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAssignments(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateBid(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bids[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBid(ctx context.Context, b *Bid, expect BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bids[b.ID]
	if !ok {
		return ErrBidNotFound
	}
	if cur.Status != expect {
		return ErrConcurrentModification
	}
	cp := *b
	m.bids[b.ID] = &cp
	return nil
}

func (m *MemoryStore) ListBidsByAssignment(ctx context.Context, assignmentID string) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bid
	for _, b := range m.bids {
		if b.AssignmentID == assignmentID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetActiveBid(ctx context.Context, assignmentID, bidderID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bids {
		if b.AssignmentID == assignmentID && b.BidderID == bidderID && b.Active() {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBidNotFound
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByAssignment(ctx context.Context, assignmentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Payment
	for _, p := range m.payments {
		if p.AssignmentID != assignmentID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByAuthorization(ctx context.Context, authRef string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.AuthorizationRef == authRef {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment, expect PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Status != expect {
		return ErrConcurrentModification
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.submissions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, assignmentID string) ([]*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Submission
	for _, sub := range m.submissions {
		if sub.AssignmentID == assignmentID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sortAssignments(list []*Assignment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}
