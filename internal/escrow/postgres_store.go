package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskbay/taskbay/internal/pagination"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same scan code
// serves transactional and plain reads.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithTx runs fn against a transaction-bound copy of the store. The
// transaction serializes assignment/bid/payment writes, so acceptance and
// settlement commit as a unit or not at all. Nested calls reuse the
// enclosing transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, ok := p.q.(*sql.Tx); ok {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresStore{db: p.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner abstracts sql.Row / sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const assignmentColumns = `id, poster_id, doer_id, title, description, budget_cents,
	currency, status, accepted_bid_id, created_at, updated_at`

func scanAssignment(s scanner) (*Assignment, error) {
	var a Assignment
	var doerID, acceptedBidID sql.NullString
	err := s.Scan(&a.ID, &a.PosterID, &doerID, &a.Title, &a.Description,
		&a.BudgetCents, &a.Currency, &a.Status, &acceptedBidID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.DoerID = doerID.String
	a.AcceptedBidID = acceptedBidID.String
	return &a, nil
}

func (p *PostgresStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO assignments (id, poster_id, doer_id, title, description,
			budget_cents, currency, status, accepted_bid_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.PosterID, nullString(a.DoerID), a.Title, a.Description,
		a.BudgetCents, a.Currency, a.Status, nullString(a.AcceptedBidID),
		a.CreatedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a, err := scanAssignment(p.q.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAssignment writes the row only if it still holds the status the
// caller read. Zero rows affected means someone got there first.
func (p *PostgresStore) UpdateAssignment(ctx context.Context, a *Assignment, expect AssignmentStatus) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE assignments SET doer_id = $1, status = $2, accepted_bid_id = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, nullString(a.DoerID), a.Status, nullString(a.AcceptedBidID), a.UpdatedAt, a.ID, expect)
	if err != nil {
		return err
	}
	return checkConditional(res, func() error {
		var exists bool
		row := p.q.QueryRowContext(ctx, `SELECT TRUE FROM assignments WHERE id = $1`, a.ID)
		if err := row.Scan(&exists); err == sql.ErrNoRows {
			return ErrAssignmentNotFound
		}
		return ErrConcurrentModification
	})
}

func (p *PostgresStore) ListOpenAssignments(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Assignment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		// Keyset pagination on (created_at, id), newest first
		rows, err = p.q.QueryContext(ctx, `
			SELECT `+assignmentColumns+` FROM assignments
			WHERE status = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, StatusOpen, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.q.QueryContext(ctx, `
			SELECT `+assignmentColumns+` FROM assignments
			WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2
		`, StatusOpen, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (p *PostgresStore) ListAssignmentsByUser(ctx context.Context, userID string, limit int) ([]*Assignment, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE poster_id = $1 OR doer_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]*Assignment, error) {
	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const bidColumns = `id, assignment_id, bidder_id, amount_cents, message, status, created_at, updated_at`

func scanBid(s scanner) (*Bid, error) {
	var b Bid
	err := s.Scan(&b.ID, &b.AssignmentID, &b.BidderID, &b.AmountCents,
		&b.Message, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) CreateBid(ctx context.Context, b *Bid) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO bids (id, assignment_id, bidder_id, amount_cents, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.AssignmentID, b.BidderID, b.AmountCents, b.Message, b.Status, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	b, err := scanBid(p.q.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) UpdateBid(ctx context.Context, b *Bid, expect BidStatus) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE bids SET amount_cents = $1, message = $2, status = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, b.AmountCents, b.Message, b.Status, b.UpdatedAt, b.ID, expect)
	if err != nil {
		return err
	}
	return checkConditional(res, func() error {
		var exists bool
		row := p.q.QueryRowContext(ctx, `SELECT TRUE FROM bids WHERE id = $1`, b.ID)
		if err := row.Scan(&exists); err == sql.ErrNoRows {
			return ErrBidNotFound
		}
		return ErrConcurrentModification
	})
}

func (p *PostgresStore) ListBidsByAssignment(ctx context.Context, assignmentID string) ([]*Bid, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE assignment_id = $1 ORDER BY created_at ASC
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetActiveBid finds the bidder's live (pending or accepted) bid, if any.
// The partial unique index on (assignment_id, bidder_id) enforces the same
// rule at the DB level.
func (p *PostgresStore) GetActiveBid(ctx context.Context, assignmentID, bidderID string) (*Bid, error) {
	b, err := scanBid(p.q.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE assignment_id = $1 AND bidder_id = $2 AND status IN ($3, $4)
		LIMIT 1
	`, assignmentID, bidderID, BidPending, BidAccepted))
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

const paymentColumns = `id, assignment_id, payer_id, payee_id, amount_cents, fee_bps,
	fee_cents, currency, authorization_ref, status, disputed_from, released_at, created_at, updated_at`

func scanPayment(s scanner) (*Payment, error) {
	var p Payment
	var disputedFrom sql.NullString
	var releasedAt sql.NullTime
	err := s.Scan(&p.ID, &p.AssignmentID, &p.PayerID, &p.PayeeID, &p.AmountCents,
		&p.FeeBPS, &p.FeeCents, &p.Currency, &p.AuthorizationRef, &p.Status,
		&disputedFrom, &releasedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DisputedFrom = PaymentStatus(disputedFrom.String)
	if releasedAt.Valid {
		t := releasedAt.Time
		p.ReleasedAt = &t
	}
	return &p, nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO payments (id, assignment_id, payer_id, payee_id, amount_cents, fee_bps,
			fee_cents, currency, authorization_ref, status, disputed_from, released_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, pay.ID, pay.AssignmentID, pay.PayerID, pay.PayeeID, pay.AmountCents, pay.FeeBPS,
		pay.FeeCents, pay.Currency, pay.AuthorizationRef, pay.Status,
		nullString(string(pay.DisputedFrom)), nullTime(pay.ReleasedAt),
		pay.CreatedAt, pay.UpdatedAt)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	pay, err := scanPayment(p.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) GetPaymentByAssignment(ctx context.Context, assignmentID string) (*Payment, error) {
	pay, err := scanPayment(p.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE assignment_id = $1 ORDER BY created_at DESC LIMIT 1
	`, assignmentID))
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) GetPaymentByAuthorization(ctx context.Context, authRef string) (*Payment, error) {
	pay, err := scanPayment(p.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE authorization_ref = $1
	`, authRef))
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment, expect PaymentStatus) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE payments SET status = $1, disputed_from = $2, released_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, pay.Status, nullString(string(pay.DisputedFrom)), nullTime(pay.ReleasedAt),
		pay.UpdatedAt, pay.ID, expect)
	if err != nil {
		return err
	}
	return checkConditional(res, func() error {
		var exists bool
		row := p.q.QueryRowContext(ctx, `SELECT TRUE FROM payments WHERE id = $1`, pay.ID)
		if err := row.Scan(&exists); err == sql.ErrNoRows {
			return ErrPaymentNotFound
		}
		return ErrConcurrentModification
	})
}

func (p *PostgresStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	attachments, err := json.Marshal(sub.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO submissions (id, assignment_id, doer_id, note, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.AssignmentID, sub.DoerID, sub.Note, attachments, sub.CreatedAt)
	return err
}

func (p *PostgresStore) ListSubmissions(ctx context.Context, assignmentID string) ([]*Submission, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, assignment_id, doer_id, note, attachments, created_at
		FROM submissions WHERE assignment_id = $1 ORDER BY created_at ASC
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		var sub Submission
		var attachments []byte
		if err := rows.Scan(&sub.ID, &sub.AssignmentID, &sub.DoerID, &sub.Note,
			&attachments, &sub.CreatedAt); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &sub.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// checkConditional distinguishes "row gone" from "status moved" after a
// guarded UPDATE touched zero rows.
func checkConditional(res sql.Result, onMiss func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onMiss()
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
