package disputes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskbay/taskbay/internal/escrow"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, assignment_id, payment_id, opened_by, reason, evidence,
	status, resolved_by, resolution_note, resolved_at, created_at, updated_at`

func scanDispute(s interface{ Scan(dest ...any) error }) (*Dispute, error) {
	var d Dispute
	var evidence []byte
	var resolvedBy, resolutionNote sql.NullString
	var resolvedAt sql.NullTime
	err := s.Scan(&d.ID, &d.AssignmentID, &d.PaymentID, &d.OpenedBy, &d.Reason,
		&evidence, &d.Status, &resolvedBy, &resolutionNote, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = resolutionNote.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func marshalEvidence(evidence []escrow.Attachment) ([]byte, error) {
	if evidence == nil {
		evidence = []escrow.Attachment{}
	}
	return json.Marshal(evidence)
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := marshalEvidence(d.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, assignment_id, payment_id, opened_by, reason, evidence,
			status, resolved_by, resolution_note, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.AssignmentID, d.PaymentID, d.OpenedBy, d.Reason, evidence,
		d.Status, nullString(d.ResolvedBy), nullString(d.ResolutionNote),
		nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) GetOpenByAssignment(ctx context.Context, assignmentID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE assignment_id = $1 AND status = $2 LIMIT 1
	`, assignmentID, StatusOpen))
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateResolved records a resolution. The status = 'open' guard makes the
// resolve single-shot even under concurrent arbiters.
func (p *PostgresStore) UpdateResolved(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolved_by = $2, resolution_note = $3,
			resolved_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`, d.Status, nullString(d.ResolvedBy), nullString(d.ResolutionNote),
		nullTime(d.ResolvedAt), d.UpdatedAt, d.ID, StatusOpen)
	if err != nil {
		return err
	}
	return p.checkOpenGuard(ctx, res, d.ID)
}

func (p *PostgresStore) UpdateEvidence(ctx context.Context, d *Dispute) error {
	evidence, err := marshalEvidence(d.Evidence)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET evidence = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, evidence, d.UpdatedAt, d.ID, StatusOpen)
	if err != nil {
		return err
	}
	return p.checkOpenGuard(ctx, res, d.ID)
}

func (p *PostgresStore) ListByAssignment(ctx context.Context, assignmentID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE assignment_id = $1 ORDER BY created_at ASC
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) checkOpenGuard(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		row := p.db.QueryRowContext(ctx, `SELECT TRUE FROM disputes WHERE id = $1`, id)
		if err := row.Scan(&exists); err == sql.ErrNoRows {
			return ErrDisputeNotFound
		}
		return ErrAlreadyResolved
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
