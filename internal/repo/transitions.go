package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const transitionColumns = `id,application_id,from_stage,to_stage,transitioned_by,transitioned_role,transitioned_at,automatic,reason,notes,requires_approval,approved_at,approved_by,rejected_at,rejection_reason`

func scanTransition(scan func(dest ...any) error) (domain.StageTransition, error) {
	var t domain.StageTransition
	var fromStage, role, reason, notes sql.NullString
	var approvedAt, approvedBy, rejectedAt, rejectionReason sql.NullString
	err := scan(&t.ID, &t.ApplicationID, &fromStage, &t.ToStage, &t.TransitionedBy, &role, &t.TransitionedAt,
		&t.Automatic, &reason, &notes, &t.RequiresApproval, &approvedAt, &approvedBy, &rejectedAt, &rejectionReason)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if fromStage.Valid {
		t.FromStage = fromStage.String
	}
	if role.Valid {
		t.TransitionedRole = role.String
	}
	if reason.Valid {
		t.Reason = reason.String
	}
	if notes.Valid {
		t.Notes = notes.String
	}
	if approvedAt.Valid {
		t.ApprovedAt = &approvedAt.String
	}
	if approvedBy.Valid {
		t.ApprovedBy = &approvedBy.String
	}
	if rejectedAt.Valid {
		t.RejectedAt = &rejectedAt.String
	}
	if rejectionReason.Valid {
		t.RejectionReason = &rejectionReason.String
	}
	return t, nil
}

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.StageTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_transitions(`+transitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ApplicationID, nullable(t.FromStage), t.ToStage, t.TransitionedBy, nullable(t.TransitionedRole),
		t.TransitionedAt, t.Automatic, nullable(t.Reason), nullable(t.Notes), t.RequiresApproval,
		nullableStringPtr(t.ApprovedAt), nullableStringPtr(t.ApprovedBy),
		nullableStringPtr(t.RejectedAt), nullableStringPtr(t.RejectionReason))
	return err
}

func (r Repo) GetTransition(ctx context.Context, id string) (domain.StageTransition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM stage_transitions WHERE id=?`, id)
	return scanTransition(row.Scan)
}

func (r Repo) GetTransitionTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageTransition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM stage_transitions WHERE id=?`, id)
	return scanTransition(row.Scan)
}

// MarkTransitionApproved fills the approval fields exactly once. It reports
// false when the transition was already approved or rejected, letting the
// second racer observe the conflict.
func (r Repo) MarkTransitionApproved(ctx context.Context, tx *sql.Tx, id, approvedAt, approvedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stage_transitions SET approved_at=?, approved_by=?
WHERE id=? AND requires_approval=1 AND approved_at IS NULL AND rejected_at IS NULL`, approvedAt, approvedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkTransitionRejected fills the rejection fields exactly once, same
// contract as MarkTransitionApproved.
func (r Repo) MarkTransitionRejected(ctx context.Context, tx *sql.Tx, id, rejectedAt, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stage_transitions SET rejected_at=?, rejection_reason=?
WHERE id=? AND requires_approval=1 AND approved_at IS NULL AND rejected_at IS NULL`, rejectedAt, nullable(reason), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PendingTransition returns the unresolved approval-gated transition for an
// application, if one exists.
func (r Repo) PendingTransitionTx(ctx context.Context, tx *sql.Tx, applicationID string) (domain.StageTransition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM stage_transitions
WHERE application_id=? AND requires_approval=1 AND approved_at IS NULL AND rejected_at IS NULL
ORDER BY transitioned_at DESC, id DESC LIMIT 1`, applicationID)
	return scanTransition(row.Scan)
}

type TransitionFilters struct {
	ApplicationID string
	PendingOnly   bool
	Limit         int
	CursorAt      string
	CursorID      string
}

func (r Repo) ListTransitions(ctx context.Context, f TransitionFilters) ([]domain.StageTransition, error) {
	var clauses []string
	var args []any
	if f.ApplicationID != "" {
		clauses = append(clauses, "application_id=?")
		args = append(args, f.ApplicationID)
	}
	if f.PendingOnly {
		clauses = append(clauses, "requires_approval=1 AND approved_at IS NULL AND rejected_at IS NULL")
	}
	if f.CursorAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(transitioned_at < ? OR (transitioned_at = ? AND id < ?))")
		args = append(args, f.CursorAt, f.CursorAt, f.CursorID)
	}
	query := `SELECT ` + transitionColumns + ` FROM stage_transitions`
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += ` ORDER BY transitioned_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransition
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
