package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const issueColumns = `id,entry_id,application_id,stage,type,severity,title,description,reported_by,reported_at,resolved_at,resolution`

func scanIssue(scan func(dest ...any) error) (domain.StageIssue, error) {
	var i domain.StageIssue
	var description, resolvedAt, resolution sql.NullString
	err := scan(&i.ID, &i.EntryID, &i.ApplicationID, &i.Stage, &i.Type, &i.Severity, &i.Title,
		&description, &i.ReportedBy, &i.ReportedAt, &resolvedAt, &resolution)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if description.Valid {
		i.Description = description.String
	}
	if resolvedAt.Valid {
		i.ResolvedAt = &resolvedAt.String
	}
	if resolution.Valid {
		i.Resolution = &resolution.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.StageIssue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.EntryID, i.ApplicationID, i.Stage, i.Type, i.Severity, i.Title, nullable(i.Description),
		i.ReportedBy, i.ReportedAt, nullableStringPtr(i.ResolvedAt), nullableStringPtr(i.Resolution))
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.StageIssue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM stage_issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageIssue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM stage_issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

// MarkIssueResolved fills the resolution fields exactly once. It reports
// false when the issue was already resolved so callers can treat the repeat
// as a no-op.
func (r Repo) MarkIssueResolved(ctx context.Context, tx *sql.Tx, id, resolvedAt, resolution string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stage_issues SET resolved_at=?, resolution=?
WHERE id=? AND resolved_at IS NULL`, resolvedAt, nullable(resolution), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListIssues(ctx context.Context, entryID string) ([]domain.StageIssue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+issueColumns+` FROM stage_issues WHERE entry_id=? ORDER BY reported_at, id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageIssue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// UnresolvedBlockingCount counts open blocking issues on an entry inside the
// caller's transaction.
func (r Repo) UnresolvedBlockingCount(ctx context.Context, tx *sql.Tx, entryID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_issues
WHERE entry_id=? AND severity=? AND resolved_at IS NULL`, entryID, domain.SeverityBlocking).Scan(&n)
	return n, err
}

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.StageNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_notes(id,entry_id,content,author_id,author_role,is_internal,created_at)
VALUES (?,?,?,?,?,?,?)`, n.ID, n.EntryID, n.Content, n.AuthorID, nullable(n.AuthorRole), n.IsInternal, n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, entryID string) ([]domain.StageNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entry_id,content,author_id,author_role,is_internal,created_at
FROM stage_notes WHERE entry_id=? ORDER BY created_at, id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageNote
	for rows.Next() {
		var n domain.StageNote
		var role sql.NullString
		if err := rows.Scan(&n.ID, &n.EntryID, &n.Content, &n.AuthorID, &role, &n.IsInternal, &n.CreatedAt); err != nil {
			return nil, err
		}
		if role.Valid {
			n.AuthorRole = role.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.StageAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_actions(id,entry_id,title,description,due_date,completed_at,created_at)
VALUES (?,?,?,?,?,?,?)`, a.ID, a.EntryID, a.Title, nullable(a.Description),
		nullableStringPtr(a.DueDate), nullableStringPtr(a.CompletedAt), a.CreatedAt)
	return err
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,entry_id,title,description,due_date,completed_at,created_at
FROM stage_actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func scanAction(scan func(dest ...any) error) (domain.StageAction, error) {
	var a domain.StageAction
	var description, dueDate, completedAt sql.NullString
	err := scan(&a.ID, &a.EntryID, &a.Title, &description, &dueDate, &completedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if description.Valid {
		a.Description = description.String
	}
	if dueDate.Valid {
		a.DueDate = &dueDate.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

// MarkActionCompleted is a once-only write, repeats report false.
func (r Repo) MarkActionCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stage_actions SET completed_at=?
WHERE id=? AND completed_at IS NULL`, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListActions(ctx context.Context, entryID string) ([]domain.StageAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entry_id,title,description,due_date,completed_at,created_at
FROM stage_actions WHERE entry_id=? ORDER BY created_at, id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
