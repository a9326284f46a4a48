package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const entryColumns = `id,application_id,stage,status,progress,entered_at,completed_at`

func scanEntry(scan func(dest ...any) error) (domain.TimelineEntry, error) {
	var e domain.TimelineEntry
	var completedAt sql.NullString
	err := scan(&e.ID, &e.ApplicationID, &e.Stage, &e.Status, &e.Progress, &e.EnteredAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.TimelineEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO timeline_entries(`+entryColumns+`) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ApplicationID, e.Stage, e.Status, e.Progress, e.EnteredAt, nullableStringPtr(e.CompletedAt))
	return err
}

func (r Repo) GetEntry(ctx context.Context, id string) (domain.TimelineEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM timeline_entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

// GetEntryDetailed is GetEntry plus assignees, issues, notes, and actions.
func (r Repo) GetEntryDetailed(ctx context.Context, id string) (domain.TimelineEntry, error) {
	e, err := r.GetEntry(ctx, id)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	if err := r.attachEntryDetails(ctx, &e); err != nil {
		return domain.TimelineEntry{}, err
	}
	return e, nil
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.TimelineEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM timeline_entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

// ActiveEntry returns the single non-terminal entry for an application, if
// any. Active means in_progress, blocked, or one of the waiting statuses.
func (r Repo) ActiveEntry(ctx context.Context, applicationID string) (domain.TimelineEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM timeline_entries
WHERE application_id=? AND status IN ('in_progress','blocked','waiting_for_input','waiting_for_approval')
ORDER BY entered_at DESC, id DESC LIMIT 1`, applicationID)
	return scanEntry(row.Scan)
}

func (r Repo) ActiveEntryTx(ctx context.Context, tx *sql.Tx, applicationID string) (domain.TimelineEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM timeline_entries
WHERE application_id=? AND status IN ('in_progress','blocked','waiting_for_input','waiting_for_approval')
ORDER BY entered_at DESC, id DESC LIMIT 1`, applicationID)
	return scanEntry(row.Scan)
}

func (r Repo) UpdateEntryStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE timeline_entries SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	return err
}

func (r Repo) UpdateEntryProgress(ctx context.Context, tx *sql.Tx, id string, progress int) error {
	_, err := tx.ExecContext(ctx, `UPDATE timeline_entries SET progress=? WHERE id=?`, progress, id)
	return err
}

// ListEntries returns all entries for an application ordered by entry time,
// with assignees, issues, notes, and actions attached.
func (r Repo) ListEntries(ctx context.Context, applicationID string) ([]domain.TimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entryColumns+` FROM timeline_entries
WHERE application_id=? ORDER BY entered_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.attachEntryDetails(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) attachEntryDetails(ctx context.Context, e *domain.TimelineEntry) error {
	assignees, err := r.ListAssignees(ctx, e.ID)
	if err != nil {
		return err
	}
	e.AssignedTo = assignees
	issues, err := r.ListIssues(ctx, e.ID)
	if err != nil {
		return err
	}
	e.Issues = issues
	notes, err := r.ListNotes(ctx, e.ID)
	if err != nil {
		return err
	}
	e.Notes = notes
	actions, err := r.ListActions(ctx, e.ID)
	if err != nil {
		return err
	}
	e.Actions = actions
	return nil
}

func (r Repo) AddAssignee(ctx context.Context, tx *sql.Tx, entryID, actorID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entry_assignees(entry_id, actor_id) VALUES (?,?)`, entryID, actorID)
	return err
}

func (r Repo) RemoveAssignee(ctx context.Context, tx *sql.Tx, entryID, actorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM entry_assignees WHERE entry_id=? AND actor_id=?`, entryID, actorID)
	return err
}

func (r Repo) ListAssignees(ctx context.Context, entryID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM entry_assignees WHERE entry_id=? ORDER BY actor_id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// CountActiveEntries returns how many non-terminal entries an application
// holds. Used by tests to assert the single-active-entry invariant.
func (r Repo) CountActiveEntries(ctx context.Context, applicationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM timeline_entries
WHERE application_id=? AND status IN ('in_progress','blocked','waiting_for_input','waiting_for_approval')`, applicationID).Scan(&n)
	return n, err
}
