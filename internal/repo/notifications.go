package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func scanNotification(scan func(dest ...any) error) (domain.StageNotification, error) {
	var n domain.StageNotification
	var readAt sql.NullString
	err := scan(&n.ID, &n.ApplicationID, &n.Stage, &n.Title, &n.Message, &n.Urgency, &n.ActionRequired, &n.SentAt, &readAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if readAt.Valid {
		n.ReadAt = &readAt.String
	}
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, n domain.StageNotification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,application_id,stage,title,message,urgency,action_required,sent_at,read_at)
VALUES (?,?,?,?,?,?,?,?,?)`, n.ID, n.ApplicationID, n.Stage, n.Title, n.Message, n.Urgency, n.ActionRequired, n.SentAt, nullableStringPtr(n.ReadAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.StageNotification, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,application_id,stage,title,message,urgency,action_required,sent_at,read_at
FROM notifications WHERE id=?`, id)
	return scanNotification(row.Scan)
}

type NotificationFilters struct {
	ApplicationID string
	UnreadOnly    bool
	Limit         int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.StageNotification, error) {
	var clauses []string
	var args []any
	if f.ApplicationID != "" {
		clauses = append(clauses, "application_id=?")
		args = append(args, f.ApplicationID)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read_at IS NULL")
	}
	query := `SELECT id,application_id,stage,title,message,urgency,action_required,sent_at,read_at FROM notifications`
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += ` ORDER BY sent_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageNotification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead sets read_at once, repeat calls leave the original
// timestamp in place.
func (r Repo) MarkNotificationRead(ctx context.Context, id, readAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read_at=? WHERE id=? AND read_at IS NULL`, readAt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists int
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE id=?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}
