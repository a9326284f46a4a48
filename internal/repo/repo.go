package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,candidate_name,program,status,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.CandidateName, nullable(a.Program), a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	var a domain.Application
	var program sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,candidate_name,program,status,created_at FROM applications WHERE id=?`, id).
		Scan(&a.ID, &a.CandidateName, &program, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if program.Valid {
		a.Program = program.String
	}
	return a, err
}

func (r Repo) SetApplicationStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ApplicationFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	query := `SELECT id,candidate_name,program,status,created_at FROM applications`
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		var program sql.NullString
		if err := rows.Scan(&a.ID, &a.CandidateName, &program, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		if program.Valid {
			a.Program = program.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertPipelineConfig(ctx context.Context, name string, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, r.DB, nil, name, cfg)
}

func (r Repo) UpsertPipelineConfigTx(ctx context.Context, tx *sql.Tx, name string, cfg *config.Config) error {
	return upsertPipelineConfig(ctx, nil, tx, name, cfg)
}

func upsertPipelineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, name string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Pipeline.Name = name
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO pipeline_configs(name,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, name, string(payload), now, now)
	return err
}

func (r Repo) GetPipelineConfig(ctx context.Context, name string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM pipeline_configs WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Pipeline.Name == "" {
		cfg.Pipeline.Name = name
	}
	return &cfg, cfg.Validate()
}

// SinglePipelineConfig returns the only stored config, ErrNotFound when
// none exist, and an error when several do.
func (r Repo) SinglePipelineConfig(ctx context.Context) (*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM pipeline_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	if len(names) > 1 {
		return nil, fmt.Errorf("multiple pipelines exist; specify --pipeline")
	}
	return r.GetPipelineConfig(ctx, names[0])
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func joinAnd(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}
