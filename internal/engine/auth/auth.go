package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
)

// PermissionDeniedError indicates an actor whose roles lack a capability.
type PermissionDeniedError struct {
	ActorID    string
	Capability string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s lacks capability %s", e.ActorID, e.Capability)
}

// Service provides role lookups backed by SQL. Role capabilities come from
// the pipeline configuration, not the database, so operators can adjust them
// without a migration.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// RoleFor returns the first role granting the capability, so the caller can
// record which role acted.
func (s Service) RoleFor(ctx context.Context, tx *sql.Tx, cfg *config.Config, actorID, capability string) (string, error) {
	roles, err := s.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return "", err
	}
	for _, role := range roles {
		if cfg.RoleCan(role, capability) {
			return role, nil
		}
	}
	return "", PermissionDeniedError{ActorID: actorID, Capability: capability}
}

// Require checks a capability without caring which role granted it.
func (s Service) Require(ctx context.Context, tx *sql.Tx, cfg *config.Config, actorID, capability string) error {
	_, err := s.RoleFor(ctx, tx, cfg, actorID, capability)
	return err
}
