package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/repo"
)

// ResolvePipelineConfig picks the active pipeline configuration, seeding the
// default when the store is empty. It prefers an explicit file-based config,
// then the single stored pipeline. The resolving actor is granted the admin
// role on first contact so a fresh workspace is immediately usable.
func ResolvePipelineConfig(ctx context.Context, workspace, pipelineOverride, actorID string, r repo.Repo) (*config.Config, error) {
	if fileCfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if fileCfg != nil {
		if err := r.UpsertPipelineConfig(ctx, fileCfg.Pipeline.Name, fileCfg); err != nil {
			return nil, fmt.Errorf("store pipeline config: %w", err)
		}
		if err := seedActor(ctx, r, actorID); err != nil {
			return nil, err
		}
		return fileCfg, nil
	}

	name := pipelineOverride
	var cfg *config.Config
	var err error
	if name == "" {
		cfg, err = r.SinglePipelineConfig(ctx)
	} else {
		cfg, err = r.GetPipelineConfig(ctx, name)
	}
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if name == "" {
			name = "credentialing"
		}
		cfg = config.Default(name)
		if err := r.UpsertPipelineConfig(ctx, name, cfg); err != nil {
			return nil, fmt.Errorf("seed pipeline config: %w", err)
		}
	}
	if err := seedActor(ctx, r, actorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedActor creates the actor and gives it the admin role if it has none.
func seedActor(ctx context.Context, r repo.Repo, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	roles, err := r.ActorRoles(ctx, actorID)
	if err != nil {
		return err
	}
	if len(roles) > 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, actorID, "admin"); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return tx.Commit()
}
