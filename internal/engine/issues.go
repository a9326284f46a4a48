package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// IssueOptions are parameters for reportIssue.
type IssueOptions struct {
	ApplicationID string
	Stage         string
	Type          string
	Severity      string
	Title         string
	Description   string
	ActorID       string
}

var severities = map[string]bool{
	domain.SeverityLow:      true,
	domain.SeverityMedium:   true,
	domain.SeverityHigh:     true,
	domain.SeverityCritical: true,
	domain.SeverityBlocking: true,
}

// ReportIssue attaches an issue to the active entry. A blocking issue also
// flips the entry to blocked.
func (e Engine) ReportIssue(ctx context.Context, opts IssueOptions) (domain.StageIssue, []string, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.StageIssue{}, nil, errors.New("title is required")
	}
	if opts.ActorID == "" {
		return domain.StageIssue{}, nil, errors.New("actor_id is required")
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityMedium
	}
	if !severities[opts.Severity] {
		return domain.StageIssue{}, nil, fmt.Errorf("unknown severity %q", opts.Severity)
	}
	if opts.Type == "" {
		opts.Type = "general"
	}

	lock := e.locks.forApplication(opts.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageIssue{}, nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetApplication(ctx, opts.ApplicationID); err != nil {
		return domain.StageIssue{}, nil, err
	}
	current, err := e.Repo.ActiveEntryTx(ctx, tx, opts.ApplicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StageIssue{}, nil, NoActiveStageError{ApplicationID: opts.ApplicationID}
		}
		return domain.StageIssue{}, nil, err
	}
	if opts.Stage != "" && current.Stage != opts.Stage {
		return domain.StageIssue{}, nil, NoActiveStageError{ApplicationID: opts.ApplicationID, Stage: opts.Stage}
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.StageIssue{}, nil, err
	}

	now := e.nowString()
	issue := domain.StageIssue{
		ID:            uuid.New().String(),
		EntryID:       current.ID,
		ApplicationID: opts.ApplicationID,
		Stage:         current.Stage,
		Type:          opts.Type,
		Severity:      opts.Severity,
		Title:         opts.Title,
		Description:   opts.Description,
		ReportedBy:    opts.ActorID,
		ReportedAt:    now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.StageIssue{}, nil, err
	}
	if issue.Severity == domain.SeverityBlocking && current.Status != domain.StatusBlocked {
		if err := e.Repo.UpdateEntryStatus(ctx, tx, current.ID, domain.StatusBlocked, nil); err != nil {
			return domain.StageIssue{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageIssue{}, nil, err
	}

	var warnings []string
	if issue.Severity == domain.SeverityBlocking || issue.Severity == domain.SeverityCritical {
		_, warnings, err = e.dispatch(ctx, domain.StageNotification{
			ApplicationID:  opts.ApplicationID,
			Stage:          current.Stage,
			Title:          "Issue reported",
			Message:        fmt.Sprintf("%s issue on %s: %s", issue.Severity, current.Stage, issue.Title),
			Urgency:        domain.UrgencyHigh,
			ActionRequired: true,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("store notification failed: %v", err))
		}
	}
	return issue, warnings, nil
}

// ResolveIssue records a resolution. Resolving an already resolved issue is
// a no-op. When the last unresolved blocking issue clears and the entry is
// blocked, the entry returns to in_progress.
func (e Engine) ResolveIssue(ctx context.Context, issueID, actorID, resolution string) (domain.StageIssue, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.StageIssue{}, err
	}

	lock := e.locks.forApplication(issue.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageIssue{}, err
	}
	defer tx.Rollback()

	issue, err = e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.StageIssue{}, err
	}
	if issue.Resolved() {
		return issue, nil
	}

	now := e.nowString()
	if _, err := e.Repo.MarkIssueResolved(ctx, tx, issueID, now, resolution); err != nil {
		return domain.StageIssue{}, err
	}
	issue.ResolvedAt = &now
	if resolution != "" {
		issue.Resolution = &resolution
	}

	if issue.Severity == domain.SeverityBlocking {
		n, err := e.Repo.UnresolvedBlockingCount(ctx, tx, issue.EntryID)
		if err != nil {
			return domain.StageIssue{}, err
		}
		if n == 0 {
			entry, err := e.Repo.GetEntryTx(ctx, tx, issue.EntryID)
			if err != nil {
				return domain.StageIssue{}, err
			}
			if entry.Status == domain.StatusBlocked {
				if err := e.Repo.UpdateEntryStatus(ctx, tx, entry.ID, domain.StatusInProgress, nil); err != nil {
					return domain.StageIssue{}, err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageIssue{}, err
	}

	_, _, _ = e.dispatch(ctx, domain.StageNotification{
		ApplicationID: issue.ApplicationID,
		Stage:         issue.Stage,
		Title:         "Issue resolved",
		Message:       fmt.Sprintf("Issue resolved on %s: %s", issue.Stage, issue.Title),
		Urgency:       domain.UrgencyLow,
	})
	return issue, nil
}

// NoteOptions are parameters for addNote.
type NoteOptions struct {
	ApplicationID string
	Stage         string
	Content       string
	ActorID       string
	IsInternal    bool
}

func (e Engine) AddNote(ctx context.Context, opts NoteOptions) (domain.StageNote, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return domain.StageNote{}, errors.New("content is required")
	}
	if opts.ActorID == "" {
		return domain.StageNote{}, errors.New("actor_id is required")
	}

	lock := e.locks.forApplication(opts.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageNote{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetApplication(ctx, opts.ApplicationID); err != nil {
		return domain.StageNote{}, err
	}
	current, err := e.Repo.ActiveEntryTx(ctx, tx, opts.ApplicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StageNote{}, NoActiveStageError{ApplicationID: opts.ApplicationID}
		}
		return domain.StageNote{}, err
	}
	if opts.Stage != "" && current.Stage != opts.Stage {
		return domain.StageNote{}, NoActiveStageError{ApplicationID: opts.ApplicationID, Stage: opts.Stage}
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.StageNote{}, err
	}
	roles, err := e.Auth.ActorRoles(ctx, tx, opts.ActorID)
	if err != nil {
		return domain.StageNote{}, err
	}
	var role string
	if len(roles) > 0 {
		role = roles[0]
	}

	note := domain.StageNote{
		ID:         uuid.New().String(),
		EntryID:    current.ID,
		Content:    opts.Content,
		AuthorID:   opts.ActorID,
		AuthorRole: role,
		IsInternal: opts.IsInternal,
		CreatedAt:  e.nowString(),
	}
	if err := e.Repo.InsertNote(ctx, tx, note); err != nil {
		return domain.StageNote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageNote{}, err
	}
	return note, nil
}

// ActionOptions are parameters for addAction.
type ActionOptions struct {
	ApplicationID string
	Stage         string
	Title         string
	Description   string
	DueDate       string
}

func (e Engine) AddAction(ctx context.Context, opts ActionOptions) (domain.StageAction, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.StageAction{}, errors.New("title is required")
	}

	lock := e.locks.forApplication(opts.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageAction{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetApplication(ctx, opts.ApplicationID); err != nil {
		return domain.StageAction{}, err
	}
	current, err := e.Repo.ActiveEntryTx(ctx, tx, opts.ApplicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StageAction{}, NoActiveStageError{ApplicationID: opts.ApplicationID}
		}
		return domain.StageAction{}, err
	}
	if opts.Stage != "" && current.Stage != opts.Stage {
		return domain.StageAction{}, NoActiveStageError{ApplicationID: opts.ApplicationID, Stage: opts.Stage}
	}

	action := domain.StageAction{
		ID:          uuid.New().String(),
		EntryID:     current.ID,
		Title:       opts.Title,
		Description: opts.Description,
		CreatedAt:   e.nowString(),
	}
	if opts.DueDate != "" {
		action.DueDate = &opts.DueDate
	}
	if err := e.Repo.InsertAction(ctx, tx, action); err != nil {
		return domain.StageAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageAction{}, err
	}
	return action, nil
}

// CompleteAction marks an action item done. Repeat calls keep the first
// completion time.
func (e Engine) CompleteAction(ctx context.Context, actionID string) (domain.StageAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageAction{}, err
	}
	defer tx.Rollback()

	action, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.StageAction{}, err
	}
	if action.CompletedAt != nil {
		return action, nil
	}
	now := e.nowString()
	if _, err := e.Repo.MarkActionCompleted(ctx, tx, actionID, now); err != nil {
		return domain.StageAction{}, err
	}
	action.CompletedAt = &now
	if err := tx.Commit(); err != nil {
		return domain.StageAction{}, err
	}
	return action, nil
}
