package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/notify"
	"stageline/internal/registry"
	"stageline/internal/repo"
)

// lockTable hands out one mutex per application id. All mutating operations
// on an application serialize through it, so two callers can never both
// observe "no active entry" and both create one.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *lockTable) forApplication(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Registry *registry.Registry
	Auth     auth.Service
	Dispatch *notify.Dispatcher
	Config   *config.Config
	Now      func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Registry: reg,
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Now:      time.Now,
		locks:    &lockTable{locks: make(map[string]*sync.Mutex)},
	}
	e.Dispatch = notify.NewDispatcher(e.Repo, cfg, nil)
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// dispatch stamps the notification with the engine clock before delivery.
// The dispatcher only fills sent_at itself when it is left empty.
func (e Engine) dispatch(ctx context.Context, n domain.StageNotification) (domain.StageNotification, []string, error) {
	n.SentAt = e.nowString()
	return e.Dispatch.Dispatch(ctx, n)
}

// ApplicationCreateOptions are parameters for registering an application.
type ApplicationCreateOptions struct {
	ID            string
	CandidateName string
	Program       string
	ActorID       string
}

func (e Engine) CreateApplication(ctx context.Context, opts ApplicationCreateOptions) (domain.Application, error) {
	if strings.TrimSpace(opts.CandidateName) == "" {
		return domain.Application{}, errors.New("candidate_name is required")
	}
	if opts.ActorID == "" {
		return domain.Application{}, errors.New("actor_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.CandidateName+"|"+opts.Program+"|"+now)).String()
	}
	a := domain.Application{
		ID:            id,
		CandidateName: opts.CandidateName,
		Program:       opts.Program,
		Status:        domain.ApplicationActive,
		CreatedAt:     now,
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Application{}, err
	}
	if err := e.Repo.InsertApplication(ctx, tx, a); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// TransitionOptions are parameters for transitionStage.
type TransitionOptions struct {
	ApplicationID string
	ToStage       string
	ActorID       string
	Reason        string
	Notes         string
	Automatic     bool
}

// TransitionResult carries the recorded transition plus delivery warnings.
// Warnings never indicate a state problem, only failed external delivery.
type TransitionResult struct {
	Transition domain.StageTransition `json:"transition"`
	Warnings   []string               `json:"warnings,omitempty"`
}

// TransitionStage validates the requested stage change against the registry
// and the current timeline, then either applies it immediately or parks it
// pending approval when the target stage is approval-gated.
func (e Engine) TransitionStage(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if opts.ApplicationID == "" {
		return TransitionResult{}, errors.New("application_id is required")
	}
	if opts.ActorID == "" {
		return TransitionResult{}, errors.New("actor_id is required")
	}
	toDef, err := e.Registry.DefinitionOf(opts.ToStage)
	if err != nil {
		return TransitionResult{}, err
	}

	lock := e.locks.forApplication(opts.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplication(ctx, opts.ApplicationID)
	if err != nil {
		return TransitionResult{}, err
	}
	if app.Status != domain.ApplicationActive {
		return TransitionResult{}, ConflictError{Message: fmt.Sprintf("application %s is %s", app.ID, app.Status)}
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return TransitionResult{}, err
	}
	role, err := e.Auth.RoleFor(ctx, tx, e.Config, opts.ActorID, config.CapTransition)
	if err != nil {
		return TransitionResult{}, err
	}

	// Only one approval-gated transition may be pending at a time.
	if pending, err := e.Repo.PendingTransitionTx(ctx, tx, opts.ApplicationID); err == nil {
		return TransitionResult{}, ConflictError{Message: fmt.Sprintf("transition %s is awaiting approval", pending.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, err
	}

	var fromStage string
	var current domain.TimelineEntry
	current, err = e.Repo.ActiveEntryTx(ctx, tx, opts.ApplicationID)
	switch {
	case err == nil:
		fromStage = current.Stage
		fromDef, err := e.Registry.DefinitionOf(current.Stage)
		if err != nil {
			return TransitionResult{}, err
		}
		if !fromDef.Allows(opts.ToStage) {
			return TransitionResult{}, InvalidTransitionError{From: current.Stage, To: opts.ToStage}
		}
	case errors.Is(err, repo.ErrNotFound):
		// No active entry: only entering a configured start stage is legal.
		if !e.Registry.IsStart(opts.ToStage) {
			return TransitionResult{}, InvalidTransitionError{To: opts.ToStage}
		}
	default:
		return TransitionResult{}, err
	}

	now := e.nowString()
	t := domain.StageTransition{
		ID:               uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ApplicationID+"|"+fromStage+"|"+opts.ToStage+"|"+now)).String(),
		ApplicationID:    opts.ApplicationID,
		FromStage:        fromStage,
		ToStage:          opts.ToStage,
		TransitionedBy:   opts.ActorID,
		TransitionedRole: role,
		TransitionedAt:   now,
		Automatic:        opts.Automatic,
		Reason:           opts.Reason,
		Notes:            opts.Notes,
		RequiresApproval: toDef.RequiresApproval,
	}

	var notification domain.StageNotification
	if toDef.RequiresApproval {
		// Park the transition. The timeline is untouched until approval.
		if err := e.Repo.InsertTransition(ctx, tx, t); err != nil {
			return TransitionResult{}, err
		}
		notification = domain.StageNotification{
			ApplicationID:  opts.ApplicationID,
			Stage:          opts.ToStage,
			Title:          "Approval required",
			Message:        fmt.Sprintf("%s: transition to %s awaits approval", app.CandidateName, toDef.DisplayName),
			Urgency:        domain.UrgencyHigh,
			ActionRequired: true,
		}
	} else {
		// No gate: the transition is self-approved at creation.
		t.ApprovedAt = &now
		t.ApprovedBy = &opts.ActorID
		if err := e.applyTransition(ctx, tx, current, t); err != nil {
			return TransitionResult{}, err
		}
		notification = domain.StageNotification{
			ApplicationID:  opts.ApplicationID,
			Stage:          opts.ToStage,
			Title:          "Stage changed",
			Message:        fmt.Sprintf("%s moved to %s", app.CandidateName, toDef.DisplayName),
			Urgency:        domain.UrgencyMedium,
			ActionRequired: false,
		}
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	_, warnings, err := e.dispatch(ctx, notification)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("store notification failed: %v", err))
	}
	return TransitionResult{Transition: t, Warnings: warnings}, nil
}

// applyTransition closes the current entry and opens the target entry. The
// insert happens even when there is no current entry (pipeline start).
func (e Engine) applyTransition(ctx context.Context, tx *sql.Tx, current domain.TimelineEntry, t domain.StageTransition) error {
	now := t.TransitionedAt
	if t.ApprovedAt != nil {
		now = *t.ApprovedAt
	}
	if current.ID != "" {
		n, err := e.Repo.UnresolvedBlockingCount(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return BlockedByOpenIssueError{Stage: current.Stage, Count: n}
		}
		if err := e.Repo.UpdateEntryStatus(ctx, tx, current.ID, domain.StatusCompleted, &now); err != nil {
			return err
		}
	}
	if err := e.Repo.InsertTransition(ctx, tx, t); err != nil {
		return err
	}
	entry := domain.TimelineEntry{
		ID:            uuid.New().String(),
		ApplicationID: t.ApplicationID,
		Stage:         t.ToStage,
		Status:        domain.StatusInProgress,
		Progress:      0,
		EnteredAt:     now,
	}
	return e.Repo.InsertEntry(ctx, tx, entry)
}

// ApproveTransition resolves a pending approval-gated transition and applies
// the parked stage change. The second of two racing approvers fails with
// ConflictError.
func (e Engine) ApproveTransition(ctx context.Context, transitionID, actorID string) (TransitionResult, error) {
	t, err := e.Repo.GetTransition(ctx, transitionID)
	if err != nil {
		return TransitionResult{}, err
	}

	lock := e.locks.forApplication(t.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTransitionTx(ctx, tx, transitionID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !t.RequiresApproval {
		return TransitionResult{}, ConflictError{Message: "transition does not require approval"}
	}
	if !t.Pending() {
		return TransitionResult{}, ConflictError{Message: "transition already resolved"}
	}
	// A parked transition must not reopen a withdrawn application.
	app, err := e.Repo.GetApplication(ctx, t.ApplicationID)
	if err != nil {
		return TransitionResult{}, err
	}
	if app.Status != domain.ApplicationActive {
		return TransitionResult{}, ConflictError{Message: fmt.Sprintf("application %s is %s", app.ID, app.Status)}
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, e.Config, actorID, config.CapApprove); err != nil {
		return TransitionResult{}, err
	}

	// The application must still sit on the stage the transition left from.
	var current domain.TimelineEntry
	current, err = e.Repo.ActiveEntryTx(ctx, tx, t.ApplicationID)
	if t.FromStage == "" {
		if err == nil {
			return TransitionResult{}, ConflictError{Message: fmt.Sprintf("application now on stage %s", current.Stage)}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return TransitionResult{}, err
		}
	} else {
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return TransitionResult{}, NoActiveStageError{ApplicationID: t.ApplicationID, Stage: t.FromStage}
			}
			return TransitionResult{}, err
		}
		if current.Stage != t.FromStage {
			return TransitionResult{}, ConflictError{Message: fmt.Sprintf("application moved from %s to %s since the request", t.FromStage, current.Stage)}
		}
	}

	now := e.nowString()
	ok, err := e.Repo.MarkTransitionApproved(ctx, tx, t.ID, now, actorID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !ok {
		return TransitionResult{}, ConflictError{Message: "transition already resolved"}
	}
	t.ApprovedAt = &now
	t.ApprovedBy = &actorID

	// Close the current entry and open the approved stage. The transition
	// row already exists, so only the entries move here.
	if current.ID != "" {
		n, err := e.Repo.UnresolvedBlockingCount(ctx, tx, current.ID)
		if err != nil {
			return TransitionResult{}, err
		}
		if n > 0 {
			return TransitionResult{}, BlockedByOpenIssueError{Stage: current.Stage, Count: n}
		}
		if err := e.Repo.UpdateEntryStatus(ctx, tx, current.ID, domain.StatusCompleted, &now); err != nil {
			return TransitionResult{}, err
		}
	}
	entry := domain.TimelineEntry{
		ID:            uuid.New().String(),
		ApplicationID: t.ApplicationID,
		Stage:         t.ToStage,
		Status:        domain.StatusInProgress,
		EnteredAt:     now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	toDef, _ := e.Registry.DefinitionOf(t.ToStage)
	_, warnings, err := e.dispatch(ctx, domain.StageNotification{
		ApplicationID: t.ApplicationID,
		Stage:         t.ToStage,
		Title:         "Transition approved",
		Message:       fmt.Sprintf("Transition to %s approved by %s", toDef.DisplayName, actorID),
		Urgency:       domain.UrgencyMedium,
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("store notification failed: %v", err))
	}
	return TransitionResult{Transition: t, Warnings: warnings}, nil
}

// RejectTransition resolves a pending transition without touching the
// timeline. The application stays on its current stage.
func (e Engine) RejectTransition(ctx context.Context, transitionID, actorID, reason string) (TransitionResult, error) {
	t, err := e.Repo.GetTransition(ctx, transitionID)
	if err != nil {
		return TransitionResult{}, err
	}

	lock := e.locks.forApplication(t.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTransitionTx(ctx, tx, transitionID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !t.RequiresApproval {
		return TransitionResult{}, ConflictError{Message: "transition does not require approval"}
	}
	if !t.Pending() {
		return TransitionResult{}, ConflictError{Message: "transition already resolved"}
	}
	app, err := e.Repo.GetApplication(ctx, t.ApplicationID)
	if err != nil {
		return TransitionResult{}, err
	}
	if app.Status != domain.ApplicationActive {
		return TransitionResult{}, ConflictError{Message: fmt.Sprintf("application %s is %s", app.ID, app.Status)}
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, e.Config, actorID, config.CapApprove); err != nil {
		return TransitionResult{}, err
	}

	now := e.nowString()
	ok, err := e.Repo.MarkTransitionRejected(ctx, tx, t.ID, now, reason)
	if err != nil {
		return TransitionResult{}, err
	}
	if !ok {
		return TransitionResult{}, ConflictError{Message: "transition already resolved"}
	}
	t.RejectedAt = &now
	if reason != "" {
		t.RejectionReason = &reason
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	toDef, _ := e.Registry.DefinitionOf(t.ToStage)
	_, warnings, err := e.dispatch(ctx, domain.StageNotification{
		ApplicationID: t.ApplicationID,
		Stage:         t.ToStage,
		Title:         "Transition rejected",
		Message:       fmt.Sprintf("Transition to %s rejected: %s", toDef.DisplayName, reason),
		Urgency:       domain.UrgencyMedium,
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("store notification failed: %v", err))
	}
	return TransitionResult{Transition: t, Warnings: warnings}, nil
}

// WithdrawApplication closes the active entry as skipped and marks the
// application withdrawn. Pending transitions stay pending but can no longer
// be approved, since the application is no longer active.
func (e Engine) WithdrawApplication(ctx context.Context, applicationID, actorID, reason string) (domain.Application, error) {
	if actorID == "" {
		return domain.Application{}, errors.New("actor_id is required")
	}
	lock := e.locks.forApplication(applicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Application{}, err
	}
	if app.Status == domain.ApplicationWithdrawn {
		return app, nil
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.Application{}, err
	}
	if err := e.Auth.Require(ctx, tx, e.Config, actorID, config.CapTransition); err != nil {
		return domain.Application{}, err
	}

	now := e.nowString()
	current, err := e.Repo.ActiveEntryTx(ctx, tx, applicationID)
	if err == nil {
		if err := e.Repo.UpdateEntryStatus(ctx, tx, current.ID, domain.StatusSkipped, &now); err != nil {
			return domain.Application{}, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}
	if err := e.Repo.SetApplicationStatus(ctx, tx, applicationID, domain.ApplicationWithdrawn); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	app.Status = domain.ApplicationWithdrawn

	msg := fmt.Sprintf("%s withdrew their application", app.CandidateName)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	_, _, _ = e.dispatch(ctx, domain.StageNotification{
		ApplicationID: applicationID,
		Stage:         current.Stage,
		Title:         "Application withdrawn",
		Message:       msg,
		Urgency:       domain.UrgencyLow,
	})
	return app, nil
}

// UpdateProgress sets the active entry's progress. Progress only moves
// forward unless allowRegression is set.
func (e Engine) UpdateProgress(ctx context.Context, applicationID, stage string, progress int, actorID string, allowRegression bool) (domain.TimelineEntry, error) {
	if progress < 0 || progress > 100 {
		return domain.TimelineEntry{}, InvalidProgressError{Given: progress, Reason: "must be between 0 and 100"}
	}
	lock := e.locks.forApplication(applicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetApplication(ctx, applicationID); err != nil {
		return domain.TimelineEntry{}, err
	}
	current, err := e.Repo.ActiveEntryTx(ctx, tx, applicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimelineEntry{}, NoActiveStageError{ApplicationID: applicationID}
		}
		return domain.TimelineEntry{}, err
	}
	if stage != "" && current.Stage != stage {
		return domain.TimelineEntry{}, NoActiveStageError{ApplicationID: applicationID, Stage: stage}
	}
	if progress < current.Progress && !allowRegression {
		return domain.TimelineEntry{}, InvalidProgressError{Current: current.Progress, Given: progress, Reason: "progress cannot decrease"}
	}
	if err := e.Repo.UpdateEntryProgress(ctx, tx, current.ID, progress); err != nil {
		return domain.TimelineEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimelineEntry{}, err
	}
	current.Progress = progress
	return current, nil
}

// AssignEntry adds an actor to the active entry for the given stage.
func (e Engine) AssignEntry(ctx context.Context, applicationID, stage, assigneeID string) (domain.TimelineEntry, error) {
	return e.mutateAssignment(ctx, applicationID, stage, assigneeID, true)
}

// UnassignEntry removes an actor from the active entry.
func (e Engine) UnassignEntry(ctx context.Context, applicationID, stage, assigneeID string) (domain.TimelineEntry, error) {
	return e.mutateAssignment(ctx, applicationID, stage, assigneeID, false)
}

func (e Engine) mutateAssignment(ctx context.Context, applicationID, stage, assigneeID string, add bool) (domain.TimelineEntry, error) {
	if assigneeID == "" {
		return domain.TimelineEntry{}, errors.New("assignee is required")
	}
	lock := e.locks.forApplication(applicationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetApplication(ctx, applicationID); err != nil {
		return domain.TimelineEntry{}, err
	}
	current, err := e.Repo.ActiveEntryTx(ctx, tx, applicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimelineEntry{}, NoActiveStageError{ApplicationID: applicationID}
		}
		return domain.TimelineEntry{}, err
	}
	if stage != "" && current.Stage != stage {
		return domain.TimelineEntry{}, NoActiveStageError{ApplicationID: applicationID, Stage: stage}
	}
	if add {
		if err := e.Auth.EnsureActor(ctx, tx, assigneeID); err != nil {
			return domain.TimelineEntry{}, err
		}
		err = e.Repo.AddAssignee(ctx, tx, current.ID, assigneeID)
	} else {
		err = e.Repo.RemoveAssignee(ctx, tx, current.ID, assigneeID)
	}
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimelineEntry{}, err
	}
	return e.Repo.GetEntryDetailed(ctx, current.ID)
}

// Timeline returns all entries for an application in entry order, with
// issues, notes, actions and assignees attached.
func (e Engine) Timeline(ctx context.Context, applicationID string) ([]domain.TimelineEntry, error) {
	if _, err := e.Repo.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}
	return e.Repo.ListEntries(ctx, applicationID)
}

// MarkNotificationRead is idempotent, repeat calls keep the first read time.
func (e Engine) MarkNotificationRead(ctx context.Context, notificationID string) (domain.StageNotification, error) {
	if err := e.Repo.MarkNotificationRead(ctx, notificationID, e.nowString()); err != nil {
		return domain.StageNotification{}, err
	}
	return e.Repo.GetNotification(ctx, notificationID)
}
