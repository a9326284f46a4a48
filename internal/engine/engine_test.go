package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/registry"
	"stageline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default("credentialing"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	// Tick a second per call so transition and entry timestamps stay unique.
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := base.Format(time.RFC3339)
	for actor, role := range map[string]string{"tester": "admin", "mover": "consultant", "viewer": "auditor"} {
		if err := eng.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
		if err := eng.Repo.AssignRole(ctx, tx, actor, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createApp(t *testing.T, env testEnv, name string) domain.Application {
	t.Helper()
	a, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{
		CandidateName: name,
		Program:       "rn-license",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	return a
}

func advance(t *testing.T, env testEnv, appID string, stages ...string) {
	t.Helper()
	for _, s := range stages {
		if _, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
			ApplicationID: appID,
			ToStage:       s,
			ActorID:       "tester",
		}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestImmediateTransitionClosesAndOpensEntries(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Ada")

	res, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "submitted",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("enter start stage: %v", err)
	}
	if res.Transition.FromStage != "" || res.Transition.ToStage != "submitted" {
		t.Fatalf("unexpected transition %+v", res.Transition)
	}
	if res.Transition.ApprovedAt == nil {
		t.Fatalf("ungated transition should be self-approved")
	}

	advance(t, env, app.ID, "under_review")

	entries, err := env.Engine.Timeline(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Stage != "submitted" || entries[0].Status != domain.StatusCompleted || entries[0].CompletedAt == nil {
		t.Fatalf("first entry not closed: %+v", entries[0])
	}
	if entries[1].Stage != "under_review" || entries[1].Status != domain.StatusInProgress {
		t.Fatalf("second entry not opened: %+v", entries[1])
	}
}

func TestFirstTransitionMustBeStartStage(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Ben")

	_, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "under_review",
		ActorID:       "tester",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	_, err = env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "no_such_stage",
		ActorID:       "tester",
	})
	var use registry.UnknownStageError
	if !errors.As(err, &use) {
		t.Fatalf("expected UnknownStageError, got %v", err)
	}
}

func TestDisallowedSuccessorRejected(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Cam")
	advance(t, env, app.ID, "submitted")

	// submitted only allows under_review
	_, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "placed",
		ActorID:       "tester",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != "submitted" || ite.To != "placed" {
		t.Fatalf("unexpected error fields: %+v", ite)
	}
}

func TestApprovalGatedTransitionParksUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Dee")
	advance(t, env, app.ID, "submitted", "under_review")

	res, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "mover",
	})
	if err != nil {
		t.Fatalf("request gated transition: %v", err)
	}
	if !res.Transition.RequiresApproval || !res.Transition.Pending() {
		t.Fatalf("expected pending transition, got %+v", res.Transition)
	}

	// The timeline must not move while the transition is parked.
	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	last := entries[len(entries)-1]
	if last.Stage != "under_review" || last.Status != domain.StatusInProgress {
		t.Fatalf("timeline moved while pending: %+v", last)
	}

	// A second request while one is pending conflicts.
	_, err = env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "tester",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	approved, err := env.Engine.ApproveTransition(env.Ctx, res.Transition.ID, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Transition.ApprovedAt == nil || *approved.Transition.ApprovedBy != "tester" {
		t.Fatalf("approval fields missing: %+v", approved.Transition)
	}

	entries, _ = env.Engine.Timeline(env.Ctx, app.ID)
	last = entries[len(entries)-1]
	if last.Stage != "final_approval" || last.Status != domain.StatusInProgress {
		t.Fatalf("expected final_approval active after approval: %+v", last)
	}

	// Approving twice conflicts.
	_, err = env.Engine.ApproveTransition(env.Ctx, res.Transition.ID, "tester")
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on double approve, got %v", err)
	}
}

func TestRejectTransitionLeavesTimelineUntouched(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Eve")
	advance(t, env, app.ID, "submitted", "under_review")

	res, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "mover",
	})
	if err != nil {
		t.Fatal(err)
	}
	rejected, err := env.Engine.RejectTransition(env.Ctx, res.Transition.ID, "tester", "docs incomplete")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Transition.RejectedAt == nil || *rejected.Transition.RejectionReason != "docs incomplete" {
		t.Fatalf("rejection fields missing: %+v", rejected.Transition)
	}

	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	last := entries[len(entries)-1]
	if last.Stage != "under_review" || last.Status != domain.StatusInProgress {
		t.Fatalf("timeline changed on rejection: %+v", last)
	}

	// After rejection the application can request the transition again.
	if _, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
}

func TestRoleCapabilities(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Fay")

	// auditor holds no capabilities
	_, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "submitted",
		ActorID:       "viewer",
	})
	var pde auth.PermissionDeniedError
	if !errors.As(err, &pde) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}

	advance(t, env, app.ID, "submitted", "under_review")
	res, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "mover",
	})
	if err != nil {
		t.Fatal(err)
	}
	// consultant may request but not approve
	_, err = env.Engine.ApproveTransition(env.Ctx, res.Transition.ID, "mover")
	if !errors.As(err, &pde) {
		t.Fatalf("expected PermissionDeniedError on approve, got %v", err)
	}
}

func TestBlockingIssueGatesStageExit(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Gil")
	advance(t, env, app.ID, "submitted")

	issue, _, err := env.Engine.ReportIssue(env.Ctx, engine.IssueOptions{
		ApplicationID: app.ID,
		Severity:      domain.SeverityBlocking,
		Title:         "license expired",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("report issue: %v", err)
	}

	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	if entries[0].Status != domain.StatusBlocked {
		t.Fatalf("expected blocked entry, got %s", entries[0].Status)
	}

	_, err = env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "under_review",
		ActorID:       "tester",
	})
	var boe engine.BlockedByOpenIssueError
	if !errors.As(err, &boe) {
		t.Fatalf("expected BlockedByOpenIssueError, got %v", err)
	}

	resolved, err := env.Engine.ResolveIssue(env.Ctx, issue.ID, "tester", "renewed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved() {
		t.Fatalf("issue not resolved: %+v", resolved)
	}

	entries, _ = env.Engine.Timeline(env.Ctx, app.ID)
	if entries[0].Status != domain.StatusInProgress {
		t.Fatalf("entry should unblock, got %s", entries[0].Status)
	}

	advance(t, env, app.ID, "under_review")
}

func TestResolveIssueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Hal")
	advance(t, env, app.ID, "submitted")

	issue, _, err := env.Engine.ReportIssue(env.Ctx, engine.IssueOptions{
		ApplicationID: app.ID,
		Title:         "missing transcript",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.ResolveIssue(env.Ctx, issue.ID, "tester", "received")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.ResolveIssue(env.Ctx, issue.ID, "tester", "received again")
	if err != nil {
		t.Fatal(err)
	}
	if *second.ResolvedAt != *first.ResolvedAt {
		t.Fatalf("resolution time changed on repeat resolve")
	}
}

func TestProgressRules(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Ivy")
	advance(t, env, app.ID, "submitted")

	var ipe engine.InvalidProgressError
	if _, err := env.Engine.UpdateProgress(env.Ctx, app.ID, "submitted", 120, "tester", false); !errors.As(err, &ipe) {
		t.Fatalf("expected InvalidProgressError for out of range, got %v", err)
	}

	entry, err := env.Engine.UpdateProgress(env.Ctx, app.ID, "submitted", 60, "tester", false)
	if err != nil || entry.Progress != 60 {
		t.Fatalf("set progress: %v %+v", err, entry)
	}

	// regression needs the explicit flag
	if _, err := env.Engine.UpdateProgress(env.Ctx, app.ID, "submitted", 30, "tester", false); !errors.As(err, &ipe) {
		t.Fatalf("expected InvalidProgressError for regression, got %v", err)
	}
	entry, err = env.Engine.UpdateProgress(env.Ctx, app.ID, "submitted", 30, "tester", true)
	if err != nil || entry.Progress != 30 {
		t.Fatalf("allowed regression: %v %+v", err, entry)
	}

	// stage must match the active entry
	var nae engine.NoActiveStageError
	if _, err := env.Engine.UpdateProgress(env.Ctx, app.ID, "under_review", 50, "tester", false); !errors.As(err, &nae) {
		t.Fatalf("expected NoActiveStageError for stage mismatch, got %v", err)
	}
}

func TestWithdrawApplication(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Joy")
	advance(t, env, app.ID, "submitted")

	withdrawn, err := env.Engine.WithdrawApplication(env.Ctx, app.ID, "tester", "candidate declined")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != domain.ApplicationWithdrawn {
		t.Fatalf("expected withdrawn status, got %s", withdrawn.Status)
	}

	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	if entries[0].Status != domain.StatusSkipped || entries[0].CompletedAt == nil {
		t.Fatalf("active entry should be skipped and closed: %+v", entries[0])
	}

	// withdrawing twice is a no-op
	if _, err := env.Engine.WithdrawApplication(env.Ctx, app.ID, "tester", ""); err != nil {
		t.Fatalf("repeat withdraw: %v", err)
	}

	// no further transitions on a withdrawn application
	_, err = env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "submitted",
		ActorID:       "tester",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestWithdrawnApplicationFreezesPendingTransition(t *testing.T) {
	// Gate the start stage so a transition can be parked before any
	// timeline entry exists.
	cfg := config.Default("credentialing")
	for i := range cfg.Stages {
		if cfg.Stages[i].Name == "submitted" {
			cfg.Stages[i].RequiresApproval = true
		}
	}
	env := newTestEnvWithConfig(t, cfg)
	app := createApp(t, env, "Oda")

	res, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "submitted",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("request gated start: %v", err)
	}
	if !res.Transition.Pending() {
		t.Fatalf("expected pending transition, got %+v", res.Transition)
	}

	if _, err := env.Engine.WithdrawApplication(env.Ctx, app.ID, "tester", "changed plans"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	var ce engine.ConflictError
	if _, err := env.Engine.ApproveTransition(env.Ctx, res.Transition.ID, "tester"); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError approving on withdrawn application, got %v", err)
	}
	if _, err := env.Engine.RejectTransition(env.Ctx, res.Transition.ID, "tester", "stale"); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError rejecting on withdrawn application, got %v", err)
	}

	entries, err := env.Engine.Timeline(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("withdrawn application gained timeline entries: %+v", entries)
	}
}

func TestUnknownApplicationIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.UpdateProgress(env.Ctx, "ghost", "", 10, "tester", false); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("progress: expected ErrNotFound, got %v", err)
	}
	if _, err := env.Engine.AssignEntry(env.Ctx, "ghost", "", "mover"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("assign: expected ErrNotFound, got %v", err)
	}
	if _, _, err := env.Engine.ReportIssue(env.Ctx, engine.IssueOptions{
		ApplicationID: "ghost",
		Title:         "stray issue",
		ActorID:       "tester",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("issue: expected ErrNotFound, got %v", err)
	}
	if _, err := env.Engine.AddNote(env.Ctx, engine.NoteOptions{
		ApplicationID: "ghost",
		Content:       "stray note",
		ActorID:       "tester",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("note: expected ErrNotFound, got %v", err)
	}
	if _, err := env.Engine.AddAction(env.Ctx, engine.ActionOptions{
		ApplicationID: "ghost",
		Title:         "stray action",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("action: expected ErrNotFound, got %v", err)
	}
}

func TestAssignmentFollowsActiveEntry(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Kim")
	advance(t, env, app.ID, "submitted")

	entry, err := env.Engine.AssignEntry(env.Ctx, app.ID, "submitted", "mover")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(entry.AssignedTo) != 1 || entry.AssignedTo[0] != "mover" {
		t.Fatalf("unexpected assignees: %v", entry.AssignedTo)
	}
	entry, err = env.Engine.UnassignEntry(env.Ctx, app.ID, "", "mover")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(entry.AssignedTo) != 0 {
		t.Fatalf("assignee not removed: %v", entry.AssignedTo)
	}
}

func TestNotesAndActions(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Lou")
	advance(t, env, app.ID, "submitted")

	note, err := env.Engine.AddNote(env.Ctx, engine.NoteOptions{
		ApplicationID: app.ID,
		Content:       "called the candidate",
		ActorID:       "tester",
		IsInternal:    true,
	})
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if note.AuthorRole != "admin" {
		t.Fatalf("expected author role admin, got %q", note.AuthorRole)
	}

	action, err := env.Engine.AddAction(env.Ctx, engine.ActionOptions{
		ApplicationID: app.ID,
		Title:         "upload transcript",
		DueDate:       "2026-04-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("add action: %v", err)
	}
	done, err := env.Engine.CompleteAction(env.Ctx, action.ID)
	if err != nil || done.CompletedAt == nil {
		t.Fatalf("complete action: %v %+v", err, done)
	}
	again, err := env.Engine.CompleteAction(env.Ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *again.CompletedAt != *done.CompletedAt {
		t.Fatalf("completion time changed on repeat complete")
	}

	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	if len(entries[0].Notes) != 1 || len(entries[0].Actions) != 1 {
		t.Fatalf("details not attached: %+v", entries[0])
	}
}

func TestNotificationsStoredAndMarkedRead(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Mia")
	advance(t, env, app.ID, "submitted", "under_review")

	if _, err := env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
		ApplicationID: app.ID,
		ToStage:       "final_approval",
		ActorID:       "tester",
	}); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{
		ApplicationID: app.ID,
		UnreadOnly:    true,
	})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected stored notifications")
	}
	var gated *domain.StageNotification
	for i := range items {
		if items[i].ActionRequired {
			gated = &items[i]
		}
	}
	if gated == nil || gated.Urgency != domain.UrgencyHigh {
		t.Fatalf("expected high urgency action-required notification, got %+v", items)
	}

	read, err := env.Engine.MarkNotificationRead(env.Ctx, gated.ID)
	if err != nil || read.ReadAt == nil {
		t.Fatalf("mark read: %v %+v", err, read)
	}
	again, err := env.Engine.MarkNotificationRead(env.Ctx, gated.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *again.ReadAt != *read.ReadAt {
		t.Fatalf("read time changed on repeat read")
	}
}

func TestNotificationTimeFollowsEngineClock(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Ode")
	advance(t, env, app.ID, "submitted")

	items, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{ApplicationID: app.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected a stored notification")
	}
	for _, n := range items {
		if !strings.HasPrefix(n.SentAt, "2026-03-01T") {
			t.Fatalf("sent_at %q not taken from the injected clock", n.SentAt)
		}
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	env := newTestEnv(t)
	app := createApp(t, env, "Nan")
	advance(t, env, app.ID, "submitted")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.TransitionStage(env.Ctx, engine.TransitionOptions{
				ApplicationID: app.ID,
				ToStage:       "under_review",
				ActorID:       "tester",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one transition to win, got %d", wins)
	}
	entries, _ := env.Engine.Timeline(env.Ctx, app.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
