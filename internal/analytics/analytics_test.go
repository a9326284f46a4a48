package analytics_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"stageline/internal/analytics"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/migrate"
	"stageline/internal/registry"
)

func newAnalytics(t *testing.T) (analytics.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := registry.FromConfig(config.Default("credentialing"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO applications(id, candidate_name, program, status, created_at) VALUES ('app-1','Ada','rn','active','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	return analytics.Engine{DB: conn, Registry: reg}, ctx
}

func seedCompletedEntry(t *testing.T, a analytics.Engine, ctx context.Context, id, stage string, entered time.Time, d time.Duration) {
	t.Helper()
	_, err := a.DB.ExecContext(ctx,
		`INSERT INTO timeline_entries(id, application_id, stage, status, progress, entered_at, completed_at) VALUES (?,?,?,?,?,?,?)`,
		id, "app-1", stage, "completed", 100,
		entered.Format(time.RFC3339), entered.Add(d).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestStageStatisticsAverages(t *testing.T) {
	a, ctx := newAnalytics(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// document_verification is estimated at 72h; complete it in 2, 4, and 6 days
	for i, d := range []time.Duration{48 * time.Hour, 96 * time.Hour, 144 * time.Hour} {
		seedCompletedEntry(t, a, ctx, fmt.Sprintf("e-%d", i), "document_verification", base, d)
	}
	// an open entry must not count
	if _, err := a.DB.ExecContext(ctx,
		`INSERT INTO timeline_entries(id, application_id, stage, status, progress, entered_at) VALUES ('e-open','app-1','document_verification','in_progress',10,'2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}

	stats, err := a.StageStatistics(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	s, ok := stats["document_verification"]
	if !ok {
		t.Fatalf("missing stage stats: %v", stats)
	}
	if s.Count != 3 {
		t.Fatalf("count: %d", s.Count)
	}
	if got := s.AverageDuration.Round(time.Minute); got != 96*time.Hour {
		t.Fatalf("average duration: %v", got)
	}
	if s.EstimatedDuration != 72*time.Hour {
		t.Fatalf("estimated duration: %v", s.EstimatedDuration)
	}
}

func TestBottleneckRanking(t *testing.T) {
	a, ctx := newAnalytics(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// document_verification (72h estimate) runs a day over
	seedCompletedEntry(t, a, ctx, "e-1", "document_verification", base, 96*time.Hour)
	// under_review (48h estimate) runs two days over
	seedCompletedEntry(t, a, ctx, "e-2", "under_review", base, 96*time.Hour)
	// submitted (24h estimate) runs under estimate and must not appear
	seedCompletedEntry(t, a, ctx, "e-3", "submitted", base, 12*time.Hour)

	out, err := a.BottleneckAnalysis(ctx)
	if err != nil {
		t.Fatalf("bottlenecks: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 bottlenecks, got %v", out)
	}
	if out[0].Stage != "under_review" || out[0].Delta.Round(time.Minute) != 48*time.Hour {
		t.Fatalf("worst offender wrong: %+v", out[0])
	}
	if out[1].Stage != "document_verification" || out[1].Delta.Round(time.Minute) != 24*time.Hour {
		t.Fatalf("second wrong: %+v", out[1])
	}
}

func TestEmptyPipelineHasNoStats(t *testing.T) {
	a, ctx := newAnalytics(t)
	stats, err := a.StageStatistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected empty stats, got %v", stats)
	}
	out, err := a.BottleneckAnalysis(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no bottlenecks, got %v", out)
	}
}
