// Package analytics derives stage statistics from completed timeline
// entries. Everything here is read-only and computed over the most recently
// committed state, writes in flight are not included.
package analytics

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"stageline/internal/registry"
)

// StageStats aggregates completed entries for one stage.
type StageStats struct {
	Stage             string        `json:"stage"`
	Count             int           `json:"count"`
	AverageDuration   time.Duration `json:"average_duration"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Bottleneck is a stage whose completed entries take longer than estimated.
type Bottleneck struct {
	Stage       string        `json:"stage"`
	AverageTime time.Duration `json:"average_time"`
	Delta       time.Duration `json:"delta"`
}

// Engine computes analytics straight from SQL, no memoization. Result sets
// are small (one row per stage) so recomputing per call is cheaper than
// invalidating a cache on every committed transition.
type Engine struct {
	DB       *sql.DB
	Registry *registry.Registry
}

// StageStatistics returns per-stage count and mean duration over completed
// entries. Stages with no completed entries are omitted.
func (e Engine) StageStatistics(ctx context.Context) (map[string]StageStats, error) {
	rows, err := e.DB.QueryContext(ctx, `
SELECT stage, COUNT(*), AVG((julianday(completed_at) - julianday(entered_at)) * 86400.0)
FROM timeline_entries
WHERE status = 'completed' AND completed_at IS NOT NULL
GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[string]StageStats)
	for rows.Next() {
		var stage string
		var count int
		var avgSeconds float64
		if err := rows.Scan(&stage, &count, &avgSeconds); err != nil {
			return nil, err
		}
		s := StageStats{
			Stage:           stage,
			Count:           count,
			AverageDuration: time.Duration(avgSeconds * float64(time.Second)),
		}
		if e.Registry != nil {
			if def, err := e.Registry.DefinitionOf(stage); err == nil {
				s.EstimatedDuration = def.EstimatedDuration
			}
		}
		stats[stage] = s
	}
	return stats, rows.Err()
}

// BottleneckAnalysis ranks stages whose average completion time exceeds the
// configured estimate, worst offender first.
func (e Engine) BottleneckAnalysis(ctx context.Context) ([]Bottleneck, error) {
	stats, err := e.StageStatistics(ctx)
	if err != nil {
		return nil, err
	}
	var out []Bottleneck
	for _, s := range stats {
		if s.EstimatedDuration <= 0 {
			continue
		}
		delta := s.AverageDuration - s.EstimatedDuration
		if delta <= 0 {
			continue
		}
		out = append(out, Bottleneck{Stage: s.Stage, AverageTime: s.AverageDuration, Delta: delta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Delta > out[j].Delta })
	return out, nil
}
