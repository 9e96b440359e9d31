// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package prune implements the retention policy engine: per-job and global
// (max_age, max_runs, max_size) limits, dry-run support, and exact
// statistics regardless of how the enumerated prune list is capped.
package prune

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/registry"
)

// maxPrunedListLen caps the returned list of pruned runs to protect
// operator memory on bulk prunes; Stats remain exact regardless.
const maxPrunedListLen = 1000

// progressReportEvery sets the PruneProgress cadence of a live prune: an
// event is published after deleting the run at newest-first index n when
// n+1 is a multiple of it. Kept runs and dry runs publish no progress.
const progressReportEvery = 50

// Counts is a (runs, size) pair used for both the pruned and kept sides of
// a prune's statistics.
type Counts struct {
	Runs int64
	Size int64
}

// Stats summarizes one job's prune pass. Pruned.Runs + Kept.Runs always
// equals the number of runs considered, even when Pruned's run list (in
// the caller-visible result) is capped.
type Stats struct {
	Pruned Counts
	Kept   Counts
}

// Publisher is the narrow slice of broker.Broker the prune engine needs.
type Publisher interface {
	PublishRunDelete(run *registry.Run, job *registry.Job, isLatest bool, reason string)
	PublishPruneProgress(job *registry.Job, total int, current []byte)
}

// Engine applies retention policy to a job's runs.
type Engine struct {
	reg       *registry.Registry
	logs      *logstore.Store
	publisher Publisher
}

func New(reg *registry.Registry, logs *logstore.Store, publisher Publisher) *Engine {
	return &Engine{reg: reg, logs: logs, publisher: publisher}
}

// PruneJob implements registry.PruneTrigger: the post-completion trigger
// that applies whatever retention is effective for the job, live (not
// dry-run). Errors are for the caller to log; they are not otherwise fatal.
func (e *Engine) PruneJob(ctx context.Context, jobID int64) error {
	job, err := e.reg.GetJobByPK(ctx, jobID)
	if err != nil {
		return fmt.Errorf("prune: load job: %w", err)
	}
	policy, err := e.reg.EffectiveRetention(ctx, job)
	if err != nil {
		return fmt.Errorf("prune: effective retention: %w", err)
	}
	_, _, err = e.Apply(ctx, job, policy, false)
	return err
}

// candidate is a run annotated with the precomputed data the selection
// algorithm needs: its log size and its cumulative size including every
// older run.
type candidate struct {
	run              *registry.Run
	size             int64
	cumulativeToHere int64 // oldest-to-newest running total, inclusive
}

// Apply evaluates policy against job's runs newest-first and either
// records (dryRun) or performs the deletions, per §4.7's algorithm.
func (e *Engine) Apply(ctx context.Context, job *registry.Job, policy registry.RetentionSettings, dryRun bool) ([]*registry.Run, Stats, error) {
	runs, err := e.reg.ListRuns(ctx, job.JobID, nil, nil, nil) // newest-first
	if err != nil {
		return nil, Stats{}, fmt.Errorf("prune: list runs: %w", err)
	}

	candidates := make([]candidate, len(runs))
	var running int64
	for i := len(runs) - 1; i >= 0; i-- { // oldest to newest
		run := runs[i]
		size, err := e.logs.Len(run.Log)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("prune: log len for run %d: %w", run.RunID, err)
		}
		running += size
		candidates[i] = candidate{run: run, size: size, cumulativeToHere: running}
	}

	now := time.Now()
	var stats Stats
	var pruned []*registry.Run

	for n, c := range candidates { // n = count of runs newer than c.run
		reason, shouldPrune := decide(c, n, policy, now)
		if !shouldPrune {
			stats.Kept.Runs++
			stats.Kept.Size += c.size
			continue
		}

		stats.Pruned.Runs++
		stats.Pruned.Size += c.size

		if dryRun {
			if len(pruned) < maxPrunedListLen {
				pruned = append(pruned, c.run)
			}
			continue
		}

		if err := e.deleteRun(ctx, c.run, job, reason); err != nil {
			slog.Warn("prune: failed to delete run", "run_id", c.run.RunID, "error", err)
			stats.Pruned.Runs--
			stats.Pruned.Size -= c.size
			stats.Kept.Runs++
			stats.Kept.Size += c.size
			continue
		}
		if len(pruned) < maxPrunedListLen {
			pruned = append(pruned, c.run)
		}

		if e.publisher != nil && (n+1)%progressReportEvery == 0 {
			current, err := json.Marshal(stats)
			if err != nil {
				slog.Warn("prune: failed to marshal progress stats", "error", err)
			} else {
				e.publisher.PublishPruneProgress(job, len(candidates), current)
			}
		}
	}

	return pruned, stats, nil
}

func decide(c candidate, n int, policy registry.RetentionSettings, now time.Time) (reason string, prune bool) {
	if policy.MaxAgeDays != nil {
		ageDays := int(now.Sub(time.UnixMilli(c.run.Start)).Hours() / 24)
		if ageDays >= *policy.MaxAgeDays {
			return fmt.Sprintf("exceeded max age (%d > %d)", ageDays, *policy.MaxAgeDays), true
		}
	}
	if policy.MaxRuns != nil && n >= *policy.MaxRuns {
		return "exceeded max runs", true
	}
	if policy.MaxSize != nil && c.cumulativeToHere >= *policy.MaxSize {
		return "exceeded max size", true
	}
	return "", false
}

func (e *Engine) deleteRun(ctx context.Context, run *registry.Run, job *registry.Job, reason string) error {
	isLatest, err := e.reg.IsLatest(ctx, run)
	if err != nil {
		return err
	}
	if err := e.logs.Delete(run.Log); err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	if err := e.reg.DeleteRun(ctx, run.RunID); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	if e.publisher != nil {
		e.publisher.PublishRunDelete(run, job, isLatest, reason)
	}
	return nil
}
