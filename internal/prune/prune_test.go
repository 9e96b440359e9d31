package prune

import (
	"context"
	"testing"
	"time"

	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/registry"
	"github.com/caldwell/syncron/internal/store"
)

func setup(t *testing.T) (*registry.Registry, *Engine, *registry.Job) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logs := logstore.New(st.JobsDir())
	reg := registry.New(st, func(run *registry.Run) (int64, error) { return logs.Len(run.Log) })
	engine := New(reg, logs, nil)

	var job *registry.Job
	for i := 0; i < 5; i++ {
		_, j, err := reg.CreateRun(ctx, "u", "job", "", "echo hi", nil)
		if err != nil {
			t.Fatal(err)
		}
		job = j
		time.Sleep(2 * time.Millisecond)
	}
	return reg, engine, job
}

func TestPruneMaxRunsKeepsExactCounts(t *testing.T) {
	ctx := context.Background()
	reg, engine, job := setup(t)

	maxRuns := 2
	policy := registry.RetentionSettings{MaxRuns: &maxRuns}

	pruned, stats, err := engine.Apply(ctx, job, policy, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 3 {
		t.Fatalf("expected 3 pruned (dry run), got %d", len(pruned))
	}
	if stats.Pruned.Runs+stats.Kept.Runs != 5 {
		t.Fatalf("pruned+kept = %d, want 5", stats.Pruned.Runs+stats.Kept.Runs)
	}
	if stats.Kept.Runs != 2 {
		t.Fatalf("kept = %d, want 2", stats.Kept.Runs)
	}

	// dry run must not have deleted anything
	runs, err := reg.ListRuns(ctx, job.JobID, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 5 {
		t.Fatalf("expected 5 runs still present after dry run, got %d", len(runs))
	}
}

func TestPruneLiveDeletesRows(t *testing.T) {
	ctx := context.Background()
	reg, engine, job := setup(t)

	maxRuns := 2
	policy := registry.RetentionSettings{MaxRuns: &maxRuns}

	_, stats, err := engine.Apply(ctx, job, policy, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned.Runs != 3 {
		t.Fatalf("pruned = %d, want 3", stats.Pruned.Runs)
	}

	runs, err := reg.ListRuns(ctx, job.JobID, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs remaining, got %d", len(runs))
	}
}
