package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/caldwell/syncron/internal/store"
)

func TestSlugCornerCases(t *testing.T) {
	cases := map[string]string{
		"David's The _absolute_ Greatest": "david-s-the-absolute-greatest",
		"---a--":                          "a",
		"":                                "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugIsIdempotent(t *testing.T) {
	for _, s := range []string{"David's The _absolute_ Greatest", "a---b", "", "already-a-slug"} {
		once := Slug(s)
		twice := Slug(once)
		if once != twice {
			t.Errorf("Slug not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}

func TestValidIdentifier(t *testing.T) {
	bad := []string{"", "a/b", ".hidden"}
	for _, s := range bad {
		if err := ValidIdentifier(s); err == nil {
			t.Errorf("ValidIdentifier(%q) = nil, want error", s)
		}
	}
	if err := ValidIdentifier("david-s-the-absolute-greatest"); err != nil {
		t.Errorf("ValidIdentifier: unexpected error: %v", err)
	}
}

func TestExitStatusJSONShape(t *testing.T) {
	b, err := json.Marshal(Exited(0))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"Exited":0}` {
		t.Errorf("got %s", b)
	}

	b, err = json.Marshal(ServerTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"ServerTimeout"` {
		t.Errorf("got %s", b)
	}

	var round ExitStatus
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatal(err)
	}
	if round != ServerTimeout {
		t.Errorf("round trip mismatch: %+v", round)
	}
}

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	zeroLen := func(run *Run) (int64, error) { return 0, nil }
	return New(st, zeroLen), func() { _ = st.Close() }
}

func TestCreateRunAndComplete(t *testing.T) {
	reg, closeFn := newTestRegistry(t)
	defer closeFn()
	ctx := context.Background()

	run, job, err := reg.CreateRun(ctx, "test-user", "David's The _absolute_ Greatest", "", "echo a simple test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "david-s-the-absolute-greatest" {
		t.Fatalf("job id = %q", job.ID)
	}
	if run.ClientID == nil {
		t.Fatal("expected client id to be set")
	}

	found, err := reg.RunByClientID(ctx, *run.ClientID)
	if err != nil {
		t.Fatalf("RunByClientID: %v", err)
	}
	if found.RunID != run.RunID {
		t.Fatalf("run id mismatch")
	}

	if _, err := reg.Complete(ctx, run, Exited(0)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if run.Success == nil || !*run.Success {
		t.Fatalf("expected success=true, got %+v", run.Success)
	}

	if _, err := reg.RunByClientID(ctx, *found.ClientID); err == nil {
		t.Fatalf("expected NotFound after completion")
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	reg, closeFn := newTestRegistry(t)
	defer closeFn()
	ctx := context.Background()

	run, _, err := reg.CreateRun(ctx, "u", "n", "", "sleep 10", nil)
	if err != nil {
		t.Fatal(err)
	}
	zero := int64(0)
	if _, err := reg.st.DB().ExecContext(ctx, `UPDATE run SET heartbeat = ? WHERE run_id = ?`, zero, run.RunID); err != nil {
		t.Fatal(err)
	}
	run.Heartbeat = &zero

	info, err := reg.Info(ctx, run)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status == nil || info.Status.Kind != KindServerTimeout {
		t.Fatalf("expected ServerTimeout, got %+v", info.Status)
	}
	if info.ClientID != nil {
		t.Fatalf("expected client id cleared")
	}
}
