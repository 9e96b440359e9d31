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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caldwell/syncron/internal/broker"
	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/progress"
	"github.com/caldwell/syncron/internal/prune"
	"github.com/caldwell/syncron/internal/registry"
	"github.com/caldwell/syncron/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logs := logstore.New(st.JobsDir())
	br := broker.New()
	reg := registry.New(st, func(run *registry.Run) (int64, error) { return logs.Len(run.Log) })
	estimator := progress.NewEstimator(logs, reg)
	pruneEngine := prune.New(reg, logs, br)
	reg.SetProgressCompactor(estimator)
	reg.SetPruneTrigger(pruneEngine)
	reg.SetPublisher(br)

	srv := New(reg, logs, br, pruneEngine)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestRunLifecycleEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	var created createRunResp
	resp := postJSON(t, ts.URL+"/run/create", createRunReq{
		User: "dave",
		Name: "nightly backup",
		Cmd:  "echo ok",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	decode(t, resp, &created)
	if created.JobID != "nightly-backup" {
		t.Fatalf("job id = %q", created.JobID)
	}

	stdoutResp, err := http.Post(ts.URL+"/run/"+created.ID+"/stdout", "application/octet-stream", bytes.NewReader([]byte("hello from the job\n")))
	if err != nil {
		t.Fatal(err)
	}
	if stdoutResp.StatusCode != http.StatusOK {
		t.Fatalf("stdout append: status %d", stdoutResp.StatusCode)
	}
	stdoutResp.Body.Close()

	completeResp := postJSON(t, ts.URL+"/run/"+created.ID+"/complete", registry.Exited(0))
	if completeResp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", completeResp.StatusCode)
	}
	completeResp.Body.Close()

	jobsResp, err := http.Get(ts.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	var jobs []jobInfo
	decode(t, jobsResp, &jobs)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].LatestRun == nil {
		t.Fatal("expected latest_run to be set")
	}
	if jobs[0].LatestRun.Status == nil || jobs[0].LatestRun.Status.Kind != registry.KindExited {
		t.Fatalf("unexpected status: %+v", jobs[0].LatestRun.Status)
	}

	runResp, err := http.Get(ts.URL + "/job/dave/nightly-backup/run/" + jobs[0].LatestRun.ID)
	if err != nil {
		t.Fatal(err)
	}
	var full runInfoFull
	decode(t, runResp, &full)
	if full.Log != "hello from the job\n" {
		t.Fatalf("log = %q", full.Log)
	}
	if full.Cmd != "echo ok" {
		t.Fatalf("cmd = %q", full.Cmd)
	}
}

func TestRunsRequiresExactlyOneFilter(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with neither filter, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/runs?after=0&id=1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with both filters, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownJobReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/job/dave/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestShutdownAcceptsLoopback(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/shutdown", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	// httptest.Server always dials loopback, so this exercises the success
	// path; isLoopback's own decision logic is about RemoteAddr, which
	// http.NewRequest can't forge client-side. This test instead pins down
	// that the endpoint is reachable at all and returns 200 over loopback.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 over loopback, got %d", resp.StatusCode)
	}
}
