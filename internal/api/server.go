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

// Package api implements Syncron's HTTP surface: run lifecycle (create,
// heartbeat, stdout/stderr, complete), job/run/log reads, settings, prune,
// and an SSE event stream backed by the broker.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/caldwell/syncron/internal/broker"
	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/metrics"
	"github.com/caldwell/syncron/internal/progress"
	"github.com/caldwell/syncron/internal/prune"
	"github.com/caldwell/syncron/internal/registry"
)

// Server holds every collaborator a handler might need. It has no mutable
// state of its own beyond what its collaborators already own.
type Server struct {
	Reg    *registry.Registry
	Logs   *logstore.Store
	Broker *broker.Broker
	Prune  *prune.Engine
}

func New(reg *registry.Registry, logs *logstore.Store, br *broker.Broker, pr *prune.Engine) *Server {
	return &Server{Reg: reg, Logs: logs, Broker: br, Prune: pr}
}

// Router builds the complete mux, wrapped in request logging and metrics
// middleware, per SPEC_FULL.md §4.10.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run/create", s.handleRunCreate)
	mux.HandleFunc("POST /run/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /run/{id}/stdout", s.handleStdout)
	mux.HandleFunc("POST /run/{id}/stderr", s.handleStderr)
	mux.HandleFunc("POST /run/{id}/complete", s.handleComplete)

	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /job/{user}/{job}", s.handleJob)
	mux.HandleFunc("GET /job/{user}/{job}/run", s.handleJobRuns)
	mux.HandleFunc("GET /job/{user}/{job}/run/{rid}", s.handleJobRun)
	mux.HandleFunc("GET /job/{user}/{job}/run/{rid}/log", s.handleJobRunLog)
	mux.HandleFunc("GET /job/{user}/{job}/success", s.handleSuccess)

	mux.HandleFunc("GET /job/{user}/{job}/settings", s.handleGetJobSettings)
	mux.HandleFunc("PUT /job/{user}/{job}/settings", s.handlePutJobSettings)
	mux.HandleFunc("GET /job/{user}/{job}/prune", s.handlePruneDryRun)
	mux.HandleFunc("POST /job/{user}/{job}/prune", s.handlePruneLive)
	mux.HandleFunc("GET /settings", s.handleGetGlobalSettings)
	mux.HandleFunc("PUT /settings", s.handlePutGlobalSettings)

	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /shutdown", handleShutdown)

	return withMiddleware(mux)
}

// withMiddleware records a Prometheus observation and a structured log line
// for every request, wrapping the response writer to capture its status.
func withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, sw.status, dur)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", dur)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleShutdown is gated to loopback callers only — it's an operator
// escape hatch, not a public endpoint.
func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		writeError(w, http.StatusForbidden, "shutdown is only permitted from loopback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	go func() { shutdownRequested <- struct{}{} }()
}

// shutdownRequested is consumed by cmd/syncron/main.go's graceful-shutdown
// select, alongside SIGTERM/SIGINT.
var shutdownRequested = make(chan struct{}, 1)

// Shutdown returns the channel main's signal-handling select watches.
func Shutdown() <-chan struct{} { return shutdownRequested }

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func isLoopback(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// buildJobInfo renders a registry.Job as the §6 JobInfo wire schema,
// including a latest_run snapshot when the job has any runs.
func (s *Server) buildJobInfo(ctx context.Context, job *registry.Job) (*jobInfo, error) {
	base := "/job/" + job.User + "/" + job.ID
	info := &jobInfo{
		ID:          job.ID,
		User:        job.User,
		Name:        job.Name,
		URL:         base,
		RunsURL:     base + "/run",
		SuccessURL:  base + "/success",
		SettingsURL: base + "/settings",
		PruneURL:    base + "/prune",
	}

	latest, err := s.Reg.LatestRun(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		ri, err := s.buildRunInfo(job, latest, true)
		if err != nil {
			return nil, err
		}
		info.LatestRun = ri
	}
	return info, nil
}

// buildRunInfo renders a registry.Run as the §6 RunInfo wire schema.
// withURL controls whether a /run/<rid> URL is included (omitted for
// entries already scoped to one specific run's own endpoint).
func (s *Server) buildRunInfo(job *registry.Job, run *registry.Run, withURL bool) (*runInfo, error) {
	rid := registry.RunIDString(run.Start)
	ri := &runInfo{
		UniqueID:   run.RunID,
		Date:       run.Start,
		ID:         rid,
		Status:     run.Status,
	}
	if withURL {
		ri.URL = "/job/" + job.User + "/" + job.ID + "/run/" + rid
	}
	if run.End != nil {
		ri.DurationMS = *run.End - run.Start
	}

	logLen, err := s.Logs.Len(run.Log)
	if err != nil {
		return nil, err
	}
	ri.LogLen = &logLen
	if logLen > inlineLogThreshold {
		ri.LogURL = "/job/" + job.User + "/" + job.ID + "/run/" + rid + "/log"
	}

	if run.Status == nil {
		if pct, eta, ok := s.estimateProgress(job, run, logLen); ok {
			ri.Progress = &progressInfo{Percent: float32(pct * 100), ETASeconds: eta}
		}
	}
	return ri, nil
}

// estimateProgress adapts the job's last compacted profile to an in-flight
// percent/ETA estimate for run, per §4.6.
func (s *Server) estimateProgress(job *registry.Job, run *registry.Run, currentBytes int64) (percent float64, eta uint32, ok bool) {
	if len(job.LastProgress) == 0 {
		return 0, 0, false
	}
	var buckets []progress.Bucket
	if err := json.Unmarshal(job.LastProgress, &buckets); err != nil {
		return 0, 0, false
	}
	elapsed := time.Now().UnixMilli() - run.Start
	pct, ok := progress.Estimate(buckets, currentBytes, elapsed)
	if !ok {
		return 0, 0, false
	}
	return pct, progress.ETASeconds(buckets, pct), true
}
