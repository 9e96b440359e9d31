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
	"encoding/json"
	"io"
	"net/http"

	"github.com/caldwell/syncron/internal/metrics"
	"github.com/caldwell/syncron/internal/registry"
)

const maxBodyBytes = 16 << 20 // generous cap on a single chunk/body POST

// handleRunCreate implements POST /run/create, per §6.
func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req createRunReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	run, job, err := s.Reg.CreateRun(r.Context(), req.User, req.Name, req.ID, req.Cmd, req.Env)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.ObserveRunCreated(job.User, job.ID)
	writeJSON(w, http.StatusOK, createRunResp{
		ID:    *run.ClientID,
		JobID: job.ID,
		RunID: registry.RunIDString(run.Start),
	})
}

// lookupByClientID resolves the {id} path segment to a live run, writing a
// 404 and returning ok=false if it isn't found.
func (s *Server) lookupByClientID(w http.ResponseWriter, r *http.Request) (*registry.Run, bool) {
	clientID := r.PathValue("id")
	run, err := s.Reg.RunByClientID(r.Context(), clientID)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return run, true
}

// handleHeartbeat implements POST /run/<id>/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	if err := s.Reg.SetHeartbeat(r.Context(), clientID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStdout implements POST /run/<id>/stdout.
func (s *Server) handleStdout(w http.ResponseWriter, r *http.Request) {
	s.appendChunk(w, r, "stdout")
}

// handleStderr implements POST /run/<id>/stderr.
func (s *Server) handleStderr(w http.ResponseWriter, r *http.Request) {
	s.appendChunk(w, r, "stderr")
}

// appendChunk resolves the run, appends the raw request body to its log,
// and publishes RunLogAppend, per §4.9's table.
func (s *Server) appendChunk(w http.ResponseWriter, r *http.Request, stream string) {
	run, ok := s.lookupByClientID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := s.Logs.Append(run.Log, body); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.ObserveLogAppend(stream, len(body))

	if s.Broker != nil {
		job, err := s.Reg.GetJobByPK(r.Context(), run.JobID)
		if err == nil {
			isLatest, _ := s.Reg.IsLatest(r.Context(), run)
			s.Broker.PublishRunLogAppend(run, job, isLatest, body)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleComplete implements POST /run/<id>/complete: the one client POST
// whose failure the supervisor treats as non-transient, per §4.11.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupByClientID(w, r)
	if !ok {
		return
	}
	var status registry.ExitStatus
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&status); err != nil {
		writeError(w, http.StatusBadRequest, "malformed exit status: "+err.Error())
		return
	}

	start := run.Start
	if _, err := s.Reg.Complete(r.Context(), run, status); err != nil {
		writeStoreError(w, err)
		return
	}
	if run.End != nil {
		metrics.ObserveRunCompleted(string(status.Kind), msToDuration(*run.End-start))
	}
	w.WriteHeader(http.StatusOK)
}
