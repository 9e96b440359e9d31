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
	"time"

	"github.com/caldwell/syncron/internal/metrics"
	"github.com/caldwell/syncron/internal/registry"
)

// handleGetJobSettings implements GET /job/<u>/<j>/settings.
func (s *Server) handleGetJobSettings(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.Settings)
}

// handlePutJobSettings implements PUT /job/<u>/<j>/settings.
func (s *Server) handlePutJobSettings(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	var settings registry.JobSettings
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings: "+err.Error())
		return
	}
	if err := s.Reg.UpdateSettings(r.Context(), job.JobID, settings); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.Broker != nil {
		job.Settings = settings
		s.Broker.PublishJobUpdate(job)
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetGlobalSettings implements GET /settings.
func (s *Server) handleGetGlobalSettings(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Reg.GlobalRetention(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResp{Retention: rs})
}

// handlePutGlobalSettings implements PUT /settings.
func (s *Server) handlePutGlobalSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsResp
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings: "+err.Error())
		return
	}
	if err := s.Reg.SetGlobalRetention(r.Context(), req.Retention); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handlePruneDryRun implements GET /job/<u>/<j>/prune?settings=, evaluating
// retention policy without deleting anything.
func (s *Server) handlePruneDryRun(w http.ResponseWriter, r *http.Request) {
	s.prune(w, r, true)
}

// handlePruneLive implements POST /job/<u>/<j>/prune: the same evaluation,
// but runs actually get deleted.
func (s *Server) handlePruneLive(w http.ResponseWriter, r *http.Request) {
	s.prune(w, r, false)
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request, dryRun bool) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	policy, err := s.policyFromQuery(r, job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	pruned, stats, err := s.Prune.Apply(r.Context(), job, policy, dryRun)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	metrics.ObservePrune(mode, time.Since(start))

	out := make([]*runInfo, 0, len(pruned))
	for _, run := range pruned {
		ri, err := s.buildRunInfo(job, run, true)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = append(out, ri)
	}
	writeJSON(w, http.StatusOK, pruneResp{
		Pruned: out,
		Stats: pruneStats{
			Pruned: pruneCounts{Runs: stats.Pruned.Runs, Size: stats.Pruned.Size},
			Kept:   pruneCounts{Runs: stats.Kept.Runs, Size: stats.Kept.Size},
		},
	})
}

// policyFromQuery resolves the retention policy to evaluate against: the
// job's effective policy, or an override passed via ?settings=<json>.
func (s *Server) policyFromQuery(r *http.Request, job *registry.Job) (registry.RetentionSettings, error) {
	if raw := r.URL.Query().Get("settings"); raw != "" {
		var rs registry.RetentionSettings
		if err := json.Unmarshal([]byte(raw), &rs); err != nil {
			return registry.RetentionSettings{}, err
		}
		return rs, nil
	}
	return s.Reg.EffectiveRetention(r.Context(), job)
}
