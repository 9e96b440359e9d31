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
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/caldwell/syncron/internal/registry"
)

// handleJobs implements GET /jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Reg.ListJobs(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]*jobInfo, 0, len(jobs))
	for _, j := range jobs {
		info, err := s.buildJobInfo(r.Context(), j)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRuns implements GET /runs?after=<ms> and GET /runs?id=<n>,..., which
// are mutually exclusive per §4.10.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	afterStr := r.URL.Query().Get("after")
	idsStr := r.URL.Query().Get("id")
	if (afterStr == "") == (idsStr == "") {
		writeError(w, http.StatusBadRequest, "exactly one of after or id is required")
		return
	}

	var runs []*registry.Run
	var err error
	if afterStr != "" {
		after, perr := strconv.ParseInt(afterStr, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid after: "+perr.Error())
			return
		}
		runs, err = s.Reg.MostRecent(r.Context(), after)
	} else {
		var ids []int64
		for _, part := range strings.Split(idsStr, ",") {
			id, perr := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid id: "+perr.Error())
				return
			}
			ids = append(ids, id)
		}
		runs, err = s.Reg.RunsFromIDs(r.Context(), ids)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]*jobInfo, 0, len(runs))
	seen := make(map[int64]bool)
	for _, run := range runs {
		if seen[run.JobID] {
			continue
		}
		seen[run.JobID] = true
		job, err := s.Reg.GetJobByPK(r.Context(), run.JobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		info, err := s.buildJobInfo(r.Context(), job)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupJob validates {user}/{job} and resolves the job row, or writes the
// appropriate error response and returns ok=false.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*registry.Job, bool) {
	user, jobID := r.PathValue("user"), r.PathValue("job")
	if err := registry.ValidIdentifier(user); err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if err := registry.ValidIdentifier(jobID); err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	job, err := s.Reg.GetJob(r.Context(), user, jobID)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return job, true
}

// handleJob implements GET /job/<user>/<job_id>.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	info, err := s.buildJobInfo(r.Context(), job)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleJobRuns implements GET /job/<u>/<j>/run?num=&before=&after=&id=.
func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if idsStr := q.Get("id"); idsStr != "" {
		var ids []int64
		for _, part := range strings.Split(idsStr, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid id: "+err.Error())
				return
			}
			ids = append(ids, id)
		}
		runs, err := s.Reg.RunsFromIDs(r.Context(), ids)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.writeRunInfoList(w, job, runs)
		return
	}

	num, err := parseOptionalInt(q.Get("num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid num: "+err.Error())
		return
	}
	before, err := parseOptionalInt64(q.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before: "+err.Error())
		return
	}
	after, err := parseOptionalInt64(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after: "+err.Error())
		return
	}

	runs, err := s.Reg.ListRuns(r.Context(), job.JobID, num, before, after)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.writeRunInfoList(w, job, runs)
}

func (s *Server) writeRunInfoList(w http.ResponseWriter, job *registry.Job, runs []*registry.Run) {
	out := make([]*runInfo, 0, len(runs))
	for _, run := range runs {
		ri, err := s.buildRunInfo(job, run, true)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = append(out, ri)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleJobRun implements GET /job/<u>/<j>/run/<rid>?seek=, returning a
// RunInfoFull with an inline log only when it fits under the threshold.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	run, err := s.Reg.RunByRunID(r.Context(), job.JobID, r.PathValue("rid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	run, err = s.Reg.Info(r.Context(), run)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	base, err := s.buildRunInfo(job, run, false)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	full := &runInfoFull{runInfo: *base, Cmd: run.Cmd, Env: run.Env}

	if base.LogLen != nil && *base.LogLen <= inlineLogThreshold {
		seek, err := parseOptionalInt64(r.URL.Query().Get("seek"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid seek: "+err.Error())
			return
		}
		var seekVal int64
		if seek != nil {
			seekVal = *seek
		}
		data, _, err := s.Logs.Read(run.Log, seekVal, nil)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		full.Log = toValidUTF8(data)
		if seek != nil {
			full.Seek = seek
		}
	}
	writeJSON(w, http.StatusOK, full)
}

// handleJobRunLog implements GET /job/<u>/<j>/run/<rid>/log?seek=&limit=,
// returning the raw byte window per §4.3's apply_limit table.
func (s *Server) handleJobRunLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	run, err := s.Reg.RunByRunID(r.Context(), job.JobID, r.PathValue("rid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	seek, err := parseOptionalInt64(q.Get("seek"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid seek: "+err.Error())
		return
	}
	var seekVal int64
	if seek != nil {
		seekVal = *seek
	}
	limit, err := parseOptionalInt64(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}

	data, total, err := s.Logs.Read(run.Log, seekVal, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.Header().Set("x-log-length", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSuccess implements GET /job/<u>/<j>/success?before=&after=.
func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	before, err := parseOptionalInt64(q.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before: "+err.Error())
		return
	}
	after, err := parseOptionalInt64(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after: "+err.Error())
		return
	}

	rows, err := s.Reg.Successes(r.Context(), job.JobID, before, after)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]successEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, successEntry{StartMS: row.StartMS, Success: row.Success})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseOptionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseOptionalInt64(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// toValidUTF8 renders log bytes lossily for the inline log field, per §9's
// resolution of the source's raw-vs-lossy inconsistency.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
