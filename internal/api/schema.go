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
	"github.com/caldwell/syncron/internal/maybeutf8"
	"github.com/caldwell/syncron/internal/registry"
)

// inlineLogThreshold bounds how large a run's log can be before RunInfoFull
// stops inlining it and switches to log_url + log_len, per §4.10.
const inlineLogThreshold = 300_000

// createRunReq mirrors §6's CreateRunReq schema.
type createRunReq struct {
	User string           `json:"user"`
	Name string           `json:"name"`
	ID   string           `json:"id,omitempty"`
	Cmd  string           `json:"cmd"`
	Env  []maybeutf8.Pair `json:"env"`
}

// createRunResp mirrors §6's CreateRunResp; ID is the decimal client-id.
type createRunResp struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

// progressInfo is RunInfo's optional progress estimate.
type progressInfo struct {
	Percent    float32 `json:"percent"`
	ETASeconds uint32  `json:"eta_seconds"`
}

// jobInfo mirrors §6's JobInfo schema.
type jobInfo struct {
	ID           string   `json:"id"`
	User         string   `json:"user"`
	Name         string   `json:"name"`
	LatestRun    *runInfo `json:"latest_run,omitempty"`
	URL          string   `json:"url"`
	RunsURL      string   `json:"runs_url"`
	SuccessURL   string   `json:"success_url"`
	SettingsURL  string   `json:"settings_url"`
	PruneURL     string   `json:"prune_url"`
}

// runInfo mirrors §6's RunInfo schema.
type runInfo struct {
	UniqueID   int64              `json:"unique_id"`
	URL        string             `json:"url,omitempty"`
	Date       int64              `json:"date"`
	DurationMS int64              `json:"duration_ms"`
	ID         string             `json:"id"`
	Status     *registry.ExitStatus `json:"status,omitempty"`
	Progress   *progressInfo      `json:"progress,omitempty"`
	LogLen     *int64             `json:"log_len,omitempty"`
	LogURL     string             `json:"log_url,omitempty"`
}

// runInfoFull mirrors §6's RunInfoFull schema: RunInfo plus cmd/env/log/seek.
type runInfoFull struct {
	runInfo
	Cmd  string           `json:"cmd"`
	Env  []maybeutf8.Pair `json:"env"`
	Log  string           `json:"log,omitempty"`
	Seek *int64           `json:"seek,omitempty"`
}

// settingsResp is the body of GET /settings.
type settingsResp struct {
	Retention registry.RetentionSettings `json:"retention"`
}

// pruneResp is the body of both the dry-run and live prune endpoints.
type pruneResp struct {
	Pruned []*runInfo   `json:"pruned"`
	Stats  pruneStats `json:"stats"`
}

type pruneStats struct {
	Pruned pruneCounts `json:"pruned"`
	Kept   pruneCounts `json:"kept"`
}

type pruneCounts struct {
	Runs int64 `json:"runs"`
	Size int64 `json:"size"`
}

// successEntry is one element of GET /job/.../success's response list.
type successEntry struct {
	StartMS int64 `json:"start_ms"`
	Success *bool `json:"success"`
}
