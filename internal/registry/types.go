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

// Package registry implements the job/run metadata store: idempotent user
// and job creation, run lifecycle, heartbeat-based server timeout detection,
// and the completion pipeline that ties progress compaction, pruning, and
// event publication together.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/caldwell/syncron/internal/maybeutf8"
)

// ExitStatusKind distinguishes the five terminal shapes a run can end in.
type ExitStatusKind string

const (
	KindExited        ExitStatusKind = "Exited"
	KindSignal        ExitStatusKind = "Signal"
	KindCoreDump      ExitStatusKind = "CoreDump"
	KindServerTimeout ExitStatusKind = "ServerTimeout"
	KindClientTimeout ExitStatusKind = "ClientTimeout"
)

// ExitStatus is the tagged union persisted as the run's final disposition.
// Exited/Signal/CoreDump carry a code; ServerTimeout/ClientTimeout don't.
// JSON shape mirrors an externally-tagged Rust enum: variants with data
// serialize as a single-key object ({"Exited":0}), unit variants as a bare
// string ("ServerTimeout").
type ExitStatus struct {
	Kind ExitStatusKind
	Code int32
}

func Exited(code int32) ExitStatus   { return ExitStatus{Kind: KindExited, Code: code} }
func Signal(code int32) ExitStatus   { return ExitStatus{Kind: KindSignal, Code: code} }
func CoreDump(code int32) ExitStatus { return ExitStatus{Kind: KindCoreDump, Code: code} }

var (
	ServerTimeout = ExitStatus{Kind: KindServerTimeout}
	ClientTimeout = ExitStatus{Kind: KindClientTimeout}
)

func (e ExitStatus) IsUnit() bool {
	return e.Kind == KindServerTimeout || e.Kind == KindClientTimeout
}

func (e ExitStatus) MarshalJSON() ([]byte, error) {
	if e.IsUnit() {
		return json.Marshal(string(e.Kind))
	}
	return json.Marshal(map[string]int32{string(e.Kind): e.Code})
}

func (e *ExitStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Kind, e.Code = ExitStatusKind(s), 0
		return nil
	}
	var m map[string]int32
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("exit status: %w", err)
	}
	for k, v := range m {
		e.Kind, e.Code = ExitStatusKind(k), v
		return nil
	}
	return fmt.Errorf("exit status: empty object")
}

// RetentionSettings is the per-job or global prune policy. A nil pointer
// field means "unset" — the prune engine treats an unset dimension as
// unbounded for that axis.
type RetentionSettings struct {
	MaxAgeDays *int   `json:"max_age,omitempty"`
	MaxRuns    *int   `json:"max_runs,omitempty"`
	MaxSize    *int64 `json:"max_size,omitempty"`
}

// JobSettings wraps a job's retention policy. Custom == nil means the job
// defers to the global default retention setting.
type JobSettings struct {
	Custom *RetentionSettings `json:"custom,omitempty"`
}

func DefaultJobSettings() JobSettings { return JobSettings{} }

func (s JobSettings) IsDefault() bool { return s.Custom == nil }

// Job is a (user, id)-unique identity that runs are grouped under.
type Job struct {
	JobID        int64
	UserID       int64
	User         string
	ID           string
	Name         string
	LastProgress json.RawMessage
	Settings     JobSettings
}

// Run is one execution of a job's command.
type Run struct {
	RunID     int64
	JobID     int64
	ClientID  *string
	Cmd       string
	Env       []maybeutf8.Pair
	Log       string
	Start     int64
	End       *int64
	Status    *ExitStatus
	Success   *bool
	Heartbeat *int64
}

// identifierRE matches a non-empty run of lowercase alphanumerics joined by
// single hyphens — the canonical shape Slug produces. ValidIdentifier does
// not apply it: a client-supplied job id only has to pass ValidIdentifier.
var identifierRE = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidIdentifier enforces the "non-empty, no /, not starting with ." rule
// the spec applies to every user- and job-id-shaped path segment.
func ValidIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty identifier", ErrBadIdentifier)
	}
	if strings.Contains(s, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrBadIdentifier, s)
	}
	if strings.HasPrefix(s, ".") {
		return fmt.Errorf("%w: %q starts with '.'", ErrBadIdentifier, s)
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a URL- and filesystem-safe job id from a human-readable
// name: every run of non-alphanumeric ASCII becomes a single hyphen, the
// result is lowercased, and leading/trailing hyphens are trimmed. Slug is
// idempotent: Slug(Slug(s)) == Slug(s).
func Slug(name string) string {
	lower := strings.ToLower(name)
	slug := nonAlnum.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}
