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

package broker

import (
	"encoding/json"
	"fmt"

	"github.com/caldwell/syncron/internal/maybeutf8"
)

// DetailKind names one of the event shapes the core publishes.
type DetailKind string

const (
	JobCreate        DetailKind = "JobCreate"
	JobUpdate        DetailKind = "JobUpdate"
	JobDelete        DetailKind = "JobDelete"
	RunCreate        DetailKind = "RunCreate"
	RunUpdate        DetailKind = "RunUpdate"
	RunUpdateLogLen  DetailKind = "RunUpdateLogLen"
	RunUpdateProgress DetailKind = "RunUpdateProgress"
	RunLogAppend     DetailKind = "RunLogAppend"
	RunDelete        DetailKind = "RunDelete"
	PruneProgress    DetailKind = "PruneProgress"
)

// Detail is the tagged-union payload of an Event. Unit kinds carry no
// fields; RunLogAppend carries Chunk, RunDelete carries Reason,
// PruneProgress carries Total/Current.
type Detail struct {
	Kind    DetailKind
	Chunk   maybeutf8.Value
	Reason  string
	Total   int
	Current json.RawMessage
}

func (d Detail) isUnit() bool {
	switch d.Kind {
	case JobCreate, JobUpdate, JobDelete, RunCreate, RunUpdate, RunUpdateLogLen, RunUpdateProgress:
		return true
	}
	return false
}

func (d Detail) MarshalJSON() ([]byte, error) {
	if d.isUnit() {
		return json.Marshal(string(d.Kind))
	}
	switch d.Kind {
	case RunLogAppend:
		return json.Marshal(map[string]any{string(d.Kind): map[string]any{"chunk": d.Chunk}})
	case RunDelete:
		return json.Marshal(map[string]any{string(d.Kind): map[string]any{"reason": d.Reason}})
	case PruneProgress:
		return json.Marshal(map[string]any{string(d.Kind): map[string]any{"total": d.Total, "current": d.Current}})
	}
	return nil, fmt.Errorf("broker: unknown detail kind %q", d.Kind)
}

// Event is a published notification: a topic and its tagged-union payload.
type Event struct {
	Topic  string `json:"topic"`
	Detail Detail `json:"detail"`
}
