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

// Package progress implements the run output-tempo estimator: per-chunk
// recording during a run, compaction into a small bucketed profile at
// completion, and a heuristic percent/ETA estimate for a job's next run
// computed from that profile. The estimator is an intentionally rough
// first cut — small numerical differences from any particular reference
// run are not bugs, so long as the profile is monotone non-decreasing and
// bounded.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/registry"
)

// bucketDtPctThreshold bounds a bucket's share of total duration: buckets
// flush once adding the next entry would push dt_pct over 10%.
const bucketDtPctThreshold = 0.10

// Bucket is one entry of a completed run's compacted progress profile.
type Bucket struct {
	DtPct       float64 `json:"dt_pct"`
	BytesPct    float64 `json:"bytes_pct"`
	TimestampMS int64   `json:"timestamp_ms"` // elapsed ms since run start
	Bytes       int64   `json:"bytes"`        // cumulative bytes since run start
}

// Compact walks a run's chronological {timestamp_ms, bytes} entries and
// produces a ≤~20-bucket profile, per §4.6.
func Compact(entries []logstore.Entry, startMS, endMS int64) []Bucket {
	if len(entries) == 0 {
		return nil
	}
	totalMS := endMS - startMS
	if totalMS <= 0 {
		totalMS = 1
	}
	var totalBytes int64
	for _, e := range entries {
		totalBytes += e.Bytes
	}

	var buckets []Bucket
	var cur Bucket
	hasData := false
	var cumBytes int64
	prevTS := startMS

	for _, e := range entries {
		dt := e.TimestampMS - prevTS
		prevTS = e.TimestampMS
		dtPct := float64(dt) / float64(totalMS)

		if hasData && cur.DtPct+dtPct > bucketDtPctThreshold {
			buckets = append(buckets, cur)
			cur = Bucket{}
			hasData = false
		}

		cumBytes += e.Bytes
		cur.DtPct += dtPct
		cur.TimestampMS = e.TimestampMS - startMS
		cur.Bytes = cumBytes
		if totalBytes > 0 {
			cur.BytesPct = float64(cumBytes) / float64(totalBytes)
		}
		hasData = true
	}
	if hasData {
		buckets = append(buckets, cur)
	}
	return buckets
}

// Estimate computes a percent-complete for an in-flight run given the
// previous run's compacted profile, the current log size, and elapsed time.
// Returns ok=false ("no estimate") when the profile is empty, when its last
// bucket has neither a duration nor any bytes, or when the computed percent
// exceeds 1.0. If only one of the two is zero, the other alone decides.
func Estimate(profile []Bucket, currentBytes, elapsedMS int64) (percent float64, ok bool) {
	if len(profile) == 0 {
		return 0, false
	}
	last := profile[len(profile)-1]

	var timePct *float64
	if last.TimestampMS > 0 {
		v := float64(elapsedMS) / float64(last.TimestampMS)
		timePct = &v
	}

	var bytePct *float64
	if last.Bytes > 0 {
		var prevBytes int64
		var prevPct float64
		for _, b := range profile {
			if currentBytes <= b.Bytes {
				var frac float64
				if b.Bytes > prevBytes {
					frac = float64(currentBytes-prevBytes) / float64(b.Bytes-prevBytes)
				}
				v := prevPct + frac*(b.BytesPct-prevPct)
				bytePct = &v
				break
			}
			prevBytes, prevPct = b.Bytes, b.BytesPct
		}
		if bytePct == nil {
			v := 1.0
			bytePct = &v
		}
	}

	var sum float64
	var n int
	if timePct != nil {
		sum += *timePct
		n++
	}
	if bytePct != nil {
		sum += *bytePct
		n++
	}
	if n == 0 {
		return 0, false
	}
	percent = sum / float64(n)
	if percent > 1.0 {
		return 0, false
	}
	return percent, true
}

// ETASeconds derives the ETA from an in-flight percent estimate and the
// historical profile's total duration.
func ETASeconds(profile []Bucket, percent float64) uint32 {
	if len(profile) == 0 {
		return 0
	}
	lastTotalMS := profile[len(profile)-1].TimestampMS
	remaining := float64(lastTotalMS) * (1 - percent) / 1000
	if remaining < 0 {
		return 0
	}
	return uint32(remaining)
}

// Estimator adapts the pure Compact/Estimate functions into the
// registry.ProgressCompactor interface: it reads a completed run's
// transient progress file, stores the compacted profile on the job row,
// and deletes the transient file (failure to delete is logged as a warning
// and not returned).
type Estimator struct {
	logs *logstore.Store
	reg  *registry.Registry
}

func NewEstimator(logs *logstore.Store, reg *registry.Registry) *Estimator {
	return &Estimator{logs: logs, reg: reg}
}

func (e *Estimator) Compact(ctx context.Context, run *registry.Run) (json.RawMessage, error) {
	entries, err := e.logs.ReadProgressEntries(run.Log)
	if err != nil {
		return nil, fmt.Errorf("read progress entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	end := run.Start
	if run.End != nil {
		end = *run.End
	}
	buckets := Compact(entries, run.Start, end)
	data, err := json.Marshal(buckets)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	if err := e.reg.SetLastProgress(ctx, run.JobID, data); err != nil {
		return nil, err
	}
	if err := e.logs.DeleteProgressFile(run.Log); err != nil {
		slog.Warn("delete progress file failed", "run_id", run.RunID, "error", err)
	}
	return data, nil
}
