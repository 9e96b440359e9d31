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

package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/caldwell/syncron/internal/maybeutf8"
	"github.com/caldwell/syncron/internal/store"
)

var (
	ErrBadIdentifier    = errors.New("bad identifier")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyCompleted = errors.New("run already completed")
)

// ServerTimeoutAfter is the liveness gap after which an uncompleted run with
// a stale heartbeat is inferred dead. Fixed per the source; not configurable.
const ServerTimeoutAfter = 30 * time.Second

// two2to128 bounds the client-id draw: a uniform random value in [0, 2^128).
var two2to128 = new(big.Int).Lsh(big.NewInt(1), 128)

// LogLenFunc reports the current size of a run's log file, needed to apply
// the success invariant (Exited(0) OR Exited(_) with an empty log) without
// registry importing the logstore package directly.
type LogLenFunc func(run *Run) (int64, error)

// ProgressCompactor compacts a completed run's per-chunk profile into the
// job's last_progress column and deletes the transient progress file.
type ProgressCompactor interface {
	Compact(ctx context.Context, run *Run) (json.RawMessage, error)
}

// PruneTrigger runs the retention engine for a job after a run completes.
// Errors are logged, never fatal, per §4.5 step 4.
type PruneTrigger interface {
	PruneJob(ctx context.Context, jobID int64) error
}

// Publisher fans an event out to broker subscribers. Declared narrowly here
// so registry doesn't need to depend on the broker's Event type, only on
// these publish methods; internal/broker's Broker satisfies it.
type Publisher interface {
	PublishRunCreate(run *Run, job *Job, isLatest bool)
	PublishRunUpdate(run *Run, job *Job, isLatest bool)
	PublishRunDelete(run *Run, job *Job, isLatest bool, reason string)
	PublishJobCreate(job *Job)
}

// Registry is the job/run metadata store. Collaborators needed for the
// completion pipeline (progress compaction, pruning, event publication) are
// injected after construction to avoid import cycles — prune.Engine depends
// on *Registry, so Registry cannot import package prune.
type Registry struct {
	st        *store.Store
	logLen    LogLenFunc
	progress  ProgressCompactor
	pruner    PruneTrigger
	publisher Publisher
	now       func() time.Time
}

func New(st *store.Store, logLen LogLenFunc) *Registry {
	return &Registry{st: st, logLen: logLen, now: time.Now}
}

func (r *Registry) SetProgressCompactor(p ProgressCompactor) { r.progress = p }
func (r *Registry) SetPruneTrigger(p PruneTrigger)           { r.pruner = p }
func (r *Registry) SetPublisher(p Publisher)                 { r.publisher = p }

func (r *Registry) nowMS() int64 { return r.now().UnixMilli() }

// EnsureJob idempotently creates the user and job rows, deriving the job id
// from name via Slug when id is omitted.
func (r *Registry) EnsureJob(ctx context.Context, user, name, id string) (*Job, error) {
	if err := ValidIdentifier(user); err != nil {
		return nil, err
	}
	if id == "" {
		id = Slug(name)
	}
	if err := ValidIdentifier(id); err != nil {
		return nil, err
	}

	var job *Job
	var created bool
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO user (name) VALUES (?) ON CONFLICT DO NOTHING`, user); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		var userID int64
		if err := tx.QueryRowContext(ctx, `SELECT user_id FROM user WHERE name = ?`, user).Scan(&userID); err != nil {
			return fmt.Errorf("select user: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO job (user_id, id, name, settings) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			userID, id, name, []byte(`{}`))
		if err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			created = true
		}

		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT job_id, user_id, id, name, last_progress, settings FROM job WHERE user_id = ? AND id = ?`, userID, id))
		if err != nil {
			return err
		}
		j.User = user
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created && r.publisher != nil {
		r.publisher.PublishJobCreate(job)
	}
	return job, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var lastProgress []byte
	var settings []byte
	if err := row.Scan(&j.JobID, &j.UserID, &j.ID, &j.Name, &lastProgress, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(lastProgress) > 0 {
		j.LastProgress = json.RawMessage(lastProgress)
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &j.Settings)
	}
	return &j, nil
}

// GetJob looks up a job by (user, id).
func (r *Registry) GetJob(ctx context.Context, user, id string) (*Job, error) {
	row := r.st.DB().QueryRowContext(ctx, `
		SELECT job.job_id, job.user_id, job.id, job.name, job.last_progress, job.settings
		FROM job JOIN user ON user.user_id = job.user_id
		WHERE user.name = ? AND job.id = ?`, user, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	j.User = user
	return j, nil
}

// GetJobByPK looks up a job by its surrogate key, filling in the user name.
func (r *Registry) GetJobByPK(ctx context.Context, jobID int64) (*Job, error) {
	row := r.st.DB().QueryRowContext(ctx, `
		SELECT job.job_id, job.user_id, job.id, job.name, job.last_progress, job.settings, user.name
		FROM job JOIN user ON user.user_id = job.user_id
		WHERE job.job_id = ?`, jobID)
	var j Job
	var lastProgress, settings []byte
	if err := row.Scan(&j.JobID, &j.UserID, &j.ID, &j.Name, &lastProgress, &settings, &j.User); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(lastProgress) > 0 {
		j.LastProgress = json.RawMessage(lastProgress)
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &j.Settings)
	}
	return &j, nil
}

// ListJobs returns every job, across all users.
func (r *Registry) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.st.DB().QueryContext(ctx, `
		SELECT job.job_id, job.user_id, job.id, job.name, job.last_progress, job.settings, user.name
		FROM job JOIN user ON user.user_id = job.user_id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var lastProgress, settings []byte
		if err := rows.Scan(&j.JobID, &j.UserID, &j.ID, &j.Name, &lastProgress, &settings, &j.User); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if len(lastProgress) > 0 {
			j.LastProgress = json.RawMessage(lastProgress)
		}
		if len(settings) > 0 {
			_ = json.Unmarshal(settings, &j.Settings)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

const globalRetentionKey = "retention"

// GlobalRetention returns the default retention policy applied to jobs
// whose own settings defer to it (JobSettings.Custom == nil). Absent any
// stored setting, every dimension is unbounded.
func (r *Registry) GlobalRetention(ctx context.Context) (RetentionSettings, error) {
	var value []byte
	row := r.st.DB().QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, globalRetentionKey)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RetentionSettings{}, nil
		}
		return RetentionSettings{}, fmt.Errorf("global retention: %w", err)
	}
	var rs RetentionSettings
	if err := json.Unmarshal(value, &rs); err != nil {
		return RetentionSettings{}, fmt.Errorf("global retention: %w", err)
	}
	return rs, nil
}

// SetGlobalRetention stores the default retention policy.
func (r *Registry) SetGlobalRetention(ctx context.Context, rs RetentionSettings) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal retention: %w", err)
	}
	_, err = r.st.DB().ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, globalRetentionKey, b)
	if err != nil {
		return fmt.Errorf("set global retention: %w", err)
	}
	return nil
}

// EffectiveRetention resolves a job's retention policy: its own custom
// setting if present, else the global default.
func (r *Registry) EffectiveRetention(ctx context.Context, job *Job) (RetentionSettings, error) {
	if job.Settings.Custom != nil {
		return *job.Settings.Custom, nil
	}
	return r.GlobalRetention(ctx)
}

// UpdateSettings replaces a job's retention policy.
func (r *Registry) UpdateSettings(ctx context.Context, jobID int64, s JobSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = r.st.DB().ExecContext(ctx, `UPDATE job SET settings = ? WHERE job_id = ?`, b, jobID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// CreateRun ensures the job exists, draws a cryptographically random 128-bit
// client-id, and inserts the run row inside one transaction.
func (r *Registry) CreateRun(ctx context.Context, user, name, id, cmd string, env []maybeutf8.Pair) (*Run, *Job, error) {
	job, err := r.EnsureJob(ctx, user, name, id)
	if err != nil {
		return nil, nil, err
	}

	clientID, err := randomClientID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate client id: %w", err)
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal env: %w", err)
	}

	start := r.nowMS()
	logPath := logPathFor(job.User, job.ID, start)

	run := &Run{JobID: job.JobID, ClientID: &clientID, Cmd: cmd, Env: env, Log: logPath, Start: start}

	err = r.st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO run (job_id, client_id, cmd, env, log, start) VALUES (?, ?, ?, ?, ?, ?)`,
			job.JobID, clientID, cmd, envJSON, logPath, start)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		runID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		run.RunID = runID
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if r.publisher != nil {
		r.publisher.PublishRunCreate(run, job, true)
	}
	return run, job, nil
}

func randomClientID() (string, error) {
	n, err := rand.Int(rand.Reader, two2to128)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// RunByClientID looks up a live run by its client-id. Fails NotFound once
// the run has completed (client_id is cleared at that point).
func (r *Registry) RunByClientID(ctx context.Context, clientID string) (*Run, error) {
	row := r.st.DB().QueryRowContext(ctx, runSelectColumns+` FROM run WHERE client_id = ?`, clientID)
	return scanRun(row)
}

// RunByRunID parses the RFC-3339 textual run id back to its start timestamp
// and looks the run up by (job_id, start).
func (r *Registry) RunByRunID(ctx context.Context, jobID int64, runID string) (*Run, error) {
	start, err := ParseRunID(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentifier, err)
	}
	row := r.st.DB().QueryRowContext(ctx, runSelectColumns+` FROM run WHERE job_id = ? AND start = ?`, jobID, start)
	return scanRun(row)
}

// ListRuns returns a job's runs newest-first, optionally windowed.
func (r *Registry) ListRuns(ctx context.Context, jobID int64, num *int, before, after *int64) ([]*Run, error) {
	q := runSelectColumns + ` FROM run WHERE job_id = ?`
	args := []any{jobID}
	if before != nil {
		q += ` AND start < ?`
		args = append(args, *before)
	}
	if after != nil {
		q += ` AND start > ?`
		args = append(args, *after)
	}
	q += ` ORDER BY start DESC`
	if num != nil {
		q += ` LIMIT ?`
		args = append(args, *num)
	}
	rows, err := r.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsFromIDs fetches runs by surrogate id, across jobs.
func (r *Registry) RunsFromIDs(ctx context.Context, ids []int64) ([]*Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := runSelectColumns + ` FROM run WHERE run_id IN (` + placeholders(len(ids)) + `) ORDER BY start DESC`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("runs from ids: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MostRecent returns the newest run for every job whose latest run started
// after afterMS, used by the "recent activity" view.
func (r *Registry) MostRecent(ctx context.Context, afterMS int64) ([]*Run, error) {
	rows, err := r.st.DB().QueryContext(ctx, runSelectColumns+`
		FROM run WHERE start = (SELECT MAX(start) FROM run r2 WHERE r2.job_id = run.job_id) AND start > ?
		ORDER BY start DESC`, afterMS)
	if err != nil {
		return nil, fmt.Errorf("most recent: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LatestRun returns the newest run for a job, or nil if it has none.
func (r *Registry) LatestRun(ctx context.Context, jobID int64) (*Run, error) {
	row := r.st.DB().QueryRowContext(ctx, runSelectColumns+` FROM run WHERE job_id = ? ORDER BY start DESC LIMIT 1`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// IsLatest reports whether run is currently the newest run of its job —
// a fresh query every time, per the broker's "no caching" design note.
func (r *Registry) IsLatest(ctx context.Context, run *Run) (bool, error) {
	latest, err := r.LatestRun(ctx, run.JobID)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.RunID == run.RunID, nil
}

// Successes returns (start_ms, success) pairs for a job's runs in range.
func (r *Registry) Successes(ctx context.Context, jobID int64, before, after *int64) ([]struct {
	StartMS int64
	Success *bool
}, error) {
	q := `SELECT start, success FROM run WHERE job_id = ?`
	args := []any{jobID}
	if before != nil {
		q += ` AND start < ?`
		args = append(args, *before)
	}
	if after != nil {
		q += ` AND start > ?`
		args = append(args, *after)
	}
	q += ` ORDER BY start DESC`
	rows, err := r.st.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("successes: %w", err)
	}
	defer rows.Close()

	var out []struct {
		StartMS int64
		Success *bool
	}
	for rows.Next() {
		var row struct {
			StartMS int64
			Success *bool
		}
		if err := rows.Scan(&row.StartMS, &row.Success); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetHeartbeat writes now_ms into the run row.
func (r *Registry) SetHeartbeat(ctx context.Context, clientID string) error {
	res, err := r.st.DB().ExecContext(ctx, `UPDATE run SET heartbeat = ? WHERE client_id = ?`, r.nowMS(), clientID)
	if err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat returns a run's last heartbeat timestamp, if any.
func (r *Registry) Heartbeat(ctx context.Context, run *Run) *int64 { return run.Heartbeat }

// Info returns the run's current metadata, synthesizing a ServerTimeout
// completion if its heartbeat is stale, per §4.4. If a run has never
// received a heartbeat at all, one is written at now so older runs become
// eligible for timeout detection on a future poll.
func (r *Registry) Info(ctx context.Context, run *Run) (*Run, error) {
	if run.Status != nil {
		return run, nil
	}

	if run.Heartbeat == nil {
		now := r.nowMS()
		if _, err := r.st.DB().ExecContext(ctx, `UPDATE run SET heartbeat = ? WHERE run_id = ?`, now, run.RunID); err != nil {
			return nil, fmt.Errorf("seed heartbeat: %w", err)
		}
		run.Heartbeat = &now
		return run, nil
	}

	age := time.Duration(r.nowMS()-*run.Heartbeat) * time.Millisecond
	if age <= ServerTimeoutAfter {
		return run, nil
	}

	return r.Complete(ctx, run, ServerTimeout)
}

// Complete finalizes a run: sets end/status/success, clears client_id,
// compacts progress, triggers pruning, and publishes the update — §4.5.
func (r *Registry) Complete(ctx context.Context, run *Run, status ExitStatus) (*Run, error) {
	if run.Status != nil {
		return nil, ErrAlreadyCompleted
	}

	end := r.nowMS()
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}

	logLen := int64(0)
	if r.logLen != nil {
		logLen, err = r.logLen(run)
		if err != nil {
			return nil, fmt.Errorf("log len: %w", err)
		}
	}
	success := status.Kind == KindExited && (status.Code == 0 || logLen == 0)

	_, err = r.st.DB().ExecContext(ctx, `UPDATE run SET end = ?, status = ?, success = ?, client_id = NULL WHERE run_id = ?`,
		end, statusJSON, boolToInt(success), run.RunID)
	if err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}

	run.End = &end
	run.Status = &status
	run.Success = &success
	run.ClientID = nil

	if r.progress != nil {
		if _, err := r.progress.Compact(ctx, run); err != nil {
			slog.Warn("progress compaction failed", "run_id", run.RunID, "error", err)
		}
	}

	job, jobErr := r.GetJobByPK(ctx, run.JobID)
	if jobErr == nil && r.pruner != nil {
		if err := r.pruner.PruneJob(ctx, run.JobID); err != nil {
			slog.Warn("prune after completion failed", "job_id", run.JobID, "error", err)
		}
	}

	if r.publisher != nil && jobErr == nil {
		isLatest, err := r.IsLatest(ctx, run)
		if err != nil {
			slog.Warn("is-latest check failed", "run_id", run.RunID, "error", err)
		}
		r.publisher.PublishRunUpdate(run, job, isLatest)
	}

	return run, nil
}

// DeleteRun removes a run row. Callers (the prune engine) are responsible
// for deleting the corresponding log file first.
func (r *Registry) DeleteRun(ctx context.Context, runID int64) error {
	_, err := r.st.DB().ExecContext(ctx, `DELETE FROM run WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// SetLastProgress stores a job's compacted progress profile.
func (r *Registry) SetLastProgress(ctx context.Context, jobID int64, profile json.RawMessage) error {
	_, err := r.st.DB().ExecContext(ctx, `UPDATE job SET last_progress = ? WHERE job_id = ?`, []byte(profile), jobID)
	if err != nil {
		return fmt.Errorf("set last progress: %w", err)
	}
	return nil
}

const runSelectColumns = `SELECT run_id, job_id, client_id, cmd, env, log, start, end, status, success, heartbeat`

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var clientID, status sql.NullString
	var end, heartbeat sql.NullInt64
	var success sql.NullBool
	var envJSON []byte
	if err := row.Scan(&run.RunID, &run.JobID, &clientID, &run.Cmd, &envJSON, &run.Log, &run.Start, &end, &status, &success, &heartbeat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	fillRun(&run, clientID, end, status, success, heartbeat, envJSON)
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		var run Run
		var clientID, status sql.NullString
		var end, heartbeat sql.NullInt64
		var success sql.NullBool
		var envJSON []byte
		if err := rows.Scan(&run.RunID, &run.JobID, &clientID, &run.Cmd, &envJSON, &run.Log, &run.Start, &end, &status, &success, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		fillRun(&run, clientID, end, status, success, heartbeat, envJSON)
		out = append(out, &run)
	}
	return out, rows.Err()
}

func fillRun(run *Run, clientID sql.NullString, end sql.NullInt64, status sql.NullString, success sql.NullBool, heartbeat sql.NullInt64, envJSON []byte) {
	if clientID.Valid {
		v := clientID.String
		run.ClientID = &v
	}
	if end.Valid {
		v := end.Int64
		run.End = &v
	}
	if status.Valid {
		var es ExitStatus
		if err := json.Unmarshal([]byte(status.String), &es); err == nil {
			run.Status = &es
		}
	}
	if success.Valid {
		v := success.Bool
		run.Success = &v
	}
	if heartbeat.Valid {
		v := heartbeat.Int64
		run.Heartbeat = &v
	}
	if len(envJSON) > 0 {
		_ = json.Unmarshal(envJSON, &run.Env)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}

// RunIDString renders a run's start timestamp as the RFC-3339 millisecond
// textual identifier exposed over the API.
func RunIDString(startMS int64) string {
	return time.UnixMilli(startMS).UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseRunID parses the textual run id back to a start timestamp in ms.
func ParseRunID(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// logPathFor computes the date-sharded log file path for a new run.
func logPathFor(user, jobID string, startMS int64) string {
	t := time.UnixMilli(startMS).UTC()
	return fmt.Sprintf("%s/%s/%04d/%d/%d/%s/log", user, jobID, t.Year(), int(t.Month()), t.Day(), RunIDString(startMS))
}
