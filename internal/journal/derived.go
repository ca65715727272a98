package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	SessionID string        `json:"session_id"`
	Status    core.RunState `json:"status"`
	Prompt    string        `json:"prompt"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AutopilotRunRecord is one row of the autopilot_runs table.
type AutopilotRunRecord struct {
	RunID               string    `json:"run_id"`
	SessionID           string    `json:"session_id"`
	Prompt              string    `json:"prompt"`
	Status              string    `json:"status"`
	StopReason          string    `json:"stop_reason,omitempty"`
	CompletedIterations uint64    `json:"completed_iterations"`
	FailedIterations    uint64    `json:"failed_iterations"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ProviderMetric is one row of provider_metrics.
type ProviderMetric struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	CacheKey   string    `json:"cache_key"`
	CacheHit   bool      `json:"cache_hit"`
	LatencyMS  uint64    `json:"latency_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VerificationRecord is one row of verification_runs.
type VerificationRecord struct {
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Success    bool      `json:"success"`
	Output     string    `json:"output"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CheckpointRecord is one row of checkpoints.
type CheckpointRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Reason       string    `json:"reason"`
	FilesCount   uint64    `json:"files_count"`
	SnapshotPath string    `json:"snapshot_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// BackgroundJobRecord is one row of background_jobs.
type BackgroundJobRecord struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// projectDerived keeps the derived tables in step with appended events.
func (s *Store) projectDerived(ctx context.Context, tx execer, ev Envelope) error {
	at := formatTime(ev.At)
	switch k := ev.Kind.(type) {
	case SessionStateChanged:
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
			string(k.To), at, ev.SessionID)
		return err
	case PlanCreated:
		return upsertPlan(ctx, tx, ev.SessionID, k.Plan, at)
	case PlanRevised:
		return upsertPlan(ctx, tx, ev.SessionID, k.Plan, at)
	case RunStarted:
		_, err := tx.ExecContext(ctx, `
INSERT INTO runs (run_id, session_id, status, prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET updated_at = excluded.updated_at`,
			k.RunID, ev.SessionID, string(core.RunContext), k.Prompt, at, at)
		return err
	case RunStateChanged:
		_, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
			string(k.To), at, k.RunID)
		return err
	case RunCompleted:
		_, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
			string(core.RunFinal), at, k.RunID)
		return err
	case RouterDecisionMade:
		codes, _ := json.Marshal(k.Decision.ReasonCodes)
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO router_stats (decision_id, session_id, selected_model, score, confidence, escalated, reason_codes, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			k.Decision.DecisionID, ev.SessionID, k.Decision.SelectedModel, k.Decision.Score,
			k.Decision.Confidence, boolInt(k.Decision.Escalated), string(codes), at)
		return err
	case UsageUpdated:
		_, err := tx.ExecContext(ctx, `
INSERT INTO usage_ledger (session_id, unit, model, input_tokens, output_tokens, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.SessionID, string(k.Unit), k.Model, k.InputTokens, k.OutputTokens, at)
		return err
	case VerificationRun:
		_, err := tx.ExecContext(ctx, `
INSERT INTO verification_runs (session_id, command, success, output, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			ev.SessionID, k.Command, boolInt(k.Success), k.Output, at)
		return err
	case CheckpointCreated:
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO checkpoints (checkpoint_id, session_id, reason, files_count, snapshot_path, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			k.CheckpointID, ev.SessionID, k.Reason, k.FilesCount, k.SnapshotPath, at)
		return err
	case SubagentSpawned:
		_, err := tx.ExecContext(ctx, `
INSERT INTO subagent_runs (run_id, session_id, name, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, 'running', ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status = 'running', updated_at = excluded.updated_at`,
			k.RunID, ev.SessionID, k.Name, k.Goal, at, at)
		return err
	case SubagentCompleted:
		_, err := tx.ExecContext(ctx, `UPDATE subagent_runs SET status = 'completed', output = ?, updated_at = ? WHERE run_id = ?`,
			k.Output, at, k.RunID)
		return err
	case SubagentFailed:
		_, err := tx.ExecContext(ctx, `UPDATE subagent_runs SET status = 'failed', error = ?, updated_at = ? WHERE run_id = ?`,
			k.Error, at, k.RunID)
		return err
	case AutopilotRunStarted:
		_, err := tx.ExecContext(ctx, `
INSERT INTO autopilot_runs (run_id, session_id, prompt, status, created_at, updated_at) VALUES (?, ?, ?, 'running', ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status = 'running', updated_at = excluded.updated_at`,
			k.RunID, ev.SessionID, k.Prompt, at, at)
		return err
	case AutopilotRunHeartbeat:
		lastErr := ""
		if k.LastError != nil {
			lastErr = *k.LastError
		}
		_, err := tx.ExecContext(ctx, `
UPDATE autopilot_runs SET completed_iterations = ?, failed_iterations = ?, consecutive_failures = ?, last_error = ?, updated_at = ?
WHERE run_id = ?`,
			k.CompletedIterations, k.FailedIterations, k.ConsecutiveFailures, nullString(lastErr), at, k.RunID)
		return err
	case AutopilotRunStopped:
		_, err := tx.ExecContext(ctx, `
UPDATE autopilot_runs SET status = 'stopped', stop_reason = ?, completed_iterations = ?, failed_iterations = ?, updated_at = ?
WHERE run_id = ?`,
			k.StopReason, k.CompletedIterations, k.FailedIterations, at, k.RunID)
		return err
	case BackgroundJobStarted:
		return upsertJob(ctx, tx, BackgroundJobRecord{JobID: k.JobID, Kind: k.JobKind, Reference: k.Reference, Status: "running"}, at)
	case BackgroundJobResumed:
		_, err := tx.ExecContext(ctx, `UPDATE background_jobs SET status = 'running', reference = ?, updated_at = ? WHERE job_id = ?`,
			k.Reference, at, k.JobID)
		return err
	case BackgroundJobStopped:
		_, err := tx.ExecContext(ctx, `UPDATE background_jobs SET status = 'stopped', reason = ?, updated_at = ? WHERE job_id = ?`,
			k.Reason, at, k.JobID)
		return err
	case ProfileCaptured:
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO profile_runs (profile_id, session_id, summary, elapsed_ms, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			k.ProfileID, ev.SessionID, k.Summary, k.ElapsedMS, at)
		return err
	}
	return nil
}

func upsertPlan(ctx context.Context, q execer, sessionID string, plan core.Plan, at string) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT OR REPLACE INTO plans (plan_id, version, session_id, plan_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
		plan.PlanID, plan.Version, sessionID, string(data), at)
	return err
}

func upsertJob(ctx context.Context, q execer, job BackgroundJobRecord, at string) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO background_jobs (job_id, kind, reference, status, reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET status = excluded.status, reference = excluded.reference,
	reason = excluded.reason, updated_at = excluded.updated_at`,
		job.JobID, job.Kind, job.Reference, job.Status, nullString(job.Reason), at, at)
	return err
}

// UpsertPlan persists plan outside the event path.
func (s *Store) UpsertPlan(ctx context.Context, sessionID string, plan core.Plan) error {
	if err := upsertPlan(ctx, s.db, sessionID, plan, formatTime(s.now())); err != nil {
		return buderr.StorageIO("upsert_plan", err)
	}
	return nil
}

// LoadPlan returns the highest version stored for planID.
func (s *Store) LoadPlan(ctx context.Context, planID string) (*core.Plan, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_json FROM plans WHERE plan_id = ? ORDER BY version DESC LIMIT 1`, planID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, buderr.StorageIO("load_plan", err)
	}
	var plan core.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpsertRun writes a run record.
func (s *Store) UpsertRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, session_id, status, prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		r.RunID, r.SessionID, string(r.Status), r.Prompt, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return buderr.StorageIO("upsert_run", err)
	}
	return nil
}

// LoadRun reads a run record, or nil when absent.
func (s *Store) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	var r RunRecord
	var status, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, status, prompt, created_at, updated_at FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.SessionID, &status, &r.Prompt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, buderr.StorageIO("load_run", err)
	}
	r.Status = core.RunState(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// UpsertAutopilotRun writes the full autopilot record.
func (s *Store) UpsertAutopilotRun(ctx context.Context, r AutopilotRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO autopilot_runs (run_id, session_id, prompt, status, stop_reason, completed_iterations, failed_iterations,
	consecutive_failures, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, stop_reason = excluded.stop_reason,
	completed_iterations = excluded.completed_iterations, failed_iterations = excluded.failed_iterations,
	consecutive_failures = excluded.consecutive_failures, last_error = excluded.last_error,
	updated_at = excluded.updated_at`,
		r.RunID, r.SessionID, r.Prompt, r.Status, nullString(r.StopReason), r.CompletedIterations,
		r.FailedIterations, r.ConsecutiveFailures, nullString(r.LastError),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return buderr.StorageIO("upsert_autopilot_run", err)
	}
	return nil
}

// LatestAutopilotRun returns the most recently updated autopilot run, or nil.
func (s *Store) LatestAutopilotRun(ctx context.Context) (*AutopilotRunRecord, error) {
	var r AutopilotRunRecord
	var stopReason, lastErr sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, session_id, prompt, status, stop_reason, completed_iterations, failed_iterations,
	consecutive_failures, last_error, created_at, updated_at
FROM autopilot_runs ORDER BY updated_at DESC LIMIT 1`).
		Scan(&r.RunID, &r.SessionID, &r.Prompt, &r.Status, &stopReason, &r.CompletedIterations,
			&r.FailedIterations, &r.ConsecutiveFailures, &lastErr, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, buderr.StorageIO("latest_autopilot_run", err)
	}
	r.StopReason = stopReason.String
	r.LastError = lastErr.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// InsertProviderMetric records one LLM call outcome.
func (s *Store) InsertProviderMetric(ctx context.Context, m ProviderMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provider_metrics (provider, model, cache_key, cache_hit, latency_ms, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Provider, m.Model, m.CacheKey, boolInt(m.CacheHit), m.LatencyMS, formatTime(m.RecordedAt))
	if err != nil {
		return buderr.StorageIO("insert_provider_metric", err)
	}
	return nil
}

// ListProviderMetrics returns metrics for cacheKey in insertion order; an
// empty key returns all rows.
func (s *Store) ListProviderMetrics(ctx context.Context, cacheKey string) ([]ProviderMetric, error) {
	query := `SELECT provider, model, cache_key, cache_hit, latency_ms, recorded_at FROM provider_metrics`
	var args []any
	if cacheKey != "" {
		query += ` WHERE cache_key = ?`
		args = append(args, cacheKey)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, buderr.StorageIO("list_provider_metrics", err)
	}
	defer rows.Close()

	var out []ProviderMetric
	for rows.Next() {
		var m ProviderMetric
		var hit int
		var recorded string
		if err := rows.Scan(&m.Provider, &m.Model, &m.CacheKey, &hit, &m.LatencyMS, &recorded); err != nil {
			return nil, buderr.StorageIO("scan_provider_metric", err)
		}
		m.CacheHit = hit != 0
		m.RecordedAt = parseTime(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentVerificationRuns returns up to limit runs for sessionID, newest first.
// With failedOnly only unsuccessful runs are returned.
func (s *Store) RecentVerificationRuns(ctx context.Context, sessionID string, limit int, failedOnly bool) ([]VerificationRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var sb strings.Builder
	sb.WriteString(`SELECT session_id, command, success, output, recorded_at FROM verification_runs WHERE session_id = ?`)
	if failedOnly {
		sb.WriteString(` AND success = 0`)
	}
	sb.WriteString(` ORDER BY id DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, sb.String(), sessionID, limit)
	if err != nil {
		return nil, buderr.StorageIO("recent_verification_runs", err)
	}
	defer rows.Close()

	var out []VerificationRecord
	for rows.Next() {
		var v VerificationRecord
		var success int
		var recorded string
		if err := rows.Scan(&v.SessionID, &v.Command, &success, &v.Output, &recorded); err != nil {
			return nil, buderr.StorageIO("scan_verification_run", err)
		}
		v.Success = success != 0
		v.RecordedAt = parseTime(recorded)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertBackgroundJob writes a background job row.
func (s *Store) UpsertBackgroundJob(ctx context.Context, job BackgroundJobRecord) error {
	if err := upsertJob(ctx, s.db, job, formatTime(s.now())); err != nil {
		return buderr.StorageIO("upsert_background_job", err)
	}
	return nil
}

// UsageTotals sums the usage ledger for sessionID.
func (s *Store) UsageTotals(ctx context.Context, sessionID string) (input, output uint64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM usage_ledger WHERE session_id = ?`,
		sessionID).Scan(&input, &output)
	if err != nil {
		return 0, 0, buderr.StorageIO("usage_totals", err)
	}
	return input, output, nil
}

// CountRows returns the row count of a derived table. Used by status output.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "plans", "runs", "subagent_runs", "autopilot_runs", "usage_ledger", "provider_metrics",
		"background_jobs", "profile_runs", "verification_runs", "checkpoints", "router_stats":
	default:
		return 0, buderr.StorageIO("count_rows", errors.New("unknown table "+table))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, buderr.StorageIO("count_rows", err)
	}
	return n, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]CheckpointRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT checkpoint_id, session_id, reason, files_count, snapshot_path, created_at
FROM checkpoints ORDER BY created_at DESC, checkpoint_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, buderr.StorageIO("list_checkpoints", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var c CheckpointRecord
		var created string
		if err := rows.Scan(&c.CheckpointID, &c.SessionID, &c.Reason, &c.FilesCount, &c.SnapshotPath, &created); err != nil {
			return nil, buderr.StorageIO("list_checkpoints", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, buderr.StorageIO("list_checkpoints", err)
	}
	return out, nil
}
