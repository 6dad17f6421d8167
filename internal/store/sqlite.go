package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/agency-core/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; pragmas below are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS provider_overrides (
	provider_id     TEXT PRIMARY KEY,
	manual_disabled INTEGER NOT NULL DEFAULT 0,
	health_score    REAL NOT NULL DEFAULT 100,
	throttled_until DATETIME,
	throttle_reason TEXT NOT NULL DEFAULT '',
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS call_attempts (
	id          TEXT PRIMARY KEY,
	request_id  TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	provider_id TEXT NOT NULL,
	capability  TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	latency_ns  INTEGER NOT NULL DEFAULT 0,
	cost_units  INTEGER NOT NULL DEFAULT 0,
	billable    INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id              TEXT PRIMARY KEY,
	stage           TEXT NOT NULL,
	trigger_kind    TEXT NOT NULL,
	status          TEXT NOT NULL,
	scheduled_at    DATETIME NOT NULL,
	started_at      DATETIME,
	ended_at        DATETIME,
	items_total     INTEGER NOT NULL DEFAULT 0,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS health_snapshots (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	subject_id        TEXT NOT NULL,
	window_start      DATETIME NOT NULL,
	window_end        DATETIME NOT NULL,
	samples           INTEGER NOT NULL DEFAULT 0,
	success_rate      REAL NOT NULL DEFAULT 0,
	mean_latency_ns   INTEGER NOT NULL DEFAULT 0,
	quota_utilization REAL NOT NULL DEFAULT 0,
	score             REAL NOT NULL DEFAULT 0,
	taken_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_attempts_provider ON call_attempts(provider_id, started_at);
CREATE INDEX IF NOT EXISTS idx_call_attempts_started ON call_attempts(started_at);
CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_health_snapshots_subject ON health_snapshots(kind, subject_id, taken_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Provider overrides ---

func (s *SQLiteStore) SaveProviderOverride(ctx context.Context, o model.ProviderOverride) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_overrides (provider_id, manual_disabled, health_score, throttled_until, throttle_reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET
		   manual_disabled = excluded.manual_disabled,
		   health_score = excluded.health_score,
		   throttled_until = excluded.throttled_until,
		   throttle_reason = excluded.throttle_reason,
		   updated_at = excluded.updated_at`,
		o.ProviderID, o.ManualDisabled, o.HealthScore, nullTime(o.ThrottledUntil), o.ThrottleReason, o.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save provider override %s", o.ProviderID)
}

func (s *SQLiteStore) ListProviderOverrides(ctx context.Context) ([]model.ProviderOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, manual_disabled, health_score, throttled_until, throttle_reason, updated_at
		 FROM provider_overrides ORDER BY provider_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provider overrides")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProviderOverride
	for rows.Next() {
		var o model.ProviderOverride
		var until sql.NullTime
		if err := rows.Scan(&o.ProviderID, &o.ManualDisabled, &o.HealthScore, &until, &o.ThrottleReason, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider override")
		}
		o.ThrottledUntil = fromNullTime(until)
		o.UpdatedAt = o.UpdatedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate provider overrides")
}

// --- Ledger ---

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a model.CallAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_attempts (id, request_id, attempt, provider_id, capability, stage, outcome, status_code, error, latency_ns, cost_units, billable, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RequestID, a.Attempt, a.ProviderID, string(a.Capability), a.Stage, string(a.Outcome),
		a.StatusCode, a.Error, int64(a.Latency), a.CostUnits, a.Billable, a.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append attempt %s", a.ID)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.CallAttempt, error) {
	var where []string
	var args []any
	if filter.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	if filter.Capability != "" {
		where = append(where, "capability = ?")
		args = append(args, string(filter.Capability))
	}
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, filter.Stage)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, filter.Until.UTC())
	}

	query := `SELECT id, request_id, attempt, provider_id, capability, stage, outcome, status_code, error, latency_ns, cost_units, billable, started_at
		FROM call_attempts` + whereClause(where) + ` ORDER BY started_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CallAttempt
	for rows.Next() {
		var a model.CallAttempt
		var latency int64
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Attempt, &a.ProviderID, &a.Capability, &a.Stage, &a.Outcome,
			&a.StatusCode, &a.Error, &latency, &a.CostUnits, &a.Billable, &a.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Latency = time.Duration(latency)
		a.StartedAt = a.StartedAt.UTC()
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

// --- Stage runs ---

func (s *SQLiteStore) CreateStageRun(ctx context.Context, run model.StageRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, stage, trigger_kind, status, scheduled_at, started_at, ended_at, items_total, items_succeeded, items_failed, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Stage, string(run.Trigger), string(run.Status), run.ScheduledAt.UTC(),
		nullTime(run.StartedAt), nullTime(run.EndedAt), run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.Error,
	)
	return eris.Wrapf(err, "sqlite: insert stage run %s", run.ID)
}

func (s *SQLiteStore) UpdateStageRun(ctx context.Context, run model.StageRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, started_at = ?, ended_at = ?, items_total = ?, items_succeeded = ?, items_failed = ?, error = ?
		 WHERE id = ?`,
		string(run.Status), nullTime(run.StartedAt), nullTime(run.EndedAt),
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update stage run %s", run.ID)
	}
	return checkRowsAffected(res, "stage run", run.ID)
}

const stageRunColumns = `id, stage, trigger_kind, status, scheduled_at, started_at, ended_at, items_total, items_succeeded, items_failed, error`

func (s *SQLiteStore) GetStageRun(ctx context.Context, id string) (*model.StageRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageRunColumns+` FROM stage_runs WHERE id = ?`, id)
	run, err := scanStageRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "stage run %s", id)
	}
	return run, err
}

func (s *SQLiteStore) ListStageRuns(ctx context.Context, filter RunFilter) ([]model.StageRun, error) {
	var where []string
	var args []any
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageRunColumns+` FROM stage_runs`+whereClause(where)+` ORDER BY scheduled_at DESC, id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StageRun
	for rows.Next() {
		run, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate stage runs")
}

func (s *SQLiteStore) LastStageRun(ctx context.Context, stage string, status model.RunStatus) (*model.StageRun, error) {
	runs, err := s.ListStageRuns(ctx, RunFilter{Stage: stage, Status: status, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// --- Health snapshots ---

func (s *SQLiteStore) SaveSnapshots(ctx context.Context, snaps []model.HealthSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshots tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO health_snapshots (id, kind, subject_id, window_start, window_end, samples, success_rate, mean_latency_ns, quota_utilization, score, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare snapshot insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, h := range snaps {
		if _, err := stmt.ExecContext(ctx, h.ID, string(h.Kind), h.SubjectID, h.WindowStart.UTC(), h.WindowEnd.UTC(),
			h.Samples, h.SuccessRate, int64(h.MeanLatency), h.QuotaUtilization, h.Score, h.TakenAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert snapshot %s", h.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit snapshots")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.HealthSnapshot, error) {
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, subject_id, window_start, window_end, samples, success_rate, mean_latency_ns, quota_utilization, score, taken_at
		 FROM health_snapshots`+whereClause(where)+` ORDER BY taken_at DESC, id LIMIT ?`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HealthSnapshot
	for rows.Next() {
		var h model.HealthSnapshot
		var latency int64
		if err := rows.Scan(&h.ID, &h.Kind, &h.SubjectID, &h.WindowStart, &h.WindowEnd, &h.Samples,
			&h.SuccessRate, &latency, &h.QuotaUtilization, &h.Score, &h.TakenAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		h.MeanLatency = time.Duration(latency)
		h.WindowStart, h.WindowEnd, h.TakenAt = h.WindowStart.UTC(), h.WindowEnd.UTC(), h.TakenAt.UTC()
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStageRun(row scannable) (*model.StageRun, error) {
	var r model.StageRun
	var started, ended sql.NullTime
	err := row.Scan(&r.ID, &r.Stage, &r.Trigger, &r.Status, &r.ScheduledAt, &started, &ended,
		&r.ItemsTotal, &r.ItemsSucceeded, &r.ItemsFailed, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan stage run")
	}
	r.ScheduledAt = r.ScheduledAt.UTC()
	r.StartedAt = fromNullTime(started)
	r.EndedAt = fromNullTime(ended)
	return &r, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return ptrTime(nt.Time.UTC())
}
