package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/db"
	"github.com/sells-group/agency-core/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot write paths.
var preparedStatements = map[string]string{
	"append_attempt":   `INSERT INTO call_attempts (id, request_id, attempt, provider_id, capability, stage, outcome, status_code, error, latency_ns, cost_units, billable, started_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"insert_stage_run": `INSERT INTO stage_runs (id, stage, trigger_kind, status, scheduled_at, started_at, ended_at, items_total, items_succeeded, items_failed, error) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"update_stage_run": `UPDATE stage_runs SET status = $1, started_at = $2, ended_at = $3, items_total = $4, items_succeeded = $5, items_failed = $6, error = $7 WHERE id = $8`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS provider_overrides (
	provider_id     TEXT PRIMARY KEY,
	manual_disabled BOOLEAN NOT NULL DEFAULT false,
	health_score    DOUBLE PRECISION NOT NULL DEFAULT 100,
	throttled_until TIMESTAMPTZ,
	throttle_reason TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
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
	latency_ns  BIGINT NOT NULL DEFAULT 0,
	cost_units  BIGINT NOT NULL DEFAULT 0,
	billable    BOOLEAN NOT NULL DEFAULT false,
	started_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id              TEXT PRIMARY KEY,
	stage           TEXT NOT NULL,
	trigger_kind    TEXT NOT NULL,
	status          TEXT NOT NULL,
	scheduled_at    TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	ended_at        TIMESTAMPTZ,
	items_total     INTEGER NOT NULL DEFAULT 0,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS health_snapshots (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	subject_id        TEXT NOT NULL,
	window_start      TIMESTAMPTZ NOT NULL,
	window_end        TIMESTAMPTZ NOT NULL,
	samples           INTEGER NOT NULL DEFAULT 0,
	success_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
	mean_latency_ns   BIGINT NOT NULL DEFAULT 0,
	quota_utilization DOUBLE PRECISION NOT NULL DEFAULT 0,
	score             DOUBLE PRECISION NOT NULL DEFAULT 0,
	taken_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_attempts_provider ON call_attempts(provider_id, started_at);
CREATE INDEX IF NOT EXISTS idx_call_attempts_started ON call_attempts(started_at);
CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage, scheduled_at DESC);
CREATE INDEX IF NOT EXISTS idx_health_snapshots_subject ON health_snapshots(kind, subject_id, taken_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Provider overrides ---

var overrideUpsert = db.UpsertConfig{
	Table:        "provider_overrides",
	Columns:      []string{"provider_id", "manual_disabled", "health_score", "throttled_until", "throttle_reason", "updated_at"},
	ConflictKeys: []string{"provider_id"},
}

func (s *PostgresStore) SaveProviderOverride(ctx context.Context, o model.ProviderOverride) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	var until *time.Time
	if o.ThrottledUntil != nil {
		until = ptrTime(o.ThrottledUntil.UTC())
	}
	err := db.Upsert(ctx, s.pool, overrideUpsert, []any{
		o.ProviderID, o.ManualDisabled, o.HealthScore, until, o.ThrottleReason, o.UpdatedAt.UTC(),
	})
	return eris.Wrapf(err, "postgres: save provider override %s", o.ProviderID)
}

func (s *PostgresStore) ListProviderOverrides(ctx context.Context) ([]model.ProviderOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, manual_disabled, health_score, throttled_until, throttle_reason, updated_at FROM provider_overrides ORDER BY provider_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provider overrides")
	}
	defer rows.Close()

	var out []model.ProviderOverride
	for rows.Next() {
		var o model.ProviderOverride
		if err := rows.Scan(&o.ProviderID, &o.ManualDisabled, &o.HealthScore, &o.ThrottledUntil, &o.ThrottleReason, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider override")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate provider overrides")
}

// --- Ledger ---

func (s *PostgresStore) AppendAttempt(ctx context.Context, a model.CallAttempt) error {
	_, err := s.pool.Exec(ctx, preparedStatements["append_attempt"],
		a.ID, a.RequestID, a.Attempt, a.ProviderID, string(a.Capability), a.Stage, string(a.Outcome),
		a.StatusCode, a.Error, int64(a.Latency), a.CostUnits, a.Billable, a.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append attempt %s", a.ID)
}

// pgArgs accumulates positional arguments for dynamically built queries.
type pgArgs struct {
	conds []string
	args  []any
}

func (p *pgArgs) add(cond string, v any) {
	p.args = append(p.args, v)
	p.conds = append(p.conds, fmt.Sprintf(cond, len(p.args)))
}

func (p *pgArgs) next(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

func (p *pgArgs) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conds, " AND ")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.CallAttempt, error) {
	var q pgArgs
	if filter.ProviderID != "" {
		q.add("provider_id = $%d", filter.ProviderID)
	}
	if filter.Capability != "" {
		q.add("capability = $%d", string(filter.Capability))
	}
	if filter.Stage != "" {
		q.add("stage = $%d", filter.Stage)
	}
	if !filter.Since.IsZero() {
		q.add("started_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q.add("started_at < $%d", filter.Until.UTC())
	}

	query := `SELECT id, request_id, attempt, provider_id, capability, stage, outcome, status_code, error, latency_ns, cost_units, billable, started_at FROM call_attempts` +
		q.where() + ` ORDER BY started_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + q.next(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.CallAttempt
	for rows.Next() {
		var a model.CallAttempt
		var capability, outcome string
		var latency int64
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Attempt, &a.ProviderID, &capability, &a.Stage, &outcome,
			&a.StatusCode, &a.Error, &latency, &a.CostUnits, &a.Billable, &a.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Capability = model.Capability(capability)
		a.Outcome = model.Outcome(outcome)
		a.Latency = time.Duration(latency)
		a.StartedAt = a.StartedAt.UTC()
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attempts")
}

// --- Stage runs ---

func (s *PostgresStore) CreateStageRun(ctx context.Context, run model.StageRun) error {
	_, err := s.pool.Exec(ctx, preparedStatements["insert_stage_run"],
		run.ID, run.Stage, string(run.Trigger), string(run.Status), run.ScheduledAt.UTC(),
		run.StartedAt, run.EndedAt, run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.Error,
	)
	return eris.Wrapf(err, "postgres: insert stage run %s", run.ID)
}

func (s *PostgresStore) UpdateStageRun(ctx context.Context, run model.StageRun) error {
	tag, err := s.pool.Exec(ctx, preparedStatements["update_stage_run"],
		string(run.Status), run.StartedAt, run.EndedAt, run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update stage run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage run %s", run.ID)
	}
	return nil
}

func scanPgStageRun(row scannable) (*model.StageRun, error) {
	var r model.StageRun
	var trigger, status string
	err := row.Scan(&r.ID, &r.Stage, &trigger, &status, &r.ScheduledAt, &r.StartedAt, &r.EndedAt,
		&r.ItemsTotal, &r.ItemsSucceeded, &r.ItemsFailed, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Trigger = model.Trigger(trigger)
	r.Status = model.RunStatus(status)
	return &r, nil
}

func (s *PostgresStore) GetStageRun(ctx context.Context, id string) (*model.StageRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stageRunColumns+` FROM stage_runs WHERE id = $1`, id)
	run, err := scanPgStageRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "stage run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stage run %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListStageRuns(ctx context.Context, filter RunFilter) ([]model.StageRun, error) {
	var q pgArgs
	if filter.Stage != "" {
		q.add("stage = $%d", filter.Stage)
	}
	if filter.Status != "" {
		q.add("status = $%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q.add("scheduled_at >= $%d", filter.Since.UTC())
	}
	query := `SELECT ` + stageRunColumns + ` FROM stage_runs` + q.where() +
		` ORDER BY scheduled_at DESC, id DESC LIMIT ` + q.next(listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage runs")
	}
	defer rows.Close()

	var out []model.StageRun
	for rows.Next() {
		run, err := scanPgStageRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate stage runs")
}

func (s *PostgresStore) LastStageRun(ctx context.Context, stage string, status model.RunStatus) (*model.StageRun, error) {
	runs, err := s.ListStageRuns(ctx, RunFilter{Stage: stage, Status: status, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// --- Health snapshots ---

var snapshotColumns = []string{
	"id", "kind", "subject_id", "window_start", "window_end", "samples",
	"success_rate", "mean_latency_ns", "quota_utilization", "score", "taken_at",
}

func (s *PostgresStore) SaveSnapshots(ctx context.Context, snaps []model.HealthSnapshot) error {
	rows := make([][]any, 0, len(snaps))
	for _, h := range snaps {
		rows = append(rows, []any{
			h.ID, string(h.Kind), h.SubjectID, h.WindowStart.UTC(), h.WindowEnd.UTC(), h.Samples,
			h.SuccessRate, int64(h.MeanLatency), h.QuotaUtilization, h.Score, h.TakenAt.UTC(),
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "health_snapshots", snapshotColumns, rows)
	return eris.Wrap(err, "postgres: save snapshots")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.HealthSnapshot, error) {
	var q pgArgs
	if filter.Kind != "" {
		q.add("kind = $%d", string(filter.Kind))
	}
	if filter.SubjectID != "" {
		q.add("subject_id = $%d", filter.SubjectID)
	}
	query := `SELECT ` + strings.Join(snapshotColumns, ", ") + ` FROM health_snapshots` + q.where() +
		` ORDER BY taken_at DESC, id LIMIT ` + q.next(listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.HealthSnapshot
	for rows.Next() {
		var h model.HealthSnapshot
		var kind string
		var latency int64
		if err := rows.Scan(&h.ID, &kind, &h.SubjectID, &h.WindowStart, &h.WindowEnd, &h.Samples,
			&h.SuccessRate, &latency, &h.QuotaUtilization, &h.Score, &h.TakenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		h.Kind = model.SubjectKind(kind)
		h.MeanLatency = time.Duration(latency)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}
