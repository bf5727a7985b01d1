package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aeroops/replan/engine"
	"github.com/aeroops/replan/schedule"
	"github.com/aeroops/replan/snapshot"
)

// PostgresArchive persists committed schedule versions, diffs and cycle
// reports in PostgreSQL.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS replan_snapshots (
	version    BIGINT PRIMARY KEY,
	taken_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payload    JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS replan_diffs (
	after_version  BIGINT PRIMARY KEY,
	before_version BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	payload        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS replan_reports (
	cycle_id       TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	base_version   BIGINT NOT NULL,
	new_version    BIGINT NOT NULL,
	remaining_hard INT NOT NULL,
	cost_delta     DOUBLE PRECISION NOT NULL,
	duration_ms    BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payload        JSONB NOT NULL
);
`

// NewPostgresArchive opens a pool, verifies connectivity and ensures the
// schema exists.
func NewPostgresArchive(ctx context.Context, connString string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresArchive) Close() {
	p.pool.Close()
}

// SaveSnapshot upserts a committed schedule keyed by version.
func (p *PostgresArchive) SaveSnapshot(ctx context.Context, s *schedule.Schedule) error {
	payload, err := json.Marshal(s.Export())
	if err != nil {
		return err
	}
	query := `
		INSERT INTO replan_snapshots (version, payload)
		VALUES ($1, $2)
		ON CONFLICT (version) DO UPDATE SET payload = EXCLUDED.payload, taken_at = NOW()
	`
	_, err = p.pool.Exec(ctx, query, int64(s.Version), payload)
	return err
}

// SaveDiff upserts a diff keyed by its after-version.
func (p *PostgresArchive) SaveDiff(ctx context.Context, d *snapshot.Diff) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO replan_diffs (after_version, before_version, created_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (after_version) DO UPDATE SET payload = EXCLUDED.payload
	`
	_, err = p.pool.Exec(ctx, query, int64(d.AfterVersion), int64(d.BeforeVersion), d.CreatedAt, payload)
	return err
}

// SaveReport inserts a cycle report.
func (p *PostgresArchive) SaveReport(ctx context.Context, rep engine.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO replan_reports (cycle_id, status, base_version, new_version, remaining_hard, cost_delta, duration_ms, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cycle_id) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query,
		rep.CycleID, string(rep.Status), int64(rep.BaseVersion), int64(rep.NewVersion),
		rep.RemainingHard, rep.CostDelta, rep.Duration.Milliseconds(), payload,
	)
	return err
}

// GetSnapshot loads an archived schedule version, nil if absent.
func (p *PostgresArchive) GetSnapshot(ctx context.Context, version uint64) (*schedule.Schedule, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM replan_snapshots WHERE version = $1`, int64(version)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var export schedule.Export
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, err
	}
	return schedule.FromExport(export)
}

// GetDiff loads the archived diff producing a version, nil if absent.
func (p *PostgresArchive) GetDiff(ctx context.Context, afterVersion uint64) (*snapshot.Diff, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM replan_diffs WHERE after_version = $1`, int64(afterVersion)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d snapshot.Diff
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListReports returns up to limit most recent reports, oldest first.
func (p *PostgresArchive) ListReports(ctx context.Context, limit int) ([]engine.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM (
			SELECT payload, created_at FROM replan_reports ORDER BY created_at DESC LIMIT $1
		) recent ORDER BY created_at ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []engine.Report
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rep engine.Report
		if err := json.Unmarshal(payload, &rep); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}
