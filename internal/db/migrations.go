package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS action_runs (
	run_id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('success','failure')),
	message TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	settled_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS action_runs_settled_at
ON action_runs(settled_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS action_runs_settled_at;
DROP TABLE IF EXISTS action_runs;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS hardware_deltas (
	run_id TEXT PRIMARY KEY,
	launch_time_ms REAL,
	cpu_before TEXT,
	cpu_after TEXT,
	ram_before_mb REAL,
	ram_after_mb REAL,
	ram_diff_mb REAL,
	battery_before TEXT,
	battery_after TEXT,
	battery_drain_mah REAL,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS hardware_deltas_recorded_at
ON hardware_deltas(recorded_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS hardware_deltas_recorded_at;
DROP TABLE IF EXISTS hardware_deltas;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("forget migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
