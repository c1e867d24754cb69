package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	mustExist := []string{"action_runs", "hardware_deltas"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no recorded migrations after rollback, got %d", applied)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db, ctx := openTempDB(t)
	for i := 0; i < 3; i++ {
		if err := ApplyMigrations(ctx, db); err != nil {
			t.Fatalf("apply migrations pass %d: %v", i, err)
		}
	}
	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), applied)
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO action_runs(run_id, action, endpoint, outcome, started_at, settled_at) VALUES('r1','reserve','/reserve','success',?,?)`, now, now)
	if err != nil {
		t.Fatalf("insert action run: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO action_runs(run_id, action, endpoint, outcome, started_at, settled_at) VALUES('r2','reserve','/reserve','pending',?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected outcome check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO action_runs(run_id, action, endpoint, outcome, started_at, settled_at) VALUES('r1','release','/release','failure',?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected primary key violation on run_id")
	}

	_, err = db.ExecContext(ctx, `INSERT INTO hardware_deltas(run_id, recorded_at) VALUES('r9', ?)`, now)
	if err != nil {
		t.Fatalf("insert all-null delta: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO hardware_deltas(run_id) VALUES('r10')`)
	if err == nil {
		t.Fatalf("expected not null violation on recorded_at")
	}
}
