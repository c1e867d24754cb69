package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/devicebench/internal/metrics"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/security"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens path and brings its schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordActionRun stores a settled run with credentials scrubbed from its message and output.
func (s *Store) RecordActionRun(ctx context.Context, run model.ActionRun) error {
	if run.RunID == "" {
		return fmt.Errorf("insert action run: run id is required")
	}
	if run.SettledAt.IsZero() {
		run.SettledAt = time.Now().UTC()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.SettledAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_runs(run_id, action, endpoint, outcome, message, output, started_at, settled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, run.RunID, run.Action, run.Endpoint, string(run.Outcome),
		security.RedactOutput(run.Message),
		security.RedactOutput(run.Output),
		ts(run.StartedAt), ts(run.SettledAt))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("insert action run %s: %w", run.RunID, ErrDuplicate)
		}
		return fmt.Errorf("insert action run: %w", err)
	}
	return nil
}

type ListOptions struct {
	Action string
	Limit  int
}

// ListActionRuns returns the most recently settled runs first.
func (s *Store) ListActionRuns(ctx context.Context, opts ListOptions) ([]model.ActionRun, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT run_id, action, endpoint, outcome, message, output, started_at, settled_at
FROM action_runs`
	args := []any{}
	if opts.Action != "" {
		query += ` WHERE action = ?`
		args = append(args, opts.Action)
	}
	query += ` ORDER BY settled_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.ActionRun, 0, limit)
	for rows.Next() {
		var (
			run       model.ActionRun
			outcome   string
			startedAt string
			settledAt string
		)
		if err := rows.Scan(&run.RunID, &run.Action, &run.Endpoint, &outcome, &run.Message, &run.Output, &startedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan action run: %w", err)
		}
		run.Outcome = model.Outcome(outcome)
		if run.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.SettledAt, err = parseTS(settledAt); err != nil {
			return nil, fmt.Errorf("parse settled_at: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action runs: %w", err)
	}
	return out, nil
}

func (s *Store) RecordHardwareDelta(ctx context.Context, runID string, d metrics.HardwareDelta, at time.Time) error {
	if runID == "" {
		return fmt.Errorf("insert hardware delta: run id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO hardware_deltas(run_id, launch_time_ms, cpu_before, cpu_after, ram_before_mb, ram_after_mb, ram_diff_mb, battery_before, battery_after, battery_drain_mah, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, runID,
		nullableF64(d.LaunchTimeMs),
		nullableStr(d.CPUBefore),
		nullableStr(d.CPUAfter),
		nullableF64(d.RAMBeforeMB),
		nullableF64(d.RAMAfterMB),
		nullableF64(d.RAMDiffMB),
		nullableStr(d.BatteryBefore),
		nullableStr(d.BatteryAfter),
		nullableF64(d.BatteryDrainMAh),
		ts(at))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("insert hardware delta %s: %w", runID, ErrDuplicate)
		}
		return fmt.Errorf("insert hardware delta: %w", err)
	}
	return nil
}

type DeltaRecord struct {
	RunID      string
	Delta      metrics.HardwareDelta
	RecordedAt time.Time
}

func (s *Store) LatestHardwareDelta(ctx context.Context) (DeltaRecord, error) {
	var (
		rec        DeltaRecord
		launch     sql.NullFloat64
		cpuBefore  sql.NullString
		cpuAfter   sql.NullString
		ramBefore  sql.NullFloat64
		ramAfter   sql.NullFloat64
		ramDiff    sql.NullFloat64
		batBefore  sql.NullString
		batAfter   sql.NullString
		drain      sql.NullFloat64
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, launch_time_ms, cpu_before, cpu_after, ram_before_mb, ram_after_mb, ram_diff_mb, battery_before, battery_after, battery_drain_mah, recorded_at
FROM hardware_deltas
ORDER BY recorded_at DESC
LIMIT 1
`).Scan(&rec.RunID, &launch, &cpuBefore, &cpuAfter, &ramBefore, &ramAfter, &ramDiff, &batBefore, &batAfter, &drain, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeltaRecord{}, ErrNotFound
	}
	if err != nil {
		return DeltaRecord{}, fmt.Errorf("latest hardware delta: %w", err)
	}
	rec.Delta = metrics.HardwareDelta{
		LaunchTimeMs:    fromNullF64(launch),
		CPUBefore:       fromNullStr(cpuBefore),
		CPUAfter:        fromNullStr(cpuAfter),
		RAMBeforeMB:     fromNullF64(ramBefore),
		RAMAfterMB:      fromNullF64(ramAfter),
		RAMDiffMB:       fromNullF64(ramDiff),
		BatteryBefore:   fromNullStr(batBefore),
		BatteryAfter:    fromNullStr(batAfter),
		BatteryDrainMAh: fromNullF64(drain),
	}
	if rec.RecordedAt, err = parseTS(recordedAt); err != nil {
		return DeltaRecord{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	return rec, nil
}

// PruneBefore drops runs and snapshots older than cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM action_runs WHERE settled_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("prune action runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hardware_deltas WHERE recorded_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("prune hardware deltas: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullableF64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullF64(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func fromNullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// tsLayout is fixed width so stored timestamps order correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
