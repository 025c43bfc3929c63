package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/storylinehq/storyline/internal/types"
)

// SQLiteStore persists the ledger in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) StartRun(ctx context.Context, run *UnitRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, unit_id, kind, started_at) VALUES (?, ?, ?, ?)
	`, run.ID, run.UnitID, run.Kind, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, exitCode int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, exit_code = ? WHERE id = ?
	`, time.Now(), exitCode, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, unitID string, limit int) ([]UnitRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, unit_id, kind, started_at, finished_at, exit_code FROM runs`
	args := []interface{}{}
	if unitID != "" {
		query += ` WHERE unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []UnitRun
	for rows.Next() {
		var run UnitRun
		var finishedAt sql.NullTime
		var exitCode sql.NullInt64

		err := rows.Scan(&run.ID, &run.UnitID, &run.Kind, &run.StartedAt, &finishedAt, &exitCode)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			run.ExitCode = &code
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) PruneStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE finished_at IS NULL AND started_at < ?
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned runs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) RecordItem(ctx context.Context, item *types.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (unit_id, item_id, status, block_reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (unit_id, item_id) DO UPDATE SET
			status = excluded.status,
			block_reason = excluded.block_reason,
			updated_at = excluded.updated_at
	`, item.UnitID, item.ID, string(item.Status), item.BlockReason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkDone(ctx context.Context, unitID, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (unit_id, item_id, status, block_reason, updated_at)
		VALUES (?, ?, 'done', '', ?)
		ON CONFLICT (unit_id, item_id) DO UPDATE SET
			status = excluded.status,
			block_reason = excluded.block_reason,
			updated_at = excluded.updated_at
	`, unitID, itemID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark item %s done: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) IsDone(ctx context.Context, unitID, itemID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM items WHERE unit_id = ? AND item_id = ?
	`, unitID, itemID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query item %s: %w", itemID, err)
	}
	return types.ItemStatus(status) == types.StatusDone, nil
}

func (s *SQLiteStore) UnitItems(ctx context.Context, unitID string) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, item_id, status, block_reason, updated_at
		FROM items WHERE unit_id = ? ORDER BY item_id
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items for unit %s: %w", unitID, err)
	}
	defer rows.Close()

	var items []ItemRecord
	for rows.Next() {
		var rec ItemRecord
		var status string
		err := rows.Scan(&rec.UnitID, &rec.ItemID, &status, &rec.BlockReason, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		rec.Status = types.ItemStatus(status)
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) RecordFixAttempt(ctx context.Context, runID string, attempt types.FixAttempt) error {
	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fix_attempts (run_id, unit_id, item_id, attempt, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, attempt.UnitID, attempt.ItemID, attempt.Attempt, string(attempt.Outcome), createdAt)
	if err != nil {
		return fmt.Errorf("failed to record fix attempt for %s: %w", attempt.ItemID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordScenario(ctx context.Context, runID, unitID string, res types.ScenarioResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenario_runs (run_id, unit_id, scenario_id, name, status, exit_code, duration_ms, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, unitID, res.ScenarioID, res.Name, string(res.Status), res.ExitCode,
		res.Duration.Milliseconds(), res.Reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record scenario %s: %w", res.ScenarioID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordGate(ctx context.Context, gate GateRecord) error {
	createdAt := gate.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_results (run_id, unit_id, mode, status, passed, failed, out_of_scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, gate.RunID, gate.UnitID, string(gate.Mode), string(gate.Status),
		gate.Passed, gate.Failed, gate.OutOfScope, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record gate for unit %s: %w", gate.UnitID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestGate(ctx context.Context, unitID string) (*GateRecord, error) {
	var gate GateRecord
	var mode, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, unit_id, mode, status, passed, failed, out_of_scope, created_at
		FROM gate_results WHERE unit_id = ?
		ORDER BY id DESC LIMIT 1
	`, unitID).Scan(&gate.RunID, &gate.UnitID, &mode, &status,
		&gate.Passed, &gate.Failed, &gate.OutOfScope, &gate.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query gate for unit %s: %w", unitID, err)
	}
	gate.Mode = types.GateMode(mode)
	gate.Status = types.GateStatus(status)
	return &gate, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
