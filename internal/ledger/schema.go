package ledger

const schema = `
-- Unit runs: one row per control-program invocation
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    unit_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'run',
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    exit_code INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_unit ON runs(unit_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

-- Work items: one row per (unit, item) holding the latest status
CREATE TABLE IF NOT EXISTS items (
    unit_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    block_reason TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (unit_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);

-- Fix attempts (append-only)
CREATE TABLE IF NOT EXISTS fix_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fix_attempts_item ON fix_attempts(unit_id, item_id);

-- Scenario executions (append-only)
CREATE TABLE IF NOT EXISTS scenario_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    scenario_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    exit_code INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scenario_runs_unit ON scenario_runs(unit_id);

-- Gate evaluations (append-only; newest row per unit is authoritative)
CREATE TABLE IF NOT EXISTS gate_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    passed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    out_of_scope INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gate_results_unit ON gate_results(unit_id);
`
