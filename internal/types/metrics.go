package types

import "time"

// StoryCounts aggregates per-unit work item tallies.
type StoryCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// FixLoopCounts aggregates review↔fix loop activity for a unit.
type FixLoopCounts struct {
	Attempts  int `json:"attempts"`
	Exhausted int `json:"exhausted"`
}

// IssueEntry is one entry in a unit's issue log.
type IssueEntry struct {
	At      time.Time `json:"at"`
	ItemID  string    `json:"item_id,omitempty"`
	Message string    `json:"message"`
}

// UnitMetrics is the structured record persisted once per unit run.
// It is created at run start, updated additively during execution, and
// finalized exactly once at run end. Finalization rewrites the aggregate
// totals and must stay idempotent if retried after a partial failure.
type UnitMetrics struct {
	UnitID     string        `json:"unit_id"`
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Stories    StoryCounts   `json:"stories"`
	FixLoop    FixLoopCounts `json:"fix_loop"`
	GateStatus string        `json:"gate_status,omitempty"`
	Issues     []IssueEntry  `json:"issues,omitempty"`
	Finalized  bool          `json:"finalized"`
	DurationMS int64         `json:"duration_ms,omitempty"`
}

// HandoffDocument summarizes one unit's outcomes for the next unit in a
// chain. One document per adjacent unit pair, read-only after creation.
type HandoffDocument struct {
	FromUnit     string    `json:"from_unit"`
	ToUnit       string    `json:"to_unit"`
	GeneratedAt  time.Time `json:"generated_at"`
	Summary      string    `json:"summary"`
	Completed    []string  `json:"completed,omitempty"`
	Failed       []string  `json:"failed,omitempty"`
	Blocked      []string  `json:"blocked,omitempty"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
	GateStatus   string    `json:"gate_status,omitempty"`
	FixContexts  []string  `json:"fix_contexts,omitempty"`
}

// PlannedUnit is one unit in a chain plan.
type PlannedUnit struct {
	ID         string   `json:"id"`
	DependsOn  []string `json:"depends_on,omitempty"`
	StoryCount int      `json:"story_count"`
	Done       bool     `json:"done"`
}

// ChainPlan is the ordered unit list computed once per chain invocation,
// before execution begins. Execution order is the caller-supplied order;
// dependency hints are informational only.
type ChainPlan struct {
	Units      []PlannedUnit `json:"units"`
	ComputedAt time.Time     `json:"computed_at"`
}
