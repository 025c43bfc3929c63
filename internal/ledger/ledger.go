// Package ledger persists execution state across orchestrator runs: unit
// runs, work-item statuses, fix attempts, scenario executions, and gate
// outcomes. The ledger backs resume decisions (--skip-done, --start-from)
// and the status and console commands. Recording is best-effort telemetry
// for everything except item status, which resume correctness depends on.
package ledger

import (
	"context"
	"time"

	"github.com/storylinehq/storyline/internal/types"
)

// Run kinds distinguish which control program produced a run row.
const (
	RunKindStories  = "run"
	RunKindValidate = "validate"
	RunKindChain    = "chain"
)

// UnitRun is one orchestrator invocation over a unit.
type UnitRun struct {
	ID         string
	UnitID     string
	Kind       string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
}

// Finished reports whether the run has been closed out.
func (r UnitRun) Finished() bool {
	return r.FinishedAt != nil
}

// ItemRecord is the latest known state of one work item.
type ItemRecord struct {
	UnitID      string
	ItemID      string
	Status      types.ItemStatus
	BlockReason string
	UpdatedAt   time.Time
}

// GateRecord is one gate evaluation outcome.
type GateRecord struct {
	RunID      string
	UnitID     string
	Mode       types.GateMode
	Status     types.GateStatus
	Passed     int
	Failed     int
	OutOfScope int
	CreatedAt  time.Time
}

// Store is the execution ledger. Implementations must make MarkDone
// idempotent: marking an item done twice leaves a single done record.
type Store interface {
	// StartRun inserts a run row. A zero StartedAt is set to now.
	StartRun(ctx context.Context, run *UnitRun) error
	// FinishRun closes out a run with its exit code.
	FinishRun(ctx context.Context, runID string, exitCode int) error
	// RecentRuns returns runs newest first, filtered to unitID when
	// non-empty, at most limit rows.
	RecentRuns(ctx context.Context, unitID string, limit int) ([]UnitRun, error)
	// PruneStaleRuns deletes unfinished runs that started more than
	// olderThan ago. A killed orchestrator leaves its run row open
	// forever; pruning keeps status output honest. Returns the number
	// of rows removed.
	PruneStaleRuns(ctx context.Context, olderThan time.Duration) (int, error)

	// RecordItem upserts the item's current status.
	RecordItem(ctx context.Context, item *types.WorkItem) error
	// MarkDone upserts the item as done. Safe to call repeatedly.
	MarkDone(ctx context.Context, unitID, itemID string) error
	// IsDone reports whether the item was previously marked done.
	// An item the ledger has never seen is not done.
	IsDone(ctx context.Context, unitID, itemID string) (bool, error)
	// UnitItems returns the latest state of each item in the unit,
	// ordered by item id.
	UnitItems(ctx context.Context, unitID string) ([]ItemRecord, error)

	// RecordFixAttempt appends one review-fix iteration.
	RecordFixAttempt(ctx context.Context, runID string, attempt types.FixAttempt) error
	// RecordScenario appends one scenario execution result.
	RecordScenario(ctx context.Context, runID, unitID string, res types.ScenarioResult) error
	// RecordGate appends one gate evaluation.
	RecordGate(ctx context.Context, gate GateRecord) error
	// LatestGate returns the most recent gate record for the unit,
	// or nil when the unit has never been gated.
	LatestGate(ctx context.Context, unitID string) (*GateRecord, error)

	Close() error
}
