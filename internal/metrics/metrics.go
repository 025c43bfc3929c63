// Package metrics persists one structured record per unit run. Metrics
// are best-effort telemetry: every persistence failure is reported as a
// warning and swallowed, because metrics must never abort an otherwise
// successful run.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/storylinehq/storyline/internal/docedit"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// Recorder owns the metrics record for one unit run.
type Recorder struct {
	editor docedit.Editor
	log    *ui.Logger
	dir    string

	unit    *types.UnitMetrics
	path    string
	started time.Time
}

// New builds a recorder writing under <artifactsDir>/metrics.
func New(editor docedit.Editor, artifactsDir string, log *ui.Logger) *Recorder {
	if editor == nil {
		editor = docedit.Select(docedit.StrategyIncremental)
	}
	if log == nil {
		log = ui.New(false)
	}
	return &Recorder{editor: editor, log: log, dir: filepath.Join(artifactsDir, "metrics")}
}

// Start creates the record for a unit run with a fresh run ID and
// persists it immediately.
func (r *Recorder) Start(unitID string, totalStories int) *types.UnitMetrics {
	r.started = time.Now().UTC()
	r.unit = &types.UnitMetrics{
		UnitID:    unitID,
		RunID:     uuid.New().String(),
		StartedAt: r.started,
		Stories:   types.StoryCounts{Total: totalStories},
	}
	r.path = filepath.Join(r.dir, unitID+".json")
	r.persist()
	return r.unit
}

// RunID returns the current run's identifier, or "" before Start.
func (r *Recorder) RunID() string {
	if r.unit == nil {
		return ""
	}
	return r.unit.RunID
}

// StoryCompleted bumps the completed counter.
func (r *Recorder) StoryCompleted() { r.bump(func(u *types.UnitMetrics) { u.Stories.Completed++ }) }

// StoryFailed bumps the failed counter.
func (r *Recorder) StoryFailed() { r.bump(func(u *types.UnitMetrics) { u.Stories.Failed++ }) }

// StorySkipped bumps the skipped counter.
func (r *Recorder) StorySkipped() { r.bump(func(u *types.UnitMetrics) { u.Stories.Skipped++ }) }

// FixAttempts adds review-fix loop attempts to the tally.
func (r *Recorder) FixAttempts(n int) {
	if n <= 0 {
		return
	}
	r.bump(func(u *types.UnitMetrics) { u.FixLoop.Attempts += n })
}

// FixLoopExhausted records one exhausted fix loop.
func (r *Recorder) FixLoopExhausted() { r.bump(func(u *types.UnitMetrics) { u.FixLoop.Exhausted++ }) }

// GateStatus records the validation gate decision for the unit.
func (r *Recorder) GateStatus(status types.GateStatus) {
	r.bump(func(u *types.UnitMetrics) { u.GateStatus = string(status) })
}

// AppendIssue adds one entry to the unit's issue log.
func (r *Recorder) AppendIssue(itemID, format string, args ...interface{}) {
	r.bump(func(u *types.UnitMetrics) {
		u.Issues = append(u.Issues, types.IssueEntry{
			At:      time.Now().UTC(),
			ItemID:  itemID,
			Message: fmt.Sprintf(format, args...),
		})
	})
}

// Finalize rewrites the aggregate totals exactly once. Calling it again
// is a no-op, and it is safe to call after a partial earlier write: if
// the on-disk record no longer parses, the whole record is rewritten
// from memory.
func (r *Recorder) Finalize() {
	if r.unit == nil || r.unit.Finalized {
		return
	}
	now := time.Now().UTC()
	r.unit.FinishedAt = &now
	r.unit.DurationMS = now.Sub(r.started).Milliseconds()
	r.unit.Finalized = true
	r.persist()
}

// Snapshot returns the in-memory record, which is authoritative even
// when persistence fails.
func (r *Recorder) Snapshot() *types.UnitMetrics { return r.unit }

func (r *Recorder) bump(fn func(*types.UnitMetrics)) {
	if r.unit == nil {
		return
	}
	fn(r.unit)
	r.persist()
}

// persist flushes the in-memory record, which is the source of truth.
// The configured editor's update contract runs first; when the on-disk
// record is missing or no longer parses, persist falls back to a
// whole-record overwrite rather than giving up.
func (r *Recorder) persist() {
	scratch := &types.UnitMetrics{}
	err := r.editor.Update(r.path, scratch, func() { *scratch = *r.unit })
	if err == nil {
		return
	}

	var corrupt *docedit.CorruptRecordError
	if errors.As(err, &corrupt) {
		r.log.Warnf("metrics record for %s is corrupt, rewriting whole record", r.unit.UnitID)
	} else if !os.IsNotExist(err) {
		r.log.Warnf("failed to update metrics for %s: %v (rewriting whole record)", r.unit.UnitID, err)
	}

	if err := r.editor.Write(r.path, r.unit); err != nil {
		r.log.Warnf("failed to persist metrics for %s: %v (continuing without metrics)", r.unit.UnitID, err)
	}
}

// Load reads a previously persisted unit record.
func Load(editor docedit.Editor, artifactsDir, unitID string) (*types.UnitMetrics, error) {
	if editor == nil {
		editor = docedit.Select(docedit.StrategyIncremental)
	}
	var u types.UnitMetrics
	path := filepath.Join(artifactsDir, "metrics", unitID+".json")
	if err := editor.Read(path, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
