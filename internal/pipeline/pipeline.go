// Package pipeline drives one unit of work end to end: discover the unit's
// stories, run each through implementation and the review fix-loop, record
// progress in the ledger and metrics, and commit completed stories. The
// chain program reuses this engine per unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/discovery"
	"github.com/storylinehq/storyline/internal/gitops"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/phase"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// Options mirror the run subcommand's flags.
type Options struct {
	DryRun     bool
	SkipReview bool
	NoCommit   bool
	Parallel   bool
	StartFrom  string
	SkipDone   bool
	// MaxRetries bounds the review fix-loop. Zero uses the config value.
	MaxRetries int
}

// StoryResult pairs a work item with the phase results it produced.
type StoryResult struct {
	Item   *types.WorkItem
	Phases []types.PhaseResult

	exhausted bool
}

// UnitResult summarizes one unit run.
type UnitResult struct {
	UnitID    string
	RunID     string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	// Exhausted is set when any story's fix loop hit its retry bound.
	Exhausted bool
	Stories   []StoryResult
}

// ExitCode maps the run outcome to the process exit code.
func (r *UnitResult) ExitCode() int {
	switch {
	case r.Exhausted:
		return 2
	case r.Failed > 0:
		return 1
	default:
		return 0
	}
}

// Status is the value reported on the UNIT_STATUS signal line.
func (r *UnitResult) Status() string {
	switch {
	case r.Exhausted:
		return "max_retries"
	case r.Failed > 0:
		return "failed"
	default:
		return "done"
	}
}

// Runner executes units. One Runner serves any number of sequential runs.
type Runner struct {
	cfg     *config.Config
	log     *ui.Logger
	phases  *phase.Executor
	prompts *phase.Builder
	store   ledger.Store
	git     gitops.Operations
	workDir string
}

// NewRunner wires the unit runner. git may be nil when version control is
// unavailable; commits are then skipped.
func NewRunner(cfg *config.Config, log *ui.Logger, invoker agent.Invoker, store ledger.Store, git gitops.Operations, workDir string) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	phases, err := phase.NewExecutor(invoker, log, workDir)
	if err != nil {
		return nil, err
	}
	prompts, err := phase.NewBuilder()
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:     cfg,
		log:     log,
		phases:  phases,
		prompts: prompts,
		store:   store,
		git:     git,
		workDir: workDir,
	}, nil
}

// RunUnit drives every story of the unit through its phases. rec may be
// nil to disable metrics recording; when non-nil the caller finalizes it,
// so a later gate evaluation can land on the same record.
//
// A *discovery.DiscoveryError aborts before any phase. Agent invocation
// errors abort the rest of the unit; signal-level failures (blocked items,
// unknown review signals, exhausted fix loops) fail the story and continue
// with the next one.
func (r *Runner) RunUnit(ctx context.Context, unitID string, rec *metrics.Recorder, opts Options) (*UnitResult, error) {
	if opts.Parallel {
		r.log.Warnf("parallel execution is not implemented; running sequentially")
	}

	items, err := discovery.New(r.cfg.Locations.Stories).Discover(unitID)
	if err != nil {
		return nil, err
	}

	items, preskipped, err := fromStory(items, opts.StartFrom)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return r.dryRun(unitID, items, opts)
	}

	res := &UnitResult{
		UnitID: unitID,
		RunID:  uuid.New().String(),
		Total:  len(items) + preskipped,
	}

	run := &ledger.UnitRun{ID: res.RunID, UnitID: unitID, Kind: ledger.RunKindStories}
	if err := r.store.StartRun(ctx, run); err != nil {
		r.log.Warnf("ledger: %v (continuing without run record)", err)
	}
	if rec != nil {
		rec.Start(unitID, res.Total)
		for i := 0; i < preskipped; i++ {
			rec.StorySkipped()
		}
	}
	res.Skipped = preskipped

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.Review.MaxRetries
	}

	r.log.Headerf("Unit %s: %d stories (run %s)", unitID, res.Total, res.RunID)

	for i, item := range items {
		if ctx.Err() != nil {
			r.finishRun(ctx, res)
			return res, ctx.Err()
		}

		if opts.SkipDone {
			done, err := r.store.IsDone(ctx, unitID, item.ID)
			if err != nil {
				r.log.Warnf("ledger: %v", err)
			}
			if done {
				r.log.Infof("skipping %s (already done)", item.ID)
				res.Skipped++
				if rec != nil {
					rec.StorySkipped()
				}
				continue
			}
		}

		r.log.Headerf("Story %s (%d/%d)", item.ID, i+1, len(items))

		story, err := r.runStory(ctx, res.RunID, item, rec, opts, maxRetries)
		res.Stories = append(res.Stories, story)
		if err != nil {
			r.finishRun(ctx, res)
			return res, fmt.Errorf("story %s: %w", item.ID, err)
		}

		switch item.Status {
		case types.StatusDone:
			res.Completed++
		default:
			res.Failed++
			if story.exhausted {
				res.Exhausted = true
			}
		}
	}

	r.summarize(res)
	r.finishRun(ctx, res)
	r.log.Signal("UNIT_STATUS", "%s %s", unitID, res.Status())
	return res, nil
}

// runStory runs one item through implementation and, unless skipped, the
// review fix-loop. Signal-level failures are folded into the item status;
// only infrastructure errors propagate.
func (r *Runner) runStory(ctx context.Context, runID string, item *types.WorkItem, rec *metrics.Recorder, opts Options, maxRetries int) (StoryResult, error) {
	story := StoryResult{Item: item}

	implRes, err := r.phases.Implement(ctx, item)
	if err != nil {
		return story, err
	}
	story.Phases = append(story.Phases, *implRes)
	r.recordItem(ctx, item)

	if implRes.Outcome == types.OutcomeBlocked {
		r.log.Failf("story %s blocked: %s", item.ID, item.BlockReason)
		r.failStory(rec, item, item.BlockReason)
		return story, nil
	}

	if opts.SkipReview {
		r.log.Warnf("review skipped for %s", item.ID)
		return story, r.completeStory(ctx, rec, item, runID, opts.NoCommit)
	}

	cycle, err := r.phases.ReviewWithFixes(ctx, item, maxRetries)
	if err != nil {
		reason, ok := reviewFailureReason(err)
		if !ok {
			return story, err
		}
		item.Status = types.StatusBlocked
		item.BlockReason = reason
		r.recordItem(ctx, item)
		r.log.Failf("story %s: %s", item.ID, reason)
		r.failStory(rec, item, reason)
		return story, nil
	}

	if cycle.Final != nil {
		story.Phases = append(story.Phases, *cycle.Final)
	}
	r.recordFixAttempts(ctx, runID, rec, cycle.Attempts)

	if cycle.Outcome == types.FixMaxRetries {
		story.exhausted = true
		r.recordItem(ctx, item)
		r.log.Failf("story %s: %s", item.ID, item.BlockReason)
		r.failStory(rec, item, item.BlockReason)
		if rec != nil {
			rec.FixLoopExhausted()
		}
		return story, nil
	}

	if cycle.Final != nil && cycle.Final.Outcome == types.OutcomeSuccessWithFixes {
		r.log.Infof("review passed with %d inline fixes", cycle.Final.FixedCount)
	}
	return story, r.completeStory(ctx, rec, item, runID, opts.NoCommit)
}

// completeStory marks the item done, persists it, and commits the staged
// changes unless commits are disabled.
func (r *Runner) completeStory(ctx context.Context, rec *metrics.Recorder, item *types.WorkItem, runID string, noCommit bool) error {
	item.Status = types.StatusDone
	if err := r.store.MarkDone(ctx, item.UnitID, item.ID); err != nil {
		r.log.Warnf("ledger: %v", err)
	}
	if rec != nil {
		rec.StoryCompleted()
	}
	r.log.Successf("story %s done", item.ID)
	if !noCommit {
		r.commit(ctx, item, runID)
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, item *types.WorkItem, runID string) {
	if r.git == nil {
		return
	}
	if err := r.git.StageAll(ctx); err != nil {
		r.log.Warnf("git: %v", err)
		return
	}
	summary := item.Title
	if summary == "" {
		summary = item.ID
	}
	message := fmt.Sprintf("unit %s: %s\n\nrun %s", item.UnitID, summary, runID)
	hash, err := r.git.Commit(ctx, message)
	if err != nil {
		r.log.Warnf("git: %v", err)
		return
	}
	if hash == "" {
		r.log.Debugf("nothing staged for %s; no commit created", item.ID)
		return
	}
	r.log.Infof("committed %s (%.8s)", item.ID, hash)
}

func (r *Runner) failStory(rec *metrics.Recorder, item *types.WorkItem, reason string) {
	if rec == nil {
		return
	}
	rec.StoryFailed()
	rec.AppendIssue(item.ID, "%s", reason)
}

func (r *Runner) recordItem(ctx context.Context, item *types.WorkItem) {
	if err := r.store.RecordItem(ctx, item); err != nil {
		r.log.Warnf("ledger: %v", err)
	}
}

func (r *Runner) recordFixAttempts(ctx context.Context, runID string, rec *metrics.Recorder, attempts []types.FixAttempt) {
	if len(attempts) == 0 {
		return
	}
	for _, att := range attempts {
		if err := r.store.RecordFixAttempt(ctx, runID, att); err != nil {
			r.log.Warnf("ledger: %v", err)
		}
	}
	if rec != nil {
		rec.FixAttempts(len(attempts))
	}
}

func (r *Runner) finishRun(ctx context.Context, res *UnitResult) {
	if err := r.store.FinishRun(ctx, res.RunID, res.ExitCode()); err != nil {
		r.log.Warnf("ledger: %v", err)
	}
}

func (r *Runner) summarize(res *UnitResult) {
	r.log.Headerf("Unit %s summary", res.UnitID)
	r.log.Itemf("Stories", "%d total", res.Total)
	r.log.Itemf("Completed", "%d", res.Completed)
	r.log.Itemf("Failed", "%d", res.Failed)
	r.log.Itemf("Skipped", "%d", res.Skipped)
	if res.Exhausted {
		r.log.Itemf("Fix loop", "retry bound exhausted")
	}
}

// dryRun prints the execution plan without invoking the agent, touching
// the ledger, or writing metrics.
func (r *Runner) dryRun(unitID string, items []*types.WorkItem, opts Options) (*UnitResult, error) {
	res := &UnitResult{UnitID: unitID, Total: len(items)}

	r.log.Headerf("Dry run: unit %s (%d stories)", unitID, len(items))
	for _, item := range items {
		implPrompt, err := r.prompts.Implementation(item, r.workDir)
		if err != nil {
			return nil, err
		}
		line := fmt.Sprintf("implementation prompt %d bytes", len(implPrompt))
		if !opts.SkipReview {
			reviewPrompt, err := r.prompts.Review(item)
			if err != nil {
				return nil, err
			}
			line += fmt.Sprintf(", review prompt %d bytes", len(reviewPrompt))
		}
		r.log.Itemf(item.ID, "%s", line)
		res.Stories = append(res.Stories, StoryResult{Item: item})
	}
	r.log.Infof("no agent invocations were made")
	return res, nil
}

// fromStory drops items ordered before the named story. Returns the kept
// items and how many were skipped.
func fromStory(items []*types.WorkItem, startFrom string) ([]*types.WorkItem, int, error) {
	if startFrom == "" {
		return items, 0, nil
	}
	for i, item := range items {
		if item.ID == startFrom {
			return items[i:], i, nil
		}
	}
	return nil, 0, fmt.Errorf("start-from story %q not found in unit", startFrom)
}

// reviewFailureReason maps the review cycle's typed errors to a block
// reason. Infrastructure errors return ok=false and abort the unit.
func reviewFailureReason(err error) (string, bool) {
	var unknown *phase.UnknownSignalError
	if errors.As(err, &unknown) {
		return "review produced no recognizable signal", true
	}
	var parse *phase.ReviewFindingsParseError
	if errors.As(err, &parse) {
		return parse.Error(), true
	}
	return "", false
}
