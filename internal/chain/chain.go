// Package chain runs multiple units in sequence: plan, run each unit's
// stories, gate each unit on its acceptance scenarios, write a handoff
// document for the next unit, and aggregate a chain report at the end.
// Execution order is always the caller-supplied order; dependency
// declarations in unit documents are logged as hints only.
package chain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/discovery"
	"github.com/storylinehq/storyline/internal/docedit"
	"github.com/storylinehq/storyline/internal/gitops"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/pipeline"
	"github.com/storylinehq/storyline/internal/scenario"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// Options mirror the chain subcommand's flags.
type Options struct {
	AnalyzeOnly bool
	NoHandoff   bool
	// NoCombinedReport disables the aggregate chain report; per-unit
	// metrics are still recorded.
	NoCombinedReport bool
	// NoReport disables per-unit metrics recording for this chain run.
	NoReport    bool
	NoUAT       bool
	UATGate     types.GateMode
	UATBlocking bool
	// UATRetries bounds per-unit self-healing. Zero uses the config
	// value; negative disables healing.
	UATRetries int
	StartFrom  string
	SkipDone   bool
}

// UnitOutcome is one unit's slice of a chain run.
type UnitOutcome struct {
	UnitID  string
	Skipped bool
	Run     *pipeline.UnitResult
	// Gate is nil when validation was disabled.
	Gate *pipeline.ValidationResult
	// Metrics is the unit's record snapshot, nil with --no-report.
	Metrics  *types.UnitMetrics
	ExitCode int

	// baseRef is the commit the unit started from, for changed-file lists.
	baseRef string
}

// Result is the outcome of one chain invocation.
type Result struct {
	RunID      string
	Plan       *types.ChainPlan
	Units      []UnitOutcome
	Halted     bool
	ReportPath string
}

// ExitCode is the worst unit exit code, or the halt code in blocking mode.
func (r *Result) ExitCode() int {
	code := 0
	for _, u := range r.Units {
		if u.ExitCode > code {
			code = u.ExitCode
		}
	}
	return code
}

// Status is the value reported on the CHAIN_STATUS signal line.
func (r *Result) Status() string {
	if r.ExitCode() == 0 {
		return "PASS"
	}
	return "FAIL"
}

// Orchestrator sequences units through the run and validation engines.
type Orchestrator struct {
	cfg       *config.Config
	log       *ui.Logger
	runner    *pipeline.Runner
	validator *pipeline.Validator
	store     ledger.Store
	git       gitops.Operations
}

// New wires the chain orchestrator. git may be nil; handoffs then omit
// changed-file lists.
func New(cfg *config.Config, log *ui.Logger, runner *pipeline.Runner, validator *pipeline.Validator, store ledger.Store, git gitops.Operations) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if runner == nil || validator == nil {
		return nil, fmt.Errorf("runner and validator are required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		runner:    runner,
		validator: validator,
		store:     store,
		git:       git,
	}, nil
}

// Plan resolves each unit's definition document, dependency hints, story
// count, and done state. Setup problems (no definition, no stories) fail
// here, before any phase runs.
func (o *Orchestrator) Plan(ctx context.Context, unitIDs []string) (*types.ChainPlan, error) {
	if len(unitIDs) == 0 {
		return nil, fmt.Errorf("at least one unit id is required")
	}

	plan := &types.ChainPlan{ComputedAt: time.Now()}
	disc := discovery.New(o.cfg.Locations.Stories)

	for _, id := range unitIDs {
		body, err := o.unitDefinition(id)
		if err != nil {
			return nil, err
		}

		items, err := disc.Discover(id)
		if err != nil {
			return nil, err
		}

		done := true
		for _, item := range items {
			isDone, err := o.store.IsDone(ctx, id, item.ID)
			if err != nil || !isDone {
				done = false
				break
			}
		}

		plan.Units = append(plan.Units, types.PlannedUnit{
			ID:         id,
			DependsOn:  parseDependencies(body),
			StoryCount: len(items),
			Done:       done,
		})
	}
	return plan, nil
}

// Execute runs the chain. Unit failures are recorded and the chain
// continues unless blocking mode is set and the unit's gate failed.
func (o *Orchestrator) Execute(ctx context.Context, unitIDs []string, opts Options) (*Result, error) {
	plan, err := o.Plan(ctx, unitIDs)
	if err != nil {
		return nil, err
	}

	gateMode := opts.UATGate
	if gateMode == "" {
		gateMode = types.GateMode(o.cfg.Gate.Mode)
	}
	if !opts.NoUAT && gateMode != types.GateSkip {
		for _, unit := range plan.Units {
			if _, ok := scenario.Locate(unit.ID, o.cfg.Locations.Acceptance); !ok {
				return nil, fmt.Errorf("unit %s: no acceptance document found (searched: %v)", unit.ID, o.cfg.Locations.Acceptance)
			}
		}
	}

	o.printPlan(plan)
	if opts.AnalyzeOnly {
		return &Result{Plan: plan}, nil
	}

	units := plan.Units
	if opts.StartFrom != "" {
		idx := -1
		for i, u := range units {
			if u.ID == opts.StartFrom {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("start-from unit %q is not part of this chain", opts.StartFrom)
		}
		units = units[idx:]
	}

	res := &Result{RunID: uuid.New().String(), Plan: plan}
	run := &ledger.UnitRun{
		ID:     res.RunID,
		UnitID: strings.Join(unitIDs, "+"),
		Kind:   ledger.RunKindChain,
	}
	if err := o.store.StartRun(ctx, run); err != nil {
		o.log.Warnf("ledger: %v (continuing without run record)", err)
	}

	for i, unit := range units {
		if ctx.Err() != nil {
			o.finish(ctx, res)
			return res, ctx.Err()
		}

		if opts.SkipDone && unit.Done {
			o.log.Infof("skipping unit %s (already done)", unit.ID)
			res.Units = append(res.Units, UnitOutcome{UnitID: unit.ID, Skipped: true})
			continue
		}

		outcome, err := o.runUnit(ctx, unit.ID, opts, gateMode)
		if err != nil {
			o.finish(ctx, res)
			return res, fmt.Errorf("unit %s: %w", unit.ID, err)
		}
		res.Units = append(res.Units, *outcome)

		gateFailed := outcome.Gate != nil && outcome.Gate.Gate.Status == types.GateFail
		if gateFailed && opts.UATBlocking {
			o.log.Errorf("unit %s gate failed; halting chain (blocking mode)", unit.ID)
			res.Halted = true
			break
		}

		if !opts.NoHandoff && i+1 < len(units) {
			o.writeHandoff(ctx, outcome, units[i+1].ID)
		}
	}

	if !opts.NoCombinedReport {
		path, err := o.writeReport(res)
		if err != nil {
			o.log.Warnf("chain report: %v", err)
		} else {
			res.ReportPath = path
		}
	}

	o.summarize(res)
	o.finish(ctx, res)
	o.log.Signal("CHAIN_STATUS", "%s", res.Status())
	return res, nil
}

// runUnit executes one unit's stories and, unless disabled, its gate.
func (o *Orchestrator) runUnit(ctx context.Context, unitID string, opts Options, gateMode types.GateMode) (*UnitOutcome, error) {
	outcome := &UnitOutcome{UnitID: unitID}

	baseRef := ""
	if o.git != nil {
		head, err := o.git.Head(ctx)
		if err != nil {
			o.log.Debugf("no base ref for %s: %v", unitID, err)
		} else {
			baseRef = head
		}
	}

	var rec *metrics.Recorder
	if !opts.NoReport {
		rec = metrics.New(docedit.Select(o.cfg.Editor), o.cfg.Locations.Artifacts, o.log)
	}

	runRes, err := o.runner.RunUnit(ctx, unitID, rec, pipeline.Options{SkipDone: opts.SkipDone})
	if err != nil {
		return nil, err
	}
	outcome.Run = runRes
	outcome.ExitCode = runRes.ExitCode()

	if !opts.NoUAT {
		valRes, err := o.validator.ValidateUnit(ctx, unitID, rec, pipeline.ValidateOptions{
			Mode:       gateMode,
			MaxRetries: opts.UATRetries,
		})
		if err != nil {
			return nil, err
		}
		outcome.Gate = valRes
		if code := valRes.ExitCode(); code > outcome.ExitCode {
			outcome.ExitCode = code
		}
	}

	if rec != nil {
		rec.Finalize()
		outcome.Metrics = rec.Snapshot()
	}
	outcome.baseRef = baseRef
	return outcome, nil
}

func (o *Orchestrator) finish(ctx context.Context, res *Result) {
	if err := o.store.FinishRun(ctx, res.RunID, res.ExitCode()); err != nil {
		o.log.Warnf("ledger: %v", err)
	}
}

func (o *Orchestrator) printPlan(plan *types.ChainPlan) {
	o.log.Headerf("Chain plan: %d units", len(plan.Units))
	for _, u := range plan.Units {
		detail := fmt.Sprintf("%d stories", u.StoryCount)
		if len(u.DependsOn) > 0 {
			detail += fmt.Sprintf(", depends on %s", strings.Join(u.DependsOn, ", "))
		}
		if u.Done {
			detail += ", already done"
		}
		o.log.Itemf(u.ID, "%s", detail)
	}
}

func (o *Orchestrator) summarize(res *Result) {
	o.log.Headerf("Chain summary (run %s)", res.RunID)
	for _, u := range res.Units {
		switch {
		case u.Skipped:
			o.log.Itemf(u.UnitID, "skipped (already done)")
		case u.ExitCode == 0:
			o.log.Successf("%s: all stories done", u.UnitID)
		default:
			o.log.Failf("%s: exit %d", u.UnitID, u.ExitCode)
		}
	}
	if res.Halted {
		o.log.Itemf("Halted", "blocking gate failure")
	}
	if res.ReportPath != "" {
		o.log.Itemf("Report", "%s", res.ReportPath)
	}
}

// unitDefinition reads {unit}.md from the configured unit locations.
func (o *Orchestrator) unitDefinition(unitID string) (string, error) {
	for _, dir := range o.cfg.Locations.Units {
		data, err := os.ReadFile(filepath.Join(dir, unitID+".md"))
		if err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("unit %s: no definition document found (searched: %v)", unitID, o.cfg.Locations.Units)
}

var (
	depsHeading = regexp.MustCompile(`(?im)^#{2,4}\s*dependencies\s*$`)
	nextHeading = regexp.MustCompile(`(?m)^#`)
)

// parseDependencies extracts unit ids from an optional "## Dependencies"
// section: one per line or comma-separated, with or without bullets.
func parseDependencies(body string) []string {
	loc := depsHeading.FindStringIndex(body)
	if loc == nil {
		return nil
	}

	section := body[loc[1]:]
	if next := nextHeading.FindStringIndex(section); next != nil {
		section = section[:next[0]]
	}

	var deps []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
		if line == "" {
			continue
		}
		for _, token := range strings.Split(line, ",") {
			if token = strings.TrimSpace(token); token != "" {
				deps = append(deps, token)
			}
		}
	}
	return deps
}
