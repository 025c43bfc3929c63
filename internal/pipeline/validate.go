package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/gate"
	"github.com/storylinehq/storyline/internal/healing"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/scenario"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// ValidateOptions mirror the validate subcommand's flags.
type ValidateOptions struct {
	// Mode selects the gate scope. Empty uses the config value.
	Mode types.GateMode
	// MaxRetries bounds self-healing. Zero uses the config value;
	// negative disables healing entirely.
	MaxRetries int
	// Timeout bounds each scenario subprocess. Zero uses the config value.
	Timeout time.Duration
	// IncludeManual lists manual scenarios in the report. They never
	// enter the gate scope in any mode.
	IncludeManual bool
}

// ValidationResult is the outcome of validating one unit.
type ValidationResult struct {
	UnitID   string
	RunID    string
	Document string
	Gate     *gate.Result
	// Healing is set when the gate failed and self-healing ran.
	Healing *healing.Result
	// Manual lists out-of-scope manual scenarios for the report.
	Manual []types.Scenario
}

// ExitCode maps the validation outcome to the process exit code.
func (v *ValidationResult) ExitCode() int {
	if v.Gate.Status == types.GatePass {
		return 0
	}
	if v.Healing != nil && v.Healing.Outcome == healing.OutcomeMaxRetriesExceeded {
		return 2
	}
	return 1
}

// Validator runs acceptance-scenario validation for a unit: load and
// classify the acceptance document, execute the gate scope, evaluate,
// and self-heal on failure.
type Validator struct {
	cfg     *config.Config
	log     *ui.Logger
	invoker agent.Invoker
	store   ledger.Store
	runner  scenario.CommandRunner
	workDir string
}

// NewValidator wires the validation engine. runner may be nil to use the
// production sh -c runner.
func NewValidator(cfg *config.Config, log *ui.Logger, invoker agent.Invoker, store ledger.Store, runner scenario.CommandRunner, workDir string) (*Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	return &Validator{
		cfg:     cfg,
		log:     log,
		invoker: invoker,
		store:   store,
		runner:  runner,
		workDir: workDir,
	}, nil
}

// ValidateUnit evaluates the unit's acceptance gate. rec may be nil; when
// non-nil the gate status is recorded on it and the caller finalizes.
func (v *Validator) ValidateUnit(ctx context.Context, unitID string, rec *metrics.Recorder, opts ValidateOptions) (*ValidationResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = types.GateMode(v.cfg.Gate.Mode)
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("unknown gate mode: %q", mode)
	}

	scenarios, document, err := scenario.Load(unitID, v.cfg.Locations.Acceptance)
	if err != nil {
		return nil, err
	}
	if document == "" && mode != types.GateSkip {
		return nil, fmt.Errorf("no acceptance document found for unit %q (searched: %v)", unitID, v.cfg.Locations.Acceptance)
	}

	res := &ValidationResult{
		UnitID:   unitID,
		RunID:    uuid.New().String(),
		Document: document,
	}
	run := &ledger.UnitRun{ID: res.RunID, UnitID: unitID, Kind: ledger.RunKindValidate}
	if err := v.store.StartRun(ctx, run); err != nil {
		v.log.Warnf("ledger: %v (continuing without run record)", err)
	}

	if opts.IncludeManual {
		for _, s := range scenarios {
			if s.Classification == types.ClassManual {
				res.Manual = append(res.Manual, s)
			}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(v.cfg.Gate.TimeoutSeconds) * time.Second
	}
	exec := scenario.NewExecutor(v.runner, timeout, v.workDir, v.log)

	scope := gate.Scope(mode, scenarios)
	v.log.Headerf("Validating unit %s: %d scenarios, %d in scope (%s gate)", unitID, len(scenarios), len(scope), mode)

	results := exec.ExecuteScope(ctx, scope)
	res.Gate = gate.Evaluate(mode, scenarios, results)
	v.recordGate(ctx, res, results)

	if res.Gate.Status == types.GateFail {
		retries := opts.MaxRetries
		if retries == 0 {
			retries = v.cfg.Gate.MaxRetries
		}
		if retries > 0 {
			healed, err := v.heal(ctx, unitID, exec, scope, res.Gate.Failing, retries)
			if err != nil {
				return nil, err
			}
			res.Healing = healed
			res.Gate = gate.Evaluate(mode, scenarios, healed.Final)
			v.recordGate(ctx, res, healed.Final)
		}
	}

	v.summarizeGate(res, mode)
	if rec != nil {
		rec.GateStatus(res.Gate.Status)
	}
	if err := v.store.FinishRun(ctx, res.RunID, res.ExitCode()); err != nil {
		v.log.Warnf("ledger: %v", err)
	}
	return res, nil
}

func (v *Validator) heal(ctx context.Context, unitID string, exec *scenario.Executor, scope []types.Scenario, failing []types.ScenarioResult, retries int) (*healing.Result, error) {
	loop, err := healing.New(healing.Config{
		MaxRetries:   retries,
		ArtifactsDir: v.cfg.Locations.Artifacts,
	}, exec, v.invoker, v.log)
	if err != nil {
		return nil, err
	}
	return loop.Heal(ctx, unitID, scope, failing, v.unitNotes(unitID))
}

// unitNotes reads the unit's definition document for fix-context prompts.
// Missing documents are fine; healing then runs without unit notes.
func (v *Validator) unitNotes(unitID string) string {
	for _, dir := range v.cfg.Locations.Units {
		data, err := os.ReadFile(filepath.Join(dir, unitID+".md"))
		if err == nil {
			return string(data)
		}
	}
	return ""
}

func (v *Validator) recordGate(ctx context.Context, res *ValidationResult, results []types.ScenarioResult) {
	for _, sr := range results {
		if err := v.store.RecordScenario(ctx, res.RunID, res.UnitID, sr); err != nil {
			v.log.Warnf("ledger: %v", err)
		}
	}
	g := res.Gate
	err := v.store.RecordGate(ctx, ledger.GateRecord{
		RunID:      res.RunID,
		UnitID:     res.UnitID,
		Mode:       g.Mode,
		Status:     g.Status,
		Passed:     g.Passed,
		Failed:     g.Failed,
		OutOfScope: g.OutOfScope,
	})
	if err != nil {
		v.log.Warnf("ledger: %v", err)
	}
}

func (v *Validator) summarizeGate(res *ValidationResult, mode types.GateMode) {
	g := res.Gate
	v.log.Headerf("Gate: unit %s", res.UnitID)
	v.log.Itemf("Mode", "%s", mode)
	v.log.Itemf("In scope", "%d (passed %d, failed %d)", g.InScope, g.Passed, g.Failed)
	v.log.Itemf("Out of scope", "%d", g.OutOfScope)
	for _, fr := range g.Failing {
		v.log.Failf("%s: %s", fr.ScenarioID, fr.Reason)
	}
	for _, m := range res.Manual {
		v.log.Itemf("Manual", "%s: %s (not gated)", m.ID, m.Name)
	}
	if res.Healing != nil {
		v.log.Itemf("Healing", "%d attempts, %s", res.Healing.Attempts, res.Healing.Outcome)
		if res.Healing.HumanActionsPath != "" {
			v.log.Itemf("Human actions", "%s", res.Healing.HumanActionsPath)
		}
	}

	status := string(g.Status)
	if mode == types.GateSkip {
		status = "SKIP"
	}
	v.log.Signal("GATE_SCOPE", "%d/%d", g.Failed, g.InScope)
	v.log.Signal("GATE_STATUS", "%s", status)
}
