// Package healing drives the bounded self-healing loop that follows a
// failed validation gate: write a fix context, let an agent attempt
// repairs, re-run the gate scope, repeat until green or out of
// retries. Exhaustion produces a human-actions artifact instead of
// another attempt.
package healing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/intervention"
	"github.com/storylinehq/storyline/internal/protocol"
	"github.com/storylinehq/storyline/internal/scenario"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// DefaultMaxRetries bounds healing iterations per unit.
const DefaultMaxRetries = 3

// Outcome is the terminal state of one healing run.
type Outcome string

const (
	// OutcomeHealed means a re-run left zero failures in scope.
	OutcomeHealed Outcome = "healed"
	// OutcomeMaxRetriesExceeded is distinct from a plain failure: the
	// bound ran out with failures remaining, and a human-actions
	// artifact was written.
	OutcomeMaxRetriesExceeded Outcome = "max_retries_exceeded"
)

// Result reports what healing achieved.
type Result struct {
	Outcome  Outcome
	Attempts int
	// Final holds the results of the last scope re-run.
	Final []types.ScenarioResult
	// Unresolved holds the failures still standing at exit.
	Unresolved []types.ScenarioResult
	// Tags are the intervention annotations from the final attempt.
	Tags []types.InterventionTag
	// HumanActionsPath is set when the bound was exhausted.
	HumanActionsPath string
}

// Config parameterizes a healing loop.
type Config struct {
	MaxRetries   int
	ArtifactsDir string
}

// Loop wires the healing dependencies together.
type Loop struct {
	cfg      Config
	executor *scenario.Executor
	invoker  agent.Invoker
	log      *ui.Logger
}

// New builds a healing loop. MaxRetries defaults to DefaultMaxRetries.
func New(cfg Config, executor *scenario.Executor, invoker agent.Invoker, log *ui.Logger) (*Loop, error) {
	if executor == nil {
		return nil, fmt.Errorf("scenario executor is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("agent invoker is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "artifacts"
	}
	if log == nil {
		log = ui.New(false)
	}
	return &Loop{cfg: cfg, executor: executor, invoker: invoker, log: log}, nil
}

// Heal runs fix-and-revalidate iterations over the gate scope until no
// failures remain or the retry bound is exhausted. scope must already
// be gate-filtered; failing holds the failures that tripped the gate.
// unitNotes carries the owning unit's story notes for the fix context.
func (l *Loop) Heal(ctx context.Context, unitID string, scope []types.Scenario, failing []types.ScenarioResult, unitNotes string) (*Result, error) {
	if len(failing) == 0 {
		return &Result{Outcome: OutcomeHealed}, nil
	}

	res := &Result{Unresolved: failing}
	bodies := scenarioBodies(scope)

	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("healing canceled after %d attempts: %w", attempt-1, err)
		}
		res.Attempts = attempt

		// Fresh accumulator per iteration: tags describe this
		// attempt's failures only.
		tags := intervention.DetectAll(res.Unresolved)
		res.Tags = tags

		fixContext, err := renderFixContext(&fixContextData{
			UnitID:      unitID,
			Attempt:     attempt,
			MaxRetries:  l.cfg.MaxRetries,
			UnitNotes:   unitNotes,
			Failures:    describeFailures(res.Unresolved, bodies, tags),
			HasBlocking: intervention.HasBlocking(tags),
		})
		if err != nil {
			return nil, err
		}
		contextPath := filepath.Join(l.cfg.ArtifactsDir, "fix-context", fmt.Sprintf("%s-attempt-%d.md", unitID, attempt))
		if err := writeArtifact(contextPath, fixContext); err != nil {
			l.log.Warnf("failed to write fix context %s: %v (continuing with inline context)", contextPath, err)
		}

		l.log.Infof("Healing attempt %d/%d for %s (%d failures)", attempt, l.cfg.MaxRetries, unitID, len(res.Unresolved))
		out, err := l.invoker.Invoke(ctx, agent.Request{
			Phase:  types.PhaseFix,
			ItemID: unitID,
			Prompt: fixContext + "\n" + fixDirective + "\n" + protocol.Instructions(types.PhaseFix, unitID),
		})
		if err != nil {
			return nil, fmt.Errorf("healing agent for %s: %w", unitID, err)
		}
		if sig := protocol.Parse(out.Output); sig.Status == protocol.StatusFixIncomplete {
			l.log.Warnf("healing attempt %d for %s reported incomplete: %s", attempt, unitID, sig.Reason)
		}

		// The re-run is the judge, not the agent's report.
		res.Final = l.executor.ExecuteScope(ctx, scope)
		res.Unresolved = failedOf(res.Final)

		if len(res.Unresolved) == 0 {
			res.Outcome = OutcomeHealed
			res.Tags = nil
			l.log.Successf("Healing succeeded for %s after %d attempt(s)", unitID, attempt)
			return res, nil
		}
	}

	res.Outcome = OutcomeMaxRetriesExceeded
	res.Tags = intervention.DetectAll(res.Unresolved)

	actions, err := renderHumanActions(&humanActionsData{
		UnitID:     unitID,
		MaxRetries: l.cfg.MaxRetries,
		Items:      describeFailures(res.Unresolved, bodies, res.Tags),
	})
	if err != nil {
		return nil, err
	}
	actionsPath := filepath.Join(l.cfg.ArtifactsDir, "human-actions", unitID+".md")
	if err := writeArtifact(actionsPath, actions); err != nil {
		l.log.Warnf("failed to write human-actions artifact %s: %v", actionsPath, err)
	} else {
		res.HumanActionsPath = actionsPath
	}

	l.log.Failf("Healing exhausted for %s: %d failure(s) remain (see %s)", unitID, len(res.Unresolved), actionsPath)
	return res, nil
}

const fixDirective = `# EXECUTION DIRECTIVE

Autonomous mode. Fix only the failures listed above; do not rework
passing scenarios. Do not pause for confirmation.`

func failedOf(results []types.ScenarioResult) []types.ScenarioResult {
	var out []types.ScenarioResult
	for _, r := range results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

func scenarioBodies(scope []types.Scenario) map[string]types.Scenario {
	m := make(map[string]types.Scenario, len(scope))
	for _, s := range scope {
		m[s.ID] = s
	}
	return m
}

// causeHint is one entry in the ordered root-cause table. First match
// wins; anything unmatched gets the generic hint.
type causeHint struct {
	pattern *regexp.Regexp
	hint    string
}

func compileCauseHints() []causeHint {
	return []causeHint{
		{regexp.MustCompile(`(?i:environment variable|env var|missing required env)|\$?[A-Z][A-Z0-9_]{2,}\s+(?:is\s+)?(?:not set|unset|undefined|empty|missing)`),
			"check required environment configuration"},
		{regexp.MustCompile(`(?i)connection refused|\bECONNREFUSED\b`),
			"ensure the dependent service is running"},
		{regexp.MustCompile(`(?i)command not found|executable file not found|not recognized as an internal`),
			"install the missing tool or adjust PATH"},
		{regexp.MustCompile(`(?i)permission denied|unauthorized|forbidden|credentials?|api[ _-]?key`),
			"provision credentials before retrying"},
		{regexp.MustCompile(`(?i)\bassert(ion)?\b|expected .{1,120} got|mismatch`),
			"re-read the acceptance criteria against the observed output"},
		{regexp.MustCompile(`(?i)timed? ?out|timeout|deadline exceeded`),
			"look for hangs or missing service dependencies"},
	}
}

var causeHints = compileCauseHints()

// rootCause maps a failure's output to the first matching hint.
func rootCause(res types.ScenarioResult) string {
	text := strings.Join([]string{res.Reason, res.Stderr, res.Stdout}, "\n")
	for _, c := range causeHints {
		if c.pattern.MatchString(text) {
			return c.hint
		}
	}
	return "inspect the command output above"
}

const maxOutputLines = 30

// trimOutput keeps the tail of captured output, where the failure
// usually is.
func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxOutputLines {
		return s
	}
	kept := lines[len(lines)-maxOutputLines:]
	return fmt.Sprintf("... (%d earlier lines trimmed)\n%s", len(lines)-maxOutputLines, strings.Join(kept, "\n"))
}

func writeArtifact(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
