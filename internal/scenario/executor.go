package scenario

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// DefaultTimeout bounds one scenario command run.
const DefaultTimeout = 30 * time.Second

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out through sh -c.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Executor runs scenario commands sequentially, each bounded by a
// wall-clock timeout.
type Executor struct {
	runner  CommandRunner
	timeout time.Duration
	dir     string
	log     *ui.Logger
}

// NewExecutor builds a scenario executor. A zero timeout falls back to
// DefaultTimeout.
func NewExecutor(runner CommandRunner, timeout time.Duration, dir string, log *ui.Logger) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = ui.New(false)
	}
	return &Executor{runner: runner, timeout: timeout, dir: dir, log: log}
}

// ExecuteAll runs the given scenarios in order and returns one result
// per scenario. Results are appended, never mutated.
func (e *Executor) ExecuteAll(ctx context.Context, scenarios []types.Scenario) []types.ScenarioResult {
	results := make([]types.ScenarioResult, 0, len(scenarios))
	for _, s := range scenarios {
		results = append(results, e.Execute(ctx, s))
	}
	return results
}

// ExecuteScope runs an already-scoped scenario list for a gate check.
// Semi-automated scenarios that offer no command cannot be run at all;
// they fail with a reason that names the human step rather than the
// missing command.
func (e *Executor) ExecuteScope(ctx context.Context, scenarios []types.Scenario) []types.ScenarioResult {
	results := make([]types.ScenarioResult, 0, len(scenarios))
	for _, s := range scenarios {
		if s.Classification == types.ClassSemiAutomated && s.Command == "" {
			results = append(results, types.ScenarioResult{
				ScenarioID: s.ID,
				Name:       s.Name,
				Status:     types.ScenarioFail,
				ExitCode:   -1,
				Reason:     "requires manual verification",
			})
			e.log.Failf("%s %s: requires manual verification", s.ID, s.Name)
			continue
		}
		results = append(results, e.Execute(ctx, s))
	}
	return results
}

// Execute runs one scenario command. Exit 0 is a pass, deadline expiry
// is the distinct timeout status with exit code -1, any other nonzero
// exit is a fail. A scenario with no extractable command fails
// immediately rather than being skipped.
func (e *Executor) Execute(ctx context.Context, s types.Scenario) types.ScenarioResult {
	result := types.ScenarioResult{ScenarioID: s.ID, Name: s.Name}

	if s.Command == "" {
		result.Status = types.ScenarioFail
		result.ExitCode = -1
		result.Reason = "no automatable command found"
		e.log.Failf("%s %s: %s", s.ID, s.Name, result.Reason)
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := e.runner.Run(runCtx, e.dir, s.Command)
	result.Duration = time.Since(start)
	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = types.ScenarioTimeout
		result.ExitCode = -1
		result.Reason = fmt.Sprintf("timeout after %s", e.timeout)
		e.log.Failf("%s %s: timed out after %s", s.ID, s.Name, e.timeout)
	case err != nil:
		result.Status = types.ScenarioFail
		result.Reason = err.Error()
		e.log.Failf("%s %s: %v", s.ID, s.Name, err)
	case exitCode == 0:
		result.Status = types.ScenarioPass
		e.log.Successf("%s %s (%.1fs)", s.ID, s.Name, result.Duration.Seconds())
	default:
		result.Status = types.ScenarioFail
		result.Reason = fmt.Sprintf("exit code %d", exitCode)
		e.log.Failf("%s %s: exit code %d", s.ID, s.Name, exitCode)
	}

	return result
}
