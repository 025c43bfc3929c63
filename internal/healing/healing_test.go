package healing

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/scenario"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

func silentLogger() *ui.Logger {
	return &ui.Logger{Out: io.Discard, Err: io.Discard}
}

// queueRunner replays scripted exit codes per command; the last code
// repeats once the queue drains.
type queueRunner struct {
	exits  map[string][]int
	stderr map[string]string
}

func (q *queueRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	codes := q.exits[command]
	code := 0
	if len(codes) > 0 {
		code = codes[0]
		if len(codes) > 1 {
			q.exits[command] = codes[1:]
		}
	}
	return "", q.stderr[command], code, nil
}

type fixInvoker struct {
	calls   int
	prompts []string
}

func (f *fixInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	return &agent.Result{Output: fmt.Sprintf("FIX COMPLETE: %s - Fixed 1 issue", req.ItemID)}, nil
}

func healScope() []types.Scenario {
	return []types.Scenario{
		{ID: "S1", Name: "unit tests", Classification: types.ClassAutomatable, Command: "c1",
			Body: "Run `c1` and expect exit code 0."},
		{ID: "S2", Name: "api smoke", Classification: types.ClassAutomatable, Command: "c2"},
		{ID: "S3", Name: "db check", Classification: types.ClassAutomatable, Command: "c3"},
	}
}

func initialFailures() []types.ScenarioResult {
	return []types.ScenarioResult{
		{ScenarioID: "S1", Name: "unit tests", Status: types.ScenarioFail, ExitCode: 1},
		{ScenarioID: "S2", Name: "api smoke", Status: types.ScenarioFail, ExitCode: 1},
		{ScenarioID: "S3", Name: "db check", Status: types.ScenarioFail, ExitCode: 1, Stderr: "dial tcp: connection refused"},
	}
}

func TestHealExhaustsBoundAndWritesHumanActions(t *testing.T) {
	artifacts := t.TempDir()
	runner := &queueRunner{
		exits: map[string][]int{
			"c1": {0},    // fixed by the first attempt
			"c2": {1, 0}, // fixed by the second attempt
			"c3": {1},    // never recovers
		},
		stderr: map[string]string{"c3": "dial tcp: connection refused"},
	}
	exec := scenario.NewExecutor(runner, 0, "", silentLogger())
	invoker := &fixInvoker{}

	loop, err := New(Config{MaxRetries: 2, ArtifactsDir: artifacts}, exec, invoker, silentLogger())
	require.NoError(t, err)

	res, err := loop.Heal(context.Background(), "checkout", healScope(), initialFailures(), "Stories 1-3 shipped the checkout flow.")
	require.NoError(t, err)

	assert.Equal(t, OutcomeMaxRetriesExceeded, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	// No attempt 3: the bound is strict.
	assert.Equal(t, 2, invoker.calls)

	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "S3", res.Unresolved[0].ScenarioID)

	// One fix-context artifact per attempt.
	for _, name := range []string{"checkout-attempt-1.md", "checkout-attempt-2.md"} {
		_, err := os.Stat(filepath.Join(artifacts, "fix-context", name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(artifacts, "fix-context", "checkout-attempt-3.md"))
	assert.True(t, os.IsNotExist(err))

	// Human-actions artifact lists only the unresolved scenario, with
	// rule guidance from the intervention taxonomy.
	data, err := os.ReadFile(res.HumanActionsPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "S3")
	assert.Contains(t, content, "ensure the dependent service is running")
	assert.NotContains(t, content, "## S1")
	assert.NotContains(t, content, "## S2")
}

func TestHealSucceedsAndStops(t *testing.T) {
	artifacts := t.TempDir()
	runner := &queueRunner{exits: map[string][]int{"c1": {0}, "c2": {0}, "c3": {0}}}
	exec := scenario.NewExecutor(runner, 0, "", silentLogger())
	invoker := &fixInvoker{}

	loop, err := New(Config{MaxRetries: 3, ArtifactsDir: artifacts}, exec, invoker, silentLogger())
	require.NoError(t, err)

	res, err := loop.Heal(context.Background(), "checkout", healScope(), initialFailures(), "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, invoker.calls)
	assert.Empty(t, res.Unresolved)
	assert.Empty(t, res.HumanActionsPath)

	_, err = os.Stat(filepath.Join(artifacts, "human-actions", "checkout.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestHealFixContextCarriesFailureDetail(t *testing.T) {
	artifacts := t.TempDir()
	runner := &queueRunner{exits: map[string][]int{"c1": {0}, "c2": {0}, "c3": {0}}}
	exec := scenario.NewExecutor(runner, 0, "", silentLogger())
	invoker := &fixInvoker{}

	loop, err := New(Config{MaxRetries: 1, ArtifactsDir: artifacts}, exec, invoker, silentLogger())
	require.NoError(t, err)

	_, err = loop.Heal(context.Background(), "checkout", healScope(), initialFailures(), "Checkout unit notes here.")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(artifacts, "fix-context", "checkout-attempt-1.md"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "attempt 1 of 1")
	assert.Contains(t, content, "Checkout unit notes here.")
	assert.Contains(t, content, "`c1`")
	assert.Contains(t, content, "Run `c1` and expect exit code 0.")
	assert.Contains(t, content, "ensure the dependent service is running")

	// The same context is what the fix agent received.
	require.Len(t, invoker.prompts, 1)
	assert.Contains(t, invoker.prompts[0], "Checkout unit notes here.")
	assert.Contains(t, invoker.prompts[0], "FIX COMPLETE: checkout")
}

func TestHealNothingToDo(t *testing.T) {
	exec := scenario.NewExecutor(&queueRunner{}, 0, "", silentLogger())
	invoker := &fixInvoker{}
	loop, err := New(Config{ArtifactsDir: t.TempDir()}, exec, invoker, silentLogger())
	require.NoError(t, err)

	res, err := loop.Heal(context.Background(), "checkout", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, invoker.calls)
}

func TestRootCauseTable(t *testing.T) {
	tests := []struct {
		stderr string
		hint   string
	}{
		{"DATABASE_URL is not set", "check required environment configuration"},
		{"connect: connection refused", "ensure the dependent service is running"},
		{"sh: migrate: command not found", "install the missing tool or adjust PATH"},
		{"permission denied while opening socket", "provision credentials before retrying"},
		{"assertion failed: expected 200 got 500", "re-read the acceptance criteria against the observed output"},
		{"context deadline exceeded", "look for hangs or missing service dependencies"},
		{"some novel explosion", "inspect the command output above"},
	}
	for _, tt := range tests {
		res := types.ScenarioResult{Status: types.ScenarioFail, Stderr: tt.stderr}
		assert.Equal(t, tt.hint, rootCause(res), "stderr: %q", tt.stderr)
	}
}

func TestTrimOutputKeepsTail(t *testing.T) {
	var lines string
	for i := 0; i < 50; i++ {
		lines += fmt.Sprintf("line %d\n", i)
	}
	out := trimOutput(lines)
	assert.Contains(t, out, "line 49")
	assert.NotContains(t, out, "line 0\n")
	assert.Contains(t, out, "earlier lines trimmed")

	assert.Equal(t, "short", trimOutput("short"))
	assert.Equal(t, "", trimOutput("  \n "))
}
