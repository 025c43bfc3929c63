package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/discovery"
	"github.com/storylinehq/storyline/internal/docedit"
	"github.com/storylinehq/storyline/internal/gitops"
	"github.com/storylinehq/storyline/internal/ledger"
	"github.com/storylinehq/storyline/internal/metrics"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// scriptedInvoker returns canned outputs in order and logs every request.
type scriptedInvoker struct {
	outputs  []string
	requests []agent.Request
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	s.requests = append(s.requests, req)
	if len(s.outputs) == 0 {
		return &agent.Result{Output: "no signal here"}, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return &agent.Result{Output: out}, nil
}

func (s *scriptedInvoker) phases() []types.Phase {
	var phases []types.Phase
	for _, req := range s.requests {
		phases = append(phases, req.Phase)
	}
	return phases
}

type fakeGit struct {
	commits []string
	staged  int
}

var _ gitops.Operations = (*fakeGit)(nil)

func (f *fakeGit) StageAll(ctx context.Context) error { f.staged++; return nil }

func (f *fakeGit) HasStagedChanges(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeGit) Commit(ctx context.Context, message string) (string, error) {
	f.commits = append(f.commits, message)
	return fmt.Sprintf("%040d", len(f.commits)), nil
}

func (f *fakeGit) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	return nil, nil
}

func (f *fakeGit) Head(ctx context.Context) (string, error) { return "headhash", nil }

// testEnv builds a workspace with the named stories plus every runner
// collaborator backed by temp dirs and in-memory fakes.
type testEnv struct {
	cfg     *config.Config
	log     *ui.Logger
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	invoker *scriptedInvoker
	store   *ledger.MemoryStore
	git     *fakeGit
	rec     *metrics.Recorder
	workDir string
}

func newTestEnv(t *testing.T, stories ...string) *testEnv {
	t.Helper()
	workDir := t.TempDir()
	storiesDir := filepath.Join(workDir, "stories")
	require.NoError(t, os.MkdirAll(storiesDir, 0755))
	for _, name := range stories {
		body := "# " + name + "\n\nDo the thing and keep the tests green.\n"
		require.NoError(t, os.WriteFile(filepath.Join(storiesDir, name+".md"), []byte(body), 0644))
	}

	cfg := config.DefaultConfig()
	cfg.Locations.Stories = []string{storiesDir}
	cfg.Locations.Units = []string{filepath.Join(workDir, "units")}
	cfg.Locations.Acceptance = []string{filepath.Join(workDir, "uat")}
	cfg.Locations.Artifacts = filepath.Join(workDir, "artifacts")
	require.NoError(t, cfg.Validate())

	var out, errOut bytes.Buffer
	log := &ui.Logger{Out: &out, Err: &errOut}
	env := &testEnv{
		cfg:     cfg,
		log:     log,
		out:     &out,
		errOut:  &errOut,
		invoker: &scriptedInvoker{},
		store:   ledger.NewMemory(),
		git:     &fakeGit{},
		rec:     metrics.New(docedit.Select(cfg.Editor), cfg.Locations.Artifacts, log),
		workDir: workDir,
	}
	return env
}

func (e *testEnv) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(e.cfg, e.log, e.invoker, e.store, e.git, e.workDir)
	require.NoError(t, err)
	return r
}

const reviewFailedOutput = `REVIEW FAILED: %s - issues found
REVIEW FINDINGS START
- [HIGH] cart total ignores quantity (at cart/total.go:12)
REVIEW FINDINGS END`

func TestRunUnitNoStoriesIsDiscoveryError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{})

	var derr *discovery.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "checkout", derr.UnitID)
	assert.Empty(t, env.invoker.requests)
}

func TestDryRunMakesNoInvocations(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, env.invoker.requests)
	assert.Equal(t, 0, res.ExitCode())
	assert.Len(t, res.Stories, 2)
	assert.Contains(t, env.out.String(), "Dry run")
	assert.Contains(t, env.out.String(), "implementation prompt")

	runs, err := env.store.RecentRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "dry run must not create ledger rows")
}

func TestRunUnitCompletesStories(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"REVIEW PASSED: checkout-1-cart",
		"IMPLEMENTATION COMPLETE: checkout-2-pay",
		"REVIEW PASSED: checkout-2-pay",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, "done", res.Status())
	assert.Contains(t, env.out.String(), "UNIT_STATUS: checkout done")

	require.Len(t, env.git.commits, 2)
	assert.Contains(t, env.git.commits[0], "unit checkout: ")
	assert.Contains(t, env.git.commits[0], res.RunID)

	for _, id := range []string{"checkout-1-cart", "checkout-2-pay"} {
		done, err := env.store.IsDone(context.Background(), "checkout", id)
		require.NoError(t, err)
		assert.True(t, done, id)
	}

	env.rec.Finalize()
	persisted, err := metrics.Load(docedit.Select("incremental"), env.cfg.Locations.Artifacts, "checkout")
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.Stories.Completed)
	assert.Equal(t, res.RunID, persisted.RunID)

	runs, err := env.store.RecentRuns(context.Background(), "checkout", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 0, *runs[0].ExitCode)
}

func TestRunUnitBlockedStoryContinues(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	env.invoker.outputs = []string{
		"IMPLEMENTATION BLOCKED: checkout-1-cart - schema migration missing",
		"IMPLEMENTATION COMPLETE: checkout-2-pay",
		"REVIEW PASSED: checkout-2-pay",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.ExitCode())
	assert.Contains(t, env.out.String(), "UNIT_STATUS: checkout failed")
	assert.Len(t, env.git.commits, 1, "blocked stories are not committed")

	items, err := env.store.UnitItems(context.Background(), "checkout")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.StatusBlocked, items[0].Status)
	assert.Equal(t, "schema migration missing", items[0].BlockReason)
	assert.Equal(t, types.StatusDone, items[1].Status)

	snap := env.rec.Snapshot()
	assert.Equal(t, 1, snap.Stories.Failed)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, "checkout-1-cart", snap.Issues[0].ItemID)
}

func TestRunUnitExhaustsFixLoop(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	failed := fmt.Sprintf(reviewFailedOutput, "checkout-1-cart")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		failed,
		"FIX COMPLETE: checkout-1-cart - Fixed 1 issues",
		failed,
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{MaxRetries: 1})
	require.NoError(t, err)

	assert.True(t, res.Exhausted)
	assert.Equal(t, 2, res.ExitCode())
	assert.Equal(t, "max_retries", res.Status())
	assert.Contains(t, env.out.String(), "UNIT_STATUS: checkout max_retries")
	assert.Empty(t, env.git.commits)

	snap := env.rec.Snapshot()
	assert.Equal(t, 1, snap.FixLoop.Attempts)
	assert.Equal(t, 1, snap.FixLoop.Exhausted)
}

func TestRunUnitUnknownReviewSignal(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"I looked around and it seems fine I guess?",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Exhausted)
	assert.Equal(t, 1, res.ExitCode())

	items, err := env.store.UnitItems(context.Background(), "checkout")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.StatusBlocked, items[0].Status)
	assert.Equal(t, "review produced no recognizable signal", items[0].BlockReason)
}

func TestRunUnitSkipDone(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	require.NoError(t, env.store.MarkDone(context.Background(), "checkout", "checkout-1-cart"))
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-2-pay",
		"REVIEW PASSED: checkout-2-pay",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{SkipDone: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, env.invoker.requests, 2)
	for _, req := range env.invoker.requests {
		assert.Equal(t, "checkout-2-pay", req.ItemID)
	}
}

func TestRunUnitStartFrom(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-2-pay",
		"REVIEW PASSED: checkout-2-pay",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{StartFrom: "checkout-2-pay"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Completed)
	for _, req := range env.invoker.requests {
		assert.Equal(t, "checkout-2-pay", req.ItemID)
	}
}

func TestRunUnitStartFromUnknownStory(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	_, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{StartFrom: "checkout-9-nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkout-9-nope")
	assert.Empty(t, env.invoker.requests)
}

func TestRunUnitSkipReview(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart", "checkout-2-pay")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"IMPLEMENTATION COMPLETE: checkout-2-pay",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{SkipReview: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Completed)
	for _, p := range env.invoker.phases() {
		assert.Equal(t, types.PhaseImplementation, p)
	}
}

func TestRunUnitNoCommit(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"REVIEW PASSED: checkout-1-cart",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{NoCommit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Empty(t, env.git.commits)
	assert.Zero(t, env.git.staged)
}

func TestParallelFallsBackToSequential(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"REVIEW PASSED: checkout-1-cart",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", env.rec, Options{Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Contains(t, env.errOut.String(), "parallel execution is not implemented")
}

func TestRunUnitNilRecorder(t *testing.T) {
	env := newTestEnv(t, "checkout-1-cart")
	env.invoker.outputs = []string{
		"IMPLEMENTATION COMPLETE: checkout-1-cart",
		"REVIEW PASSED: checkout-1-cart",
	}

	res, err := env.runner(t).RunUnit(context.Background(), "checkout", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	_, err = metrics.Load(docedit.Select("incremental"), env.cfg.Locations.Artifacts, "checkout")
	require.Error(t, err, "no metrics record should exist")
}
