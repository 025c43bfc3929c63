package phase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// scriptedInvoker replays canned agent outputs in order and records the
// requests it received.
type scriptedInvoker struct {
	outputs  []string
	requests []agent.Request
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	s.requests = append(s.requests, req)
	if len(s.outputs) == 0 {
		return &agent.Result{}, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return &agent.Result{Output: out}, nil
}

func (s *scriptedInvoker) phases() []types.Phase {
	var ps []types.Phase
	for _, r := range s.requests {
		ps = append(ps, r.Phase)
	}
	return ps
}

func newTestExecutor(t *testing.T, inv agent.Invoker) *Executor {
	t.Helper()
	log := ui.New(false)
	log.Out = testWriter{}
	log.Err = testWriter{}
	ex, err := NewExecutor(inv, log, "")
	require.NoError(t, err)
	return ex
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testItem() *types.WorkItem {
	return &types.WorkItem{
		ID:     "auth-1-login",
		UnitID: "auth",
		Path:   "stories/auth-1-login.md",
		Title:  "Login endpoint",
		Spec:   "Add POST /login returning a session token.",
		Status: types.StatusPending,
	}
}

const failedReviewOutput = `Reviewing the staged diff.
REVIEW FINDINGS START
- [HIGH] login handler ignores context cancellation (at server/handler.go:42)
- [MEDIUM] missing test for expired tokens
REVIEW FINDINGS END
REVIEW FAILED: auth-1-login - two findings require fixes`

func TestImplementComplete(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		"working...\nIMPLEMENTATION COMPLETE: auth-1-login",
	}}
	ex := newTestExecutor(t, inv)
	item := testItem()

	res, err := ex.Implement(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	// Stays in_progress: done is only reached after review.
	assert.Equal(t, types.StatusInProgress, item.Status)
}

func TestImplementBlocked(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		"IMPLEMENTATION BLOCKED: auth-1-login - migration tool unavailable",
	}}
	ex := newTestExecutor(t, inv)
	item := testItem()

	res, err := ex.Implement(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.StatusBlocked, item.Status)
	assert.Equal(t, "migration tool unavailable", item.BlockReason)
}

func TestImplementNoSignalIsBlocked(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"I did some things but forgot to say so."}}
	ex := newTestExecutor(t, inv)
	item := testItem()

	res, err := ex.Implement(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeBlocked, res.Outcome)
	assert.Equal(t, types.StatusBlocked, item.Status)
	assert.Contains(t, item.BlockReason, "no completion signal")
}

func TestImplementRejectsTerminalItem(t *testing.T) {
	inv := &scriptedInvoker{}
	ex := newTestExecutor(t, inv)
	item := testItem()
	item.Status = types.StatusDone

	_, err := ex.Implement(context.Background(), item)
	assert.Error(t, err)
	assert.Empty(t, inv.requests)
}

func TestImplementPromptIsSelfContained(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"IMPLEMENTATION COMPLETE: auth-1-login"}}
	ex := newTestExecutor(t, inv)

	_, err := ex.Implement(context.Background(), testItem())
	require.NoError(t, err)

	require.Len(t, inv.requests, 1)
	prompt := inv.requests[0].Prompt
	assert.Contains(t, prompt, "Add POST /login returning a session token.")
	assert.Contains(t, prompt, "Do not pause for confirmation")
	assert.Contains(t, prompt, "IMPLEMENTATION COMPLETE: auth-1-login")
	assert.Contains(t, prompt, "IMPLEMENTATION BLOCKED: auth-1-login")
	assert.Contains(t, prompt, "# CHECKLIST")
}

func TestReviewPassed(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"REVIEW PASSED: auth-1-login"}}
	ex := newTestExecutor(t, inv)

	res, err := ex.Review(context.Background(), testItem())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
}

func TestReviewPassedWithFixes(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		"REVIEW PASSED WITH FIXES: auth-1-login - Fixed 2 issues",
	}}
	ex := newTestExecutor(t, inv)

	res, err := ex.Review(context.Background(), testItem())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccessWithFixes, res.Outcome)
	assert.Equal(t, 2, res.FixedCount)
}

func TestReviewFailedCarriesFindings(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{failedReviewOutput}}
	ex := newTestExecutor(t, inv)

	res, err := ex.Review(context.Background(), testItem())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailure, res.Outcome)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, types.SeverityHigh, res.Findings[0].Severity)
	assert.Equal(t, "server/handler.go:42", res.Findings[0].Location)
}

func TestReviewUnknownSignal(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"looks fine to me"}}
	ex := newTestExecutor(t, inv)

	_, err := ex.Review(context.Background(), testItem())
	require.Error(t, err)
	var unknown *UnknownSignalError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, types.PhaseReview, unknown.Phase)
}

func TestReviewPromptDirectsAtStagedDiff(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"REVIEW PASSED: auth-1-login"}}
	ex := newTestExecutor(t, inv)

	_, err := ex.Review(context.Background(), testItem())
	require.NoError(t, err)
	assert.Contains(t, inv.requests[0].Prompt, "git diff --cached")
}

func TestReviewWithFixesPassesImmediately(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{"REVIEW PASSED: auth-1-login"}}
	ex := newTestExecutor(t, inv)

	cycle, err := ex.ReviewWithFixes(context.Background(), testItem(), 3)
	require.NoError(t, err)
	assert.Equal(t, types.FixSuccess, cycle.Outcome)
	assert.Empty(t, cycle.Attempts)
}

func TestReviewWithFixesRecoversAfterOneFix(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		failedReviewOutput,
		"FIX COMPLETE: auth-1-login - Fixed 2 issues",
		"REVIEW PASSED: auth-1-login",
	}}
	ex := newTestExecutor(t, inv)
	item := testItem()
	item.Status = types.StatusInProgress

	cycle, err := ex.ReviewWithFixes(context.Background(), item, 3)
	require.NoError(t, err)
	assert.Equal(t, types.FixSuccess, cycle.Outcome)
	require.Len(t, cycle.Attempts, 1)
	assert.Equal(t, 1, cycle.Attempts[0].Attempt)
	assert.Equal(t, types.FixSuccess, cycle.Attempts[0].Outcome)
	assert.Equal(t, []types.Phase{
		types.PhaseReview, types.PhaseFix, types.PhaseReview,
	}, inv.phases())

	// The fix prompt carries only the findings, not the story spec.
	fixPrompt := inv.requests[1].Prompt
	assert.Contains(t, fixPrompt, "login handler ignores context cancellation")
	assert.NotContains(t, fixPrompt, "Add POST /login")
}

func TestReviewWithFixesExhaustsBound(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		failedReviewOutput,
		"FIX COMPLETE: auth-1-login - Fixed 2 issues",
		failedReviewOutput,
		"FIX COMPLETE: auth-1-login - Fixed 2 issues",
		failedReviewOutput,
	}}
	ex := newTestExecutor(t, inv)
	item := testItem()
	item.Status = types.StatusInProgress

	cycle, err := ex.ReviewWithFixes(context.Background(), item, 2)
	require.NoError(t, err)
	assert.Equal(t, types.FixMaxRetries, cycle.Outcome)
	// Exactly maxRetries attempts, never more.
	require.Len(t, cycle.Attempts, 2)
	assert.Equal(t, 1, cycle.Attempts[0].Attempt)
	assert.Equal(t, 2, cycle.Attempts[1].Attempt)
	assert.Equal(t, types.StatusBlocked, item.Status)
	assert.Contains(t, item.BlockReason, "2 fix attempts")
}

func TestReviewFailedWithoutFindingsEscalates(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		"REVIEW FAILED: auth-1-login - something is off",
	}}
	ex := newTestExecutor(t, inv)

	_, err := ex.ReviewWithFixes(context.Background(), testItem(), 3)
	require.Error(t, err)
	var parseErr *ReviewFindingsParseError
	require.True(t, errors.As(err, &parseErr))
	// No fix was attempted.
	assert.Len(t, inv.requests, 1)
}

func TestReviewFailedWithOnlyLowFindingsEscalates(t *testing.T) {
	inv := &scriptedInvoker{outputs: []string{
		`REVIEW FINDINGS START
- [LOW] variable name could be clearer
REVIEW FINDINGS END
REVIEW FAILED: auth-1-login - style concerns`,
	}}
	ex := newTestExecutor(t, inv)

	_, err := ex.ReviewWithFixes(context.Background(), testItem(), 3)
	var parseErr *ReviewFindingsParseError
	require.True(t, errors.As(err, &parseErr))
}

func TestReviewWithFixesRejectsZeroBound(t *testing.T) {
	ex := newTestExecutor(t, &scriptedInvoker{})
	_, err := ex.ReviewWithFixes(context.Background(), testItem(), 0)
	assert.Error(t, err)
}
