// Package phase drives a work item through its agent-backed phases:
// implementation, adversarial review, and the bounded fix loop between
// them. Each phase call spawns a fresh agent subprocess; the only state
// carried between calls is what the agent staged in the repository.
package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/storylinehq/storyline/internal/agent"
	"github.com/storylinehq/storyline/internal/protocol"
	"github.com/storylinehq/storyline/internal/types"
	"github.com/storylinehq/storyline/internal/ui"
)

// noSignalReason is recorded when agent output carries no marker at all.
const noSignalReason = "agent reported no completion signal"

// UnknownSignalError reports agent output that held no recognizable
// completion marker for the phase that ran. It is a distinct failure
// kind: unparsable output has a different remediation path than an
// explicit FAILED signal.
type UnknownSignalError struct {
	Phase  types.Phase
	ItemID string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("%s output for %s carried no completion signal", e.Phase, e.ItemID)
}

// ReviewFindingsParseError reports a failed review with no actionable
// findings. There is nothing to feed a fix pass, so the fix loop must
// not start.
type ReviewFindingsParseError struct {
	ItemID string
	Reason string
}

func (e *ReviewFindingsParseError) Error() string {
	return fmt.Sprintf("review failed for %s with no actionable findings: %s", e.ItemID, e.Reason)
}

// Executor runs phases against work items through an agent invoker.
type Executor struct {
	invoker agent.Invoker
	prompts *Builder
	log     *ui.Logger
	workDir string
}

// NewExecutor builds a phase executor. workDir is where agent
// subprocesses run; empty means the current directory.
func NewExecutor(invoker agent.Invoker, log *ui.Logger, workDir string) (*Executor, error) {
	if invoker == nil {
		return nil, fmt.Errorf("agent invoker is required")
	}
	prompts, err := NewBuilder()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = ui.New(false)
	}
	return &Executor{invoker: invoker, prompts: prompts, log: log, workDir: workDir}, nil
}

// Implement runs the implementation phase. On COMPLETE the item stays
// in_progress awaiting review. On BLOCKED, or when no signal can be
// parsed, the item moves to blocked with the reported reason and the
// caller continues with the next item.
func (e *Executor) Implement(ctx context.Context, item *types.WorkItem) (*types.PhaseResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if !item.Status.CanTransition(types.StatusInProgress) {
		return nil, fmt.Errorf("item %s cannot start implementation from status %s", item.ID, item.Status)
	}
	item.Status = types.StatusInProgress

	prompt, err := e.prompts.Implementation(item, e.workDir)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := e.invoker.Invoke(ctx, agent.Request{
		Phase:      types.PhaseImplementation,
		ItemID:     item.ID,
		Prompt:     prompt,
		WorkingDir: e.workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("implementation agent for %s: %w", item.ID, err)
	}

	sig := protocol.Parse(res.Output)
	result := &types.PhaseResult{
		Phase:     types.PhaseImplementation,
		ItemID:    item.ID,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	switch sig.Status {
	case protocol.StatusImplementationComplete:
		result.Outcome = types.OutcomeSuccess
		e.log.Successf("Implementation complete: %s", item.ID)
	case protocol.StatusImplementationBlocked:
		result.Outcome = types.OutcomeBlocked
		result.Reason = sig.Reason
		item.Status = types.StatusBlocked
		item.BlockReason = sig.Reason
		e.log.Failf("Implementation blocked: %s - %s", item.ID, sig.Reason)
	default:
		result.Outcome = types.OutcomeBlocked
		result.Reason = noSignalReason
		item.Status = types.StatusBlocked
		item.BlockReason = noSignalReason
		e.log.Warnf("no completion signal in implementation output for %s, treating as blocked", item.ID)
	}

	return result, nil
}

// Review judges the staged change set in a fresh agent subprocess. The
// reviewer reads git diff --cached; it never sees implementation-phase
// output. An unparsable review is an UnknownSignalError, never a pass.
func (e *Executor) Review(ctx context.Context, item *types.WorkItem) (*types.PhaseResult, error) {
	prompt, err := e.prompts.Review(item)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := e.invoker.Invoke(ctx, agent.Request{
		Phase:      types.PhaseReview,
		ItemID:     item.ID,
		Prompt:     prompt,
		WorkingDir: e.workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("review agent for %s: %w", item.ID, err)
	}

	sig := protocol.Parse(res.Output)
	result := &types.PhaseResult{
		Phase:     types.PhaseReview,
		ItemID:    item.ID,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	switch sig.Status {
	case protocol.StatusReviewPassed:
		result.Outcome = types.OutcomeSuccess
		e.log.Successf("Review passed: %s", item.ID)
	case protocol.StatusReviewPassedWithFixes:
		result.Outcome = types.OutcomeSuccessWithFixes
		result.FixedCount = sig.FixedCount
		e.log.Successf("Review passed with %d inline fixes: %s", sig.FixedCount, item.ID)
	case protocol.StatusReviewFailed:
		result.Outcome = types.OutcomeFailure
		result.Reason = sig.Reason
		result.Findings = sig.Findings
		e.log.Failf("Review failed: %s - %s (%d findings)", item.ID, sig.Reason, len(sig.Findings))
	default:
		return nil, &UnknownSignalError{Phase: types.PhaseReview, ItemID: item.ID}
	}

	return result, nil
}

// fix runs one fix-scoped agent call carrying only the findings.
func (e *Executor) fix(ctx context.Context, item *types.WorkItem, findings []types.Finding, attempt, maxAttempts int) (*protocol.Signal, error) {
	prompt, err := e.prompts.Fix(item, findings, attempt, maxAttempts)
	if err != nil {
		return nil, err
	}

	res, err := e.invoker.Invoke(ctx, agent.Request{
		Phase:      types.PhaseFix,
		ItemID:     item.ID,
		Prompt:     prompt,
		WorkingDir: e.workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("fix agent for %s: %w", item.ID, err)
	}
	return protocol.Parse(res.Output), nil
}
