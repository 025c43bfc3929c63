package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/storylinehq/storyline/internal/protocol"
	"github.com/storylinehq/storyline/internal/types"
)

// ReviewCycle is the terminal state of one review-and-fix cycle for a
// single work item.
type ReviewCycle struct {
	// Outcome is success when the final review passed, max_retries when
	// the bound was exhausted with the review still failing.
	Outcome types.FixOutcome
	// Final is the last review result produced.
	Final *types.PhaseResult
	// Attempts holds one record per fix iteration, in order.
	Attempts []types.FixAttempt
}

// ReviewWithFixes runs review and, on failure, up to maxRetries
// fix-then-re-review iterations. Each review and each fix is its own
// fresh agent subprocess.
//
// A failed review must carry at least one HIGH or MEDIUM finding;
// otherwise there is nothing actionable and the cycle stops with a
// ReviewFindingsParseError before any fix is attempted. Exhausting the
// bound moves the item to blocked and returns the distinguished
// max_retries outcome, which callers surface separately from ordinary
// failure.
func (e *Executor) ReviewWithFixes(ctx context.Context, item *types.WorkItem, maxRetries int) (*ReviewCycle, error) {
	if maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", maxRetries)
	}

	review, err := e.Review(ctx, item)
	if err != nil {
		return nil, err
	}

	cycle := &ReviewCycle{Final: review}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if review.Outcome != types.OutcomeFailure {
			cycle.Outcome = types.FixSuccess
			return cycle, nil
		}

		fixable := protocol.FixableFindings(review.Findings)
		if len(fixable) == 0 {
			return nil, &ReviewFindingsParseError{ItemID: item.ID, Reason: review.Reason}
		}

		e.log.Infof("Fix attempt %d/%d for %s (%d findings)", attempt, maxRetries, item.ID, len(fixable))
		sig, err := e.fix(ctx, item, fixable, attempt, maxRetries)
		if err != nil {
			return nil, err
		}
		if sig.Status == protocol.StatusFixIncomplete {
			e.log.Warnf("fix attempt %d for %s reported incomplete: %s", attempt, item.ID, sig.Reason)
		}

		// The re-review is the judge of the fix, not the fix agent's
		// own report.
		review, err = e.Review(ctx, item)
		if err != nil {
			return nil, err
		}
		cycle.Final = review

		record := types.FixAttempt{
			UnitID:    item.UnitID,
			ItemID:    item.ID,
			Attempt:   attempt,
			Outcome:   types.FixFailure,
			CreatedAt: time.Now().UTC(),
		}
		if review.Outcome != types.OutcomeFailure {
			record.Outcome = types.FixSuccess
		}
		cycle.Attempts = append(cycle.Attempts, record)
	}

	if review.Outcome != types.OutcomeFailure {
		cycle.Outcome = types.FixSuccess
		return cycle, nil
	}

	cycle.Outcome = types.FixMaxRetries
	item.Status = types.StatusBlocked
	item.BlockReason = fmt.Sprintf("review still failing after %d fix attempts", maxRetries)
	e.log.Failf("Max fix retries exceeded for %s", item.ID)
	return cycle, nil
}
