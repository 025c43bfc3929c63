package types

import (
	"fmt"
	"time"
)

// WorkItem is one discrete piece of work (a "story") within a unit.
// Items are created by discovery and mutated only by phase executors
// and the metrics layer.
type WorkItem struct {
	ID          string     `json:"id"`
	UnitID      string     `json:"unit_id"`
	Path        string     `json:"path"`
	Title       string     `json:"title,omitempty"`
	Spec        string     `json:"spec,omitempty"`
	Sequence    string     `json:"sequence,omitempty"`
	Status      ItemStatus `json:"status"`
	BlockReason string     `json:"block_reason,omitempty"`
}

// Validate checks that the work item has usable field values.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item id is required")
	}
	if w.UnitID == "" {
		return fmt.Errorf("unit id is required for item %s", w.ID)
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid status for item %s: %s", w.ID, w.Status)
	}
	return nil
}

// ItemStatus represents the current state of a work item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusBlocked    ItemStatus = "blocked"
	StatusDone       ItemStatus = "done"
)

// IsValid checks if the status value is valid.
func (s ItemStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s ItemStatus) Terminal() bool {
	return s == StatusDone || s == StatusBlocked
}

// CanTransition reports whether a status change is legal. Items only move
// forward: pending → in_progress → {done|blocked}. Re-asserting the current
// status is allowed so retried side effects stay idempotent.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusBlocked
	case StatusInProgress:
		return to == StatusDone || to == StatusBlocked
	}
	return false
}

// Phase identifies one stage of processing a work item.
type Phase string

const (
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseFix            Phase = "fix"
)

// IsValid checks if the phase value is valid.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseImplementation, PhaseReview, PhaseFix:
		return true
	}
	return false
}

// PhaseOutcome is the result category of a single phase invocation.
type PhaseOutcome string

const (
	OutcomeSuccess          PhaseOutcome = "success"
	OutcomeSuccessWithFixes PhaseOutcome = "success_with_fixes"
	OutcomeFailure          PhaseOutcome = "failure"
	OutcomeBlocked          PhaseOutcome = "blocked"
)

// IsValid checks if the phase outcome value is valid.
func (o PhaseOutcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeSuccessWithFixes, OutcomeFailure, OutcomeBlocked:
		return true
	}
	return false
}

// PhaseResult records one phase invocation for one work item.
// Results are immutable once produced.
type PhaseResult struct {
	Phase      Phase         `json:"phase"`
	ItemID     string        `json:"item_id"`
	Outcome    PhaseOutcome  `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	FixedCount int           `json:"fixed_count,omitempty"`
	Findings   []Finding     `json:"findings,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
}

// Severity grades a review finding.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Finding is one review finding. Only HIGH and MEDIUM findings are
// eligible for automated fixing.
type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
}

// Fixable reports whether the finding may be fed to an automated fix pass.
func (f Finding) Fixable() bool {
	return f.Severity == SeverityHigh || f.Severity == SeverityMedium
}

// FixOutcome is the result category of one fix-loop iteration.
type FixOutcome string

const (
	FixSuccess    FixOutcome = "success"
	FixFailure    FixOutcome = "failure"
	FixMaxRetries FixOutcome = "max_retries"
)

// IsValid checks if the fix outcome value is valid.
func (o FixOutcome) IsValid() bool {
	switch o {
	case FixSuccess, FixFailure, FixMaxRetries:
		return true
	}
	return false
}

// FixAttempt records one review↔fix iteration. Attempt numbers start at 1
// and strictly increase per unit; the count never exceeds the retry bound.
type FixAttempt struct {
	UnitID    string     `json:"unit_id"`
	ItemID    string     `json:"item_id"`
	Attempt   int        `json:"attempt"`
	Outcome   FixOutcome `json:"outcome"`
	CreatedAt time.Time  `json:"created_at"`
}
