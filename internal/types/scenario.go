package types

import "time"

// Classification tags how an acceptance scenario can be verified.
type Classification string

const (
	ClassAutomatable   Classification = "automatable"
	ClassSemiAutomated Classification = "semi_automated"
	ClassManual        Classification = "manual"
)

// IsValid checks if the classification value is valid.
func (c Classification) IsValid() bool {
	switch c {
	case ClassAutomatable, ClassSemiAutomated, ClassManual:
		return true
	}
	return false
}

// Scenario is one acceptance-test entry parsed from a unit's acceptance
// document. Parsing is a pure function of the document text: the same input
// always yields the same scenarios and classifications.
type Scenario struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Classification Classification `json:"classification"`
	Command        string         `json:"command,omitempty"`
	Body           string         `json:"body,omitempty"`
	Line           int            `json:"line,omitempty"`
}

// ScenarioStatus is the outcome of one scenario execution.
type ScenarioStatus string

const (
	ScenarioPass ScenarioStatus = "pass"
	ScenarioFail ScenarioStatus = "fail"
	// ScenarioTimeout marks a wall-clock timeout expiry. Kept distinct from
	// fail: a timeout suggests a hang, a nonzero exit suggests a logic error.
	ScenarioTimeout ScenarioStatus = "timeout"
)

// IsValid checks if the scenario status value is valid.
func (s ScenarioStatus) IsValid() bool {
	switch s {
	case ScenarioPass, ScenarioFail, ScenarioTimeout:
		return true
	}
	return false
}

// ScenarioResult records one execution attempt. Results are append-only,
// never mutated.
type ScenarioResult struct {
	ScenarioID string         `json:"scenario_id"`
	Name       string         `json:"name,omitempty"`
	Status     ScenarioStatus `json:"status"`
	ExitCode   int            `json:"exit_code"`
	Duration   time.Duration  `json:"duration"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Failed reports whether the result counts as a failure (timeout included).
func (r ScenarioResult) Failed() bool {
	return r.Status != ScenarioPass
}

// InterventionCategory grades how likely a failure needs a human.
type InterventionCategory string

const (
	// InterventionBlocking marks failures no automated fix can clear:
	// credentials, authorization, permissions, quota.
	InterventionBlocking InterventionCategory = "blocking"
	// InterventionWarning marks failures a human should know about but that
	// a fix pass may still clear: connectivity, pending verification,
	// missing schema, deprecations, rate limits.
	InterventionWarning InterventionCategory = "warning"
)

// IsValid checks if the category value is valid.
func (c InterventionCategory) IsValid() bool {
	return c == InterventionBlocking || c == InterventionWarning
}

// InterventionTag annotates a failed scenario with a taxonomy match.
// Tags are advisory only and never alter the scenario result status.
type InterventionTag struct {
	ScenarioID string               `json:"scenario_id"`
	Category   InterventionCategory `json:"category"`
	Rule       string               `json:"rule"`
	Matched    string               `json:"matched"`
	Guidance   string               `json:"guidance,omitempty"`
}

// GateMode selects which scenario classifications count toward the gate.
type GateMode string

const (
	// GateQuick counts automatable scenarios only.
	GateQuick GateMode = "quick"
	// GateFull counts automatable and semi-automated scenarios.
	GateFull GateMode = "full"
	// GateSkip passes trivially with a reported scope of 0/0.
	GateSkip GateMode = "skip"
)

// IsValid checks if the gate mode value is valid.
func (m GateMode) IsValid() bool {
	switch m {
	case GateQuick, GateFull, GateSkip:
		return true
	}
	return false
}

// GateStatus is the pass/fail decision computed from scenario results.
type GateStatus string

const (
	GatePass GateStatus = "PASS"
	GateFail GateStatus = "FAIL"
)
