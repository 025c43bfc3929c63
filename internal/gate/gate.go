// Package gate computes the pass/fail decision for a unit's validation
// run. The gate is a pure function of mode, scenario classifications,
// and execution results: manual scenarios never count, and in quick
// mode neither do semi-automated ones.
package gate

import (
	"github.com/storylinehq/storyline/internal/types"
)

// Result is the gate decision with its reported scope.
type Result struct {
	Mode       types.GateMode         `json:"mode"`
	Status     types.GateStatus       `json:"status"`
	InScope    int                    `json:"in_scope"`
	Passed     int                    `json:"passed"`
	Failed     int                    `json:"failed"`
	OutOfScope int                    `json:"out_of_scope"`
	Failing    []types.ScenarioResult `json:"failing,omitempty"`
}

// InScopeFor reports whether a classification counts toward the gate
// in the given mode. Manual scenarios are out of scope in every mode.
func InScopeFor(mode types.GateMode, class types.Classification) bool {
	switch mode {
	case types.GateQuick:
		return class == types.ClassAutomatable
	case types.GateFull:
		return class == types.ClassAutomatable || class == types.ClassSemiAutomated
	}
	return false
}

// Scope filters scenarios down to those that count in the given mode,
// preserving document order.
func Scope(mode types.GateMode, scenarios []types.Scenario) []types.Scenario {
	var in []types.Scenario
	for _, s := range scenarios {
		if InScopeFor(mode, s.Classification) {
			in = append(in, s)
		}
	}
	return in
}

// Evaluate computes the gate decision. Results for out-of-scope
// scenarios are ignored; they may be reported elsewhere but can never
// flip the gate. PASS means exactly zero in-scope failures.
func Evaluate(mode types.GateMode, scenarios []types.Scenario, results []types.ScenarioResult) *Result {
	res := &Result{Mode: mode, Status: types.GatePass}

	if mode == types.GateSkip {
		res.OutOfScope = len(scenarios)
		return res
	}

	inScope := make(map[string]bool, len(scenarios))
	for _, s := range scenarios {
		if InScopeFor(mode, s.Classification) {
			inScope[s.ID] = true
			res.InScope++
		} else {
			res.OutOfScope++
		}
	}

	for _, r := range results {
		if !inScope[r.ScenarioID] {
			continue
		}
		if r.Failed() {
			res.Failed++
			res.Failing = append(res.Failing, r)
		} else {
			res.Passed++
		}
	}

	if res.Failed > 0 {
		res.Status = types.GateFail
	}
	return res
}
