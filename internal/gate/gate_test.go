package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storylinehq/storyline/internal/types"
)

var gateScenarios = []types.Scenario{
	{ID: "S1", Classification: types.ClassAutomatable, Command: "go test ./..."},
	{ID: "S2", Classification: types.ClassSemiAutomated, Command: "curl -f localhost:8080"},
	{ID: "S3", Classification: types.ClassManual},
}

func result(id string, status types.ScenarioStatus) types.ScenarioResult {
	return types.ScenarioResult{ScenarioID: id, Status: status}
}

func TestSkipModePassesWithEmptyScope(t *testing.T) {
	res := Evaluate(types.GateSkip, gateScenarios, nil)
	assert.Equal(t, types.GatePass, res.Status)
	assert.Equal(t, 0, res.InScope)
	assert.Equal(t, 0, res.Passed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.OutOfScope)
}

func TestQuickModeCountsAutomatableOnly(t *testing.T) {
	results := []types.ScenarioResult{
		result("S1", types.ScenarioPass),
		result("S2", types.ScenarioFail),
	}
	res := Evaluate(types.GateQuick, gateScenarios, results)

	assert.Equal(t, types.GatePass, res.Status)
	assert.Equal(t, 1, res.InScope)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, res.OutOfScope)
	assert.Empty(t, res.Failing)
}

func TestFullModeCountsSemiAutomated(t *testing.T) {
	results := []types.ScenarioResult{
		result("S1", types.ScenarioPass),
		result("S2", types.ScenarioFail),
	}
	res := Evaluate(types.GateFull, gateScenarios, results)

	assert.Equal(t, types.GateFail, res.Status)
	assert.Equal(t, 2, res.InScope)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.OutOfScope)
	assert.Len(t, res.Failing, 1)
	assert.Equal(t, "S2", res.Failing[0].ScenarioID)
}

func TestManualFailureNeverFlipsGate(t *testing.T) {
	results := []types.ScenarioResult{
		result("S1", types.ScenarioPass),
		result("S3", types.ScenarioFail),
	}
	for _, mode := range []types.GateMode{types.GateQuick, types.GateFull} {
		res := Evaluate(mode, gateScenarios, results)
		assert.Equal(t, types.GatePass, res.Status, "mode %s", mode)
	}
}

func TestTimeoutCountsAsInScopeFailure(t *testing.T) {
	results := []types.ScenarioResult{result("S1", types.ScenarioTimeout)}
	res := Evaluate(types.GateQuick, gateScenarios, results)
	assert.Equal(t, types.GateFail, res.Status)
	assert.Equal(t, 1, res.Failed)
}

func TestScopeFilterPreservesOrder(t *testing.T) {
	quick := Scope(types.GateQuick, gateScenarios)
	assert.Len(t, quick, 1)
	assert.Equal(t, "S1", quick[0].ID)

	full := Scope(types.GateFull, gateScenarios)
	assert.Len(t, full, 2)
	assert.Equal(t, "S1", full[0].ID)
	assert.Equal(t, "S2", full[1].ID)

	assert.Empty(t, Scope(types.GateSkip, gateScenarios))
}

func TestEvaluateEmptyDocument(t *testing.T) {
	res := Evaluate(types.GateQuick, nil, nil)
	assert.Equal(t, types.GatePass, res.Status)
	assert.Equal(t, 0, res.InScope)
}
