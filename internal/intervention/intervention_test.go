package intervention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storylinehq/storyline/internal/types"
)

func failedResult(id, stderr string) types.ScenarioResult {
	return types.ScenarioResult{
		ScenarioID: id,
		Status:     types.ScenarioFail,
		ExitCode:   1,
		Stderr:     stderr,
	}
}

func TestDetectBlockingCategories(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		rule   string
	}{
		{"credentials", "error: missing API key for service", "missing-credentials"},
		{"authorization", "request failed: 403 Forbidden", "authorization-failure"},
		{"permissions", "open /etc/app.conf: permission denied", "permission-denied"},
		{"quota", "create failed: quota exceeded for project", "quota-exhausted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := Detect(failedResult("S1", tt.stderr))
			require.NotEmpty(t, tags)
			assert.Equal(t, types.InterventionBlocking, tags[0].Category)
			assert.Equal(t, tt.rule, tags[0].Rule)
			assert.NotEmpty(t, tags[0].Guidance)
		})
	}
}

func TestDetectWarningCategories(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		rule   string
	}{
		{"connectivity", "dial tcp 127.0.0.1:5432: connection refused", "connection-failure"},
		{"pending verification", "result pending manual verification by ops", "pending-verification"},
		{"schema", "query error: no such table: sessions", "missing-schema"},
		{"deprecation", "warning: flag --old-mode is deprecated", "deprecation"},
		{"rate limit", "429 too many requests", "rate-limited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := Detect(failedResult("S2", tt.stderr))
			require.NotEmpty(t, tags)
			assert.Equal(t, types.InterventionWarning, tags[0].Category)
			assert.Equal(t, tt.rule, tags[0].Rule)
		})
	}
}

func TestDetectMultipleTagsOnOneResult(t *testing.T) {
	res := failedResult("S3", "401 unauthorized: invalid token; also connection refused upstream")
	tags := Detect(res)
	require.GreaterOrEqual(t, len(tags), 2)

	var cats []types.InterventionCategory
	for _, tag := range tags {
		cats = append(cats, tag.Category)
		assert.Equal(t, "S3", tag.ScenarioID)
	}
	assert.Contains(t, cats, types.InterventionBlocking)
	assert.Contains(t, cats, types.InterventionWarning)
}

func TestDetectNeverTagsPassingResults(t *testing.T) {
	res := types.ScenarioResult{
		ScenarioID: "S4",
		Status:     types.ScenarioPass,
		Stdout:     "connection refused was mentioned in a log line but we passed",
	}
	assert.Empty(t, Detect(res))
}

func TestDetectDoesNotMutateStatus(t *testing.T) {
	res := failedResult("S5", "permission denied")
	_ = Detect(res)
	assert.Equal(t, types.ScenarioFail, res.Status)
}

func TestDetectNoMatchYieldsNoTags(t *testing.T) {
	res := failedResult("S6", "assertion failed: expected 3 widgets, got 2")
	assert.Empty(t, Detect(res))
}

func TestDetectAllAndHelpers(t *testing.T) {
	results := []types.ScenarioResult{
		failedResult("S1", "403 forbidden"),
		failedResult("S2", "connection refused"),
		{ScenarioID: "S3", Status: types.ScenarioPass},
	}
	tags := DetectAll(results)
	require.Len(t, tags, 2)

	assert.True(t, HasBlocking(tags))
	assert.Len(t, ForScenario(tags, "S1"), 1)
	assert.Empty(t, ForScenario(tags, "S3"))

	assert.False(t, HasBlocking(ForScenario(tags, "S2")))
}

func TestTimeoutResultsAreEligible(t *testing.T) {
	res := types.ScenarioResult{
		ScenarioID: "S7",
		Status:     types.ScenarioTimeout,
		ExitCode:   -1,
		Stdout:     "waiting for upstream... connection timed out",
	}
	tags := Detect(res)
	require.Len(t, tags, 1)
	assert.Equal(t, "connection-failure", tags[0].Rule)
}
