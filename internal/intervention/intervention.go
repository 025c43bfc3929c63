// Package intervention annotates failed scenario results with
// human-intervention tags. Detection is a pure, additive pass over
// result output: tags never change a result's status, they only say
// how likely a human is needed and what that human should do.
package intervention

import (
	"regexp"
	"strings"

	"github.com/storylinehq/storyline/internal/types"
)

// rule is one taxonomy entry. Rules are evaluated in order and every
// match produces a tag; a single result can collect several.
type rule struct {
	name     string
	category types.InterventionCategory
	pattern  *regexp.Regexp
	guidance string
}

func compileRules() []rule {
	return []rule{
		// Blocking: failures no automated fix pass can clear.
		{
			name:     "missing-credentials",
			category: types.InterventionBlocking,
			pattern:  regexp.MustCompile(`(?i)(missing|invalid|expired|bad)\s+(api[ _-]?key|credentials?|token|secret)|api[ _-]?key\s+(not set|missing|required)|authentication (failed|error|required)`),
			guidance: "provision valid credentials and store them where the run can read them",
		},
		{
			name:     "authorization-failure",
			category: types.InterventionBlocking,
			pattern:  regexp.MustCompile(`(?i)\b(401|403)\b|\bunauthorized\b|\bforbidden\b|access denied`),
			guidance: "grant the executing identity access to the resource",
		},
		{
			name:     "permission-denied",
			category: types.InterventionBlocking,
			pattern:  regexp.MustCompile(`(?i)permission denied|operation not permitted|\bEACCES\b|\bEPERM\b`),
			guidance: "adjust file or system permissions for the executing user",
		},
		{
			name:     "quota-exhausted",
			category: types.InterventionBlocking,
			pattern:  regexp.MustCompile(`(?i)quota (exceeded|exhausted)|license (limit|expired)|payment required|\b402\b`),
			guidance: "raise the quota or renew the license before retrying",
		},

		// Warning: a human should know, but a fix pass may still clear it.
		{
			name:     "connection-failure",
			category: types.InterventionWarning,
			pattern:  regexp.MustCompile(`(?i)connection (refused|reset|timed? ?out)|no such host|network is unreachable|\bECONNREFUSED\b|\bETIMEDOUT\b`),
			guidance: "ensure the dependent service is running and reachable",
		},
		{
			name:     "pending-verification",
			category: types.InterventionWarning,
			pattern:  regexp.MustCompile(`(?i)pending (manual )?verification|awaiting (manual )?(review|verification)|verify manually`),
			guidance: "complete the manual verification step",
		},
		{
			name:     "missing-schema",
			category: types.InterventionWarning,
			pattern:  regexp.MustCompile(`(?i)(no such|missing|unknown) (table|column|schema)|migration (pending|required|failed)|relation .{0,80} does not exist`),
			guidance: "run the pending database migrations",
		},
		{
			name:     "deprecation",
			category: types.InterventionWarning,
			pattern:  regexp.MustCompile(`(?i)\bdeprecat(ed|ion|ing)\b`),
			guidance: "move off the deprecated surface before it is removed",
		},
		{
			name:     "rate-limited",
			category: types.InterventionWarning,
			pattern:  regexp.MustCompile(`(?i)rate.?limit(ed|ing)?|too many requests|\b429\b`),
			guidance: "slow the request rate or wait for the limit window to reset",
		},
	}
}

var rules = compileRules()

// Detect scans one failed result and returns every taxonomy match.
// Passing results yield no tags.
func Detect(res types.ScenarioResult) []types.InterventionTag {
	if !res.Failed() {
		return nil
	}

	text := strings.Join([]string{res.Reason, res.Stdout, res.Stderr}, "\n")
	var tags []types.InterventionTag
	for _, r := range rules {
		m := r.pattern.FindString(text)
		if m == "" {
			continue
		}
		tags = append(tags, types.InterventionTag{
			ScenarioID: res.ScenarioID,
			Category:   r.category,
			Rule:       r.name,
			Matched:    strings.TrimSpace(m),
			Guidance:   r.guidance,
		})
	}
	return tags
}

// DetectAll runs Detect over every result and concatenates the tags in
// result order.
func DetectAll(results []types.ScenarioResult) []types.InterventionTag {
	var tags []types.InterventionTag
	for _, res := range results {
		tags = append(tags, Detect(res)...)
	}
	return tags
}

// HasBlocking reports whether any tag is in the blocking category.
func HasBlocking(tags []types.InterventionTag) bool {
	for _, t := range tags {
		if t.Category == types.InterventionBlocking {
			return true
		}
	}
	return false
}

// ForScenario filters tags down to one scenario.
func ForScenario(tags []types.InterventionTag, scenarioID string) []types.InterventionTag {
	var out []types.InterventionTag
	for _, t := range tags {
		if t.ScenarioID == scenarioID {
			out = append(out, t)
		}
	}
	return out
}
