// Package scenario turns a unit's acceptance document into classified,
// executable scenarios and runs the automatable ones. Parsing and
// classification are pure functions of the document text: re-parsing
// the same bytes always yields the same scenarios.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/storylinehq/storyline/internal/types"
)

var (
	headingLine  = regexp.MustCompile(`^(#{2,4})\s+(.+?)\s*$`)
	scenarioName = regexp.MustCompile(`(?i)^scenario\s+\d+\s*:\s*(.+)$`)
	numberedItem = regexp.MustCompile(`^(\d+)[.)]\s+(.+)$`)
)

// Locate finds the acceptance document for a unit. Each location is
// checked for uat-{unit}.md then {unit}-uat.md; the first hit wins.
// A missing document is not an error: validation reports a skipped
// gate instead.
func Locate(unitID string, locations []string) (string, bool) {
	for _, loc := range locations {
		for _, name := range []string{
			fmt.Sprintf("uat-%s.md", unitID),
			fmt.Sprintf("%s-uat.md", unitID),
		} {
			path := filepath.Join(loc, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}

// Load reads and parses the acceptance document for a unit.
func Load(unitID string, locations []string) ([]types.Scenario, string, error) {
	path, ok := Locate(unitID, locations)
	if !ok {
		return nil, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to read acceptance document %s: %w", path, err)
	}
	return ParseDocument(string(data)), path, nil
}

// ParseDocument splits an acceptance document into scenario blocks and
// classifies each one. Blocks are delimited by markdown subheadings
// (## through ####, optionally prefixed "Scenario N:"); documents
// without subheadings fall back to top-level numbered list items.
// Scenario IDs are S1, S2, ... in document order.
func ParseDocument(text string) []types.Scenario {
	lines := strings.Split(text, "\n")

	scenarios := splitOnHeadings(lines)
	if len(scenarios) == 0 {
		scenarios = splitOnNumberedItems(lines)
	}

	for i := range scenarios {
		scenarios[i].ID = fmt.Sprintf("S%d", i+1)
		scenarios[i].Classification, scenarios[i].Command = Classify(scenarios[i].Body)
	}
	return scenarios
}

func splitOnHeadings(lines []string) []types.Scenario {
	var scenarios []types.Scenario
	var current *types.Scenario
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(strings.Join(body, "\n"))
		scenarios = append(scenarios, *current)
		current, body = nil, nil
	}

	for i, line := range lines {
		m := headingLine.FindStringSubmatch(line)
		if m == nil {
			if current != nil {
				body = append(body, line)
			}
			continue
		}
		flush()
		name := m[2]
		if sm := scenarioName.FindStringSubmatch(name); sm != nil {
			name = strings.TrimSpace(sm[1])
		}
		current = &types.Scenario{Name: name, Line: i + 1}
	}
	flush()
	return scenarios
}

func splitOnNumberedItems(lines []string) []types.Scenario {
	var scenarios []types.Scenario
	var current *types.Scenario
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(strings.Join(body, "\n"))
		scenarios = append(scenarios, *current)
		current, body = nil, nil
	}

	for i, line := range lines {
		m := numberedItem.FindStringSubmatch(line)
		if m == nil {
			if current != nil {
				body = append(body, line)
			}
			continue
		}
		flush()
		current = &types.Scenario{Name: strings.TrimSpace(m[2]), Line: i + 1}
		// The item line itself belongs to the body: inline code on the
		// same line must be visible to classification.
		body = append(body, m[2])
	}
	flush()
	return scenarios
}
