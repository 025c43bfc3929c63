// Package protocol is the one boundary that understands the text-based
// signal grammar spoken between the orchestrator and the reasoning agent.
//
// Agents run in isolated subprocesses and report back through literal
// marker lines in their output. All marker parsing lives here and returns
// a typed envelope, so format drift is detectable in exactly one place.
// The grammar is versioned; prompts embed the same grammar through
// Instructions, keeping the parser and the prompts from drifting apart.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/storylinehq/storyline/internal/types"
)

// GrammarVersion identifies the marker grammar. Bump when markers change.
const GrammarVersion = "1"

// Status is the typed signal status extracted from agent output.
type Status string

const (
	StatusImplementationComplete Status = "implementation_complete"
	StatusImplementationBlocked  Status = "implementation_blocked"
	StatusReviewPassed           Status = "review_passed"
	StatusReviewPassedWithFixes  Status = "review_passed_with_fixes"
	StatusReviewFailed           Status = "review_failed"
	StatusFixComplete            Status = "fix_complete"
	StatusFixIncomplete          Status = "fix_incomplete"

	// StatusUnknown means no marker was found. Callers must treat it as a
	// failure with its own remediation path, never as implicit success and
	// never folded into an explicit FAILED signal.
	StatusUnknown Status = "unknown"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusImplementationComplete, StatusImplementationBlocked,
		StatusReviewPassed, StatusReviewPassedWithFixes, StatusReviewFailed,
		StatusFixComplete, StatusFixIncomplete, StatusUnknown:
		return true
	}
	return false
}

// Signal is the typed result envelope produced by Parse.
type Signal struct {
	Status     Status
	ItemID     string
	Reason     string
	FixedCount int
	Findings   []types.Finding
	// Line is the raw marker line that matched, for logging.
	Line string
}

// Findings block delimiters.
const (
	findingsStart = "REVIEW FINDINGS START"
	findingsEnd   = "REVIEW FINDINGS END"
)

// markerPatterns holds the compiled grammar, one pattern per marker.
// Markers must start the (trimmed) line; everything else on the line is
// payload.
type markerPatterns struct {
	implComplete  *regexp.Regexp
	implBlocked   *regexp.Regexp
	reviewPassed  *regexp.Regexp
	reviewFixes   *regexp.Regexp
	reviewFailed  *regexp.Regexp
	fixComplete   *regexp.Regexp
	fixIncomplete *regexp.Regexp
	findingLine   *regexp.Regexp
	location      *regexp.Regexp
}

func compileMarkers() *markerPatterns {
	return &markerPatterns{
		implComplete:  regexp.MustCompile(`^IMPLEMENTATION COMPLETE:\s*(\S+)\s*$`),
		implBlocked:   regexp.MustCompile(`^IMPLEMENTATION BLOCKED:\s*(\S+)\s*-\s*(.+)$`),
		reviewPassed:  regexp.MustCompile(`^REVIEW PASSED:\s*(\S+)\s*$`),
		reviewFixes:   regexp.MustCompile(`^REVIEW PASSED WITH FIXES:\s*(\S+)\s*-\s*Fixed\s+(\d+)\s+issues?\s*$`),
		reviewFailed:  regexp.MustCompile(`^REVIEW FAILED:\s*(\S+)\s*-\s*(.+)$`),
		fixComplete:   regexp.MustCompile(`^FIX COMPLETE:\s*(\S+)\s*-\s*Fixed\s+(\d+)\s+issues?\s*$`),
		fixIncomplete: regexp.MustCompile(`^FIX INCOMPLETE:\s*(\S+)\s*-\s*(.+)$`),
		findingLine:   regexp.MustCompile(`^-\s*\[(HIGH|MEDIUM|LOW)\]\s+(.+)$`),
		location:      regexp.MustCompile(`^(.*\S)\s+\(at\s+([^)]+)\)$`),
	}
}

var markers = compileMarkers()

// Parse scans agent output for the signal grammar and returns a typed
// envelope. When several markers appear (agents often quote the grammar
// before emitting the real signal), the last one wins. No marker at all
// yields StatusUnknown.
func Parse(output string) *Signal {
	sig := &Signal{Status: StatusUnknown}

	lines := strings.Split(output, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := markers.implComplete.FindStringSubmatch(line); m != nil {
			sig = &Signal{Status: StatusImplementationComplete, ItemID: m[1], Line: line}
			continue
		}
		if m := markers.implBlocked.FindStringSubmatch(line); m != nil {
			sig = &Signal{Status: StatusImplementationBlocked, ItemID: m[1], Reason: m[2], Line: line}
			continue
		}
		if m := markers.reviewFixes.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			sig = &Signal{Status: StatusReviewPassedWithFixes, ItemID: m[1], FixedCount: n, Line: line}
			continue
		}
		if m := markers.reviewPassed.FindStringSubmatch(line); m != nil {
			sig = &Signal{Status: StatusReviewPassed, ItemID: m[1], Line: line}
			continue
		}
		if m := markers.reviewFailed.FindStringSubmatch(line); m != nil {
			sig = &Signal{Status: StatusReviewFailed, ItemID: m[1], Reason: m[2], Line: line}
			continue
		}
		if m := markers.fixComplete.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			sig = &Signal{Status: StatusFixComplete, ItemID: m[1], FixedCount: n, Line: line}
			continue
		}
		if m := markers.fixIncomplete.FindStringSubmatch(line); m != nil {
			sig = &Signal{Status: StatusFixIncomplete, ItemID: m[1], Reason: m[2], Line: line}
			continue
		}
	}

	if sig.Status == StatusReviewFailed {
		sig.Findings = parseFindings(lines)
	}

	return sig
}

// parseFindings extracts the last complete findings block. Lines inside the
// block that do not match the finding grammar are ignored.
func parseFindings(lines []string) []types.Finding {
	start, end := -1, -1
	for i, raw := range lines {
		switch strings.TrimSpace(raw) {
		case findingsStart:
			start, end = i, -1
		case findingsEnd:
			if start != -1 && end == -1 {
				end = i
			}
		}
	}
	if start == -1 || end == -1 || end <= start {
		return nil
	}

	var findings []types.Finding
	for _, raw := range lines[start+1 : end] {
		line := strings.TrimSpace(raw)
		m := markers.findingLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := types.Finding{
			Severity:    types.Severity(m[1]),
			Description: strings.TrimSpace(m[2]),
		}
		if loc := markers.location.FindStringSubmatch(f.Description); loc != nil {
			f.Description = loc[1]
			f.Location = loc[2]
		}
		findings = append(findings, f)
	}
	return findings
}

// FixableFindings filters a findings list down to the severities eligible
// for automated fixing (HIGH and MEDIUM).
func FixableFindings(findings []types.Finding) []types.Finding {
	var out []types.Finding
	for _, f := range findings {
		if f.Fixable() {
			out = append(out, f)
		}
	}
	return out
}

// Instructions renders the signal-grammar block embedded in every prompt,
// scoped to the markers the given phase may emit. The parser and the
// prompts share one grammar definition through this function.
func Instructions(phase types.Phase, itemID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# COMPLETION SIGNAL (protocol v%s)\n\n", GrammarVersion)
	b.WriteString("When you are finished, print EXACTLY ONE of the following lines as the\nfinal line of your output. Do not decorate it, indent it, or wrap it in\na code fence.\n\n")

	switch phase {
	case types.PhaseImplementation:
		fmt.Fprintf(&b, "IMPLEMENTATION COMPLETE: %s\n", itemID)
		fmt.Fprintf(&b, "IMPLEMENTATION BLOCKED: %s - <one-line reason>\n", itemID)
	case types.PhaseReview:
		fmt.Fprintf(&b, "REVIEW PASSED: %s\n", itemID)
		fmt.Fprintf(&b, "REVIEW PASSED WITH FIXES: %s - Fixed N issues\n", itemID)
		fmt.Fprintf(&b, "REVIEW FAILED: %s - <one-line reason>\n", itemID)
		b.WriteString("\nIf and only if the review FAILED, also print a findings block BEFORE\nthe signal line:\n\n")
		b.WriteString(findingsStart + "\n")
		b.WriteString("- [HIGH] <description of a must-fix issue>\n")
		b.WriteString("- [MEDIUM] <description of a should-fix issue>\n")
		b.WriteString(findingsEnd + "\n")
		b.WriteString("\nAppend \" (at <file:line>)\" to a finding to point at its location.\nA FAILED review with no findings cannot be acted on and is an error.\n")
	case types.PhaseFix:
		fmt.Fprintf(&b, "FIX COMPLETE: %s - Fixed N issues\n", itemID)
		fmt.Fprintf(&b, "FIX INCOMPLETE: %s - <one-line reason>\n", itemID)
	}

	return b.String()
}
