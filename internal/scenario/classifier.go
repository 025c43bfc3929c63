package scenario

import (
	"regexp"
	"strings"

	"github.com/storylinehq/storyline/internal/types"
)

// classRule is one entry in the ordered classification table. Rules are
// evaluated top to bottom; the first match wins. Anything no rule
// matches is manual.
type classRule struct {
	name    string
	class   types.Classification
	pattern *regexp.Regexp
}

func compileClassRules() []classRule {
	return []classRule{
		// Automatable: the block names something a shell can run.
		{"test-runner", types.ClassAutomatable,
			regexp.MustCompile(`(?i)\b(go test|npm (?:run )?test|yarn test|pytest|make test|cargo test|mvn test|rspec)\b`)},
		{"http-call", types.ClassAutomatable,
			regexp.MustCompile(`(?i)(\bcurl\b|\bwget\b|\bhttpie\b|\bhttp\s+(?:GET|POST|PUT|DELETE|PATCH)\b|\b(?:GET|POST|PUT|DELETE|PATCH)\s+/\S*)`)},
		{"exit-code", types.ClassAutomatable,
			regexp.MustCompile(`(?i)\bexit(?:s)?\s+(?:with\s+)?(?:code\s+|status\s+)?\d+\b|\bexit code\b`)},
		{"cli-invocation", types.ClassAutomatable,
			regexp.MustCompile("(?s)```|`[\\w./~-]+(?:\\s+[^`\\n]*)?`")},

		// Semi-automated: a human or an external system sits in the loop.
		{"inbox-check", types.ClassSemiAutomated,
			regexp.MustCompile(`(?i)\b(inbox|e-?mail|mailbox)\b`)},
		{"manual-verification", types.ClassSemiAutomated,
			regexp.MustCompile(`(?i)verify\s+(?:\S+\s+){0,5}?manually|manually\s+(verify|check|confirm)|manual\s+(check|verification)|\bby hand\b`)},
		{"browser-step", types.ClassSemiAutomated,
			regexp.MustCompile(`(?i)\b(browser|dashboard|web\s?ui|navigate to|click)\b`)},
		{"server-setup", types.ClassSemiAutomated,
			regexp.MustCompile(`(?i)(start|launch|boot)\s+(the\s+|a\s+|your\s+)?(dev\s+|local\s+)?(server|service|daemon)|server\s+(must be|should be|is)\s+running|against a running`)},
	}
}

var classRules = compileClassRules()

var (
	fencedBlock   = regexp.MustCompile("(?s)```[^\\n]*\\n(.*?)```")
	inlineSpan    = regexp.MustCompile("`([^`\\n]+)`")
	runSentence   = regexp.MustCompile(`(?im)^[\s>*-]*(?:\d+[.)]\s+)?run\s+(.+?)\s*$`)
	commandShaped = regexp.MustCompile(`^[\w./~-]+(\s+\S.*)?$`)
)

// Classify tags a scenario body and extracts its executable command.
// Manual and most semi-automated scenarios have no command.
func Classify(body string) (types.Classification, string) {
	for _, rule := range classRules {
		if rule.pattern.MatchString(body) {
			return rule.class, ExtractCommand(body)
		}
	}
	return types.ClassManual, ""
}

// ExtractCommand pulls the executable command out of a scenario body.
// Priority: first line of the first fenced code block, then the first
// command-shaped inline code span, then a "Run X" sentence. Returns ""
// when nothing usable is found.
func ExtractCommand(body string) string {
	if m := fencedBlock.FindStringSubmatch(body); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "$"))
			if line != "" {
				return line
			}
		}
	}

	for _, m := range inlineSpan.FindAllStringSubmatch(body, -1) {
		candidate := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m[1]), "$"))
		if commandShaped.MatchString(candidate) {
			return candidate
		}
	}

	if m := runSentence.FindStringSubmatch(body); m != nil {
		candidate := strings.TrimSpace(strings.Trim(m[1], "`."))
		if candidate != "" {
			return candidate
		}
	}

	return ""
}
