package phase

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/storylinehq/storyline/internal/protocol"
	"github.com/storylinehq/storyline/internal/types"
)

// Builder renders the self-contained prompts sent to agent subprocesses.
// Every prompt carries the full workflow definition, the story text, and
// the completion-signal grammar; agents hold no state between calls, so
// nothing may be left implicit.
type Builder struct {
	implement *template.Template
	review    *template.Template
	fix       *template.Template
}

// promptContext is the data every phase template renders from.
// Fields unused by a given phase stay zero.
type promptContext struct {
	Item        *types.WorkItem
	WorkingDir  string
	Findings    []types.Finding
	Attempt     int
	MaxAttempts int
	Protocol    string
}

const implementTemplate = `# YOUR TASK

**Story**: {{.Item.ID}}{{if .Item.Title}} - {{.Item.Title}}{{end}}
**Unit**: {{.Item.UnitID}}
{{if .WorkingDir -}}
**Working directory**: {{.WorkingDir}}
{{end}}
{{if .Item.Spec -}}
## Story Specification

{{.Item.Spec}}

{{end -}}
# WORKFLOW

This story is one step on an automated pipeline:

1. Implementation (this call) writes the code and stages it.
2. A separate reviewer judges the staged diff in a fresh process.
3. Acceptance scenarios are executed against the result.

Stage every change with ` + "`git add`" + `. Do not commit; the pipeline
commits after review passes.

# CHECKLIST

Before signaling completion, verify:

- every requirement in the story specification is implemented
- new behavior has tests alongside it
- the staged diff contains all of your changes and nothing unrelated
- no credentials, secrets, or machine-local paths are staged

# EXECUTION DIRECTIVE

You are operating in autonomous mode. Implement the changes directly.
Do not pause for confirmation and do not ask for permission. Stop only
if a technical blocker makes the story impossible, and name it in the
BLOCKED signal.

{{.Protocol}}`

const reviewTemplate = `# CODE REVIEW

**Story**: {{.Item.ID}}{{if .Item.Title}} - {{.Item.Title}}{{end}}
**Unit**: {{.Item.UnitID}}

You are an adversarial reviewer. Judge the actual staged change set:

    git diff --cached

Do not trust any summary of what was implemented. Read the diff.
{{if .Item.Spec}}
## Requirements Under Review

{{.Item.Spec}}
{{end}}
## What To Look For

- requirements from the story the diff does not satisfy
- defects: broken logic, unhandled errors, races, resource leaks
- missing or superficial tests for the new behavior
- changes unrelated to the story that should not ship with it

Severity guide: HIGH blocks the story, MEDIUM should be fixed before it
ships, LOW is advisory. You may fix trivial issues yourself (stage the
fixes) and report REVIEW PASSED WITH FIXES.

# EXECUTION DIRECTIVE

Autonomous mode. Review now; do not pause for confirmation.

{{.Protocol}}`

const fixTemplate = `# FIX REVIEW FINDINGS

**Story**: {{.Item.ID}}
**Attempt**: {{.Attempt}} of {{.MaxAttempts}}

A reviewer rejected the staged changes for this story. Fix every
finding listed below and nothing else.

## Findings

{{range $i, $f := .Findings -}}
{{inc $i}}. [{{$f.Severity}}] {{$f.Description}}{{if $f.Location}} (at {{$f.Location}}){{end}}
{{end}}
Stage your fixes with ` + "`git add`" + `. Do not commit.

# EXECUTION DIRECTIVE

Autonomous mode. Apply the fixes now; do not pause for confirmation.

{{.Protocol}}`

// NewBuilder parses the phase templates.
func NewBuilder() (*Builder, error) {
	funcs := template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	}

	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s prompt template: %w", name, err)
		}
		return t, nil
	}

	implement, err := parse("implement", implementTemplate)
	if err != nil {
		return nil, err
	}
	review, err := parse("review", reviewTemplate)
	if err != nil {
		return nil, err
	}
	fix, err := parse("fix", fixTemplate)
	if err != nil {
		return nil, err
	}

	return &Builder{implement: implement, review: review, fix: fix}, nil
}

// Implementation renders the implementation-phase prompt for an item.
func (b *Builder) Implementation(item *types.WorkItem, workingDir string) (string, error) {
	return b.render(b.implement, &promptContext{
		Item:       item,
		WorkingDir: workingDir,
		Protocol:   protocol.Instructions(types.PhaseImplementation, item.ID),
	})
}

// Review renders the review-phase prompt for an item.
func (b *Builder) Review(item *types.WorkItem) (string, error) {
	return b.render(b.review, &promptContext{
		Item:     item,
		Protocol: protocol.Instructions(types.PhaseReview, item.ID),
	})
}

// Fix renders a fix-scoped prompt carrying only the given findings.
func (b *Builder) Fix(item *types.WorkItem, findings []types.Finding, attempt, maxAttempts int) (string, error) {
	if len(findings) == 0 {
		return "", fmt.Errorf("fix prompt for %s requires at least one finding", item.ID)
	}
	return b.render(b.fix, &promptContext{
		Item:        item,
		Findings:    findings,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Protocol:    protocol.Instructions(types.PhaseFix, item.ID),
	})
}

func (b *Builder) render(t *template.Template, ctx *promptContext) (string, error) {
	if ctx.Item == nil {
		return "", fmt.Errorf("work item cannot be nil in prompt context")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to execute %s prompt template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
