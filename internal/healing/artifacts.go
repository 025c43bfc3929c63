package healing

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/storylinehq/storyline/internal/types"
)

// failureDetail is one failed scenario prepared for artifact rendering.
type failureDetail struct {
	Result     types.ScenarioResult
	Command    string
	Acceptance string
	Hint       string
	Tags       []types.InterventionTag
	Output     string
}

type fixContextData struct {
	UnitID      string
	Attempt     int
	MaxRetries  int
	UnitNotes   string
	Failures    []failureDetail
	HasBlocking bool
}

type humanActionsData struct {
	UnitID     string
	MaxRetries int
	Items      []failureDetail
}

const fixContextTemplate = `# Fix Context: {{.UnitID}} (attempt {{.Attempt}} of {{.MaxRetries}})

Validation failed for unit {{.UnitID}}. Repair the failures below so the
scenario commands pass, then stop.
{{if .HasBlocking}}
Some failures look like credential, authorization, or quota problems.
Those usually need a human; fix what you can and leave the rest.
{{end}}
{{- if .UnitNotes}}
## Unit Notes

{{.UnitNotes}}
{{end}}
## Failures
{{range .Failures}}
### {{.Result.ScenarioID}}{{if .Result.Name}}: {{.Result.Name}}{{end}}

- Status: {{.Result.Status}}
- Command: {{if .Command}}` + "`{{.Command}}`" + `{{else}}(none extracted){{end}}
- Exit code: {{.Result.ExitCode}}
{{- if .Result.Reason}}
- Reason: {{.Result.Reason}}
{{- end}}
- Root cause hint: {{.Hint}}
{{- if .Tags}}
- Intervention tags:
{{- range .Tags}}
  - [{{.Category}}] {{.Rule}}: {{.Guidance}}
{{- end}}
{{- end}}
{{- if .Output}}

Output:

` + "```" + `
{{.Output}}
` + "```" + `
{{- end}}
{{- if .Acceptance}}

Acceptance text:

{{.Acceptance}}
{{- end}}
{{end}}`

const humanActionsTemplate = `# Human Actions Required: {{.UnitID}}

Self-healing stopped after {{.MaxRetries}} attempt(s) with the failures
below unresolved. Each needs a person before validation can pass.
{{range .Items}}
## {{.Result.ScenarioID}}{{if .Result.Name}}: {{.Result.Name}}{{end}}

- Status: {{.Result.Status}}{{if .Result.Reason}} ({{.Result.Reason}}){{end}}
{{- if .Tags}}
{{- range .Tags}}
- [{{.Category}}] {{.Rule}}: {{.Guidance}}
{{- end}}
{{- else}}
- No known intervention pattern matched; {{.Hint}}.
{{- end}}
{{end}}`

var (
	fixContextTmpl   = template.Must(template.New("fix-context").Parse(fixContextTemplate))
	humanActionsTmpl = template.Must(template.New("human-actions").Parse(humanActionsTemplate))
)

func renderFixContext(data *fixContextData) (string, error) {
	var buf bytes.Buffer
	if err := fixContextTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render fix context: %w", err)
	}
	return buf.String(), nil
}

func renderHumanActions(data *humanActionsData) (string, error) {
	var buf bytes.Buffer
	if err := humanActionsTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render human actions: %w", err)
	}
	return buf.String(), nil
}

// describeFailures joins results with their scenarios and tags into the
// shape the artifact templates render.
func describeFailures(failing []types.ScenarioResult, scope map[string]types.Scenario, tags []types.InterventionTag) []failureDetail {
	details := make([]failureDetail, 0, len(failing))
	for _, res := range failing {
		d := failureDetail{
			Result: res,
			Hint:   rootCause(res),
			Output: trimOutput(res.Stdout + "\n" + res.Stderr),
		}
		if s, ok := scope[res.ScenarioID]; ok {
			d.Command = s.Command
			d.Acceptance = s.Body
		}
		for _, tag := range tags {
			if tag.ScenarioID == res.ScenarioID {
				d.Tags = append(d.Tags, tag)
			}
		}
		details = append(details, d)
	}
	return details
}
