package chain

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/storylinehq/storyline/internal/types"
)

const reportTemplate = `# Chain Report: {{.RunID}}

Generated: {{.GeneratedAt}}
Status: {{.Status}} (exit {{.ExitCode}})
{{- if .Halted}}
Halted early on a blocking gate failure.
{{- end}}

| Unit | Outcome | Stories | Completed | Failed | Skipped | Fix attempts | Gate |
|------|---------|---------|-----------|--------|---------|--------------|------|
{{- range .Units}}
| {{.UnitID}} | {{.Outcome}} | {{.Stories.Total}} | {{.Stories.Completed}} | {{.Stories.Failed}} | {{.Stories.Skipped}} | {{.FixAttempts}} | {{.Gate}} |
{{- end}}
{{range .Units}}
{{- if .Issues}}
## {{.UnitID}} issues
{{range .Issues}}
- {{if .ItemID}}{{.ItemID}}: {{end}}{{.Message}}
{{- end}}
{{end}}
{{- end}}`

var reportTmpl = template.Must(template.New("chain-report").Parse(reportTemplate))

type reportUnit struct {
	UnitID      string
	Outcome     string
	Stories     types.StoryCounts
	FixAttempts string
	Gate        string
	Issues      []types.IssueEntry
}

type reportData struct {
	RunID       string
	GeneratedAt string
	Status      string
	ExitCode    int
	Halted      bool
	Units       []reportUnit
}

// writeReport renders the aggregate chain report under the artifacts
// directory and returns its path.
func (o *Orchestrator) writeReport(res *Result) (string, error) {
	data := reportData{
		RunID:       res.RunID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Status:      res.Status(),
		ExitCode:    res.ExitCode(),
		Halted:      res.Halted,
	}
	for _, u := range res.Units {
		data.Units = append(data.Units, describeUnit(u))
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render chain report: %w", err)
	}

	if err := os.MkdirAll(o.cfg.Locations.Artifacts, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(o.cfg.Locations.Artifacts, fmt.Sprintf("chain-report-%s.md", res.RunID))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func describeUnit(u UnitOutcome) reportUnit {
	r := reportUnit{UnitID: u.UnitID, FixAttempts: "0", Gate: "not gated"}

	if u.Skipped {
		r.Outcome = "skipped"
		return r
	}
	if u.Run != nil {
		r.Outcome = u.Run.Status()
		r.Stories = types.StoryCounts{
			Total:     u.Run.Total,
			Completed: u.Run.Completed,
			Failed:    u.Run.Failed,
			Skipped:   u.Run.Skipped,
		}
	}
	if u.Metrics != nil {
		r.FixAttempts = fmt.Sprintf("%d", u.Metrics.FixLoop.Attempts)
		if u.Metrics.FixLoop.Exhausted > 0 {
			r.FixAttempts += fmt.Sprintf(" (%d exhausted)", u.Metrics.FixLoop.Exhausted)
		}
		r.Issues = u.Metrics.Issues
	}
	if u.Gate != nil {
		g := u.Gate.Gate
		r.Gate = fmt.Sprintf("%s (%s, %d/%d failing)", g.Status, g.Mode, g.Failed, g.InScope)
	}
	return r
}
