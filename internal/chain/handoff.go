package chain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/storylinehq/storyline/internal/pipeline"
	"github.com/storylinehq/storyline/internal/types"
)

const handoffTemplate = `# Handoff: {{.FromUnit}} to {{.ToUnit}}

Generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}

{{.Summary}}
{{if .Completed}}
## Completed
{{range .Completed}}
- {{.}}
{{- end}}
{{end}}
{{- if .Failed}}
## Failed
{{range .Failed}}
- {{.}}
{{- end}}
{{end}}
{{- if .Blocked}}
## Blocked
{{range .Blocked}}
- {{.}}
{{- end}}
{{end}}
{{- if .ChangedFiles}}
## Changed Files
{{range .ChangedFiles}}
- {{.}}
{{- end}}
{{end}}
{{- if .GateStatus}}
## Gate

{{.GateStatus}}
{{end}}
{{- if .FixContexts}}
## Fix Contexts
{{range .FixContexts}}
- {{.}}
{{- end}}
{{end}}`

var handoffTmpl = template.Must(template.New("handoff").Parse(handoffTemplate))

// buildHandoff condenses one unit's outcomes into the document the next
// unit's operators read before starting.
func (o *Orchestrator) buildHandoff(ctx context.Context, out *UnitOutcome, toUnit string) *types.HandoffDocument {
	doc := &types.HandoffDocument{
		FromUnit:    out.UnitID,
		ToUnit:      toUnit,
		GeneratedAt: time.Now().UTC(),
	}

	if out.Run != nil {
		for _, story := range out.Run.Stories {
			switch {
			case story.Item.Status == types.StatusDone:
				doc.Completed = append(doc.Completed, story.Item.ID)
			case implementationBlocked(story):
				doc.Blocked = append(doc.Blocked, fmt.Sprintf("%s: %s", story.Item.ID, story.Item.BlockReason))
			default:
				doc.Failed = append(doc.Failed, fmt.Sprintf("%s: %s", story.Item.ID, story.Item.BlockReason))
			}
		}
		doc.Summary = fmt.Sprintf("Unit %s completed %d of %d stories (%d failed, %d skipped).",
			out.UnitID, out.Run.Completed, out.Run.Total, out.Run.Failed, out.Run.Skipped)
	}

	if out.Gate != nil {
		g := out.Gate.Gate
		doc.GateStatus = fmt.Sprintf("%s (%s mode, %d/%d in-scope scenarios failing)", g.Status, g.Mode, g.Failed, g.InScope)
		if h := out.Gate.Healing; h != nil {
			for n := 1; n <= h.Attempts; n++ {
				doc.FixContexts = append(doc.FixContexts,
					filepath.Join(o.cfg.Locations.Artifacts, "fix-context", fmt.Sprintf("%s-attempt-%d.md", out.UnitID, n)))
			}
			if h.HumanActionsPath != "" {
				doc.FixContexts = append(doc.FixContexts, h.HumanActionsPath)
			}
		}
	}

	if o.git != nil && out.baseRef != "" {
		files, err := o.git.ChangedFiles(ctx, out.baseRef)
		if err != nil {
			o.log.Debugf("changed files for %s: %v", out.UnitID, err)
		} else {
			doc.ChangedFiles = files
		}
	}
	return doc
}

// writeHandoff renders and persists the handoff document. Handoffs are
// best-effort: a write failure warns and the chain moves on.
func (o *Orchestrator) writeHandoff(ctx context.Context, out *UnitOutcome, toUnit string) {
	doc := o.buildHandoff(ctx, out, toUnit)

	var buf bytes.Buffer
	if err := handoffTmpl.Execute(&buf, doc); err != nil {
		o.log.Warnf("handoff %s to %s: %v", doc.FromUnit, doc.ToUnit, err)
		return
	}

	dir := filepath.Join(o.cfg.Locations.Artifacts, "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.log.Warnf("handoff %s to %s: %v", doc.FromUnit, doc.ToUnit, err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-to-%s.md", doc.FromUnit, doc.ToUnit))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		o.log.Warnf("handoff %s to %s: %v", doc.FromUnit, doc.ToUnit, err)
		return
	}
	o.log.Infof("handoff written: %s", path)
}

// implementationBlocked reports whether the story never got past its
// implementation phase.
func implementationBlocked(story pipeline.StoryResult) bool {
	return len(story.Phases) > 0 &&
		story.Phases[0].Phase == types.PhaseImplementation &&
		story.Phases[0].Outcome == types.OutcomeBlocked
}
