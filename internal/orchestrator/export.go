package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/model"
)

// ExportedArtifact names one file written by ExportArtifacts.
type ExportedArtifact struct {
	Type string
	Path string
}

// ExportResult is the exportArtifacts response (spec §6.4).
type ExportResult struct {
	Exported []ExportedArtifact
	Warnings []string
}

// exportable is the closed set of artifact types exportArtifacts
// understands (spec §6.5: "research", "plan", "changes").
var exportable = map[string]*template.Template{
	"research": template.Must(template.New("research").Parse(researchTemplate)),
	"plan":     template.Must(template.New("plan").Parse(planTemplate)),
	"changes":  template.Must(template.New("changes").Parse(changesTemplate)),
}

// ExportArtifacts implements the exportArtifacts request: it renders
// human-readable markdown derived from the Story and its Steps to
// outputPath (defaulting to the Story's worktree, falling back to its
// repository path), one fixed filename per artifact type so re-running
// overwrites deterministically (spec §6.5's idempotence requirement).
// An unknown requested type is a warning, not a failure.
func (o *Orchestrator) ExportArtifacts(ctx context.Context, id string, outputPath string, include []string) (ExportResult, error) {
	story, err := o.Store.GetByIDWithSteps(ctx, id)
	if err != nil {
		return ExportResult{}, err
	}
	if outputPath == "" {
		outputPath = story.WorktreePath
	}
	if outputPath == "" {
		outputPath = story.RepositoryPath
	}
	if outputPath == "" {
		return ExportResult{}, invalidState("exportArtifacts: story %s has neither a worktree nor a repository path", id)
	}
	if len(include) == 0 {
		include = []string{"research", "plan", "changes"}
	}

	var result ExportResult
	for _, kind := range include {
		tmpl, ok := exportable[kind]
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown artifact type %q", kind))
			continue
		}
		path := filepath.Join(outputPath, fmt.Sprintf("%s.md", kind))
		if err := o.renderArtifact(tmpl, path, story); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		result.Exported = append(result.Exported, ExportedArtifact{Type: kind, Path: path})
	}
	return result, nil
}

func (o *Orchestrator) renderArtifact(tmpl *template.Template, path string, story model.Story) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	var analyzed analyzer.AnalyzedContext
	if len(story.AnalyzedContext) > 0 {
		_ = json.Unmarshal(story.AnalyzedContext, &analyzed)
	}

	data := struct {
		Story    model.Story
		Analyzed analyzer.AnalyzedContext
	}{Story: story, Analyzed: analyzed}
	return tmpl.Execute(f, data)
}

const researchTemplate = `# Research: {{.Story.Title}}

{{.Analyzed.Summary}}

## Core requirements
{{range .Analyzed.CoreRequirements}}- {{.}}
{{else}}(none recorded)
{{end}}
## Technical constraints
{{range .Analyzed.TechnicalConstraints}}- {{.}}
{{else}}(none recorded)
{{end}}
## Affected files
{{range .Analyzed.AffectedFiles}}- {{.}}
{{else}}(none recorded)
{{end}}
## Suggested approach
{{.Analyzed.SuggestedApproach}}
`

const planTemplate = `# Plan: {{.Story.Title}}

{{range .Story.Steps}}## Wave {{.Wave}} — {{.Name}}
Status: {{.Status}}
{{.Description}}

{{end}}`

const changesTemplate = `# Changes: {{.Story.Title}}

{{range .Story.Steps}}## {{.Name}} ({{.Status}})
` + "```" + `
{{printf "%s" .Output}}
` + "```" + `

{{end}}`
