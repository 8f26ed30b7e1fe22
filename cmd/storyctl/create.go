package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/orchestrator"
)

func runCreateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	title := fs.String("title", "", "story title (required)")
	description := fs.String("description", "", "story description")
	repoPath := fs.String("repo", "", "repository path (required)")
	issueURL := fs.String("issue-url", "", "issue tracker URL")
	dispatchTarget := fs.String("dispatch-target", "", "executor registry key (default: cooperative)")
	automationMode := fs.String("automation-mode", string(model.AutomationAssisted), "ASSISTED | AUTONOMOUS | FULL_AUTONOMOUS")
	gateMode := fs.String("gate-mode", string(model.GateModeAutoProceed), "AUTO_PROCEED | PAUSE_ALWAYS")
	maxParallelism := fs.Int("max-parallelism", 0, "max concurrent steps per wave (0 uses stories: defaults)")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: storyctl create --title T --repo PATH [options]")
		return 2
	}
	if *title == "" || *repoPath == "" {
		fmt.Fprintln(os.Stderr, "--title and --repo are required")
		return 2
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	params := orchestrator.CreateStoryParams{
		Title:          *title,
		Description:    *description,
		RepositoryPath: *repoPath,
		AutomationMode: model.AutomationMode(*automationMode),
		IssueURL:       *issueURL,
		DispatchTarget: *dispatchTarget,
		MaxParallelism: *maxParallelism,
		GateMode:       model.GateMode(*gateMode),
	}
	if params.MaxParallelism == 0 {
		params.MaxParallelism = app.storyDefaults().MaxParallelism
	}

	story, err := app.Orc.CreateStory(ctx, params)
	if err != nil {
		return fatal(app.Log, "create story", err)
	}

	if *jsonOutput {
		return printJSON(story)
	}
	fmt.Printf("created story %s (%s)\n", story.ID, story.Title)
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
