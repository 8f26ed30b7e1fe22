package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/storyctl/internal/decomposer"
)

func runPlanCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl plan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	maxParallelism := fs.Int("max-parallelism", 0, "overrides the story's max parallelism for decomposition")
	includeTests := fs.Bool("include-tests", true, "include test-writing steps in the plan")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl plan [--json] <story-id>")
		return 2
	}
	id := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	story, err := app.Orc.PlanStory(ctx, id, decomposer.Config{
		MaxParallelism: *maxParallelism,
		IncludeTests:   *includeTests,
	})
	if err != nil {
		return fatal(app.Log, "plan story", err)
	}

	if *jsonOutput {
		return printJSON(story)
	}
	fmt.Printf("%s  %s  %d steps\n", story.ID, story.Status, len(story.Steps))
	return 0
}
