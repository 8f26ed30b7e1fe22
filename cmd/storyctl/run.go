package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl run [--json] <story-id>")
		return 2
	}
	id := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	story, outcome, err := app.Orc.RunStory(ctx, id)
	if err != nil {
		return fatal(app.Log, "run story", err)
	}

	if *jsonOutput {
		return printJSON(struct {
			Story   any `json:"story"`
			Outcome any `json:"outcome"`
		}{story, outcome})
	}
	fmt.Printf("%s  %s  wave=%d\n", story.ID, story.Status, story.CurrentWave)
	fmt.Printf("started=%d completed=%d failed=%d skipped=%d\n",
		len(outcome.StartedStepIDs), len(outcome.CompletedStepIDs), len(outcome.FailedStepIDs), len(outcome.SkippedStepIDs))
	return 0
}
