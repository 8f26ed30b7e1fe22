package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runGetCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl get [--json] <story-id>")
		return 2
	}
	id := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	story, err := app.Orc.GetStory(ctx, id)
	if err != nil {
		return fatal(app.Log, "get story", err)
	}

	if *jsonOutput {
		return printJSON(story)
	}
	fmt.Printf("%s  %s  %s\n", story.ID, story.Status, story.Title)
	fmt.Printf("repo: %s\n", story.RepositoryPath)
	fmt.Printf("automation: %s  gate: %s  dispatch: %s\n", story.AutomationMode, story.GateMode, story.DispatchTarget)
	for _, st := range story.Steps {
		fmt.Printf("  wave %d  step %-36s  %-12s  %s\n", st.Wave, st.ID, st.Status, st.Name)
	}
	return 0
}
