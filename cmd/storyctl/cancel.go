package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runCancelCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl cancel [--json] <story-id>")
		return 2
	}
	id := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	story, err := app.Orc.CancelStory(ctx, id)
	if err != nil {
		return fatal(app.Log, "cancel story", err)
	}

	if *jsonOutput {
		return printJSON(story)
	}
	fmt.Printf("%s  %s\n", story.ID, story.Status)
	return 0
}
