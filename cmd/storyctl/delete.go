package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runDeleteCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl delete <story-id>")
		return 2
	}
	id := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	if err := app.Orc.DeleteStory(ctx, id); err != nil {
		return fatal(app.Log, "delete story", err)
	}
	fmt.Printf("deleted story %s\n", id)
	return 0
}
