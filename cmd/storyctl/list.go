package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/store"
)

func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	status := fs.String("status", "", "filter by status")
	repoPath := fs.String("repo", "", "filter by repository path")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: storyctl list [--status S] [--repo PATH] [--json]")
		return 2
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	filter := store.ListFilter{
		Status:         model.Status(*status),
		RepositoryPath: *repoPath,
	}
	stories, err := app.Orc.ListStories(ctx, filter)
	if err != nil {
		return fatal(app.Log, "list stories", err)
	}

	if *jsonOutput {
		return printJSON(stories)
	}
	if len(stories) == 0 {
		fmt.Println("no stories")
		return 0
	}
	for _, s := range stories {
		fmt.Printf("%-36s  %-10s  %s\n", s.ID, s.Status, s.Title)
	}
	return 0
}
