package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

func runExportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	outputPath := fs.String("output", "", "output directory (default: the story's worktree or repository path)")
	include := fs.String("include", "research,plan,changes", "comma-separated artifact types")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl export [--output DIR] [--include research,plan,changes] <story-id>")
		return 2
	}
	id := fs.Args()[0]

	var types []string
	for _, t := range strings.Split(*include, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			types = append(types, t)
		}
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	result, err := app.Orc.ExportArtifacts(ctx, id, *outputPath, types)
	if err != nil {
		return fatal(app.Log, "export artifacts", err)
	}

	if *jsonOutput {
		return printJSON(result)
	}
	for _, a := range result.Exported {
		fmt.Printf("wrote %-10s %s\n", a.Type, a.Path)
	}
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return 0
}
