package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runVerifyCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl verify [--json] <path>")
		return 2
	}
	path := fs.Args()[0]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	result, err := app.Orc.Verify(ctx, path)
	if err != nil {
		return fatal(app.Log, "verify", err)
	}

	if *jsonOutput {
		return printJSON(result)
	}
	fmt.Printf("success=%t  %s\n", result.Success, result.Summary)
	for _, step := range result.StepResults {
		fmt.Printf("  %-12s  project=%-20s  success=%t  exit=%d\n", step.Step.Type, step.Project.Path, step.Success, step.ExitCode)
	}
	return 0
}
