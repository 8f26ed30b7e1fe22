package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runApproveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl approve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	reject := fs.Bool("reject", false, "reject the step instead of approving it")
	feedback := fs.String("feedback", "", "feedback attached to the decision")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 2 {
		fmt.Fprintln(os.Stderr, "usage: storyctl approve [--reject] [--feedback text] <story-id> <step-id>")
		return 2
	}
	storyID, stepID := fs.Args()[0], fs.Args()[1]

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	step, err := app.Orc.ApproveStep(ctx, storyID, stepID, !*reject, *feedback)
	if err != nil {
		return fatal(app.Log, "approve step", err)
	}

	if *jsonOutput {
		return printJSON(step)
	}
	fmt.Printf("%s  %s  approval=%s\n", step.ID, step.Status, step.Approval)
	return 0
}
