package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/storyctl/internal/finalize"
)

func runFinalizeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl finalize", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	commitMessage := fs.String("message", "", "commit message")
	squash := fs.Bool("squash", false, "squash commits before finalizing")
	push := fs.Bool("push", true, "push the finalized branch")
	remote := fs.String("remote", "", "remote name (default: origin)")
	base := fs.String("base", "", "base branch (default: repo default)")
	createPR := fs.Bool("pr", false, "open a pull request")
	repo := fs.String("github-repo", "", "owner/name, required with --pr")
	prTitle := fs.String("pr-title", "", "pull request title")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: storyctl finalize [options] <story-id>")
		return 2
	}
	id := fs.Args()[0]
	if *createPR && *repo == "" {
		fmt.Fprintln(os.Stderr, "--github-repo is required with --pr")
		return 2
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	story, err := app.Orc.FinalizeStory(ctx, id, finalize.Options{
		CommitMessage:     *commitMessage,
		Squash:            *squash,
		Push:              *push,
		RemoteName:        *remote,
		BaseBranch:        *base,
		CreatePullRequest: *createPR,
		Repo:              *repo,
		PRTitle:           *prTitle,
	})
	if err != nil {
		return fatal(app.Log, "finalize story", err)
	}

	if *jsonOutput {
		return printJSON(story)
	}
	fmt.Printf("%s  %s\n", story.ID, story.Status)
	if story.PullRequestURL != "" {
		fmt.Printf("pull request: %s\n", story.PullRequestURL)
	}
	return 0
}
