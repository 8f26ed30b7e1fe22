package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// quietFlag mirrors the teacher's quietLogs: one-shot subcommands keep
// logs file-only so stdout stays reserved for the command's own output.
var quietFlag = true

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the recovery sweep loop until signaled

STORY LIFECYCLE:
  %s create [options]         Create a story (spec 6.4 createStory)
  %s list [options]           List stories, optionally filtered
  %s get <story-id>           Get a story with its steps
  %s delete <story-id>        Delete a story and its worktree
  %s analyze <story-id>       Run the Analyzer over a story
  %s plan <story-id>          Run the Decomposer and populate Steps
  %s run <story-id>           Dispatch the next wave and evaluate the gate
  %s approve <story-id> <step-id> [--reject] [--feedback text]
                              Approve or reject a HITL step
  %s resume-gate <story-id>   Re-evaluate a paused gate
  %s cancel <story-id>        Cancel an in-flight story
  %s finalize <story-id> [options]
                              Commit, push, and optionally open a PR
  %s verify <path>            Run the verify engine against a worktree path
  %s export <story-id> [options]
                              Render research/plan/changes artifacts

DIAGNOSTICS:
  %s doctor [-json]           Run startup diagnostic checks

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	fmt.Fprintf(os.Stderr, `ENVIRONMENT VARIABLES:
  STORYCTL_HOME           Data directory (default: ~/.storyctl)
  GOOGLE_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY / OPENROUTER_API_KEY
                          Credentials for the configured LLM provider
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[1:]

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "daemon":
		os.Exit(runDaemonCommand(ctx, rest))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, rest))
	case "create":
		os.Exit(runCreateCommand(ctx, rest))
	case "list":
		os.Exit(runListCommand(ctx, rest))
	case "get":
		os.Exit(runGetCommand(ctx, rest))
	case "delete":
		os.Exit(runDeleteCommand(ctx, rest))
	case "analyze":
		os.Exit(runAnalyzeCommand(ctx, rest))
	case "plan":
		os.Exit(runPlanCommand(ctx, rest))
	case "run":
		os.Exit(runRunCommand(ctx, rest))
	case "approve":
		os.Exit(runApproveCommand(ctx, rest))
	case "resume-gate":
		os.Exit(runResumeGateCommand(ctx, rest))
	case "cancel":
		os.Exit(runCancelCommand(ctx, rest))
	case "finalize":
		os.Exit(runFinalizeCommand(ctx, rest))
	case "verify":
		os.Exit(runVerifyCommand(ctx, rest))
	case "export":
		os.Exit(runExportCommand(ctx, rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}
