package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/storyctl/internal/cron"
)

// runDaemonCommand keeps storyctl resident running the periodic
// crash-recovery sweep (spec §4.8) until it receives SIGINT/SIGTERM.
// Unlike the teacher's daemon mode, there is no gateway listener or
// chat REPL to start: every other request-surface operation is a
// one-shot subcommand that exits on its own.
func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("storyctl daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	intervalSeconds := fs.Int("interval-seconds", 0, "recovery sweep interval (0 uses config/default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: storyctl daemon [--interval-seconds N]")
		return 2
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fatal(nil, "build app", err)
	}
	defer app.Close()

	go logLifecycleEvents(ctx, app)

	interval := time.Duration(*intervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Duration(app.Cfg.RecoverySweepSeconds) * time.Second
	}

	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: app.Orc,
		Logger:       app.Log,
		Interval:     interval,
	})
	if err != nil {
		return fatal(app.Log, "new recovery scheduler", err)
	}

	recovered, err := app.Orc.RecoverStories(ctx)
	if err != nil {
		app.Log.Warn("startup recovery sweep failed", "error", err)
	} else if recovered > 0 {
		app.Log.Info("startup recovery sweep completed", "recovered", recovered)
	}

	sched.Start(ctx)
	defer sched.Stop()

	app.Log.Info("daemon started", "recovery_interval", interval)
	<-ctx.Done()
	app.Log.Info("daemon shutting down")
	return 0
}

// logLifecycleEvents subscribes to every bus topic and logs each one at
// debug level, so the publishes the Store/Dispatcher/GateController already
// make are observable from the daemon's own log stream rather than being
// write-only. Grounded on the teacher's internal/channels/telegram.go
// monitorViaBus loop (Subscribe, deferred Unsubscribe, select on ctx.Done
// vs sub.Ch()); unlike that consumer this one doesn't act on events, it
// only surfaces them.
func logLifecycleEvents(ctx context.Context, app *app) {
	if app.Bus == nil {
		return
	}
	sub := app.Bus.Subscribe("")
	defer app.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			app.Log.Debug("bus event", slog.String("topic", ev.Topic), slog.Any("payload", ev.Payload))
		}
	}
}
