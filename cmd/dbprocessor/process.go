package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dbprocessor/pipeline"
)

var (
	flagNumProc     int
	flagTimeoutSec  int
	flagDryRun      bool
	flagIncRevision bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "plan and run every buildable output until the catalog is current",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcessing(cmd.Context(), false)
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "rebuild outputs whose inputs or code have moved on",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcessing(cmd.Context(), true)
	},
}

func init() {
	for _, c := range []*cobra.Command{processCmd, reprocessCmd} {
		c.Flags().IntVar(&flagNumProc, "num-proc", 0, "parallel jobs (overrides config)")
		c.Flags().IntVar(&flagTimeoutSec, "timeout", 0, "per-job timeout in seconds (overrides config)")
		c.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "plan only, run nothing")
	}
	reprocessCmd.Flags().BoolVar(&flagIncRevision, "inc-revision", false, "force a revision bump even when inputs are unchanged")
	rootCmd.AddCommand(processCmd, reprocessCmd)
}

// runProcessing is the shared engine of process and reprocess: take the run
// lock, then loop plan→execute until a pass plans nothing. Each pass plans
// only against committed state, so outputs of one pass become inputs of the
// next.
func runProcessing(ctx context.Context, reprocess bool) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.close()

	if flagNumProc > 0 {
		app.cfg.NumProc = flagNumProc
	}
	if flagTimeoutSec > 0 {
		app.cfg.TimeoutSeconds = flagTimeoutSec
	}

	res := pipeline.NewResolver(app.cat)
	planner := pipeline.NewPlanner(app.cat, res, app.codec, app.mission, app.logger)

	// Cycle check before taking the lock: a broken graph should not leave a
	// lock behind.
	if err := planner.CheckGraph(); err != nil {
		return err
	}

	lock := pipeline.NewRunLock(app.cat)
	var entry *pipeline.Log
	if !flagDryRun {
		entry, err = lock.Acquire(app.mission.ID)
		if err != nil {
			return err
		}
		defer func() {
			_ = lock.Release(entry, "run complete")
		}()
	}

	runner := pipeline.NewRunner(app.cat, pipeline.RunnerConfig{
		NumProc:     app.cfg.NumProc,
		Timeout:     app.cfg.JobTimeout(),
		LogDir:      app.cfg.LogDir,
		RootDir:     app.mission.RootDir,
		Environment: app.cfg.CodeEnvironment(),
		DryRun:      flagDryRun,
	}, app.logger)

	total := pipeline.RunStats{}
	seenSkips := make(map[string]bool)
	for pass := 1; ; pass++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var plan *pipeline.PlanResult
		if reprocess && pass == 1 {
			plan, err = planner.PlanReprocess(ctx, flagIncRevision)
		} else {
			plan, err = planner.Plan(ctx)
		}
		if err != nil {
			return err
		}
		// A candidate skipped on pass 1 is planned again every pass while
		// its cause persists; report and count it once per run.
		plan.Skips = unseenSkips(plan.Skips, seenSkips)
		if len(plan.Jobs) == 0 && (pass > 1 || len(plan.Skips) == 0) {
			app.logger.Info("nothing left to plan", "pass", pass)
			break
		}
		app.logger.Info("pass planned", "pass", pass, "jobs", len(plan.Jobs), "skips", len(plan.Skips))

		stats, err := runner.Run(ctx, plan)
		addStats(&total, stats)
		if err != nil {
			return err
		}
		if flagDryRun {
			break
		}
		if stats.Succeeded == 0 {
			// No new commits means the next pass would plan the same jobs.
			break
		}
	}

	notifyRun(app, &total)
	return nil
}

func unseenSkips(skips []pipeline.Skip, seen map[string]bool) []pipeline.Skip {
	var out []pipeline.Skip
	for _, s := range skips {
		key := fmt.Sprintf("%d/%s", s.Process.ID, s.Date.Format("2006-01-02"))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func addStats(total, pass *pipeline.RunStats) {
	total.Planned += pass.Planned
	total.Succeeded += pass.Succeeded
	total.Failed += pass.Failed
	total.TimedOut += pass.TimedOut
	total.Skipped += pass.Skipped
}

func notifyRun(app *appContext, stats *pipeline.RunStats) {
	if app.cfg.SyslogAddr == "" {
		return
	}
	n := pipeline.NewSyslogNotifier(app.cfg.SyslogAddr)
	msg := fmt.Sprintf("processing run finished: %d ok, %d failed, %d timed out",
		stats.Succeeded, stats.Failed, stats.TimedOut)
	if err := n.NotifyRunReport("dbprocessor",
		pipeline.RunReportData(app.runID, app.cfg.Mission, stats), msg, 5*time.Second); err != nil {
		app.logger.Warn("run report not delivered", "addr", app.cfg.SyslogAddr, "error", err)
	}
}
