package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobState is the per-job state machine: planned → running → one of the
// absorbing terminal states.
type JobState string

const (
	JobPlanned   JobState = "planned"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
)

// statusLine maps terminal states to the CLI status column.
func statusLine(s JobState) string {
	switch s {
	case JobSucceeded:
		return "OK"
	case JobTimedOut:
		return "TIMEOUT"
	default:
		return "FAIL"
	}
}

// JobOutcome is what a worker reports on the completion channel.
type JobOutcome struct {
	Job      *Job
	State    JobState
	ExitCode int
	Err      error
	Duration time.Duration
	MD5      string
}

// RunStats summarizes one runner pass.
type RunStats struct {
	Planned   int
	Succeeded int
	Failed    int
	TimedOut  int
	Skipped   int
}

// Clean reports whether every planned job succeeded.
func (s *RunStats) Clean() bool {
	return s.Failed == 0 && s.TimedOut == 0
}

// RunnerConfig configures job execution.
type RunnerConfig struct {
	NumProc     int
	Timeout     time.Duration
	GracePeriod time.Duration
	LogDir      string
	RootDir     string
	Environment []string
	DryRun      bool

	// Status receives the per-job PLAN/OK/FAIL/TIMEOUT/SKIP lines.
	Status io.Writer
}

// Runner executes planned jobs with a bounded worker pool. Workers only run
// subprocesses; all catalog commits are serialized on the collector
// goroutine, so one job's commit is one transaction on one writer.
type Runner struct {
	cat    *Catalog
	cfg    RunnerConfig
	logger *slog.Logger
}

func NewRunner(cat *Catalog, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.NumProc <= 0 {
		cfg.NumProc = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.Status == nil {
		cfg.Status = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cat: cat, cfg: cfg, logger: logger}
}

func (r *Runner) printStatus(status, name string) {
	fmt.Fprintf(r.cfg.Status, "%-8s %s\n", status, name)
}

// Run executes one plan. Jobs are grouped by output product level; a level
// must fully drain before the next starts, which gives every job a
// happens-before on the commits of the level below it. Cancellation stops
// launching new jobs, waits for in-flight ones and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, plan *PlanResult) (*RunStats, error) {
	stats := &RunStats{Planned: len(plan.Jobs), Skipped: len(plan.Skips)}
	for _, s := range plan.Skips {
		r.printStatus("SKIP", fmt.Sprintf("%s %s (%s)", s.Process.Name, s.Date.Format("2006-01-02"), s.Reason))
	}
	if r.cfg.DryRun {
		for i := range plan.Jobs {
			r.printStatus("PLAN", plan.Jobs[i].OutputName)
		}
		return stats, nil
	}

	for _, level := range splitLevels(plan.Jobs) {
		if ctx.Err() != nil {
			break
		}
		r.runLevel(ctx, level, stats)
	}
	fmt.Fprintf(r.cfg.Status, "planned=%d ok=%d fail=%d timeout=%d skip=%d\n",
		stats.Planned, stats.Succeeded, stats.Failed, stats.TimedOut, stats.Skipped)
	return stats, ctx.Err()
}

// splitLevels partitions an ordered job list into level batches.
func splitLevels(jobs []Job) [][]Job {
	var out [][]Job
	for i := 0; i < len(jobs); {
		j := i
		for j < len(jobs) && jobs[j].OutputProduct.Level == jobs[i].OutputProduct.Level {
			j++
		}
		out = append(out, jobs[i:j])
		i = j
	}
	return out
}

func (r *Runner) runLevel(ctx context.Context, jobs []Job, stats *RunStats) {
	results := make(chan JobOutcome, len(jobs))
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for outcome := range results {
			r.collect(outcome, stats)
		}
	}()

	var g errgroup.Group
	g.SetLimit(r.cfg.NumProc)
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		job := &jobs[i]
		g.Go(func() error {
			results <- r.execute(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collectorDone
}

// collect runs on the single collector goroutine: it commits successful
// outputs and prints the status line. A failed commit demotes the outcome to
// failed; the conflict is logged and the next pass re-plans against the
// committed state.
func (r *Runner) collect(outcome JobOutcome, stats *RunStats) {
	job := outcome.Job
	if outcome.State == JobSucceeded {
		if err := r.commitOutput(outcome); err != nil {
			outcome.State = JobFailed
			outcome.Err = err
			var conflict *CommitConflict
			if errors.As(err, &conflict) {
				r.logger.Error("commit conflict", "output", job.OutputName, "error", err)
			} else {
				r.logger.Error("commit failed", "output", job.OutputName, "error", err)
			}
		}
	}
	switch outcome.State {
	case JobSucceeded:
		stats.Succeeded++
	case JobTimedOut:
		stats.TimedOut++
		r.logger.Warn("job timed out", "output", job.OutputName, "timeout", r.cfg.Timeout)
	default:
		stats.Failed++
		r.logger.Error("job failed", "output", job.OutputName,
			"exit_code", outcome.ExitCode, "error", outcome.Err)
	}
	r.printStatus(statusLine(outcome.State), job.OutputName)
}

func (r *Runner) commitOutput(outcome JobOutcome) error {
	job := outcome.Job
	start, stop := provenanceSpan(job)
	f := &File{
		Filename:         job.OutputName,
		ProductID:        job.OutputProduct.ID,
		UTCFileDate:      job.Date,
		UTCStartTime:     start,
		UTCStopTime:      stop,
		ExistsOnDisk:     true,
		MD5:              outcome.MD5,
		InputFingerprint: job.Fingerprint,
		VerboseProvenance: fmt.Sprintf("built by %s %s from %d input(s)",
			job.Code.Filename, job.Code.Version(), len(job.Parents)),
	}
	f.SetVersion(job.PlannedVersion)
	return r.cat.CommitDerivedFile(f, job.ParentIDs(), job.Code.ID)
}

// provenanceSpan is the union of the parents' coverage, falling back to the
// job's calendar day.
func provenanceSpan(job *Job) (time.Time, time.Time) {
	day := DateOnly(job.Date)
	start := day
	stop := day.Add(24*time.Hour - time.Second)
	for i, p := range job.Parents {
		if i == 0 || p.UTCStartTime.Before(start) {
			start = p.UTCStartTime
		}
		if i == 0 || p.UTCStopTime.After(stop) {
			stop = p.UTCStopTime
		}
	}
	return start, stop
}

// execute runs one job's external code in an isolated working directory with
// the per-job deadline. Timeout kills via SIGTERM then, after the grace
// period, SIGKILL.
func (r *Runner) execute(ctx context.Context, job *Job) JobOutcome {
	outcome := JobOutcome{Job: job, State: JobRunning}
	startedAt := time.Now()

	argv, err := ExpandArguments(job.Code.Arguments, job, r.cfg.RootDir)
	if err != nil {
		outcome.State = JobFailed
		outcome.Err = err
		return outcome
	}
	bin := filepath.Join(r.cfg.RootDir, filepath.FromSlash(job.Code.RelativePath), job.Code.Filename)

	workDir, err := os.MkdirTemp("", "dbprocessor-job-")
	if err != nil {
		outcome.State = JobFailed
		outcome.Err = err
		return outcome
	}
	defer os.RemoveAll(workDir)

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		outcome.State = JobFailed
		outcome.Err = err
		return outcome
	}

	jctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(jctx, bin, argv...)
	cmd.Dir = workDir
	cmd.Env = r.cfg.Environment
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.GracePeriod

	stdout, stderr, closeLogs, err := r.openJobLogs(job.OutputName)
	if err != nil {
		outcome.State = JobFailed
		outcome.Err = err
		return outcome
	}
	defer closeLogs()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info("job starting", "output", job.OutputName, "code", bin)
	runErr := cmd.Run()
	outcome.Duration = time.Since(startedAt)

	if jctx.Err() == context.DeadlineExceeded {
		outcome.State = JobTimedOut
		outcome.Err = jctx.Err()
		return outcome
	}
	if runErr != nil {
		outcome.State = JobFailed
		outcome.Err = runErr
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		}
		return outcome
	}

	if _, err := os.Stat(job.OutputPath); err != nil {
		outcome.State = JobFailed
		outcome.Err = fmt.Errorf("code exited 0 but produced no output: %w", err)
		return outcome
	}
	md5sum, err := FileMD5(job.OutputPath)
	if err != nil {
		outcome.State = JobFailed
		outcome.Err = err
		return outcome
	}
	outcome.MD5 = md5sum
	outcome.State = JobSucceeded
	return outcome
}

// openJobLogs captures the code's stdout/stderr under the log directory.
// Without a log directory the output is discarded.
func (r *Runner) openJobLogs(outputName string) (io.Writer, io.Writer, func(), error) {
	if r.cfg.LogDir == "" {
		return io.Discard, io.Discard, func() {}, nil
	}
	dir := filepath.Join(r.cfg.LogDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	outF, err := os.Create(filepath.Join(dir, outputName+".stdout"))
	if err != nil {
		return nil, nil, nil, err
	}
	errF, err := os.Create(filepath.Join(dir, outputName+".stderr"))
	if err != nil {
		_ = outF.Close()
		return nil, nil, nil, err
	}
	return outF, errF, func() {
		_ = outF.Close()
		_ = errF.Close()
	}, nil
}

// ExpandArguments builds the argv for a job from the code's stored argument
// template. Recognized placeholders: {INPUT_0}..{INPUT_n}, {INPUTS} (all,
// space-separated into separate arguments), {OUTPUT}, {DATE} (YYYYMMDD) and
// {ROOTDIR}.
func ExpandArguments(template string, job *Job, rootDir string) ([]string, error) {
	var argv []string
	for _, tok := range strings.Fields(template) {
		if tok == "{INPUTS}" {
			for _, p := range job.Parents {
				argv = append(argv, inputPath(&p, rootDir, job))
			}
			continue
		}
		expanded := tok
		expanded = strings.ReplaceAll(expanded, "{OUTPUT}", job.OutputPath)
		expanded = strings.ReplaceAll(expanded, "{DATE}", job.Date.Format("20060102"))
		expanded = strings.ReplaceAll(expanded, "{ROOTDIR}", rootDir)
		for i := range job.Parents {
			ph := fmt.Sprintf("{INPUT_%d}", i)
			expanded = strings.ReplaceAll(expanded, ph, inputPath(&job.Parents[i], rootDir, job))
		}
		if strings.Contains(expanded, "{INPUT_") {
			return nil, fmt.Errorf("argument %q references an input beyond the %d resolved", tok, len(job.Parents))
		}
		argv = append(argv, expanded)
	}
	return argv, nil
}

// inputPath resolves a parent file to its absolute path. The parents carry
// only catalog rows, so the product path is resolved through the job's
// cached input products.
func inputPath(f *File, rootDir string, job *Job) string {
	for _, ip := range job.InputProducts {
		if ip.ID == f.ProductID {
			return filepath.Join(rootDir, filepath.FromSlash(ip.RelativePath), f.Filename)
		}
	}
	return filepath.Join(rootDir, f.Filename)
}
