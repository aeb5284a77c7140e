// Package admission decides whether a due job may start: cron dueness
// against the run ledger, duplicate detection, and a blocking host
// resource gate.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"airbridge/internal/job"
	"airbridge/internal/lock"
)

// Decision is the admission outcome for one job.
type Decision int

const (
	// Admit lets the job run now.
	Admit Decision = iota
	// SkipNotDue means the schedule has not fired since the last run.
	SkipNotDue
	// AlreadyRunning means another instance of this job is still active.
	AlreadyRunning
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case SkipNotDue:
		return "not_due"
	case AlreadyRunning:
		return "already_running"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// LastRunSource reads a job's most recent recorded run.
type LastRunSource interface {
	LastRun(ctx context.Context, jobName string) (time.Time, bool, error)
}

// Usage is a host resource sample in percent.
type Usage struct {
	CPUPercent float64
	MemPercent float64
}

// Controller gates job starts. Probe functions are injectable for tests;
// the defaults sample the host via gopsutil.
type Controller struct {
	StateDir     string
	CPUThreshold float64
	MemThreshold float64
	Poll         time.Duration
	Logger       *slog.Logger

	SampleUsage  func(ctx context.Context) (Usage, error)
	ProcessTable func(ctx context.Context) ([]string, error)
}

// NewController builds a controller with host-backed probes.
func NewController(stateDir string, cpuThreshold, memThreshold float64, poll time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		StateDir:     stateDir,
		CPUThreshold: cpuThreshold,
		MemThreshold: memThreshold,
		Poll:         poll,
		Logger:       logger.With("component", "admission"),
		SampleUsage:  sampleHostUsage,
		ProcessTable: hostProcessTable,
	}
}

// Due reports whether the job's schedule has fired since lastRun. A job
// with no recorded run is always due. A fire landing exactly on lastRun
// counts as satisfied by that run.
func Due(schedule string, lastRun time.Time, hasRun bool, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	if !hasRun {
		return true, nil
	}
	// Next is strictly after its argument, so a fire at exactly lastRun is
	// treated as already satisfied.
	return !sched.Next(lastRun).After(now), nil
}

// Decide evaluates dueness and duplicate detection for one job. It does
// not gate on resources; callers invoke WaitForResources after an Admit.
func (c *Controller) Decide(ctx context.Context, j job.Job, runs LastRunSource, now time.Time) (Decision, error) {
	last, hasRun, err := runs.LastRun(ctx, j.Name)
	if err != nil {
		return SkipNotDue, err
	}
	due, err := Due(j.Schedule, last, hasRun, now)
	if err != nil {
		return SkipNotDue, err
	}
	if !due {
		return SkipNotDue, nil
	}

	running, err := c.isRunning(ctx, j)
	if err != nil {
		return SkipNotDue, err
	}
	if running {
		return AlreadyRunning, nil
	}
	return Admit, nil
}

// isRunning checks the per-job lock first, then falls back to scanning the
// process table for a live run command.
func (c *Controller) isRunning(ctx context.Context, j job.Job) (bool, error) {
	if lock.Held(lock.JobPath(c.StateDir, j.ID)) {
		return true, nil
	}
	if c.ProcessTable == nil {
		return false, nil
	}
	cmdlines, err := c.ProcessTable(ctx)
	if err != nil {
		// The process scan is best effort; the lock is authoritative.
		c.Logger.Warn("process table scan failed", "error", err)
		return false, nil
	}
	marker := RunMarker(j.ID)
	for _, cmd := range cmdlines {
		if strings.Contains(cmd, marker) {
			return true, nil
		}
	}
	return false, nil
}

// RunMarker is the command-line fragment identifying a live run of the job.
func RunMarker(jobID string) string {
	return "run --job " + jobID
}

// WaitForResources blocks until both CPU and memory drop below the
// thresholds, sampling every Poll. There is no hard timeout; cancellation
// comes from ctx. It returns the time spent waiting.
func (c *Controller) WaitForResources(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	for {
		u, err := c.SampleUsage(ctx)
		if err != nil {
			return time.Since(start), fmt.Errorf("sampling host usage: %w", err)
		}
		if u.CPUPercent < c.CPUThreshold && u.MemPercent < c.MemThreshold {
			return time.Since(start), nil
		}
		c.Logger.Info("waiting for host resources",
			"cpu_percent", u.CPUPercent,
			"mem_percent", u.MemPercent,
			"cpu_threshold", c.CPUThreshold,
			"mem_threshold", c.MemThreshold,
		)
		select {
		case <-time.After(c.Poll):
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		}
	}
}

func sampleHostUsage(ctx context.Context) (Usage, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return Usage{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{MemPercent: vm.UsedPercent}
	if len(cpuPcts) > 0 {
		u.CPUPercent = cpuPcts[0]
	}
	return u, nil
}

func hostProcessTable(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	cmdlines := make([]string, 0, len(procs))
	for _, p := range procs {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		cmdlines = append(cmdlines, cmd)
	}
	return cmdlines, nil
}
