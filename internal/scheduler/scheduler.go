// Package scheduler drives passes over the configured jobs: admission,
// config staging, orchestration, checkpoint extraction, manifest append,
// ledger record and log shipping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"airbridge/internal/admission"
	"airbridge/internal/apperrors"
	"airbridge/internal/config"
	"airbridge/internal/fetch"
	"airbridge/internal/job"
	"airbridge/internal/ledger"
	"airbridge/internal/lock"
	"airbridge/internal/logsink"
	"airbridge/internal/manifest"
	"airbridge/internal/observability"
	"airbridge/internal/orchestrator/docker"
	"airbridge/internal/state"
)

// ErrJobAlreadyRunning aborts a pass when a job is found still active. The
// CLI maps it to exit code 2.
var ErrJobAlreadyRunning = errors.New("job already running, aborting pass")

// Orchestrator runs one extract/load cycle.
type Orchestrator interface {
	RunExtractLoad(ctx context.Context, spec docker.CycleSpec) error
}

// RunLedger is the run-history surface the scheduler needs.
type RunLedger interface {
	Record(ctx context.Context, jobName string, runAt time.Time) error
	LastRun(ctx context.Context, jobName string) (time.Time, bool, error)
}

// Scheduler executes passes.
type Scheduler struct {
	Settings  config.Settings
	Admission *admission.Controller
	Runner    Orchestrator
	Ledger    RunLedger
	Manifest  *manifest.Store
	Fetcher   fetch.Fetcher
	Shipper   *logsink.Shipper // nil disables shipping
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// New wires a scheduler from settings and collaborators.
func New(settings config.Settings, runner Orchestrator, runs RunLedger, fetcher fetch.Fetcher, shipper *logsink.Shipper, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Settings:  settings,
		Admission: admission.NewController(settings.StateDir, settings.CPUThresholdPercent, settings.MemThresholdPercent, settings.ResourcePoll, logger),
		Runner:    runner,
		Ledger:    runs,
		Manifest:  manifest.NewStore(settings.StateDir, logger),
		Fetcher:   fetcher,
		Shipper:   shipper,
		Metrics:   metrics,
		Logger:    logger.With("component", "scheduler"),
	}
}

// Pass runs one sequential pass over the enabled jobs. A job found already
// running aborts the remainder with ErrJobAlreadyRunning; a corrupt
// manifest aborts with the underlying error. Other per-job failures are
// logged and the pass continues.
func (s *Scheduler) Pass(ctx context.Context) error {
	passStart := time.Now()
	defer func() {
		s.Metrics.RecordPass(ctx, time.Since(passStart).Seconds())
	}()

	instLock, err := lock.Acquire(ctx, lock.InstancePath(s.Settings.StateDir), s.Settings.LockTimeout, "")
	if err != nil {
		if !errors.Is(err, apperrors.ErrLockTimeout) {
			return err
		}
		if s.Settings.LockRequired {
			return err
		}
		// Another instance holds the lock but strict mode is off; log and
		// carry on.
		s.Logger.Warn("instance lock unavailable, continuing without it", "error", err)
		instLock = nil
	}
	defer instLock.Release()

	jobs, err := job.LoadFile(s.Settings.JobsFile)
	if err != nil {
		return err
	}

	for _, j := range job.Enabled(jobs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runDue(ctx, j); err != nil {
			switch {
			case errors.Is(err, ErrJobAlreadyRunning):
				return err
			case errors.Is(err, apperrors.ErrManifestCorrupt):
				return err
			default:
				s.Logger.Error("job run failed", "job", j.ID, "error", err)
			}
		}
	}
	return nil
}

// runDue applies admission to one job and runs it when admitted.
func (s *Scheduler) runDue(ctx context.Context, j job.Job) error {
	now := time.Now()
	decision, err := s.Admission.Decide(ctx, j, s.Ledger, now)
	if err != nil {
		return err
	}
	switch decision {
	case admission.SkipNotDue:
		s.Logger.Debug("job not due", "job", j.ID)
		s.Metrics.RecordSkip(ctx, j.ID, decision.String())
		return nil
	case admission.AlreadyRunning:
		s.Logger.Warn("job already running", "job", j.ID)
		s.Metrics.RecordSkip(ctx, j.ID, decision.String())
		return ErrJobAlreadyRunning
	}

	waited, err := s.Admission.WaitForResources(ctx)
	if err != nil {
		return err
	}
	s.Metrics.RecordAdmissionWait(ctx, j.ID, waited.Seconds())

	return s.Run(ctx, j)
}

// Run executes one admitted job end to end.
func (s *Scheduler) Run(ctx context.Context, j job.Job) (err error) {
	jobLock, held, err := lock.TryAcquire(lock.JobPath(s.Settings.StateDir, j.ID), j.ID)
	if err != nil {
		return err
	}
	if !held {
		return ErrJobAlreadyRunning
	}
	defer jobLock.Release()

	outputRoot := j.OutputRoot
	if outputRoot == "" {
		outputRoot = s.Settings.OutputDir
	}

	rc := job.NewRunContext(s.Logger)
	runID := rc.RunIDString()
	runDir := filepath.Join(outputRoot, j.ID, runID)

	runLogger, logCloser, err := job.NewRunLogger(runDir, job.ParseLevel(s.Settings.LogLevel))
	if err != nil {
		return err
	}
	rc = job.RunContext{StartTime: rc.StartTime, Logger: runLogger.With("job", j.ID, "run", runID)}

	start := time.Now()
	runErr := s.runCycle(ctx, j, rc, runDir)

	if closeErr := logCloser.Close(); closeErr != nil {
		rc.Logger.Warn("closing run log failed", "error", closeErr)
	}
	s.shipRunLog(j.ID, runID, runDir)
	s.Metrics.RecordJobRun(ctx, j.ID, runErr == nil, time.Since(start).Seconds())
	if runErr != nil {
		s.Metrics.RecordJobError(ctx, j.ID, stageOf(runErr))
	}
	return runErr
}

func (s *Scheduler) runCycle(ctx context.Context, j job.Job, rc job.RunContext, runDir string) error {
	rc.Logger.Info("cycle started", "source", j.SourceImage, "destination", j.DestImage)

	staged, err := fetch.Stage(ctx, s.Fetcher,
		filepath.Join(s.Settings.ConfigDir, j.ID),
		j.Configs.Source, j.Configs.Destination, j.Configs.Catalog)
	if err != nil {
		return err
	}

	jobKey := manifest.JobKey(j.ID, staged.SourceHash)
	statePath, err := s.Manifest.LatestStatePath(jobKey)
	if err != nil {
		return err
	}
	if statePath != "" {
		if _, statErr := os.Stat(statePath); statErr != nil {
			rc.Logger.Warn("previous checkpoint missing, running full refresh", "path", statePath)
			statePath = ""
		}
	}

	runID := rc.RunIDString()
	dataPath := filepath.Join(runDir, "data_"+runID+".json")

	if err := s.Runner.RunExtractLoad(ctx, docker.CycleSpec{
		JobID:        j.ID,
		SourceImage:  j.SourceImage,
		DestImage:    j.DestImage,
		SourceConfig: staged.SourcePath,
		DestConfig:   staged.DestinationPath,
		Catalog:      staged.CatalogPath,
		StatePath:    statePath,
		DataPath:     dataPath,
		Logger:       rc.Logger,
	}); err != nil {
		return err
	}

	dataFiles, err := state.FindDataFiles(runDir, runID)
	if err != nil {
		return err
	}
	for _, df := range dataFiles {
		snap, snapPath, err := state.ExtractFile(df)
		if err != nil {
			return err
		}
		s.Metrics.RecordCheckpoints(ctx, j.ID, int64(len(snap)))
		if err := s.Manifest.Append(jobKey, manifest.Entry{
			JobID:         j.ID,
			Source:        j.SourceImage,
			DataFile:      df,
			StateFilePath: snapPath,
			Timestamp:     rc.RunID(),
			ModifiedAt:    time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		rc.Logger.Info("checkpoints extracted", "data_file", df, "streams", len(snap))
	}

	if err := s.Ledger.Record(ctx, j.Name, rc.StartTime); err != nil {
		return err
	}
	rc.Logger.Info("cycle finished")
	return nil
}

func (s *Scheduler) shipRunLog(jobID, runID, runDir string) {
	if s.Shipper == nil {
		return
	}
	batch, err := logsink.ReadRunLog(jobID, runID, filepath.Join(runDir, job.OutLogName))
	if err != nil {
		s.Logger.Warn("reading run log for shipping failed", "job", jobID, "error", err)
		return
	}
	if err := s.Shipper.Enqueue(batch); err != nil {
		s.Logger.Warn("queueing run log failed", "job", jobID, "error", err)
	}
}

// RunSingle runs one job by ID immediately, bypassing dueness but not
// duplicate detection.
func (s *Scheduler) RunSingle(ctx context.Context, jobID string) error {
	jobs, err := job.LoadFile(s.Settings.JobsFile)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return s.Run(ctx, j)
		}
	}
	return fmt.Errorf("job %s not found in %s", jobID, s.Settings.JobsFile)
}

// stageOf maps an error to the cycle stage label used in metrics.
func stageOf(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Stage != "" {
		return appErr.Stage
	}
	return "internal"
}

// Compile-time check that the SQLite ledger satisfies RunLedger.
var _ RunLedger = (*ledger.Ledger)(nil)
