// airbridge schedules containerized extract/load jobs against the local
// Docker daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"airbridge/internal/config"
	"airbridge/internal/configgen"
	"airbridge/internal/fetch"
	"airbridge/internal/health"
	"airbridge/internal/ledger"
	"airbridge/internal/logsink"
	"airbridge/internal/observability"
	"airbridge/internal/orchestrator/docker"
	"airbridge/internal/scheduler"
)

var (
	flagBaseDir   string
	flagSettings  string
	flagJobsFile  string
	flagStateDir  string
	flagOutputDir string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "airbridge",
	Short:        "Scheduler for containerized extract/load jobs",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", config.GetEnv("AIRBRIDGE_HOME", "./airbridge-data"), "base directory for state, output and configs")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "settings", "", "settings file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagJobsFile, "jobs", "", "job definition file, overrides settings")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory, overrides settings")
	rootCmd.PersistentFlags().StringVar(&flagOutputDir, "output-dir", "", "output directory, overrides settings")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(scheduleCmd, runCmd, generateConfigCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		if errors.Is(err, scheduler.ErrJobAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// loadSettings merges defaults, the settings file and CLI flag overrides.
func loadSettings() (config.Settings, error) {
	settings, err := config.Load(flagBaseDir, flagSettings)
	if err != nil {
		return config.Settings{}, err
	}
	if flagJobsFile != "" {
		settings.JobsFile = flagJobsFile
	}
	if flagStateDir != "" {
		settings.StateDir = flagStateDir
	}
	if flagOutputDir != "" {
		settings.OutputDir = flagOutputDir
	}
	if flagLogLevel != "" {
		settings.LogLevel = flagLogLevel
	}
	if err := settings.Validate(); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}

// app bundles everything a command needs plus its teardown.
type app struct {
	settings  config.Settings
	scheduler *scheduler.Scheduler
	runner    *docker.Runner
	ledger    *ledger.Ledger
	shipper   *logsink.Shipper
	metrics   *observability.Metrics
	handler   http.Handler
}

func buildApp(ctx context.Context, withMetrics bool) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if err := settings.EnsureDirs(); err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	var metricsHandler http.Handler
	if withMetrics {
		metrics, metricsHandler, err = observability.NewMetrics(ctx)
		if err != nil {
			return nil, err
		}
	}

	runner, err := docker.NewRunner(ctx, docker.Config{
		Host:   settings.DockerHost,
		Logger: slog.Default(),
	})
	if err != nil {
		return nil, err
	}

	runs, err := ledger.Open(settings.LedgerPath)
	if err != nil {
		runner.Close()
		return nil, err
	}

	s3c, err := fetch.NewS3Client(settings.S3)
	if err != nil {
		runner.Close()
		runs.Close()
		return nil, err
	}
	resolver := fetch.NewResolver(settings.FetchTimeout, settings.FetchRetries, s3c)

	var shipper *logsink.Shipper
	if settings.SinkURL != "" {
		var sink logsink.Sink
		if rest, ok := strings.CutPrefix(settings.SinkURL, "s3://"); ok {
			bucket, _, _ := strings.Cut(rest, "/")
			if s3c == nil || bucket == "" {
				runner.Close()
				runs.Close()
				return nil, errors.New("sink_url uses s3 but no object store is configured")
			}
			if err := fetch.EnsureBucket(ctx, s3c, bucket); err != nil {
				runner.Close()
				runs.Close()
				return nil, err
			}
			sink = &logsink.ObjectSink{Client: s3c, Bucket: bucket}
		} else {
			sink = &logsink.HTTPSink{URL: settings.SinkURL}
		}
		shipper = logsink.NewShipper(sink, logsink.Config{
			Workers:   settings.SinkWorkers,
			QueueSize: settings.SinkQueue,
			Metrics:   metrics,
		}, slog.Default())
	}

	sched := scheduler.New(settings, runner, runs, resolver, shipper, metrics, slog.Default())

	return &app{
		settings:  settings,
		scheduler: sched,
		runner:    runner,
		ledger:    runs,
		shipper:   shipper,
		metrics:   metrics,
		handler:   metricsHandler,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if a.shipper != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := a.shipper.Close(drainCtx); err != nil {
			slog.Warn("log shipper drain incomplete", "error", err)
		}
	}
	a.ledger.Close()
	a.runner.Close()
}

var flagInterval time.Duration

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduling pass, or loop with --interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		daemon := flagInterval > 0
		a, err := buildApp(ctx, daemon)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		if !daemon {
			return a.scheduler.Pass(ctx)
		}
		return runDaemon(ctx, a)
	},
}

var flagJobID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single job immediately, bypassing its schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		return a.scheduler.RunSingle(ctx, flagJobID)
	},
}

var (
	flagSpecInput  string
	flagSpecOutput string
)

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Generate a starter connector config from a spec file or URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		s3c, err := fetch.NewS3Client(settings.S3)
		if err != nil {
			return err
		}
		resolver := fetch.NewResolver(settings.FetchTimeout, settings.FetchRetries, s3c)

		path, err := configgen.Generate(cmd.Context(), resolver, flagSpecInput, flagSpecOutput)
		if err != nil {
			return err
		}
		slog.Info("starter config generated", "path", path)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().DurationVar(&flagInterval, "interval", 0, "re-run passes on this interval and serve health/metrics endpoints")

	runCmd.Flags().StringVar(&flagJobID, "job", "", "job ID to run")
	runCmd.MarkFlagRequired("job")

	generateConfigCmd.Flags().StringVarP(&flagSpecInput, "input", "i", "", "spec file path or URL (.json or .yaml)")
	generateConfigCmd.Flags().StringVarP(&flagSpecOutput, "output", "o", "", "output path for the generated config")
	generateConfigCmd.MarkFlagRequired("input")
}

// runDaemon loops passes on a ticker and serves metrics and probes until a
// shutdown signal arrives.
func runDaemon(ctx context.Context, a *app) error {
	checker := health.NewChecker(a.runner)

	mux := http.NewServeMux()
	if a.handler != nil {
		mux.Handle("GET /metrics", a.handler)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, checker.Readiness(r.Context()))
	})

	server := &http.Server{
		Addr:         a.settings.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("serving metrics and probes", "addr", a.settings.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("daemon started", "interval", flagInterval.String())
	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()

	runPass := func() {
		if err := a.scheduler.Pass(ctx); err != nil {
			if errors.Is(err, scheduler.ErrJobAlreadyRunning) {
				slog.Warn("pass aborted, a job is still running")
				return
			}
			slog.Error("pass failed", "error", err)
		}
	}

	runPass()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			checker.SetShuttingDown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "error", err)
			}
			return nil
		case err := <-serverErr:
			return err
		case <-ticker.C:
			runPass()
		}
	}
}

func writeProbe(w http.ResponseWriter, resp *health.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != health.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("writing probe response failed", "error", err)
	}
}
