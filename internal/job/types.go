// Package job defines the scheduling unit and the per-run context shared
// across components.
package job

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ConfigRefs points at the three connector inputs for a job. Each ref is a
// local path, an http(s) URL, or an s3:// URL.
type ConfigRefs struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Catalog     string `json:"catalog" yaml:"catalog"`
}

// Job is a configured recurring extract/load unit. Definitions are loaded
// read-only at the start of each scheduler pass; identity is ID, Name is
// for human-facing dedup and logging.
type Job struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Schedule    string     `json:"schedule" yaml:"schedule"`
	SourceImage string     `json:"source_image" yaml:"source_image"`
	DestImage   string     `json:"dest_image" yaml:"dest_image"`
	Configs     ConfigRefs `json:"configs" yaml:"configs"`
	OutputRoot  string     `json:"output_root,omitempty" yaml:"output_root,omitempty"`
}

// Validate checks the fields every component depends on.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Schedule == "" {
		return fmt.Errorf("job %s: schedule is required", j.ID)
	}
	if j.SourceImage == "" {
		return fmt.Errorf("job %s: source_image is required", j.ID)
	}
	if j.DestImage == "" {
		return fmt.Errorf("job %s: dest_image is required", j.ID)
	}
	return nil
}

// RunContext carries the per-process start time and the logger. It replaces
// ambient globals: every component that needs either receives it explicitly.
type RunContext struct {
	StartTime time.Time
	Logger    *slog.Logger
}

// NewRunContext captures the current wall clock and wraps the given logger.
// A nil logger falls back to slog.Default().
func NewRunContext(logger *slog.Logger) RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return RunContext{StartTime: time.Now(), Logger: logger}
}

// RunID is the epoch-second run identifier used in output file naming
// (data_<runID>.json) and as the default job run tag.
func (rc RunContext) RunID() int64 {
	return rc.StartTime.Unix()
}

// RunIDString is RunID formatted for paths and container names.
func (rc RunContext) RunIDString() string {
	return strconv.FormatInt(rc.RunID(), 10)
}

// With returns a copy of the context with extra logger attributes.
func (rc RunContext) With(args ...any) RunContext {
	return RunContext{StartTime: rc.StartTime, Logger: rc.Logger.With(args...)}
}
