// Package config loads runtime settings. Precedence is defaults, then the
// settings file, then CLI flag overrides applied by the command layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the typed runtime configuration. Every component receives the
// values it needs from here instead of reading the environment itself.
type Settings struct {
	// Directories. StateDir holds the manifest, checkpoints and locks;
	// OutputDir receives per-run data files; ConfigDir receives staged
	// connector configs.
	StateDir  string `yaml:"state_dir" json:"state_dir"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	ConfigDir string `yaml:"config_dir" json:"config_dir"`

	// JobsFile is the job definition list, local path or remote ref.
	JobsFile string `yaml:"jobs_file" json:"jobs_file"`

	// LedgerPath is the SQLite run ledger location. Defaults under StateDir.
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`

	// DockerHost overrides the runtime endpoint when the environment does
	// not provide one.
	DockerHost string `yaml:"docker_host" json:"docker_host"`

	// Admission gate.
	CPUThresholdPercent float64       `yaml:"cpu_threshold_percent" json:"cpu_threshold_percent"`
	MemThresholdPercent float64       `yaml:"mem_threshold_percent" json:"mem_threshold_percent"`
	ResourcePoll        time.Duration `yaml:"resource_poll" json:"resource_poll"`

	// Instance lock.
	LockTimeout  time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	LockRequired bool          `yaml:"lock_required" json:"lock_required"`

	// Remote fetch.
	FetchRetries int           `yaml:"fetch_retries" json:"fetch_retries"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// S3 endpoint for s3:// refs and remote shipping. Credentials come from
	// the environment or secret files, never the settings file.
	S3 S3Settings `yaml:"s3" json:"s3"`

	// Log sink. Empty URL disables shipping.
	SinkURL     string `yaml:"sink_url" json:"sink_url"`
	SinkWorkers int    `yaml:"sink_workers" json:"sink_workers"`
	SinkQueue   int    `yaml:"sink_queue" json:"sink_queue"`

	// Daemon mode.
	PassInterval time.Duration `yaml:"pass_interval" json:"pass_interval"`
	HTTPAddr     string        `yaml:"http_addr" json:"http_addr"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// S3Settings configures the object-store client.
type S3Settings struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	UseSSL   bool   `yaml:"use_ssl" json:"use_ssl"`

	// Paths to secret files; resolved via GetSecretFile with the
	// corresponding env vars as fallback.
	AccessKeyFile string `yaml:"access_key_file" json:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file" json:"secret_key_file"`
}

// AccessKey resolves the S3 access key from the secret file or AWS_ACCESS_KEY_ID.
func (s S3Settings) AccessKey() string {
	if v := GetSecretFile(s.AccessKeyFile); v != "" {
		return v
	}
	return os.Getenv("AWS_ACCESS_KEY_ID")
}

// SecretKey resolves the S3 secret key from the secret file or AWS_SECRET_ACCESS_KEY.
func (s S3Settings) SecretKey() string {
	if v := GetSecretFile(s.SecretKeyFile); v != "" {
		return v
	}
	return os.Getenv("AWS_SECRET_ACCESS_KEY")
}

// Defaults returns the built-in settings, rooted under baseDir.
func Defaults(baseDir string) Settings {
	return Settings{
		StateDir:            filepath.Join(baseDir, "state"),
		OutputDir:           filepath.Join(baseDir, "output"),
		ConfigDir:           filepath.Join(baseDir, "configs"),
		JobsFile:            filepath.Join(baseDir, "jobs.yaml"),
		LedgerPath:          filepath.Join(baseDir, "state", "runs.db"),
		CPUThresholdPercent: 80,
		MemThresholdPercent: 80,
		ResourcePoll:        10 * time.Second,
		LockTimeout:         5 * time.Second,
		FetchRetries:        3,
		FetchTimeout:        10 * time.Second,
		SinkWorkers:         2,
		SinkQueue:           256,
		PassInterval:        time.Minute,
		HTTPAddr:            GetEnv("AIRBRIDGE_HTTP_ADDR", ":9090"),
		LogLevel:            "info",
	}
}

// Load merges the settings file at path over the defaults. A YAML decoder
// handles both YAML and JSON settings files. An empty path returns the
// defaults unchanged.
func Load(baseDir, path string) (Settings, error) {
	s := Defaults(baseDir)
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	// Keep the ledger under the (possibly overridden) state dir unless the
	// file pinned it explicitly.
	if s.LedgerPath == Defaults(baseDir).LedgerPath {
		s.LedgerPath = filepath.Join(s.StateDir, "runs.db")
	}
	return s, nil
}

// EnsureDirs creates the working directories the scheduler writes into.
func (s Settings) EnsureDirs() error {
	for _, dir := range []string{s.StateDir, s.OutputDir, s.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate rejects settings no pass could run with.
func (s Settings) Validate() error {
	if s.CPUThresholdPercent <= 0 || s.CPUThresholdPercent > 100 {
		return fmt.Errorf("cpu_threshold_percent %v out of range (0,100]", s.CPUThresholdPercent)
	}
	if s.MemThresholdPercent <= 0 || s.MemThresholdPercent > 100 {
		return fmt.Errorf("mem_threshold_percent %v out of range (0,100]", s.MemThresholdPercent)
	}
	if s.ResourcePoll <= 0 {
		return fmt.Errorf("resource_poll must be positive")
	}
	if s.FetchRetries < 1 {
		return fmt.Errorf("fetch_retries must be at least 1")
	}
	return nil
}
