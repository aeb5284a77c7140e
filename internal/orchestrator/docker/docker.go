// Package docker runs connector containers on the host Docker daemon:
// image pulls, config checks, the extract/load pair, and cleanup.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"airbridge/internal/apperrors"
)

// In-container paths the connector contract fixes. The catalog mounts
// read-only; the extractor's own config and its resume state mount
// read-write, connectors are allowed to rewrite both.
const (
	containerConfigPath  = "/secrets/config.json"
	containerCatalogPath = "/secrets/catalog.json"
	containerStatePath   = "/state.json"
)

const managedByLabel = "airbridge"

// runtimeClient is the slice of the Docker API the runner uses. The real
// client satisfies it; tests substitute a fake.
type runtimeClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner executes connector containers.
type Runner struct {
	client runtimeClient
	logger *slog.Logger
	active *activeSet
}

// Config holds runner construction options.
type Config struct {
	Host   string // runtime endpoint override; empty uses the environment
	Logger *slog.Logger
}

// NewRunner connects to the Docker daemon. Endpoint resolution follows the
// environment first; when that daemon does not answer a ping the runner
// falls back to the default unix socket.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "docker")

	cli, err := connect(ctx, cfg.Host, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		client: cli,
		logger: logger,
		active: newActiveSet(),
	}, nil
}

func connect(ctx context.Context, host string, logger *slog.Logger) (*client.Client, error) {
	if host != "" {
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client for %s: %w", host, err)
		}
		return cli, nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err == nil {
		return cli, nil
	}
	cli.Close()

	logger.Warn("environment docker endpoint unreachable, falling back to default socket")
	cli, err = client.NewClientWithOpts(
		client.WithHost("unix:///var/run/docker.sock"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client on default socket: %w", err)
	}
	return cli, nil
}

// Ready checks that the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the client. Containers still in the active set are
// removed first.
func (r *Runner) Close() error {
	r.FinalCleanup(context.Background())
	return r.client.Close()
}

// EnsureImage makes the image available locally: a list check first, then
// a pull. A pull that completes without the image appearing, or a registry
// 404, classifies as ImageNotFound; other pull failures as PullFailed.
func (r *Runner) EnsureImage(ctx context.Context, ref string) error {
	present, err := r.imagePresent(ctx, ref)
	if err != nil {
		return apperrors.PullFailed(ref, err)
	}
	if present {
		return nil
	}

	r.logger.Info("pulling image", "image", ref)
	// Detached context so an HTTP-level cancellation does not abort a pull
	// that is nearly complete.
	pullCtx := context.WithoutCancel(ctx)
	reader, err := r.client.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "not found") {
			return apperrors.ImageNotFound(ref)
		}
		return apperrors.PullFailed(ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.PullFailed(ref, err)
	}

	present, err = r.imagePresent(ctx, ref)
	if err != nil {
		return apperrors.PullFailed(ref, err)
	}
	if !present {
		return apperrors.ImageNotFound(ref)
	}
	return nil
}

func (r *Runner) imagePresent(ctx context.Context, ref string) (bool, error) {
	images, err := r.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// ValidateConfig runs the connector's config check in a throwaway
// container. A non-zero exit classifies as ConfigInvalid. The container is
// removed no matter how the check ends. The source connector's config
// mounts read-write, same as during the run.
func (r *Runner) ValidateConfig(ctx context.Context, jobID, imageRef, configPath, catalogPath string, configWritable bool) error {
	bindConfig := bindRO
	if configWritable {
		bindConfig = bindRW
	}
	name := uniqueName(imageRef, "check")
	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:  imageRef,
			Cmd:    []string{"check", "--config", containerConfigPath},
			Labels: r.labels(jobID, "check"),
		},
		&container.HostConfig{
			Binds: []string{
				bindConfig(configPath, containerConfigPath),
				bindRO(catalogPath, containerCatalogPath),
			},
		},
		nil, nil, name)
	if err != nil {
		return apperrors.Internal("docker.createCheckContainer", err)
	}
	r.active.add(resp.ID, name)
	defer func() {
		r.CleanupOrphan(context.WithoutCancel(ctx), resp.ID)
	}()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return apperrors.Internal("docker.startCheckContainer", err)
	}

	exitCode, err := r.waitForExit(ctx, resp.ID)
	if err != nil {
		return apperrors.Internal("docker.waitCheckContainer", err)
	}
	if exitCode != 0 {
		return apperrors.ConfigInvalid(imageRef, exitCode)
	}
	return nil
}

// RunSpec describes one side of the extract/load pair.
type RunSpec struct {
	JobID       string
	Image       string
	ConfigPath  string
	CatalogPath string
	StatePath   string // extractor only; empty for a full refresh
	DataPath    string // extractor writes this; loader reads it
	Logger      *slog.Logger
}

// RunExtract runs the source connector. The container's stdout is the data
// stream and lands in spec.DataPath; stderr goes to the run logger.
func (r *Runner) RunExtract(ctx context.Context, spec RunSpec) error {
	logger := spec.Logger
	if logger == nil {
		logger = r.logger
	}

	cmd := []string{"read", "--config", containerConfigPath, "--catalog", containerCatalogPath}
	// The extractor may rewrite its config (token refresh) and its resume
	// state, so both mount read-write.
	binds := []string{
		bindRW(spec.ConfigPath, containerConfigPath),
		bindRO(spec.CatalogPath, containerCatalogPath),
	}
	if spec.StatePath != "" {
		cmd = append(cmd, "--state", containerStatePath)
		binds = append(binds, bindRW(spec.StatePath, containerStatePath))
	}

	name := uniqueName(spec.Image, "read")
	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    cmd,
			Labels: r.labels(spec.JobID, "read"),
		},
		&container.HostConfig{Binds: binds},
		nil, nil, name)
	if err != nil {
		return apperrors.Internal("docker.createExtractContainer", err)
	}
	r.active.add(resp.ID, name)
	defer func() {
		r.CleanupOrphan(context.WithoutCancel(ctx), resp.ID)
	}()

	if err := os.MkdirAll(filepath.Dir(spec.DataPath), 0o755); err != nil {
		return apperrors.Internal("docker.prepareDataDir", err)
	}
	dataFile, err := os.Create(spec.DataPath)
	if err != nil {
		return apperrors.Internal("docker.createDataFile", err)
	}
	defer dataFile.Close()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return apperrors.ExecutionFailed(apperrors.SideSource, spec.Image, err)
	}

	logger.Info("extractor started", "image", spec.Image, "container", name)
	if err := r.captureOutput(ctx, resp.ID, dataFile, func(line string) {
		logger.Info("extractor", "stderr", line)
	}); err != nil {
		return apperrors.ExecutionFailed(apperrors.SideSource, spec.Image, err)
	}

	exitCode, err := r.waitForExit(ctx, resp.ID)
	if err != nil {
		return apperrors.ExecutionFailed(apperrors.SideSource, spec.Image, err)
	}
	if exitCode != 0 {
		return apperrors.ExecutionFailed(apperrors.SideSource, spec.Image, fmt.Errorf("exit code %d", exitCode))
	}
	if err := dataFile.Sync(); err != nil {
		return apperrors.Internal("docker.syncDataFile", err)
	}
	return nil
}

// RunLoad runs the destination connector, feeding the staged data file
// over the container's stdin.
func (r *Runner) RunLoad(ctx context.Context, spec RunSpec) error {
	logger := spec.Logger
	if logger == nil {
		logger = r.logger
	}

	name := uniqueName(spec.Image, "write")
	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:       spec.Image,
			Cmd:         []string{"write", "--config", containerConfigPath, "--catalog", containerCatalogPath},
			Labels:      r.labels(spec.JobID, "write"),
			OpenStdin:   true,
			StdinOnce:   true,
			AttachStdin: true,
		},
		&container.HostConfig{
			Binds: []string{
				bindRO(spec.ConfigPath, containerConfigPath),
				bindRO(spec.CatalogPath, containerCatalogPath),
			},
		},
		nil, nil, name)
	if err != nil {
		return apperrors.Internal("docker.createLoadContainer", err)
	}
	r.active.add(resp.ID, name)
	defer func() {
		r.CleanupOrphan(context.WithoutCancel(ctx), resp.ID)
	}()

	attach, err := r.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return apperrors.Internal("docker.attachLoadContainer", err)
	}
	defer attach.Close()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return apperrors.ExecutionFailed(apperrors.SideDestination, spec.Image, err)
	}
	logger.Info("loader started", "image", spec.Image, "container", name)

	// Feed the staged data, then half-close so the loader sees EOF.
	feedErr := make(chan error, 1)
	go func() {
		dataFile, err := os.Open(spec.DataPath)
		if err != nil {
			feedErr <- err
			return
		}
		defer dataFile.Close()
		if _, err := io.Copy(attach.Conn, dataFile); err != nil {
			feedErr <- err
			return
		}
		feedErr <- attach.CloseWrite()
	}()

	// Drain the loader's own output into the run log.
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		r.drainLogs(ctx, resp.ID, func(line string) {
			logger.Info("loader", "output", line)
		})
	}()

	if err := <-feedErr; err != nil {
		return apperrors.ExecutionFailed(apperrors.SideDestination, spec.Image, fmt.Errorf("feeding staged data: %w", err))
	}

	exitCode, err := r.waitForExit(ctx, resp.ID)
	<-logDone
	if err != nil {
		return apperrors.ExecutionFailed(apperrors.SideDestination, spec.Image, err)
	}
	if exitCode != 0 {
		return apperrors.ExecutionFailed(apperrors.SideDestination, spec.Image, fmt.Errorf("exit code %d", exitCode))
	}
	return nil
}

// CycleSpec describes one full job run.
type CycleSpec struct {
	JobID        string
	SourceImage  string
	DestImage    string
	SourceConfig string
	DestConfig   string
	Catalog      string
	StatePath    string // checkpoint from the previous run, empty for first run
	DataPath     string // staging file for this run
	Logger       *slog.Logger
}

// RunExtractLoad drives a full cycle: pull both images, check both
// configs, extract, load. Whatever happens, the active-set cleanup runs at
// the end so no container outlives the cycle.
func (r *Runner) RunExtractLoad(ctx context.Context, spec CycleSpec) error {
	logger := spec.Logger
	if logger == nil {
		logger = r.logger
	}
	defer r.FinalCleanup(context.WithoutCancel(ctx))

	logger.Info("cycle phase", "phase", "pull")
	if err := r.EnsureImage(ctx, spec.SourceImage); err != nil {
		return err
	}
	if err := r.EnsureImage(ctx, spec.DestImage); err != nil {
		return err
	}

	logger.Info("cycle phase", "phase", "validate_source")
	if err := r.ValidateConfig(ctx, spec.JobID, spec.SourceImage, spec.SourceConfig, spec.Catalog, true); err != nil {
		return err
	}
	logger.Info("cycle phase", "phase", "validate_destination")
	if err := r.ValidateConfig(ctx, spec.JobID, spec.DestImage, spec.DestConfig, spec.Catalog, false); err != nil {
		return err
	}

	logger.Info("cycle phase", "phase", "extract")
	if err := r.RunExtract(ctx, RunSpec{
		JobID:       spec.JobID,
		Image:       spec.SourceImage,
		ConfigPath:  spec.SourceConfig,
		CatalogPath: spec.Catalog,
		StatePath:   spec.StatePath,
		DataPath:    spec.DataPath,
		Logger:      logger,
	}); err != nil {
		return err
	}

	logger.Info("cycle phase", "phase", "load")
	if err := r.RunLoad(ctx, RunSpec{
		JobID:       spec.JobID,
		Image:       spec.DestImage,
		ConfigPath:  spec.DestConfig,
		CatalogPath: spec.Catalog,
		DataPath:    spec.DataPath,
		Logger:      logger,
	}); err != nil {
		return err
	}

	logger.Info("cycle phase", "phase", "done")
	return nil
}

// CleanupOrphan stops and removes a container. A container that is already
// gone counts as success.
func (r *Runner) CleanupOrphan(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	defer r.active.remove(containerID)

	stopTimeout := 10
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("container stop failed", "container", containerID, "error", err)
	}
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apperrors.Internal("docker.removeContainer", err)
	}
	return nil
}

// FinalCleanup removes every container still tracked as active. Invoked at
// the end of every cycle and on Close.
func (r *Runner) FinalCleanup(ctx context.Context) {
	for id, name := range r.active.drain() {
		if err := r.CleanupOrphan(ctx, id); err != nil {
			r.logger.Warn("final cleanup failed", "container", name, "error", err)
		}
	}
}

// captureOutput follows the container's log stream, demultiplexing stdout
// into w and handing stderr lines to onStderr.
func (r *Runner) captureOutput(ctx context.Context, containerID string, w io.Writer, onStderr func(string)) error {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	return demux(logs, w, onStderr)
}

// demux splits a multiplexed Docker log stream: stdout frames go to w,
// stderr frames are emitted line by line via onStderr. Frames carry an
// 8-byte header whose first byte is the stream and last four the size.
func demux(logs io.Reader, w io.Writer, onStderr func(string)) error {
	var stderrBuf strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(logs, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			return err
		}

		if header[0] == 2 {
			stderrBuf.Write(payload)
			flushLines(&stderrBuf, onStderr)
			continue
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	if rest := strings.TrimSpace(stderrBuf.String()); rest != "" {
		onStderr(rest)
	}
	return nil
}

// drainLogs follows the container's combined log stream line by line.
func (r *Runner) drainLogs(ctx context.Context, containerID string, onLine func(string)) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	var buf strings.Builder
	for {
		if _, err := io.ReadFull(logs, header); err != nil {
			break
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			break
		}
		buf.Write(payload)
		flushLines(&buf, onLine)
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		onLine(rest)
	}
}

// flushLines emits complete lines from buf, keeping any partial tail.
func flushLines(buf *strings.Builder, emit func(string)) {
	s := buf.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(s[:idx]))
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line != "" {
			emit(line)
		}
	}
	buf.Reset()
	buf.WriteString(s[idx+1:])
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (r *Runner) labels(jobID, op string) map[string]string {
	return map[string]string{
		"managed-by": managedByLabel,
		"job.id":     jobID,
		"job.op":     op,
	}
}

func bindRO(hostPath, containerPath string) string {
	return hostPath + ":" + containerPath + ":ro"
}

func bindRW(hostPath, containerPath string) string {
	return hostPath + ":" + containerPath + ":rw"
}
