// Package logsink ships per-run log files to an external destination.
// Shipping is asynchronous: batches are queued in a bounded channel and
// delivered by a worker pool with retries. A full queue drops the batch
// rather than blocking the scheduler pass.
package logsink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"

	"airbridge/internal/observability"
	"airbridge/pkg/backoff"
)

// ErrQueueFull is returned when the shipper's queue is full and the batch
// is dropped.
var ErrQueueFull = errors.New("log sink queue full, batch dropped")

// ErrShipperClosed is returned by Enqueue after Close.
var ErrShipperClosed = errors.New("log shipper is closed")

// Line is one timestamped log line from a run.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Batch is the shipped unit: all lines of one run of one job.
type Batch struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
	Lines []Line `json:"lines"`
}

// Sink delivers a batch to its destination.
type Sink interface {
	Ship(ctx context.Context, b Batch) error
}

// ReadRunLog loads a run's out.log into a batch, stamping each line with
// the read time.
func ReadRunLog(jobID, runID, path string) (Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return Batch{}, fmt.Errorf("opening run log %s: %w", path, err)
	}
	defer f.Close()

	b := Batch{JobID: jobID, RunID: runID}
	now := time.Now().UTC()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if text == "" {
			continue
		}
		b.Lines = append(b.Lines, Line{Timestamp: now, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return Batch{}, fmt.Errorf("reading run log %s: %w", path, err)
	}
	return b, nil
}

// HTTPSink posts batches as NDJSON to <URL>/<jobID>/<runID>.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSink) Ship(ctx context.Context, b Batch) error {
	var buf bytes.Buffer
	for _, line := range b.Lines {
		fmt.Fprintf(&buf, "%s %s\n", line.Timestamp.Format(time.RFC3339Nano), line.Text)
	}

	url := strings.TrimRight(s.URL, "/") + "/" + b.JobID + "/" + b.RunID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shipping logs to %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

// ObjectSink writes batches to an object store under
// logs/<jobID>/<runID>.log.
type ObjectSink struct {
	Client *minio.Client
	Bucket string
}

func (s *ObjectSink) Ship(ctx context.Context, b Batch) error {
	if s.Client == nil {
		return errors.New("no object store configured")
	}
	var buf bytes.Buffer
	for _, line := range b.Lines {
		fmt.Fprintf(&buf, "%s %s\n", line.Timestamp.Format(time.RFC3339Nano), line.Text)
	}
	key := fmt.Sprintf("logs/%s/%s.log", b.JobID, b.RunID)
	_, err := s.Client.PutObject(ctx, s.Bucket, key, &buf, int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("shipping logs to %s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

// Stats holds shipper counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Shipped    int64
	Failed     int64
	Dropped    int64
}

// Config tunes the shipper. Zero values use defaults.
type Config struct {
	Workers   int
	QueueSize int
	Retry     backoff.Policy
	Metrics   *observability.Metrics // nil disables metric recording
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.Retry.Attempts < 1 {
		c.Retry = backoff.Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Attempts: 3, Jitter: true}
	}
	return c
}

// Shipper is the async delivery pump in front of a Sink.
type Shipper struct {
	sink    Sink
	queue   chan Batch
	config  Config
	metrics *observability.Metrics
	logger  *slog.Logger

	queued  atomic.Int64
	shipped atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	wg sync.WaitGroup

	// mu serializes Enqueue against Close so a late Enqueue can never send
	// on the closed queue.
	mu     sync.Mutex
	closed bool
}

// NewShipper starts the worker pool over sink.
func NewShipper(sink Sink, cfg Config, logger *slog.Logger) *Shipper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Shipper{
		sink:    sink,
		queue:   make(chan Batch, cfg.QueueSize),
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "logsink"),
	}
	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.worker()
	}
	return s
}

// Enqueue queues a batch for delivery without blocking.
func (s *Shipper) Enqueue(b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShipperClosed
	}
	select {
	case s.queue <- b:
		s.queued.Add(1)
		s.metrics.RecordSinkQueueDepth(context.Background(), int64(len(s.queue)))
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("log batch dropped, queue full", "job", b.JobID, "run", b.RunID)
		return ErrQueueFull
	}
}

// Stats returns current shipper counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		QueueDepth: len(s.queue),
		Queued:     s.queued.Load(),
		Shipped:    s.shipped.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Close stops intake and drains queued batches until ctx expires.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("log shipper drain interrupted: %w", ctx.Err())
	}
}

func (s *Shipper) worker() {
	defer s.wg.Done()
	for b := range s.queue {
		err := backoff.Retry(context.Background(), s.config.Retry, func(ctx context.Context) error {
			return s.sink.Ship(ctx, b)
		})
		if err != nil {
			s.failed.Add(1)
			s.metrics.RecordSinkFailed(context.Background())
			s.logger.Error("log batch delivery failed", "job", b.JobID, "run", b.RunID, "error", err)
			continue
		}
		s.shipped.Add(1)
		s.metrics.RecordSinkShipped(context.Background())
	}
}
